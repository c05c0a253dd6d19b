package browser

import (
	"errors"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"tcp reset", errors.New("page load: net::ERR_CONNECTION_RESET"), true, false},
		{"tcp fin", errors.New("net::ERR_CONNECTION_CLOSED"), true, false},
		{"timeout", errors.New("navigation: net::ERR_TIMED_OUT"), true, false},
		{"proxy tunnel", errors.New("net::ERR_TUNNEL_CONNECTION_FAILED"), false, true},
		{"proxy auth", errors.New("407 Proxy Authentication Required"), false, true},
		{"proxy down", errors.New("net::ERR_PROXY_CONNECTION_FAILED"), false, true},
		{"unrelated", errors.New("element 'h1' not found"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientNetworkError(tt.err); got != tt.transient {
				t.Errorf("IsTransientNetworkError() = %v, want %v", got, tt.transient)
			}
			if got := IsPermanentProxyError(tt.err); got != tt.permanent {
				t.Errorf("IsPermanentProxyError() = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestErrorDescription(t *testing.T) {
	if got := ErrorDescription(errors.New("net::ERR_CONNECTION_RESET at 10.0.0.1")); got != "ERR_CONNECTION_RESET (TCP RST)" {
		t.Errorf("ErrorDescription() = %q", got)
	}
}

func TestUsedConditionReason(t *testing.T) {
	tests := []struct {
		name            string
		characteristics map[string]string
		wantUsed        bool
	}{
		{"used slash form", map[string]string{"Состояние": "Б/у"}, true},
		{"used plain form", map[string]string{"Состояние": "бу"}, true},
		{"english key", map[string]string{"Condition": "used б.у."}, true},
		{"new", map[string]string{"Состояние": "Новое"}, false},
		{"unrelated key", map[string]string{"Цвет": "буро-малиновый"}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := usedConditionReason(tt.characteristics)
			if (reason != "") != tt.wantUsed {
				t.Errorf("usedConditionReason(%v) = %q, wantUsed=%v", tt.characteristics, reason, tt.wantUsed)
			}
		})
	}
}
