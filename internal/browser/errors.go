package browser

import "strings"

// transientPatterns are network failures that may clear on retry. They bump
// the proxy's consecutive error counter instead of blocking it.
var transientPatterns = []string{
	"err_connection_closed",
	"err_connection_reset",
	"err_network_changed",
	"err_connection_timed_out",
	"err_timed_out",
	"err_empty_response",
	"connection closed",
	"connection reset",
	"net::err_aborted",
	"context deadline exceeded",
}

// permanentPatterns mean the proxy itself is broken and will not recover.
var permanentPatterns = []string{
	"err_proxy_connection_failed",
	"err_tunnel_connection_failed",
	"proxy authentication required",
	"err_proxy_auth",
	"407 proxy authentication",
}

func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

func IsPermanentProxyError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// ErrorDescription gives a short label for proxy error logging.
func ErrorDescription(err error) string {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "err_connection_closed"):
		return "ERR_CONNECTION_CLOSED (TCP FIN)"
	case strings.Contains(msg, "err_connection_reset"):
		return "ERR_CONNECTION_RESET (TCP RST)"
	case strings.Contains(msg, "err_proxy_connection_failed"):
		return "ERR_PROXY_CONNECTION_FAILED (proxy unavailable)"
	case strings.Contains(msg, "err_connection_timed_out"):
		return "ERR_CONNECTION_TIMED_OUT (TCP timeout)"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timeout"
	}

	full := err.Error()
	if len(full) > 100 {
		return full[:100]
	}

	return full
}
