package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

// Session is one browser bound to one proxy with one open page.
type Session interface {
	Page() *rod.Page
	Close()
}

// SessionFactory builds sessions; the worker asks for a new one after every
// proxy rotation.
type SessionFactory interface {
	NewSession(ctx context.Context, proxy *db.ProxyModel) (Session, error)
}

// RodFactory launches a local chromium per session through rod. One browser
// per proxy: chromium cannot swap its proxy on a live instance.
type RodFactory struct{}

var _ SessionFactory = (*RodFactory)(nil)

type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

func (f *RodFactory) NewSession(ctx context.Context, proxy *db.ProxyModel) (Session, error) {
	l := launcher.New().
		Headless(true).
		Proxy(fmt.Sprintf("%s:%d", proxy.Host, proxy.Port))

	controlUrl, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlUrl).Context(ctx)
	if err = browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if proxy.Username != "" {
		authHandler := browser.HandleAuth(proxy.Username, proxy.Password)
		go func() {
			if authErr := authHandler(); authErr != nil {
				log.GetLogger().WithError(authErr).Debug("proxy auth handler finished")
			}
		}()
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"ProxyId":   proxy.Id,
		"ProxyHost": proxy.Host,
	}).Debug("browser session created")

	return &rodSession{launcher: l, browser: browser, page: page}, nil
}

func (s *rodSession) Page() *rod.Page {
	return s.page
}

func (s *rodSession) Close() {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
	}
}
