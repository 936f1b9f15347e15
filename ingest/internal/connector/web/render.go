package web

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Renderer returns the DOM of a page after scripts have run.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// BrowserRenderer renders pages in headless Chrome with stealth evasions.
// A browser is started for each Render call unless RemoteURL points at a
// running instance.
type BrowserRenderer struct {
	RemoteURL  string
	NavTimeout time.Duration
}

// Render implements Renderer.
func (r *BrowserRenderer) Render(ctx context.Context, pageURL string) ([]byte, error) {
	wsURL := r.RemoteURL
	var l *launcher.Launcher
	if wsURL == "" {
		l = launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("web: launch browser: %w", err)
		}
		wsURL = u
		defer l.Kill()
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("web: connect browser: %w", err)
	}
	if l != nil {
		defer b.Close()
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("web: create tab: %w", err)
	}
	defer page.Close()

	timeout := r.NavTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := page.Context(navCtx)
	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("web: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("web: wait load %s: %w", pageURL, err)
	}
	s, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("web: read dom %s: %w", pageURL, err)
	}
	return []byte(s), nil
}
