// Package browser wraps the automation engines used to drive the affiliate panel.
// Two drivers are provided: playwright-go (default) and chromedp.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

const (
	EnginePlaywright = "playwright"
	EngineChromedp   = "chromedp"

	// Used when the caller's context carries no deadline.
	defaultActionTimeout = 30 * time.Second
	urlPollInterval      = 250 * time.Millisecond
)

// Engine is a running browser process able to open isolated sessions.
type Engine interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}

// SessionOptions configure a new browsing context.
type SessionOptions struct {
	// StorageState is a serialized storage state (cookies + local storage) in the
	// playwright JSON layout. Nil opens a clean context.
	StorageState []byte
}

// ResponseMatcher selects the network response to capture.
type ResponseMatcher func(url string, status int) bool

// Session is one isolated browsing context with a single page.
// Every blocking call is bounded by the deadline of ctx.
type Session interface {
	AddCookie(ctx context.Context, cookie models.CookieRecord) error
	Goto(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// ClickAndCapture clicks selector and returns the body of the first response
	// accepted by match.
	ClickAndCapture(ctx context.Context, selector string, match ResponseMatcher) ([]byte, error)
	StorageState(ctx context.Context) ([]byte, error)
	Close() error
}

// Options configure engine launch.
type Options struct {
	Engine    string
	Headless  bool
	UserAgent string
	ExecPath  string
}

// Launch starts the engine named in opts.
func Launch(ctx context.Context, opts Options) (Engine, error) {
	switch opts.Engine {
	case "", EnginePlaywright:
		e, err := LaunchPlaywright(opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	case EngineChromedp:
		e, err := LaunchChrome(ctx, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", opts.Engine)
	}
}

// WaitForURL polls the session location until cond accepts it or ctx expires.
func WaitForURL(ctx context.Context, s Session, cond func(string) bool) (string, error) {
	ticker := time.NewTicker(urlPollInterval)
	defer ticker.Stop()
	for {
		current, err := s.CurrentURL(ctx)
		if err != nil {
			return "", err
		}
		if cond(current) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, fmt.Errorf("waiting for navigation from %s: %w", current, ctx.Err())
		case <-ticker.C:
		}
	}
}

// timeoutMillis converts the remaining budget of ctx into the millisecond
// timeout playwright expects.
func timeoutMillis(ctx context.Context) float64 {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		return float64(remaining.Milliseconds())
	}
	return float64(defaultActionTimeout.Milliseconds())
}
