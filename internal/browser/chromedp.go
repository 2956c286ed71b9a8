package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

// ChromeEngine drives a local Chrome through the DevTools protocol.
type ChromeEngine struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

// LaunchChrome starts a Chrome process. The process outlives ctx and is
// stopped by Close.
func LaunchChrome(ctx context.Context, opts Options) (*ChromeEngine, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// The first Run on a fresh context starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	slog.Info("Chrome browser launched", "headless", opts.Headless)
	return &ChromeEngine{allocCtx: allocCtx, allocCancel: allocCancel, browserCtx: browserCtx, cancel: cancel}, nil
}

func (e *ChromeEngine) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	s := &chromeSession{ctx: tabCtx, cancel: cancel}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	// The first Run allocates the tab and binds it to the context it receives.
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	if len(opts.StorageState) > 0 {
		if err := s.restore(ctx, opts.StorageState); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (e *ChromeEngine) Close() error {
	err := chromedp.Cancel(e.browserCtx)
	e.cancel()
	e.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close chrome: %w", err)
	}
	return nil
}

// pendingCapture tracks the response ClickAndCapture is waiting for.
type pendingCapture struct {
	match     ResponseMatcher
	requestID network.RequestID
	finished  chan network.RequestID
	failed    chan string
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	capture *pendingCapture
}

// run executes actions on the tab, bounded by the deadline and cancellation of ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultActionTimeout)
	}
	runCtx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) onEvent(ev any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.capture
	if c == nil {
		return
	}
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if c.requestID == "" && c.match(e.Response.URL, int(e.Response.Status)) {
			c.requestID = e.RequestID
		}
	case *network.EventLoadingFinished:
		if c.requestID != "" && e.RequestID == c.requestID {
			select {
			case c.finished <- e.RequestID:
			default:
			}
		}
	case *network.EventLoadingFailed:
		if c.requestID != "" && e.RequestID == c.requestID {
			select {
			case c.failed <- e.ErrorText:
			default:
			}
		}
	}
}

func (s *chromeSession) restore(ctx context.Context, raw []byte) error {
	state, err := ParseStorageState(raw)
	if err != nil {
		return err
	}
	for _, c := range state.Cookies {
		if err := s.AddCookie(ctx, c.Record()); err != nil {
			slog.Warn("Failed to restore cookie", "name", c.Name, "domain", c.Domain, "error", err)
		}
	}
	for _, o := range state.Origins {
		if len(o.LocalStorage) == 0 {
			continue
		}
		script, err := localStorageScript(o)
		if err != nil {
			return fmt.Errorf("encode local storage for %s: %w", o.Origin, err)
		}
		err = s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
		if err != nil {
			return fmt.Errorf("restore local storage for %s: %w", o.Origin, err)
		}
	}
	return nil
}

func (s *chromeSession) AddCookie(ctx context.Context, c models.CookieRecord) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.SetCookie(c.Name, c.Value).
			WithURL(c.URL).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly).
			WithSameSite(chromeSameSite(c.SameSite))
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(c.Expires, 0))
			params = params.WithExpires(&expires)
		}
		return params.Do(ctx)
	}))
}

func (s *chromeSession) Goto(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (s *chromeSession) CurrentURL(ctx context.Context) (string, error) {
	var location string
	if err := s.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *chromeSession) ClickAndCapture(ctx context.Context, selector string, match ResponseMatcher) ([]byte, error) {
	c := &pendingCapture{
		match:    match,
		finished: make(chan network.RequestID, 1),
		failed:   make(chan string, 1),
	}
	s.mu.Lock()
	s.capture = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.capture = nil
		s.mu.Unlock()
	}()

	if err := s.Click(ctx, selector); err != nil {
		return nil, err
	}

	var id network.RequestID
	select {
	case id = <-c.finished:
	case reason := <-c.failed:
		return nil, fmt.Errorf("matched request failed: %s", reason)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for response: %w", ctx.Err())
	}

	var body []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

func (s *chromeSession) StorageState(ctx context.Context) ([]byte, error) {
	var (
		cookies []*network.Cookie
		origin  string
		entries []StateEntry
	)
	err := s.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(`location.origin`, &origin),
		chromedp.Evaluate(`(() => {
  try {
    return Object.entries(window.localStorage).map(([name, value]) => ({name, value}));
  } catch (_) { return []; }
})()`, &entries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to export storage state: %w", err)
	}

	state := StorageState{Cookies: make([]StateCookie, 0, len(cookies)), Origins: []StateOrigin{}}
	for _, c := range cookies {
		expires := c.Expires
		if c.Session {
			expires = -1
		}
		state.Cookies = append(state.Cookies, StateCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: normalizeSameSite(string(c.SameSite)),
		})
	}
	if len(entries) > 0 && origin != "" && origin != "null" {
		state.Origins = append(state.Origins, StateOrigin{Origin: origin, LocalStorage: entries})
	}
	return json.Marshal(state)
}

func (s *chromeSession) Close() error {
	s.cancel()
	return nil
}

func chromeSameSite(v string) network.CookieSameSite {
	switch v {
	case models.SameSiteStrict:
		return network.CookieSameSiteStrict
	case models.SameSiteLax:
		return network.CookieSameSiteLax
	default:
		return network.CookieSameSiteNone
	}
}
