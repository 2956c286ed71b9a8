package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/playwright-community/playwright-go"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

// PlaywrightEngine drives Chromium through the playwright driver.
type PlaywrightEngine struct {
	pw        *playwright.Playwright
	browser   playwright.Browser
	userAgent string
}

// LaunchPlaywright starts the playwright driver and a Chromium instance.
func LaunchPlaywright(opts Options) (*PlaywrightEngine, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.ExecPath != "" {
		launch.ExecutablePath = playwright.String(opts.ExecPath)
	}
	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}
	slog.Info("Playwright browser launched", "headless", opts.Headless)
	return &PlaywrightEngine{pw: pw, browser: browser, userAgent: opts.UserAgent}, nil
}

func (e *PlaywrightEngine) NewSession(_ context.Context, opts SessionOptions) (Session, error) {
	contextOpts := playwright.BrowserNewContextOptions{}
	if e.userAgent != "" {
		contextOpts.UserAgent = playwright.String(e.userAgent)
	}

	// The driver reads storage state from disk, so the blob is staged in a temp file.
	if len(opts.StorageState) > 0 {
		path, err := writeTempState(opts.StorageState)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		contextOpts.StorageStatePath = playwright.String(path)
	}

	bctx, err := e.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return &playwrightSession{bctx: bctx, page: page}, nil
}

func (e *PlaywrightEngine) Close() error {
	var firstErr error
	if err := e.browser.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close browser: %w", err)
	}
	if err := e.pw.Stop(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to stop playwright: %w", err)
	}
	return firstErr
}

type playwrightSession struct {
	bctx playwright.BrowserContext
	page playwright.Page
}

func (s *playwrightSession) AddCookie(_ context.Context, c models.CookieRecord) error {
	cookie := playwright.OptionalCookie{
		Name:     c.Name,
		Value:    c.Value,
		URL:      playwright.String(c.URL),
		Secure:   playwright.Bool(c.Secure),
		HttpOnly: playwright.Bool(c.HTTPOnly),
		SameSite: playwrightSameSite(c.SameSite),
	}
	if c.Expires > 0 {
		cookie.Expires = playwright.Float(float64(c.Expires))
	}
	return s.bctx.AddCookies([]playwright.OptionalCookie{cookie})
}

func (s *playwrightSession) Goto(ctx context.Context, url string) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(timeoutMillis(ctx)),
	})
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (s *playwrightSession) CurrentURL(_ context.Context) (string, error) {
	return s.page.URL(), nil
}

func (s *playwrightSession) WaitVisible(ctx context.Context, selector string) error {
	return s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
}

func (s *playwrightSession) Fill(ctx context.Context, selector, value string) error {
	return s.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
}

func (s *playwrightSession) Click(ctx context.Context, selector string) error {
	return s.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
}

func (s *playwrightSession) ClickAndCapture(ctx context.Context, selector string, match ResponseMatcher) ([]byte, error) {
	timeout := playwright.Float(timeoutMillis(ctx))
	resp, err := s.page.ExpectResponse(
		func(r playwright.Response) bool {
			return match(r.URL(), r.Status())
		},
		func() error {
			return s.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: timeout})
		},
		playwright.PageExpectResponseOptions{Timeout: timeout},
	)
	if err != nil {
		return nil, fmt.Errorf("waiting for response: %w", err)
	}
	body, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("reading response body from %s: %w", resp.URL(), err)
	}
	return body, nil
}

func (s *playwrightSession) StorageState(_ context.Context) ([]byte, error) {
	state, err := s.bctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to export storage state: %w", err)
	}
	return json.Marshal(state)
}

func (s *playwrightSession) Close() error {
	return s.bctx.Close()
}

func playwrightSameSite(v string) *playwright.SameSiteAttribute {
	switch v {
	case models.SameSiteStrict:
		return playwright.SameSiteAttributeStrict
	case models.SameSiteLax:
		return playwright.SameSiteAttributeLax
	default:
		return playwright.SameSiteAttributeNone
	}
}

func writeTempState(state []byte) (string, error) {
	f, err := os.CreateTemp("", "storage-state-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to stage storage state: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(state); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage storage state: %w", err)
	}
	return f.Name(), nil
}
