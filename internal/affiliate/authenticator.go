package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/pauljones0/ml-affiliate-bot/internal/browser"
)

const (
	defaultNavTimeout      = 30 * time.Second
	defaultSelectorTimeout = 10 * time.Second
)

// LaunchFunc starts the browser engine shared by the browser strategies.
type LaunchFunc func(ctx context.Context) (browser.Engine, error)

// Session is the single authenticated session of a batch run. Exactly one of
// Browser or Token is set.
type Session struct {
	Strategy string
	Browser  browser.Session
	Token    *oauth2.Token
	// RotatedRefreshToken is the refresh token issued in exchange for the
	// configured one. It must be persisted before the next run.
	RotatedRefreshToken string

	engine browser.Engine
}

// Close releases the browser context and engine, if any.
func (s *Session) Close() error {
	var errs []error
	if s.Browser != nil {
		if err := s.Browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Authenticator establishes an authenticated session from saved credentials.
type Authenticator struct {
	site       Site
	launch     LaunchFunc
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	navTimeout      time.Duration
	selectorTimeout time.Duration
}

// NewAuthenticator creates an Authenticator. httpClient is used for the OAuth
// exchange and may be nil.
func NewAuthenticator(site Site, launch LaunchFunc, tokenURL string, httpClient *http.Client) *Authenticator {
	return &Authenticator{
		site:       site,
		launch:     launch,
		tokenURL:   tokenURL,
		httpClient: httpClient,
		now:        time.Now,

		navTimeout:      defaultNavTimeout,
		selectorTimeout: defaultSelectorTimeout,
	}
}

var browserPriority = map[string]int{
	StrategyStoredState: 0,
	StrategyCookies:     1,
	StrategyPassword:    2,
}

// Authenticate tries each credential strategy and returns the first session
// that reaches the affiliate panel. An OAuth credential supersedes the browser
// strategies. The caller owns the returned session and must Close it.
func (a *Authenticator) Authenticate(ctx context.Context, creds []Credential) (*Session, error) {
	for _, c := range creds {
		if oc, ok := c.(OAuthRefreshToken); ok {
			return a.authenticateOAuth(ctx, oc)
		}
	}

	ordered := make([]Credential, len(creds))
	copy(ordered, creds)
	sort.SliceStable(ordered, func(i, j int) bool {
		return browserPriority[ordered[i].strategy()] < browserPriority[ordered[j].strategy()]
	})

	authErr := &AuthenticationError{}
	if len(ordered) == 0 {
		return nil, authErr
	}

	engine, err := a.launch(ctx)
	if err != nil {
		for _, c := range ordered {
			authErr.Attempts = append(authErr.Attempts, StrategyAttempt{Strategy: c.strategy(), Err: fmt.Errorf("launch browser: %w", err)})
		}
		return nil, authErr
	}

	for _, c := range ordered {
		name := c.strategy()
		slog.Info("Trying authentication strategy", "strategy", name)

		var s browser.Session
		switch v := c.(type) {
		case StoredSessionState:
			s, err = a.withStoredState(ctx, engine, v)
		case CookieSet:
			s, err = a.withCookies(ctx, engine, v)
		case UsernamePassword:
			s, err = a.withPassword(ctx, engine, v)
		default:
			err = fmt.Errorf("unsupported credential %T", c)
		}
		if err != nil {
			slog.Warn("Authentication strategy failed", "strategy", name, "error", err)
			authErr.Attempts = append(authErr.Attempts, StrategyAttempt{Strategy: name, Err: err})
			continue
		}
		slog.Info("Authenticated", "strategy", name)
		return &Session{Strategy: name, Browser: s, engine: engine}, nil
	}

	if err := engine.Close(); err != nil {
		slog.Warn("Failed to close browser engine", "error", err)
	}
	return nil, authErr
}

func (a *Authenticator) withStoredState(ctx context.Context, engine browser.Engine, c StoredSessionState) (browser.Session, error) {
	if _, err := browser.ParseStorageState(c.State); err != nil {
		return nil, &DecodeError{Source: "storage state", Err: err}
	}
	s, err := engine.NewSession(ctx, browser.SessionOptions{StorageState: c.State})
	if err != nil {
		return nil, err
	}
	if err := a.checkPanel(ctx, s); err != nil {
		closeQuietly(s)
		return nil, err
	}
	return s, nil
}

func (a *Authenticator) withCookies(ctx context.Context, engine browser.Engine, c CookieSet) (browser.Session, error) {
	cookies, err := NormalizeCookies(c.Raw, a.site.RootURL, a.now())
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, errors.New("cookie set has no usable records")
	}

	s, err := engine.NewSession(ctx, browser.SessionOptions{})
	if err != nil {
		return nil, err
	}

	// One at a time, so a rejected cookie does not take the rest down with it.
	injected := 0
	for _, cookie := range cookies {
		if err := s.AddCookie(ctx, cookie); err != nil {
			slog.Warn("Failed to inject cookie", "name", cookie.Name, "url", cookie.URL, "error", err)
			continue
		}
		injected++
	}
	slog.Info("Cookies injected", "injected", injected, "total", len(cookies))
	if injected == 0 {
		closeQuietly(s)
		return nil, errors.New("no cookie was accepted by the browser")
	}

	if err := a.checkPanel(ctx, s); err != nil {
		closeQuietly(s)
		return nil, err
	}
	return s, nil
}

func (a *Authenticator) withPassword(ctx context.Context, engine browser.Engine, c UsernamePassword) (browser.Session, error) {
	s, err := engine.NewSession(ctx, browser.SessionOptions{})
	if err != nil {
		return nil, err
	}
	if err := a.login(ctx, s, c); err != nil {
		closeQuietly(s)
		return nil, err
	}
	return s, nil
}

func (a *Authenticator) login(ctx context.Context, s browser.Session, c UsernamePassword) error {
	navCtx, cancel := context.WithTimeout(ctx, a.navTimeout)
	defer cancel()
	if err := s.Goto(navCtx, a.site.LoginURL); err != nil {
		return err
	}

	if err := a.fillAndSubmit(ctx, s, a.site.UsernameSelector, c.Username); err != nil {
		return fmt.Errorf("username step: %w", err)
	}
	if err := a.fillAndSubmit(ctx, s, a.site.PasswordSelector, c.Password); err != nil {
		return fmt.Errorf("password step: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.navTimeout)
	defer cancel()
	location, err := browser.WaitForURL(waitCtx, s, func(u string) bool {
		return a.site.OnSite(u) && !a.site.Blocked(u)
	})
	if err != nil {
		return fmt.Errorf("login did not leave %s: %w", location, err)
	}
	if a.site.Blocked(location) {
		return fmt.Errorf("login redirected to %s", location)
	}
	return nil
}

func (a *Authenticator) fillAndSubmit(ctx context.Context, s browser.Session, selector, value string) error {
	ctx, cancel := context.WithTimeout(ctx, a.selectorTimeout)
	defer cancel()
	if err := s.WaitVisible(ctx, selector); err != nil {
		return err
	}
	if err := s.Fill(ctx, selector, value); err != nil {
		return err
	}
	return s.Click(ctx, a.site.LoginSubmitSelector)
}

// checkPanel opens the affiliate panel and checks the session was not bounced to a
// login or verification page.
func (a *Authenticator) checkPanel(ctx context.Context, s browser.Session) error {
	ctx, cancel := context.WithTimeout(ctx, a.navTimeout)
	defer cancel()
	if err := s.Goto(ctx, a.site.PanelURL); err != nil {
		return fmt.Errorf("panel navigation: %w", err)
	}
	location, err := s.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("panel navigation: %w", err)
	}
	if a.site.Blocked(location) {
		return fmt.Errorf("session redirected to %s", location)
	}
	return nil
}

func closeQuietly(s browser.Session) {
	if err := s.Close(); err != nil {
		slog.Warn("Failed to close browser session", "error", err)
	}
}
