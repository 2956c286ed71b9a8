package affiliate

import (
	"context"
	"errors"
	"sync"

	"github.com/pauljones0/ml-affiliate-bot/internal/browser"
	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

// mockSession is an in-memory browser.Session. Navigations land on the
// requested URL unless redirects says otherwise.
type mockSession struct {
	mu        sync.Mutex
	location  string
	redirects map[string]string
	hidden    map[string]bool
	gotos     []string
	cookies   []models.CookieRecord
	fills     map[string]string
	clicks    []string
	closed    bool

	opts         browser.SessionOptions
	addCookieErr func(models.CookieRecord) error
	onClick      func(s *mockSession, selector string)
	capture      func(filledURL string) ([]byte, error)
	state        []byte
}

func newMockSession() *mockSession {
	return &mockSession{
		location:  "about:blank",
		redirects: map[string]string{},
		hidden:    map[string]bool{},
		fills:     map[string]string{},
	}
}

func (s *mockSession) AddCookie(_ context.Context, c models.CookieRecord) error {
	if s.addCookieErr != nil {
		if err := s.addCookieErr(c); err != nil {
			return err
		}
	}
	s.cookies = append(s.cookies, c)
	return nil
}

func (s *mockSession) Goto(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotos = append(s.gotos, url)
	if to, ok := s.redirects[url]; ok {
		s.location = to
	} else {
		s.location = url
	}
	return nil
}

func (s *mockSession) CurrentURL(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, nil
}

func (s *mockSession) setLocation(u string) {
	s.mu.Lock()
	s.location = u
	s.mu.Unlock()
}

func (s *mockSession) WaitVisible(ctx context.Context, selector string) error {
	if s.hidden[selector] {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *mockSession) Fill(_ context.Context, selector, value string) error {
	if s.hidden[selector] {
		return errors.New("element not found")
	}
	s.fills[selector] = value
	return nil
}

func (s *mockSession) Click(_ context.Context, selector string) error {
	s.clicks = append(s.clicks, selector)
	if s.onClick != nil {
		s.onClick(s, selector)
	}
	return nil
}

func (s *mockSession) ClickAndCapture(_ context.Context, selector string, match browser.ResponseMatcher) ([]byte, error) {
	s.clicks = append(s.clicks, selector)
	if s.capture == nil {
		return nil, errors.New("no response")
	}
	return s.capture(s.fills[DefaultSite().LinkInputSelector])
}

func (s *mockSession) StorageState(context.Context) ([]byte, error) {
	return s.state, nil
}

func (s *mockSession) Close() error {
	s.closed = true
	return nil
}

func (s *mockSession) visited(url string) bool {
	for _, u := range s.gotos {
		if u == url {
			return true
		}
	}
	return false
}

// mockEngine hands out sessions built by build, recording each one.
type mockEngine struct {
	build    func(opts browser.SessionOptions) *mockSession
	sessions []*mockSession
	closed   bool
}

func (e *mockEngine) NewSession(_ context.Context, opts browser.SessionOptions) (browser.Session, error) {
	var s *mockSession
	if e.build != nil {
		s = e.build(opts)
	} else {
		s = newMockSession()
	}
	s.opts = opts
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *mockEngine) Close() error {
	e.closed = true
	return nil
}

func launcherFor(e *mockEngine, launches *int) LaunchFunc {
	return func(context.Context) (browser.Engine, error) {
		*launches++
		return e, nil
	}
}

// mockStore is an in-memory SecretStore.
type mockStore struct {
	refreshToken string
	state        []byte
	savedToken   string
	savedState   []byte
}

func (m *mockStore) LoadRefreshToken(context.Context) (string, error) { return m.refreshToken, nil }

func (m *mockStore) SaveRefreshToken(_ context.Context, token string) error {
	m.savedToken = token
	return nil
}

func (m *mockStore) LoadStorageState(context.Context) ([]byte, error) { return m.state, nil }

func (m *mockStore) SaveStorageState(_ context.Context, state []byte) error {
	m.savedState = state
	return nil
}

// mockProvider returns a fixed session or error.
type mockProvider struct {
	session *Session
	err     error
	creds   []Credential
}

func (m *mockProvider) Authenticate(_ context.Context, creds []Credential) (*Session, error) {
	m.creds = creds
	return m.session, m.err
}
