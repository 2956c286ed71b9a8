package affiliate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pauljones0/ml-affiliate-bot/internal/browser"
	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

const loginRedirect = "https://www.mercadolivre.com.br/login?go=panel"

func newTestAuthenticator(e *mockEngine, launches *int) *Authenticator {
	a := NewAuthenticator(DefaultSite(), launcherFor(e, launches), "", nil)
	a.now = func() time.Time { return testNow }
	a.navTimeout = 300 * time.Millisecond
	a.selectorTimeout = 100 * time.Millisecond
	return a
}

// loggedOut redirects the panel to the login page.
func loggedOut(browser.SessionOptions) *mockSession {
	s := newMockSession()
	s.redirects[DefaultSite().PanelURL] = loginRedirect
	return s
}

func TestAuthenticate_StoredStateWinsOverLogin(t *testing.T) {
	engine := &mockEngine{}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	creds := []Credential{
		UsernamePassword{Username: "user", Password: "pass"},
		StoredSessionState{State: []byte(`{"cookies":[],"origins":[]}`)},
	}
	sess, err := a.Authenticate(context.Background(), creds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.Strategy != StrategyStoredState {
		t.Errorf("Strategy = %q, want %q", sess.Strategy, StrategyStoredState)
	}
	if len(engine.sessions) != 1 {
		t.Fatalf("Expected 1 browser session, got %d", len(engine.sessions))
	}
	s := engine.sessions[0]
	if string(s.opts.StorageState) != `{"cookies":[],"origins":[]}` {
		t.Errorf("Session was not opened from the stored state")
	}
	if s.visited(DefaultSite().LoginURL) {
		t.Error("Login page was visited although the stored state was valid")
	}
	if len(s.fills) != 0 {
		t.Errorf("Expected no form input, got %v", s.fills)
	}
	if launches != 1 {
		t.Errorf("Expected 1 engine launch, got %d", launches)
	}
}

func TestAuthenticate_FallsBackToCookies(t *testing.T) {
	engine := &mockEngine{}
	engine.build = func(opts browser.SessionOptions) *mockSession {
		if len(opts.StorageState) > 0 {
			return loggedOut(opts)
		}
		return newMockSession()
	}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	creds := []Credential{
		StoredSessionState{State: []byte(`{}`)},
		CookieSet{Raw: []byte(`[{"name":"ssid","value":"x","domain":".mercadolivre.com.br"},{"name":"bad","value":"y"}]`)},
	}
	sess, err := a.Authenticate(context.Background(), creds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.Strategy != StrategyCookies {
		t.Errorf("Strategy = %q, want %q", sess.Strategy, StrategyCookies)
	}
	if len(engine.sessions) != 2 {
		t.Fatalf("Expected 2 browser sessions, got %d", len(engine.sessions))
	}
	if !engine.sessions[0].closed {
		t.Error("Failed stored-state session was not closed")
	}
	if got := len(engine.sessions[1].cookies); got != 2 {
		t.Errorf("Expected 2 injected cookies, got %d", got)
	}
	if launches != 1 {
		t.Errorf("Engine launched %d times, want 1", launches)
	}
}

func TestAuthenticate_CookiesInjectedIndividually(t *testing.T) {
	engine := &mockEngine{}
	engine.build = func(browser.SessionOptions) *mockSession {
		s := newMockSession()
		s.addCookieErr = func(c models.CookieRecord) error {
			if c.Name == "rejected" {
				return errors.New("invalid cookie")
			}
			return nil
		}
		return s
	}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	creds := []Credential{CookieSet{Raw: []byte(`[{"name":"rejected","value":"1"},{"name":"ok","value":"2"}]`)}}
	if _, err := a.Authenticate(context.Background(), creds); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	s := engine.sessions[0]
	if len(s.cookies) != 1 || s.cookies[0].Name != "ok" {
		t.Errorf("Expected only the accepted cookie, got %+v", s.cookies)
	}
}

func TestAuthenticate_NoCookieAccepted(t *testing.T) {
	engine := &mockEngine{}
	engine.build = func(browser.SessionOptions) *mockSession {
		s := newMockSession()
		s.addCookieErr = func(models.CookieRecord) error { return errors.New("rejected") }
		return s
	}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	_, err := a.Authenticate(context.Background(), []Credential{CookieSet{Raw: []byte(`[{"name":"a","value":"1"}]`)}})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if engine.sessions[0].visited(DefaultSite().PanelURL) {
		t.Error("Panel navigation happened without any injected cookie")
	}
}

func TestAuthenticate_CookieDecodeError(t *testing.T) {
	engine := &mockEngine{}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	_, err := a.Authenticate(context.Background(), []Credential{CookieSet{Raw: []byte(`{broken`)}})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected *DecodeError inside the failure, got %v", err)
	}
}

func TestAuthenticate_StoredStateDecodeError(t *testing.T) {
	engine := &mockEngine{}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	_, err := a.Authenticate(context.Background(), []Credential{StoredSessionState{State: []byte(`{"cookies":`)}})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected *DecodeError inside the failure, got %v", err)
	}
	if decodeErr.Source != "storage state" {
		t.Errorf("Source = %q, want %q", decodeErr.Source, "storage state")
	}
	if len(engine.sessions) != 0 {
		t.Errorf("Expected no browser session for an unreadable state, got %d", len(engine.sessions))
	}
}

func TestAuthenticate_PasswordLogin(t *testing.T) {
	site := DefaultSite()
	engine := &mockEngine{}
	engine.build = func(browser.SessionOptions) *mockSession {
		s := newMockSession()
		s.onClick = func(s *mockSession, selector string) {
			if _, ok := s.fills[site.PasswordSelector]; ok {
				s.setLocation("https://www.mercadolivre.com.br/")
			}
		}
		return s
	}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	sess, err := a.Authenticate(context.Background(), []Credential{UsernamePassword{Username: "user@example.com", Password: "secret"}})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.Strategy != StrategyPassword {
		t.Errorf("Strategy = %q, want %q", sess.Strategy, StrategyPassword)
	}
	s := engine.sessions[0]
	if !s.visited(site.LoginURL) {
		t.Error("Login page was not visited")
	}
	if s.fills[site.UsernameSelector] != "user@example.com" || s.fills[site.PasswordSelector] != "secret" {
		t.Errorf("Unexpected form input: %v", s.fills)
	}
	if len(s.clicks) != 2 {
		t.Errorf("Expected 2 submit clicks, got %d", len(s.clicks))
	}
}

func TestAuthenticate_PasswordLoginChallenge(t *testing.T) {
	site := DefaultSite()
	engine := &mockEngine{}
	engine.build = func(browser.SessionOptions) *mockSession {
		s := newMockSession()
		s.onClick = func(s *mockSession, selector string) {
			if _, ok := s.fills[site.PasswordSelector]; ok {
				s.setLocation("https://www.mercadolivre.com.br/security/challenge?flow=2fa")
			}
		}
		return s
	}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	_, err := a.Authenticate(context.Background(), []Credential{UsernamePassword{Username: "u", Password: "p"}})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if !engine.sessions[0].closed {
		t.Error("Session was not closed after failed login")
	}
	if !engine.closed {
		t.Error("Engine was not closed after every strategy failed")
	}
}

func TestAuthenticate_AllStrategiesFail(t *testing.T) {
	engine := &mockEngine{}
	engine.build = func(opts browser.SessionOptions) *mockSession {
		s := loggedOut(opts)
		s.hidden[DefaultSite().UsernameSelector] = true
		return s
	}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	creds := []Credential{
		StoredSessionState{State: []byte(`{}`)},
		CookieSet{Raw: []byte(`[{"name":"a","value":"1"}]`)},
		UsernamePassword{Username: "u", Password: "p"},
	}

	sess, err := a.Authenticate(context.Background(), creds)
	if sess != nil {
		t.Fatal("Expected no session")
	}
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if len(authErr.Attempts) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(authErr.Attempts))
	}
	want := []string{StrategyStoredState, StrategyCookies, StrategyPassword}
	for i, a := range authErr.Attempts {
		if a.Strategy != want[i] {
			t.Errorf("Attempt %d strategy = %q, want %q", i, a.Strategy, want[i])
		}
	}
	for i, s := range engine.sessions {
		if !s.closed {
			t.Errorf("Session %d left open", i)
		}
	}
	if !engine.closed {
		t.Error("Engine left open")
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	engine := &mockEngine{}
	launches := 0
	a := newTestAuthenticator(engine, &launches)

	_, err := a.Authenticate(context.Background(), nil)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if launches != 0 {
		t.Error("Engine launched without credentials")
	}
}

func TestAuthenticate_LaunchFailure(t *testing.T) {
	a := NewAuthenticator(DefaultSite(), func(context.Context) (browser.Engine, error) {
		return nil, errors.New("chromium not installed")
	}, "", nil)

	_, err := a.Authenticate(context.Background(), []Credential{UsernamePassword{Username: "u", Password: "p"}})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "chromium not installed") {
		t.Errorf("Error does not carry the launch cause: %v", err)
	}
}

func TestAuthenticate_OAuthSupersedesBrowser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("refresh_token") != "rt-1" || r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "csecret" {
			t.Errorf("Unexpected token request: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","expires_in":21600,"refresh_token":"rt-2"}`))
	}))
	defer server.Close()

	engine := &mockEngine{}
	launches := 0
	a := NewAuthenticator(DefaultSite(), launcherFor(engine, &launches), server.URL, server.Client())

	creds := []Credential{
		StoredSessionState{State: []byte(`{}`)},
		OAuthRefreshToken{ClientID: "cid", ClientSecret: "csecret", RefreshToken: "rt-1"},
	}
	sess, err := a.Authenticate(context.Background(), creds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.Strategy != StrategyOAuth {
		t.Errorf("Strategy = %q, want %q", sess.Strategy, StrategyOAuth)
	}
	if sess.Token == nil || sess.Token.AccessToken != "at-1" {
		t.Errorf("Unexpected token: %+v", sess.Token)
	}
	if sess.RotatedRefreshToken != "rt-2" {
		t.Errorf("RotatedRefreshToken = %q, want rt-2", sess.RotatedRefreshToken)
	}
	if launches != 0 {
		t.Error("Browser launched on the OAuth path")
	}
	if err := sess.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestAuthenticate_OAuthFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token already used"}`))
	}))
	defer server.Close()

	engine := &mockEngine{}
	launches := 0
	a := NewAuthenticator(DefaultSite(), launcherFor(engine, &launches), server.URL, server.Client())

	creds := []Credential{
		UsernamePassword{Username: "u", Password: "p"},
		OAuthRefreshToken{ClientID: "cid", ClientSecret: "cs", RefreshToken: "used"},
	}
	_, err := a.Authenticate(context.Background(), creds)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if len(authErr.Attempts) != 1 || authErr.Attempts[0].Strategy != StrategyOAuth {
		t.Errorf("Unexpected attempts: %+v", authErr.Attempts)
	}
	if launches != 0 {
		t.Error("Browser launched after OAuth failure")
	}
}

func TestAuthenticate_OAuthFallsBackToConfiguredToken(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		rt := r.Form.Get("refresh_token")
		seen = append(seen, rt)
		w.Header().Set("Content-Type", "application/json")
		if rt == "rt-stale" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","expires_in":21600}`))
	}))
	defer server.Close()

	a := NewAuthenticator(DefaultSite(), nil, server.URL, server.Client())
	creds := []Credential{
		OAuthRefreshToken{ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt-stale", FallbackRefreshToken: "rt-config"},
	}
	sess, err := a.Authenticate(context.Background(), creds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if len(seen) != 2 || seen[0] != "rt-stale" || seen[1] != "rt-config" {
		t.Errorf("Token exchanges = %q, want stored then configured", seen)
	}
	if sess.RotatedRefreshToken != "rt-config" {
		t.Errorf("RotatedRefreshToken = %q, want the configured token to be persisted", sess.RotatedRefreshToken)
	}
}

func TestAuthenticate_OAuthFallbackAlsoRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	a := NewAuthenticator(DefaultSite(), nil, server.URL, server.Client())
	creds := []Credential{
		OAuthRefreshToken{ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt-stale", FallbackRefreshToken: "rt-config"},
	}
	_, err := a.Authenticate(context.Background(), creds)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %v", err)
	}
	if len(authErr.Attempts) != 2 {
		t.Errorf("Expected both tokens recorded as attempts, got %+v", authErr.Attempts)
	}
}
