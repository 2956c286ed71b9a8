package affiliate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/pauljones0/ml-affiliate-bot/internal/config"
)

// Strategy names, in the order browser strategies are tried.
const (
	StrategyStoredState = "stored_session"
	StrategyCookies     = "cookies"
	StrategyPassword    = "password"
	StrategyOAuth       = "oauth"
)

// Credential is one saved authentication artifact. The set of implementations
// is closed; each maps to exactly one strategy.
type Credential interface {
	strategy() string
}

// StoredSessionState is a serialized browser storage state.
type StoredSessionState struct {
	State []byte
}

// CookieSet is a JSON array of exported cookie records.
type CookieSet struct {
	Raw []byte
}

type UsernamePassword struct {
	Username string
	Password string
}

// OAuthRefreshToken enables the API path. Refresh tokens are single use.
type OAuthRefreshToken struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// FallbackRefreshToken is tried once when RefreshToken is rejected.
	FallbackRefreshToken string
}

func (StoredSessionState) strategy() string { return StrategyStoredState }
func (CookieSet) strategy() string          { return StrategyCookies }
func (UsernamePassword) strategy() string   { return StrategyPassword }
func (OAuthRefreshToken) strategy() string  { return StrategyOAuth }

// SecretStore persists the state that changes between runs: the rotated
// refresh token and the last good browser storage state.
type SecretStore interface {
	LoadRefreshToken(ctx context.Context) (string, error)
	SaveRefreshToken(ctx context.Context, token string) error
	LoadStorageState(ctx context.Context) ([]byte, error)
	SaveStorageState(ctx context.Context, state []byte) error
}

// CredentialsFromConfig collects every credential present in cfg.
func CredentialsFromConfig(cfg *config.Config) ([]Credential, error) {
	var creds []Credential

	state := []byte(cfg.StorageState)
	if len(state) == 0 && cfg.StorageStatePath != "" {
		data, err := os.ReadFile(cfg.StorageStatePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("Storage state file not found, skipping", "path", cfg.StorageStatePath)
		case err != nil:
			return nil, fmt.Errorf("failed to read storage state %s: %w", cfg.StorageStatePath, err)
		default:
			state = data
		}
	}
	if len(state) > 0 {
		creds = append(creds, StoredSessionState{State: state})
	}
	if cfg.CookiesJSON != "" {
		creds = append(creds, CookieSet{Raw: []byte(cfg.CookiesJSON)})
	}
	if cfg.Username != "" && cfg.Password != "" {
		creds = append(creds, UsernamePassword{Username: cfg.Username, Password: cfg.Password})
	}
	if cfg.OAuthRefreshToken != "" {
		creds = append(creds, OAuthRefreshToken{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RefreshToken: cfg.OAuthRefreshToken,
		})
	}
	return creds, nil
}

// withStoredSecrets overlays values from the secret store onto creds. A stored
// refresh token replaces the configured one, which is kept as the fallback
// for when the stored token has been revoked. A stored storage state is used
// only when none was configured.
func withStoredSecrets(ctx context.Context, creds []Credential, store SecretStore) []Credential {
	if store == nil {
		return creds
	}
	out := make([]Credential, 0, len(creds)+1)
	hasState := false
	for _, c := range creds {
		switch v := c.(type) {
		case OAuthRefreshToken:
			token, err := store.LoadRefreshToken(ctx)
			if err != nil {
				slog.Warn("Failed to load stored refresh token", "error", err)
			} else if token != "" && token != v.RefreshToken {
				v.FallbackRefreshToken = v.RefreshToken
				v.RefreshToken = token
			}
			c = v
		case StoredSessionState:
			hasState = true
		}
		out = append(out, c)
	}
	if !hasState {
		state, err := store.LoadStorageState(ctx)
		if err != nil {
			slog.Warn("Failed to load stored storage state", "error", err)
		} else if len(state) > 0 {
			out = append(out, StoredSessionState{State: state})
		}
	}
	return out
}
