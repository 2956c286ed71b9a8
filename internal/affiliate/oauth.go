package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is the Mercado Libre OAuth token endpoint.
const DefaultTokenURL = "https://api.mercadolibre.com/oauth/token"

func (a *Authenticator) authenticateOAuth(ctx context.Context, c OAuthRefreshToken) (*Session, error) {
	used := c.RefreshToken
	token, err := a.refreshToken(ctx, c)
	var attempts []StrategyAttempt
	if err != nil {
		slog.Warn("Authentication strategy failed", "strategy", StrategyOAuth, "error", err)
		attempts = append(attempts, StrategyAttempt{Strategy: StrategyOAuth, Err: err})

		if c.FallbackRefreshToken != "" && c.FallbackRefreshToken != c.RefreshToken {
			slog.Warn("Stored refresh token rejected, retrying with the configured one")
			fallback := c
			fallback.RefreshToken = c.FallbackRefreshToken
			used = fallback.RefreshToken
			token, err = a.refreshToken(ctx, fallback)
			if err != nil {
				slog.Warn("Authentication strategy failed", "strategy", StrategyOAuth, "token", "configured", "error", err)
				attempts = append(attempts, StrategyAttempt{Strategy: StrategyOAuth, Err: err})
			}
		}
	}
	if err != nil {
		return nil, &AuthenticationError{Attempts: attempts}
	}

	sess := &Session{Strategy: StrategyOAuth, Token: token}
	switch {
	case token.RefreshToken != "" && token.RefreshToken != used:
		sess.RotatedRefreshToken = token.RefreshToken
	case used != c.RefreshToken:
		// The configured token worked; it must replace the stale stored one.
		sess.RotatedRefreshToken = used
	}
	slog.Info("Authenticated", "strategy", StrategyOAuth, "rotated", sess.RotatedRefreshToken != "")
	return sess, nil
}

// refreshToken exchanges the refresh token for an access token.
func (a *Authenticator) refreshToken(ctx context.Context, c OAuthRefreshToken) (*oauth2.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return nil, errors.New("incomplete OAuth credentials")
	}
	tokenURL := a.tokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if a.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	return token, nil
}
