package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

const (
	DefaultRequestDelay = 600 * time.Millisecond
	DefaultItemTimeout  = 45 * time.Second

	// NoRequestDelay disables the pause between items.
	NoRequestDelay time.Duration = -1
)

// SessionProvider establishes the authenticated session for a batch.
type SessionProvider interface {
	Authenticate(ctx context.Context, creds []Credential) (*Session, error)
}

// GeneratorConfig holds the collaborators and pacing of a Generator.
type GeneratorConfig struct {
	Site          Site
	Auth          SessionProvider
	Credentials   []Credential
	Store         SecretStore // optional
	CreateLinkURL string
	RequestDelay  time.Duration // 0 means DefaultRequestDelay, NoRequestDelay disables it
	ItemTimeout   time.Duration
}

// Generator resolves batches of product URLs into affiliate links.
type Generator struct {
	site          Site
	auth          SessionProvider
	creds         []Credential
	store         SecretStore
	createLinkURL string
	delay         time.Duration
	itemTimeout   time.Duration

	newResolver func(ctx context.Context, sess *Session) Resolver
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	g := &Generator{
		site:          cfg.Site,
		auth:          cfg.Auth,
		creds:         cfg.Credentials,
		store:         cfg.Store,
		createLinkURL: cfg.CreateLinkURL,
		delay:         cfg.RequestDelay,
		itemTimeout:   cfg.ItemTimeout,
	}
	if g.itemTimeout <= 0 {
		g.itemTimeout = DefaultItemTimeout
	}
	switch {
	case g.delay == 0:
		g.delay = DefaultRequestDelay
	case g.delay < 0:
		g.delay = 0
	}
	g.newResolver = g.defaultResolver
	return g
}

func (g *Generator) defaultResolver(ctx context.Context, sess *Session) Resolver {
	if sess.Token != nil {
		client := oauth2.NewClient(context.WithoutCancel(ctx), oauth2.StaticTokenSource(sess.Token))
		return NewAPIResolver(g.createLinkURL, client)
	}
	return NewBrowserResolver(g.site, sess.Browser)
}

// ResolveAll converts urls into affiliate links, one at a time. The returned
// slices always have len(urls) entries; an empty string marks a URL that could
// not be converted. err is non-nil only for batch-fatal failures
// (*AuthenticationError, *SetupError) or cancellation of ctx.
func (g *Generator) ResolveAll(ctx context.Context, urls []string, tag string) (shorts, longs []string, err error) {
	shorts = make([]string, len(urls))
	longs = make([]string, len(urls))
	if len(urls) == 0 {
		return shorts, longs, nil
	}
	if tag == "" {
		slog.Warn("Affiliate tag is empty, generated links may not be attributed")
	}

	creds := withStoredSecrets(ctx, g.creds, g.store)
	sess, err := g.auth.Authenticate(ctx, creds)
	if err != nil {
		slog.Error("Could not establish an affiliate session", "error", err)
		return shorts, longs, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			slog.Warn("Failed to close affiliate session", "error", cerr)
		}
	}()
	g.persistSession(ctx, sess)

	resolver := g.newResolver(ctx, sess)
	if err := resolver.Prepare(ctx); err != nil {
		slog.Error("Link generation tool unavailable", "error", err)
		var setupErr *SetupError
		if !errors.As(err, &setupErr) {
			err = &SetupError{Step: "prepare", Err: err}
		}
		return shorts, longs, err
	}

	generated := 0
	for i, u := range urls {
		if err := ctx.Err(); err != nil {
			return shorts, longs, err
		}

		res, err := g.resolveOne(ctx, resolver, u, tag)
		if err != nil {
			slog.Warn("Failed to generate affiliate link", "url", u, "error", err)
		} else {
			shorts[i], longs[i] = res.ShortURL, res.LongURL
			generated++
			slog.Info("Affiliate link generated", "index", i+1, "total", len(urls), "url", u, "short_url", res.ShortURL)
		}

		if err := sleepCtx(ctx, g.delay); err != nil {
			return shorts, longs, err
		}
	}

	slog.Info("Affiliate batch finished", "generated", generated, "total", len(urls), "strategy", sess.Strategy)
	return shorts, longs, nil
}

// resolveOne bounds a single item by the item timeout and converts a panic
// into an item failure.
func (g *Generator) resolveOne(ctx context.Context, r Resolver, url, tag string) (res models.LinkResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, g.itemTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			res = models.LinkResult{OriginalURL: url}
			err = &ItemResolutionError{URL: url, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	res, err = r.Resolve(ctx, url, tag)
	if err == nil && !res.OK() {
		err = &ItemResolutionError{URL: url, Err: errIncompleteLink}
	}
	return res, err
}

// persistSession hands rotated secrets to the store.
func (g *Generator) persistSession(ctx context.Context, sess *Session) {
	if sess.RotatedRefreshToken != "" {
		if g.store == nil {
			slog.Error("Refresh token was rotated but no secret store is configured; the next run will fail to authenticate")
		} else if err := g.store.SaveRefreshToken(ctx, sess.RotatedRefreshToken); err != nil {
			slog.Error("Failed to persist rotated refresh token", "error", err)
		}
	}

	if g.store == nil || sess.Browser == nil {
		return
	}
	state, err := sess.Browser.StorageState(ctx)
	if err != nil {
		slog.Warn("Failed to export storage state", "error", err)
		return
	}
	if err := g.store.SaveStorageState(ctx, state); err != nil {
		slog.Warn("Failed to persist storage state", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
