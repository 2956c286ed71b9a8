package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pauljones0/ml-affiliate-bot/internal/affiliate"
	"github.com/pauljones0/ml-affiliate-bot/internal/ai"
	"github.com/pauljones0/ml-affiliate-bot/internal/browser"
	"github.com/pauljones0/ml-affiliate-bot/internal/config"
	"github.com/pauljones0/ml-affiliate-bot/internal/notifier"
	"github.com/pauljones0/ml-affiliate-bot/internal/processor"
	"github.com/pauljones0/ml-affiliate-bot/internal/scraper"
	"github.com/pauljones0/ml-affiliate-bot/internal/storage"
)

const runTimeout = 30 * time.Minute

func main() {
	once := flag.Bool("once", false, "run the offer pipeline once and exit")
	flag.Parse()

	slog.Info("Starting Mercado Livre offers bot...")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeStore, err := openSecretStore(ctx, cfg)
	if err != nil {
		slog.Error("Critical error initializing token store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	s, err := scraper.New(cfg, scraper.LoadConfig())
	if err != nil {
		slog.Error("Critical error initializing scraper", "error", err)
		os.Exit(1)
	}

	links, err := newLinkGenerator(cfg, store)
	if err != nil {
		slog.Error("Critical error loading affiliate credentials", "error", err)
		os.Exit(1)
	}

	var headlines processor.HeadlineWriter
	if aiClient, err := ai.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err != nil {
		slog.Warn("Gemini unavailable, sending offers without headlines", "error", err)
	} else if aiClient != nil {
		headlines = aiClient
	}

	n := notifier.New(cfg.TelegramBotToken, cfg.TelegramChatID)
	p := processor.New(s, links, n, headlines, cfg)
	srv := NewServer(ctx, p, runTimeout)

	if *once {
		if err := srv.Run(ctx); err != nil {
			slog.Error("Error processing offers", "error", err)
			os.Exit(1)
		}
		return
	}

	if cfg.Schedule != "" {
		c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
		if _, err := c.AddFunc(cfg.Schedule, func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("Scheduled run failed", "error", err)
			}
		}); err != nil {
			slog.Error("Invalid schedule", "schedule", cfg.Schedule, "error", err)
			os.Exit(1)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		slog.Info("Scheduled offer processing", "schedule", cfg.Schedule)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newMux(srv),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT
	go func() {
		<-ctx.Done()
		slog.Info("Received signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Listening on port", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to listen and serve", "error", err)
		os.Exit(1)
	}
	srv.Wait()
	slog.Info("Server stopped.")
}

// openSecretStore picks Firestore when a project is configured, else a local
// file when TOKEN_STORE_PATH is set. The store may be nil.
func openSecretStore(ctx context.Context, cfg *config.Config) (affiliate.SecretStore, func(), error) {
	switch {
	case cfg.ProjectID != "":
		client, err := storage.New(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using Firestore token store", "project", cfg.ProjectID)
		return client, func() {
			if err := client.Close(); err != nil {
				slog.Warn("Failed to close Firestore client", "error", err)
			}
		}, nil
	case cfg.TokenStorePath != "":
		slog.Info("Using file token store", "path", cfg.TokenStorePath)
		return storage.NewFileStore(cfg.TokenStorePath), func() {}, nil
	default:
		if cfg.OAuthRefreshToken != "" {
			slog.Warn("OAuth configured without a token store, rotated refresh tokens will be lost")
		}
		return nil, func() {}, nil
	}
}

// newLinkGenerator returns nil when there is nothing to authenticate with.
func newLinkGenerator(cfg *config.Config, store affiliate.SecretStore) (processor.LinkGenerator, error) {
	if !cfg.HasCredentials() && store == nil {
		return nil, nil
	}
	creds, err := affiliate.CredentialsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	delay := cfg.LinkRequestDelay
	if delay == 0 {
		delay = affiliate.NoRequestDelay
	}

	site := affiliate.DefaultSite()
	launch := func(ctx context.Context) (browser.Engine, error) {
		return browser.Launch(ctx, browser.Options{
			Engine:   cfg.BrowserEngine,
			Headless: cfg.BrowserHeadless,
		})
	}
	auth := affiliate.NewAuthenticator(site, launch, cfg.OAuthTokenURL, &http.Client{Timeout: 30 * time.Second})

	return affiliate.NewGenerator(affiliate.GeneratorConfig{
		Site:          site,
		Auth:          auth,
		Credentials:   creds,
		Store:         store,
		CreateLinkURL: cfg.CreateLinkAPIURL,
		RequestDelay:  delay,
		ItemTimeout:   cfg.LinkItemTimeout,
	}), nil
}
