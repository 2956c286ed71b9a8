package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pauljones0/ml-affiliate-bot/internal/validator"
)

type Config struct {
	AffiliateTag string `validate:"required"`

	// Session credentials. Any subset may be set.
	StorageState      string
	StorageStatePath  string
	CookiesJSON       string
	Username          string `validate:"required_with=Password"`
	Password          string `validate:"required_with=Username"`
	OAuthClientID     string `validate:"required_with=OAuthClientSecret OAuthRefreshToken"`
	OAuthClientSecret string `validate:"required_with=OAuthClientID OAuthRefreshToken"`
	OAuthRefreshToken string `validate:"required_with=OAuthClientID OAuthClientSecret"`
	OAuthTokenURL     string `validate:"omitempty,url"`
	CreateLinkAPIURL  string `validate:"omitempty,url"`

	BrowserEngine    string `validate:"oneof=playwright chromedp"`
	BrowserHeadless  bool
	LinkRequestDelay time.Duration `validate:"gte=0"`
	LinkItemTimeout  time.Duration `validate:"gt=0"`

	OffersURL      string        `validate:"required,url"`
	ScrapeMaxPages int           `validate:"gte=1,lte=50"`
	BestSellerFlag string        `validate:"required"`
	TopPicks       int           `validate:"gte=1"`
	NotifyDelay    time.Duration `validate:"gte=0"`

	TelegramBotToken string
	TelegramChatID   string `validate:"required_with=TelegramBotToken"`

	GeminiAPIKey string
	GeminiModel  string

	ProjectID      string
	TokenStorePath string

	Port     string `validate:"required"`
	Schedule string `validate:"omitempty,cronspec"`
}

// Load reads configuration from the environment, after loading an optional
// .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		AffiliateTag:      os.Getenv("ML_AFFILIATE_TAG"),
		StorageState:      os.Getenv("ML_STORAGE_STATE"),
		StorageStatePath:  os.Getenv("ML_STORAGE_STATE_PATH"),
		CookiesJSON:       os.Getenv("ML_COOKIES_JSON"),
		Username:          os.Getenv("ML_USERNAME"),
		Password:          os.Getenv("ML_PASSWORD"),
		OAuthClientID:     os.Getenv("ML_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("ML_OAUTH_CLIENT_SECRET"),
		OAuthRefreshToken: os.Getenv("ML_OAUTH_REFRESH_TOKEN"),
		OAuthTokenURL:     os.Getenv("ML_OAUTH_TOKEN_URL"),
		CreateLinkAPIURL:  os.Getenv("ML_CREATE_LINK_API_URL"),
		BrowserEngine:     envOr("BROWSER_ENGINE", "playwright"),
		OffersURL:         envOr("ML_OFFERS_URL", "https://www.mercadolivre.com.br/ofertas"),
		BestSellerFlag:    envOr("BEST_SELLER_FLAG", "MAIS VENDIDO"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       envOr("GEMINI_MODEL", "gemini-2.5-flash"),
		ProjectID:         os.Getenv("GOOGLE_CLOUD_PROJECT"),
		TokenStorePath:    os.Getenv("TOKEN_STORE_PATH"),
		Schedule:          os.Getenv("SCHEDULE"),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		slog.Info("Defaulting to port", "port", port)
	}
	cfg.Port = port

	var err error
	if cfg.BrowserHeadless, err = envBool("BROWSER_HEADLESS", true); err != nil {
		return nil, err
	}
	if cfg.LinkRequestDelay, err = envDuration("LINK_REQUEST_DELAY", 600*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.LinkItemTimeout, err = envDuration("LINK_ITEM_TIMEOUT", 45*time.Second); err != nil {
		return nil, err
	}
	if cfg.NotifyDelay, err = envDuration("NOTIFY_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ScrapeMaxPages, err = envInt("SCRAPE_MAX_PAGES", 20); err != nil {
		return nil, err
	}
	if cfg.TopPicks, err = envInt("TOP_PICKS", 5); err != nil {
		return nil, err
	}

	if err := validator.New().ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.TelegramBotToken == "" {
		slog.Warn("TELEGRAM_BOT_TOKEN not set, Telegram notifications will be skipped")
	}
	if !cfg.HasCredentials() {
		slog.Warn("No Mercado Livre credentials configured, affiliate links will not be generated")
	}
	return cfg, nil
}

// HasCredentials reports whether at least one authentication strategy is configured.
func (c *Config) HasCredentials() bool {
	return c.StorageState != "" || c.StorageStatePath != "" || c.CookiesJSON != "" ||
		(c.Username != "" && c.Password != "") || c.OAuthRefreshToken != ""
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return i, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}
