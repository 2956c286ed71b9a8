package affiliate

import (
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

const (
	// Expiry values above this (2050-01-01 in seconds) are taken to be milliseconds.
	millisecondThreshold = 2524608000
	defaultCookieTTL     = 7 * 24 * time.Hour
)

// NormalizeCookies converts an exported cookie array (browser extension or
// devtools dump) into records the browser engines accept. Records without a
// name or value are dropped with a warning. Only a payload that is not a JSON
// array fails, with a *DecodeError.
func NormalizeCookies(raw []byte, fallbackURL string, now time.Time) ([]models.CookieRecord, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &DecodeError{Source: "cookie set", Err: err}
	}

	cookies := make([]models.CookieRecord, 0, len(items))
	for i, item := range items {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			slog.Warn("Skipping cookie record that is not an object", "index", i)
			continue
		}
		c, ok := normalizeCookie(fields, fallbackURL, now)
		if !ok {
			slog.Warn("Skipping cookie record without name or value", "index", i, "name", fields["name"])
			continue
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}

func normalizeCookie(fields map[string]any, fallbackURL string, now time.Time) (models.CookieRecord, bool) {
	name, _ := fields["name"].(string)
	value, hasValue := fields["value"].(string)
	if name == "" || !hasValue {
		return models.CookieRecord{}, false
	}

	c := models.CookieRecord{
		Name:     name,
		Value:    value,
		URL:      cookieURL(fields, fallbackURL),
		SameSite: cookieSameSite(fields["sameSite"]),
		Expires:  cookieExpiry(fields, now),
	}
	c.Secure, _ = fields["secure"].(bool)
	c.HTTPOnly, _ = fields["httpOnly"].(bool)
	return c, true
}

func cookieURL(fields map[string]any, fallbackURL string) string {
	if u, _ := fields["url"].(string); u != "" {
		return u
	}
	domain, _ := fields["domain"].(string)
	domain = strings.TrimPrefix(domain, ".")
	domain = strings.TrimPrefix(domain, "www.")
	if domain == "" {
		return fallbackURL
	}
	path, _ := fields["path"].(string)
	if path == "" {
		path = "/"
	}
	return "https://" + domain + path
}

func cookieSameSite(v any) string {
	s, _ := v.(string)
	switch s {
	case models.SameSiteStrict, models.SameSiteLax, models.SameSiteNone:
		return s
	}
	return models.SameSiteNone
}

func cookieExpiry(fields map[string]any, now time.Time) int64 {
	fallback := now.Add(defaultCookieTTL).Unix()

	v, ok := fields["expirationDate"]
	if !ok {
		v, ok = fields["expires"]
	}
	if !ok {
		return fallback
	}
	f, isNumber := v.(float64)
	if !isNumber || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	if f > millisecondThreshold {
		f /= 1000
	}
	return int64(f)
}
