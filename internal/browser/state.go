package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

// StorageState mirrors the playwright storage state document, which is the
// format persisted between runs regardless of engine.
type StorageState struct {
	Cookies []StateCookie `json:"cookies"`
	Origins []StateOrigin `json:"origins"`
}

type StateCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

type StateOrigin struct {
	Origin       string       `json:"origin"`
	LocalStorage []StateEntry `json:"localStorage"`
}

type StateEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseStorageState decodes a storage state document.
func ParseStorageState(raw []byte) (*StorageState, error) {
	var state StorageState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("invalid storage state: %w", err)
	}
	return &state, nil
}

// Record converts a state cookie into the shape accepted by Session.AddCookie.
func (c StateCookie) Record() models.CookieRecord {
	domain := strings.TrimPrefix(c.Domain, ".")
	path := c.Path
	if path == "" {
		path = "/"
	}
	rec := models.CookieRecord{
		Name:     c.Name,
		Value:    c.Value,
		URL:      "https://" + domain + path,
		SameSite: normalizeSameSite(c.SameSite),
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	// Session cookies are stored with expires -1.
	if c.Expires > 0 {
		rec.Expires = int64(c.Expires)
	}
	return rec
}

func normalizeSameSite(v string) string {
	switch strings.ToLower(v) {
	case "strict":
		return models.SameSiteStrict
	case "lax":
		return models.SameSiteLax
	default:
		return models.SameSiteNone
	}
}

// localStorageScript builds a script that seeds local storage for the
// given origin whenever a document of that origin loads.
func localStorageScript(o StateOrigin) (string, error) {
	origin, err := json.Marshal(o.Origin)
	if err != nil {
		return "", err
	}
	entries, err := json.Marshal(o.LocalStorage)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  if (location.origin !== %s) return;
  try {
    for (const e of %s) window.localStorage.setItem(e.name, e.value);
  } catch (_) {}
})();`, origin, entries), nil
}
