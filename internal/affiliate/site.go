package affiliate

import (
	"strings"

	"github.com/pauljones0/ml-affiliate-bot/internal/util"
)

// Site describes the affiliate panel the browser strategies drive.
type Site struct {
	RootURL  string
	PanelURL string
	LoginURL string

	UsernameSelector    string
	PasswordSelector    string
	LoginSubmitSelector string

	LinkInputSelector  string
	LinkSubmitSelector string
	// TagSelector is optional; the panel attaches the account's tag on its own.
	TagSelector string

	// CreateLinkPath is matched as a substring of the intercepted response URL.
	CreateLinkPath string
	// BlockedMarkers are URL fragments that mean the session is not logged in.
	BlockedMarkers []string
}

// DefaultSite returns the Mercado Livre Brazil affiliate panel layout.
func DefaultSite() Site {
	return Site{
		RootURL:             "https://www.mercadolivre.com.br/",
		PanelURL:            "https://www.mercadolivre.com.br/affiliate-program/panel",
		LoginURL:            "https://www.mercadolivre.com.br/login",
		UsernameSelector:    `input[name="user_id"]`,
		PasswordSelector:    `input[name="password"]`,
		LoginSubmitSelector: `button[type="submit"]`,
		LinkInputSelector:   `input[name="url"]`,
		LinkSubmitSelector:  `button[type="submit"]`,
		CreateLinkPath:      "affiliates/createLink",
		BlockedMarkers:      []string{"login", "security", "seguridad", "verifica", "challenge"},
	}
}

// Blocked reports whether location is a login, verification or security page.
func (s Site) Blocked(location string) bool {
	lower := strings.ToLower(location)
	for _, m := range s.BlockedMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// OnSite reports whether location belongs to the same registrable domain as RootURL.
func (s Site) OnSite(location string) bool {
	d := util.GetDomain(location)
	return d != "" && d == util.GetDomain(s.RootURL)
}

func (s Site) matchCreateLink(url string, status int) bool {
	return status == 200 && strings.Contains(url, s.CreateLinkPath)
}
