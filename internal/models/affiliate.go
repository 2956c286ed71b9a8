package models

// SameSite policies accepted by the browser engines.
const (
	SameSiteStrict = "Strict"
	SameSiteLax    = "Lax"
	SameSiteNone   = "None"
)

// CookieRecord is a cookie in the strict shape the browser engines accept.
// URL carries the origin; domain and path are folded into it.
type CookieRecord struct {
	Name     string
	Value    string
	URL      string
	SameSite string
	Expires  int64 // Unix seconds
	Secure   bool
	HTTPOnly bool
}

// LinkResult is the outcome of converting one product URL. Empty ShortURL/LongURL
// mean the link could not be generated.
type LinkResult struct {
	OriginalURL string
	ShortURL    string
	LongURL     string
}

// OK reports whether both affiliate URLs were generated.
func (r LinkResult) OK() bool {
	return r.ShortURL != "" && r.LongURL != ""
}
