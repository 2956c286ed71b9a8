package util

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// marketplaceDomains lists registrable domains NormalizeURL rewrites.
var marketplaceDomains = map[string]bool{
	"mercadolivre.com.br": true,
	"mercadolibre.com":    true,
}

// trackingParams are stripped from marketplace links before they are shared.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"tracking_id", "sid", "wid", "pdp_filters", "deal_print_id", "source",
	"c_id", "c_uid", "c_element_order", "c_campaign", "c_label", "c_element_id",
	"c_container_id", "c_tracking_id", "c_global_position",
}

// NormalizeURL removes tracking parameters, fragments and trailing slashes from
// marketplace links and forces HTTPS. Other URLs are returned unchanged.
func NormalizeURL(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, err
	}

	if !marketplaceDomains[GetDomain(rawURL)] {
		return rawURL, nil
	}

	parsedURL.Scheme = "https"
	parsedURL.Fragment = ""
	parsedURL.RawFragment = ""
	if len(parsedURL.Path) > 1 && strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path = parsedURL.Path[:len(parsedURL.Path)-1]
		// Clear RawPath to ensure String() regenerates the URL path without the trailing slash
		parsedURL.RawPath = ""
	}
	queryParams := parsedURL.Query()
	for _, param := range trackingParams {
		queryParams.Del(param)
	}
	parsedURL.RawQuery = queryParams.Encode()
	return parsedURL.String(), nil
}

// GetDomain returns the registrable domain (eTLD+1) of rawURL, or "" when the
// URL has no usable host.
func GetDomain(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsedURL.Hostname())
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
