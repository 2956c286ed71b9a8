package affiliate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pauljones0/ml-affiliate-bot/internal/browser"
	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

// DefaultCreateLinkURL is the endpoint the affiliate panel posts to.
const DefaultCreateLinkURL = "https://www.mercadolivre.com.br/affiliate-program/api/v2/affiliates/createLink"

const maxResponseBytes = 1 << 20

var (
	errNoURLs         = errors.New("response has no urls")
	errIncompleteLink = errors.New("response is missing short_url or long_url")
)

// Resolver converts product URLs into affiliate links over an authenticated session.
type Resolver interface {
	// Prepare checks the link generation tool is reachable. Failures are *SetupError.
	Prepare(ctx context.Context) error
	Resolve(ctx context.Context, url, tag string) (models.LinkResult, error)
}

// BrowserResolver fills the panel form and captures the createLink response.
type BrowserResolver struct {
	site    Site
	session browser.Session
}

func NewBrowserResolver(site Site, session browser.Session) *BrowserResolver {
	return &BrowserResolver{site: site, session: session}
}

func (r *BrowserResolver) Prepare(ctx context.Context) error {
	if err := r.openForm(ctx); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, defaultSelectorTimeout)
	defer cancel()
	if err := r.session.WaitVisible(waitCtx, r.site.LinkSubmitSelector); err != nil {
		return &SetupError{Step: "submit button", Err: err}
	}
	return nil
}

// openForm navigates to the panel and waits for the URL input.
func (r *BrowserResolver) openForm(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, defaultNavTimeout)
	defer cancel()
	if err := r.session.Goto(navCtx, r.site.PanelURL); err != nil {
		return &SetupError{Step: "panel navigation", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, defaultSelectorTimeout)
	defer cancel()
	if err := r.session.WaitVisible(waitCtx, r.site.LinkInputSelector); err != nil {
		return &SetupError{Step: "url input", Err: err}
	}
	return nil
}

func (r *BrowserResolver) Resolve(ctx context.Context, url, tag string) (models.LinkResult, error) {
	result := models.LinkResult{OriginalURL: url}

	// Reload the panel so every item starts from an empty form.
	if err := r.openForm(ctx); err != nil {
		return result, &ItemResolutionError{URL: url, Err: err}
	}

	fillCtx, cancel := context.WithTimeout(ctx, defaultSelectorTimeout)
	defer cancel()
	if err := r.session.Fill(fillCtx, r.site.LinkInputSelector, url); err != nil {
		return result, &ItemResolutionError{URL: url, Err: fmt.Errorf("fill url: %w", err)}
	}
	if r.site.TagSelector != "" && tag != "" {
		if err := r.session.Fill(fillCtx, r.site.TagSelector, tag); err != nil {
			return result, &ItemResolutionError{URL: url, Err: fmt.Errorf("fill tag: %w", err)}
		}
	}

	captureCtx, cancel := context.WithTimeout(ctx, defaultNavTimeout)
	defer cancel()
	body, err := r.session.ClickAndCapture(captureCtx, r.site.LinkSubmitSelector, r.site.matchCreateLink)
	if err != nil {
		return result, &ItemResolutionError{URL: url, Err: err}
	}

	result.ShortURL, result.LongURL, err = parseCreateLinkResponse(body)
	if err != nil {
		return models.LinkResult{OriginalURL: url}, &ItemResolutionError{URL: url, Err: err}
	}
	return result, nil
}

// APIResolver calls the createLink endpoint directly with an OAuth client.
type APIResolver struct {
	endpoint string
	client   *http.Client
}

// NewAPIResolver creates an APIResolver. client must attach the bearer token.
func NewAPIResolver(endpoint string, client *http.Client) *APIResolver {
	if endpoint == "" {
		endpoint = DefaultCreateLinkURL
	}
	return &APIResolver{endpoint: endpoint, client: client}
}

func (r *APIResolver) Prepare(context.Context) error {
	if r.client == nil {
		return &SetupError{Step: "api client", Err: errors.New("no authenticated client")}
	}
	return nil
}

type createLinkRequest struct {
	URLs []string `json:"urls"`
	Tag  string   `json:"tag"`
}

func (r *APIResolver) Resolve(ctx context.Context, url, tag string) (models.LinkResult, error) {
	result := models.LinkResult{OriginalURL: url}

	payload, err := json.Marshal(createLinkRequest{URLs: []string{url}, Tag: tag})
	if err != nil {
		return result, &ItemResolutionError{URL: url, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return result, &ItemResolutionError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return result, &ItemResolutionError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return result, &ItemResolutionError{URL: url, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return result, &ItemResolutionError{URL: url, Err: fmt.Errorf("createLink returned status %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	result.ShortURL, result.LongURL, err = parseCreateLinkResponse(body)
	if err != nil {
		return models.LinkResult{OriginalURL: url}, &ItemResolutionError{URL: url, Err: err}
	}
	return result, nil
}

type createLinkResponse struct {
	URLs []struct {
		ShortURL string `json:"short_url"`
		LongURL  string `json:"long_url"`
	} `json:"urls"`
}

// parseCreateLinkResponse reads the first entry of the urls array. Any further
// entries are ignored.
func parseCreateLinkResponse(body []byte) (short, long string, err error) {
	var resp createLinkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("malformed createLink response: %w", err)
	}
	if len(resp.URLs) == 0 {
		return "", "", errNoURLs
	}
	first := resp.URLs[0]
	if first.ShortURL == "" || first.LongURL == "" {
		return "", "", errIncompleteLink
	}
	return first.ShortURL, first.LongURL, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
