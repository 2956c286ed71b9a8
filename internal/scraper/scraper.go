package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pauljones0/ml-affiliate-bot/internal/config"
	"github.com/pauljones0/ml-affiliate-bot/internal/models"
	"github.com/pauljones0/ml-affiliate-bot/internal/util"
)

const (
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	pageConcurrency = 4
	pageRetries     = 2
)

type Scraper interface {
	ScrapeOffers(ctx context.Context) ([]models.Product, error)
}

type Client struct {
	httpClient    *http.Client
	selectors     SelectorConfig
	baseURL       *url.URL
	allowedDomain string
	maxPages      int
	limiter       *rate.Limiter
	backoff       util.Backoff
}

func New(cfg *config.Config, selectors SelectorConfig) (*Client, error) {
	return NewWithBaseURL(cfg.OffersURL, cfg.ScrapeMaxPages, selectors)
}

// NewWithBaseURL creates a Client for the listing at baseURL, fetching pages
// 1 through maxPages.
func NewWithBaseURL(baseURL string, maxPages int, selectors SelectorConfig) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid offers URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %s: only http and https allowed", u.Scheme)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		selectors:     selectors,
		baseURL:       u,
		allowedDomain: util.GetDomain(baseURL),
		maxPages:      maxPages,
		limiter:       rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		backoff:       util.LinearBackoff(5 * time.Second),
	}, nil
}

// ScrapeOffers fetches every listing page and returns the parsed offer cards
// in page order. Pages that keep failing are skipped; models.ErrNoProducts is
// returned when no page produced a card.
func (c *Client) ScrapeOffers(ctx context.Context) ([]models.Product, error) {
	slog.Info("Scraping offers", "url", c.baseURL.String(), "pages", c.maxPages)

	pages := make([][]models.Product, c.maxPages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageConcurrency)
	for page := 1; page <= c.maxPages; page++ {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			products, err := c.scrapePage(gctx, page)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("Skipping offers page", "page", page, "error", err)
				return nil
			}
			pages[page-1] = products
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scraping offers: %w", err)
	}

	var products []models.Product
	for _, p := range pages {
		products = append(products, p...)
	}
	if len(products) == 0 {
		return nil, models.ErrNoProducts
	}
	slog.Info("Scraped offers", "count", len(products))
	return products, nil
}

func (c *Client) scrapePage(ctx context.Context, page int) ([]models.Product, error) {
	pageURL := c.pageURL(page)

	var doc *goquery.Document
	err := util.Retry(ctx, pageRetries, c.backoff, func(attempt int) error {
		var err error
		doc, err = c.fetchHTMLContent(ctx, pageURL)
		if err != nil && attempt < pageRetries {
			slog.Warn("Offers page fetch failed, retrying", "page", page, "attempt", attempt+1, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.parseCards(doc, page), nil
}

func (c *Client) pageURL(page int) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) parseCards(doc *goquery.Document, page int) []models.Product {
	sel := c.selectors.Offers
	var products []models.Product

	doc.Find(sel.Card).Each(func(_ int, card *goquery.Selection) {
		p := models.Product{
			Name: util.CollapseSpaces(card.Find(sel.Title).First().Text()),
			Flag: util.CollapseSpaces(card.Find(sel.Highlight).First().Text()),
			Page: page,
		}

		if href, ok := card.Find(sel.Link).First().Attr("href"); ok {
			p.Link = c.absoluteURL(href)
		}
		if p.Name == "" || p.Link == "" {
			slog.Debug("Skipping offer card without title or link", "page", page)
			return
		}

		img := card.Find(sel.Image).First()
		src, _ := img.Attr("src")
		if strings.HasPrefix(src, "data:") {
			src, _ = img.Attr("data-src")
		}
		p.ImageURL = strings.TrimSpace(src)

		p.PriceFrom = math.Round(c.price(card.Find(sel.PreviousPrice).First()))
		p.PriceTo = math.Round(c.price(card.Find(sel.CurrentPrice).First()))
		p.DiscountPercent = util.DiscountPercent(p.PriceFrom, p.PriceTo)

		if inst := card.Find(sel.Installments).First(); inst.Length() > 0 {
			p.Installments = util.NormalizeInstallments(spacedText(inst))
		}

		products = append(products, p)
	})
	return products
}

func (c *Client) price(s *goquery.Selection) float64 {
	if s.Length() == 0 {
		return 0
	}
	sel := c.selectors.Offers
	return util.ParseAmount(s.Find(sel.Fraction).First().Text(), s.Find(sel.Cents).First().Text())
}

func (c *Client) absoluteURL(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := c.baseURL.ResolveReference(ref).String()
	if normalized, err := util.NormalizeURL(abs); err == nil {
		return normalized
	}
	return abs
}

// spacedText joins the text nodes under s with single spaces, so that
// adjacent inline elements ("R$", "12", ",", "34") do not run together.
func spacedText(s *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

var errNotAllowed = errors.New("URL host is not in allowlist")

func (c *Client) fetchHTMLContent(ctx context.Context, urlStr string) (*goquery.Document, error) {
	if util.GetDomain(urlStr) != c.allowedDomain {
		return nil, fmt.Errorf("security violation: %s: %w", urlStr, errNotAllowed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for URL %s: %w", urlStr, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL %s: %w", urlStr, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch URL %s: status code %d", urlStr, res.StatusCode)
	}

	return goquery.NewDocumentFromReader(res.Body)
}
