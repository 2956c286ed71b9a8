package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

const bestSellerCard = `
<div class="andes-card poly-card poly-card--grid-card">
  <img class="poly-component__picture" src="data:image/gif;base64,R0lGOD" data-src="https://http2.mlstatic.com/D_1.webp">
  <span class="poly-component__highlight">MAIS VENDIDO</span>
  <h3 class="poly-component__title-wrapper"><a class="poly-component__title" href="https://produto.mercadolivre.com.br/MLB-1-tv-_JM?tracking_id=abc#position=1">Smart TV 50"  4K</a></h3>
  <s class="andes-money-amount andes-money-amount--previous"><span class="andes-money-amount__currency-symbol">R$</span><span class="andes-money-amount__fraction">2.999</span><span class="andes-money-amount__cents">90</span></s>
  <div class="poly-price__current"><span class="andes-money-amount andes-money-amount--cents-superscript"><span class="andes-money-amount__fraction">2.199</span><span class="andes-money-amount__cents">49</span></span></div>
  <span class="poly-price__installments">em <span>10x</span> <span class="andes-money-amount andes-money-amount--cents-comma"><span>R$</span><span>219</span><span>,</span><span>95</span></span> sem juros</span>
</div>`

const plainCard = `
<div class="andes-card poly-card">
  <span class="poly-component__highlight">OFERTA DO DIA</span>
  <h3 class="poly-component__title-wrapper"><a class="poly-component__title" href="/p/MLB2?sid=x">Fone Bluetooth</a></h3>
  <div class="poly-price__current"><span class="andes-money-amount andes-money-amount--cents-superscript"><span class="andes-money-amount__fraction">89</span></span></div>
</div>`

const untitledCard = `<div class="andes-card poly-card"><a class="poly-component__title" href="/p/MLB3"></a></div>`

func listing(cards ...string) string {
	return "<html><body><section>" + strings.Join(cards, "") + "</section></body></html>"
}

func newTestClient(t *testing.T, baseURL string, maxPages int) *Client {
	t.Helper()
	c, err := NewWithBaseURL(baseURL, maxPages, DefaultSelectors())
	if err != nil {
		t.Fatalf("NewWithBaseURL() error = %v", err)
	}
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestScrapeOffers(t *testing.T) {
	var page3Calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("Request sent without User-Agent")
		}
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, listing(bestSellerCard, plainCard, untitledCard))
		case "2":
			fmt.Fprint(w, listing(plainCard))
		default:
			page3Calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/ofertas", 3)
	products, err := c.ScrapeOffers(context.Background())
	if err != nil {
		t.Fatalf("ScrapeOffers() error = %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("Expected 3 products, got %d: %+v", len(products), products)
	}
	if n := page3Calls.Load(); n != 3 {
		t.Errorf("Expected 3 attempts for the failing page, got %d", n)
	}

	first := products[0]
	want := models.Product{
		Name:            `Smart TV 50" 4K`,
		Link:            "https://produto.mercadolivre.com.br/MLB-1-tv-_JM",
		ImageURL:        "https://http2.mlstatic.com/D_1.webp",
		PriceFrom:       3000,
		PriceTo:         2199,
		DiscountPercent: 26,
		Installments:    "em 10x R$219,95 sem juros",
		Flag:            "MAIS VENDIDO",
		Page:            1,
	}
	if first != want {
		t.Errorf("First product = %+v\nwant %+v", first, want)
	}

	second := products[1]
	if !strings.HasPrefix(second.Link, server.URL+"/p/MLB2") {
		t.Errorf("Relative link not resolved: %q", second.Link)
	}
	if second.PriceFrom != 0 || second.PriceTo != 89 || second.DiscountPercent != 0 {
		t.Errorf("Unexpected prices: %+v", second)
	}
	if second.Flag != "OFERTA DO DIA" {
		t.Errorf("Flag = %q", second.Flag)
	}
	if products[2].Page != 2 {
		t.Errorf("Expected page order to be kept, got page %d last", products[2].Page)
	}
}

func TestScrapeOffers_NoProducts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listing())
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/ofertas", 2)
	_, err := c.ScrapeOffers(context.Background())
	if !errors.Is(err, models.ErrNoProducts) {
		t.Fatalf("Expected ErrNoProducts, got %v", err)
	}
}

func TestScrapeOffers_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listing(plainCard))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, server.URL+"/ofertas", 2)
	if _, err := c.ScrapeOffers(ctx); err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestFetchHTMLContent_RejectsOtherHosts(t *testing.T) {
	c := newTestClient(t, "https://www.mercadolivre.com.br/ofertas", 1)
	_, err := c.fetchHTMLContent(context.Background(), "https://evil.example.com/ofertas")
	if !errors.Is(err, errNotAllowed) {
		t.Fatalf("Expected allowlist error, got %v", err)
	}
}

func TestNewWithBaseURL_InvalidScheme(t *testing.T) {
	if _, err := NewWithBaseURL("ftp://www.mercadolivre.com.br/ofertas", 1, DefaultSelectors()); err == nil {
		t.Error("Expected error for non-http scheme")
	}
}

func TestPageURL(t *testing.T) {
	c := newTestClient(t, "https://www.mercadolivre.com.br/ofertas?container_id=MLB779362-1", 1)
	got := c.pageURL(4)
	want := "https://www.mercadolivre.com.br/ofertas?container_id=MLB779362-1&page=4"
	if got != want {
		t.Errorf("pageURL() = %q, want %q", got, want)
	}
}

func TestLoadSelectorsFromBytes(t *testing.T) {
	sel, err := LoadSelectorsFromBytes([]byte(`{"offers":{"card":"li.promotion-item"}}`))
	if err != nil {
		t.Fatalf("LoadSelectorsFromBytes() error = %v", err)
	}
	if sel.Offers.Card != "li.promotion-item" {
		t.Errorf("Card = %q", sel.Offers.Card)
	}
	if sel.Offers.Title != DefaultSelectors().Offers.Title {
		t.Errorf("Missing selectors should keep defaults, got title %q", sel.Offers.Title)
	}

	if _, err := LoadSelectorsFromBytes([]byte(`{"offers":{"card":""}}`)); err == nil {
		t.Error("Expected error for empty card selector")
	}
	if _, err := LoadSelectorsFromBytes([]byte(`{`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadConfig_Embedded(t *testing.T) {
	t.Setenv("SELECTORS_CONFIG_PATH", "")
	if got := LoadConfig(); got != DefaultSelectors() {
		t.Errorf("Embedded selectors drifted from defaults: %+v", got)
	}
}
