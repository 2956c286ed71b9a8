package processor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pauljones0/ml-affiliate-bot/internal/config"
	"github.com/pauljones0/ml-affiliate-bot/internal/models"
	"github.com/pauljones0/ml-affiliate-bot/internal/scraper"
	"github.com/pauljones0/ml-affiliate-bot/internal/validator"
)

type Processor interface {
	ProcessOffers(ctx context.Context) error
}

type OfferProcessor struct {
	scraper   scraper.Scraper
	links     LinkGenerator // nil when no credentials are configured
	notifier  OfferNotifier
	headlines HeadlineWriter // optional
	validator *validator.Validator
	config    *config.Config
}

func New(s scraper.Scraper, links LinkGenerator, n OfferNotifier, h HeadlineWriter, cfg *config.Config) *OfferProcessor {
	return &OfferProcessor{
		scraper:   s,
		links:     links,
		notifier:  n,
		headlines: h,
		validator: validator.New(),
		config:    cfg,
	}
}

// ProcessOffers runs one pass of the pipeline: scrape the offers listing,
// keep best sellers, attach affiliate links and post the biggest discounts.
func (p *OfferProcessor) ProcessOffers(ctx context.Context) error {
	log := slog.With("run_id", uuid.NewString())

	scraped, err := p.scraper.ScrapeOffers(ctx)
	if err != nil {
		return fmt.Errorf("failed to scrape offers: %w", err)
	}
	log.Info("Successfully scraped offers", "count", len(scraped))

	offers := p.selectBestSellers(log, scraped)
	if len(offers) == 0 {
		log.Info("No best-seller offers found, nothing to send", "flag", p.config.BestSellerFlag)
		return nil
	}

	var errs []error
	if err := p.attachLinks(ctx, log, offers); err != nil {
		errs = append(errs, err)
	}

	slices.SortStableFunc(offers, func(a, b models.Product) int {
		return cmp.Compare(b.DiscountPercent, a.DiscountPercent)
	})

	sent, sendErrs := p.notifyTopPicks(ctx, log, offers)
	errs = append(errs, sendErrs...)

	log.Info("Finished processing", "offers", len(offers), "sent", sent)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(errs) > 0 {
		return fmt.Errorf("processed with errors: %w", errors.Join(errs...))
	}
	return nil
}

// selectBestSellers drops invalid and duplicate cards and keeps the ones
// carrying the configured highlight flag.
func (p *OfferProcessor) selectBestSellers(log *slog.Logger, scraped []models.Product) []models.Product {
	seen := make(map[string]bool, len(scraped))
	var offers []models.Product
	for _, product := range scraped {
		if !strings.EqualFold(strings.TrimSpace(product.Flag), p.config.BestSellerFlag) {
			continue
		}
		if err := p.validator.ValidateStruct(product); err != nil {
			log.Warn("Skipping invalid offer", "name", product.Name, "error", err)
			continue
		}
		if seen[product.Link] {
			continue
		}
		seen[product.Link] = true
		offers = append(offers, product)
	}
	log.Info("Filtered offers by flag", "flag", p.config.BestSellerFlag, "kept", len(offers))
	return offers
}

// attachLinks fills ShortURL/LongURL in place. Offers left without a link are
// shared with their original product URL.
func (p *OfferProcessor) attachLinks(ctx context.Context, log *slog.Logger, offers []models.Product) error {
	if p.links == nil {
		log.Warn("Affiliate link generation disabled, sharing original links")
		return nil
	}

	urls := make([]string, len(offers))
	for i, o := range offers {
		urls[i] = o.Link
	}

	shorts, longs, err := p.links.ResolveAll(ctx, urls, p.config.AffiliateTag)
	if err != nil {
		log.Error("Affiliate link generation failed, sharing original links", "error", err)
	}

	var generated int
	for i := range offers {
		if i < len(shorts) {
			offers[i].ShortURL = shorts[i]
		}
		if i < len(longs) {
			offers[i].LongURL = longs[i]
		}
		if offers[i].ShortURL != "" {
			generated++
		}
	}
	log.Info("Attached affiliate links", "generated", generated, "total", len(offers))

	if err != nil {
		return fmt.Errorf("affiliate links: %w", err)
	}
	return nil
}

func (p *OfferProcessor) notifyTopPicks(ctx context.Context, log *slog.Logger, offers []models.Product) (int, []error) {
	if p.notifier == nil || !p.notifier.Enabled() {
		log.Warn("Notifier not configured, skipping notifications")
		return 0, nil
	}

	picks := offers[:min(p.config.TopPicks, len(offers))]
	var sent int
	var errs []error
	for i, offer := range picks {
		if i > 0 && !sleepCtx(ctx, p.config.NotifyDelay) {
			break
		}

		headline := p.headline(ctx, log, offer)
		msgID, err := p.notifier.Send(ctx, offer, headline)
		if err != nil {
			log.Error("Error sending offer", "name", offer.Name, "error", err)
			errs = append(errs, fmt.Errorf("send %q: %w", offer.Name, err))
			continue
		}
		sent++
		log.Info("Offer sent", "name", offer.Name, "discount", offer.DiscountPercent, "message_id", msgID)
	}
	return sent, errs
}

func (p *OfferProcessor) headline(ctx context.Context, log *slog.Logger, offer models.Product) string {
	if p.headlines == nil {
		return ""
	}
	h, err := p.headlines.Headline(ctx, offer)
	if err != nil {
		log.Warn("Headline generation failed", "name", offer.Name, "error", err)
		return ""
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
