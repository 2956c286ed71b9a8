package processor

import (
	"context"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

// LinkGenerator converts product URLs into affiliate links. Both returned
// slices have one entry per URL; "" marks a link that was not generated.
type LinkGenerator interface {
	ResolveAll(ctx context.Context, urls []string, tag string) (shorts, longs []string, err error)
}

// OfferNotifier abstracts the notification layer.
type OfferNotifier interface {
	Enabled() bool
	Send(ctx context.Context, p models.Product, headline string) (string, error)
}

// HeadlineWriter produces an optional one-line hook for an offer.
type HeadlineWriter interface {
	Headline(ctx context.Context, p models.Product) (string, error)
}
