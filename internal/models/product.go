package models

import (
	"errors"
)

// ErrNoProducts is returned by the scraper when no listing page yielded a product card.
var ErrNoProducts = errors.New("no products found")

// Product represents one offer card scraped from the listing page.
type Product struct {
	Name            string  `validate:"required"`
	Link            string  `validate:"required,url"`
	ImageURL        string  `validate:"omitempty,url"`
	PriceFrom       float64 `validate:"gte=0"` // crossed-out "De" price, 0 when absent
	PriceTo         float64 `validate:"gte=0"` // current "Por" price
	DiscountPercent int     `validate:"gte=0,lte=100"`
	Installments    string
	Flag            string // highlight badge, e.g. "MAIS VENDIDO"
	Page            int

	// Filled after affiliate link generation.
	ShortURL string `validate:"omitempty,url"`
	LongURL  string `validate:"omitempty,url"`
}

// BuyURL returns the best link to share for the product.
func (p Product) BuyURL() string {
	if p.ShortURL != "" {
		return p.ShortURL
	}
	if p.LongURL != "" {
		return p.LongURL
	}
	return p.Link
}
