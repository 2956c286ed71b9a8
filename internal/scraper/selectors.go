package scraper

import (
	"encoding/json"
	"fmt"
	"os"
)

type SelectorConfig struct {
	Offers OfferSelectors `json:"offers"`
}

// OfferSelectors locate the parts of one offer card. Element selectors are
// evaluated inside the card; Fraction and Cents inside a price element.
type OfferSelectors struct {
	Card          string `json:"card"`
	Title         string `json:"title"`
	Link          string `json:"link"`
	Image         string `json:"image"`
	Highlight     string `json:"highlight"`
	Installments  string `json:"installments"`
	PreviousPrice string `json:"previous_price"`
	CurrentPrice  string `json:"current_price"`
	Fraction      string `json:"fraction"`
	Cents         string `json:"cents"`
}

// LoadSelectors loads the selector configuration from the specified JSON file.
func LoadSelectors(path string) (SelectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SelectorConfig{}, fmt.Errorf("failed to read selector config file: %w", err)
	}

	return LoadSelectorsFromBytes(data)
}

// LoadSelectorsFromBytes parses selector configuration from raw JSON bytes.
// Selectors missing from data keep their default.
func LoadSelectorsFromBytes(data []byte) (SelectorConfig, error) {
	config := DefaultSelectors()
	if err := json.Unmarshal(data, &config); err != nil {
		return SelectorConfig{}, fmt.Errorf("failed to parse selector config JSON: %w", err)
	}
	if config.Offers.Card == "" {
		return SelectorConfig{}, fmt.Errorf("selector config has no card selector")
	}
	return config, nil
}

// DefaultSelectors returns the fallback configuration if no JSON file is loaded.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		Offers: OfferSelectors{
			Card:          "div.andes-card.poly-card",
			Title:         "h3.poly-component__title-wrapper",
			Link:          "a.poly-component__title",
			Image:         "img.poly-component__picture",
			Highlight:     "span.poly-component__highlight",
			Installments:  "span.poly-price__installments",
			PreviousPrice: "s.andes-money-amount--previous",
			CurrentPrice:  "span.andes-money-amount--cents-superscript",
			Fraction:      "span.andes-money-amount__fraction",
			Cents:         "span.andes-money-amount__cents",
		},
	}
}
