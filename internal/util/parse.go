package util

import (
	"regexp"
	"strconv"
	"strings"
)

var nonNumericRegex = regexp.MustCompile(`[^\d]`)

func CleanNumericString(s string) string {
	return nonNumericRegex.ReplaceAllString(s, "")
}

// ParseAmount combines the integer and cents parts of a price rendered as
// separate elements. The integer part uses "." as thousands separator
// ("1.299" + "90" = 1299.90). An empty or non-numeric integer part yields 0.
func ParseAmount(fraction, cents string) float64 {
	whole := CleanNumericString(fraction)
	if whole == "" {
		return 0
	}
	c := CleanNumericString(cents)
	if c == "" {
		c = "0"
	}
	v, err := strconv.ParseFloat(whole+"."+c, 64)
	if err != nil {
		return 0
	}
	return v
}

// DiscountPercent returns the whole percentage off the previous price, truncated.
// It returns 0 when there is no valid previous price above the current one.
func DiscountPercent(from, to float64) int {
	if from <= 0 || to <= 0 || to >= from {
		return 0
	}
	return int((from - to) / from * 100)
}

var spaceRunRegex = regexp.MustCompile(`\s+`)

// CollapseSpaces trims s and replaces runs of whitespace with one space.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(spaceRunRegex.ReplaceAllString(s, " "))
}

var spacedCurrencyRegex = regexp.MustCompile(`R\$\s*(\d[\d.]*)\s*,\s*(\d{2})`)

// NormalizeInstallments tidies installment text scraped from split price
// elements, e.g. "10x  R$ 12 , 34 sem juros" becomes "10x R$12,34 sem juros".
func NormalizeInstallments(s string) string {
	s = CollapseSpaces(s)
	s = spacedCurrencyRegex.ReplaceAllString(s, "R$$$1,$2")
	return strings.ReplaceAll(s, "R$ ", "R$")
}
