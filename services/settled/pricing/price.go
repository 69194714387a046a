// Package pricing resolves exchange rates between assets through configured
// chains of hops, cross-checking each hop against a reference source.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceMismatch is returned when primary and reference quotes diverge.
	ErrPriceMismatch = errors.New("pricing: price mismatch")
	// ErrInvalidPath is returned when a step or path is malformed.
	ErrInvalidPath = errors.New("pricing: invalid path")
	// ErrNoQuote is returned when no provider in a list yields a quote.
	ErrNoQuote = errors.New("pricing: no provider quote")
	// ErrNoPath is returned when no path shape connects two assets.
	ErrNoPath = errors.New("pricing: no price path")
)

// FixedPriceProvider names the provider of constant hops.
const FixedPriceProvider = "FixedPrice"

// Price quotes how many Target units one Source unit buys.
type Price struct {
	Source    string
	Target    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Invert swaps source and target.
func (p Price) Invert() Price {
	out := Price{Source: p.Target, Target: p.Source, Timestamp: p.Timestamp}
	if !p.Price.IsZero() {
		out.Price = decimal.NewFromInt(1).Div(p.Price)
	}
	return out
}

// Valid reports whether the price is usable for conversion.
func (p Price) Valid() bool {
	return p.Price.IsPositive()
}

// Provider quotes exchange rates.
type Provider interface {
	Name() string
	Price(ctx context.Context, from, to string) (Price, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	Label string
	Fn    func(ctx context.Context, from, to string) (Price, error)
}

// Name implements Provider.
func (p ProviderFunc) Name() string { return p.Label }

// Price implements Provider.
func (p ProviderFunc) Price(ctx context.Context, from, to string) (Price, error) {
	if p.Fn == nil {
		return Price{}, fmt.Errorf("pricing: provider %s not configured", p.Label)
	}
	return p.Fn(ctx, from, to)
}

func providerNames(providers []Provider) string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			names = append(names, p.Name())
		}
	}
	return strings.Join(names, ",")
}
