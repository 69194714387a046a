package dex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settlehub/services/settled/assets"
	"settlehub/services/settled/pricing"
	"settlehub/services/settled/strategy"
)

// QuoteProviderName labels prices read from on-chain pools.
const QuoteProviderName = "DEX"

// QuoteProvider quotes pairs on one blockchain by test-swapping a unit amount.
type QuoteProvider struct {
	blockchain string
	registry   *assets.Registry
	strategies *strategy.Table
	now        func() time.Time
}

// NewQuoteProvider returns a pricing.Provider backed by the blockchain's pools.
func NewQuoteProvider(blockchain string, registry *assets.Registry, strategies *strategy.Table) *QuoteProvider {
	return &QuoteProvider{
		blockchain: strings.ToLower(strings.TrimSpace(blockchain)),
		registry:   registry,
		strategies: strategies,
		now:        time.Now,
	}
}

// Name implements pricing.Provider.
func (q *QuoteProvider) Name() string { return QuoteProviderName }

// Price implements pricing.Provider.
func (q *QuoteProvider) Price(ctx context.Context, from, to string) (pricing.Price, error) {
	source, ok := q.registry.Find(q.blockchain, from)
	if !ok {
		return pricing.Price{}, fmt.Errorf("dex: %s not listed on %s", from, q.blockchain)
	}
	target, ok := q.registry.Find(q.blockchain, to)
	if !ok {
		return pricing.Price{}, fmt.Errorf("dex: %s not listed on %s", to, q.blockchain)
	}
	s, err := q.strategies.For(target)
	if err != nil {
		return pricing.Price{}, err
	}
	out, err := s.TestSwap(ctx, source, target, decimal.NewFromInt(1))
	if err != nil {
		return pricing.Price{}, err
	}
	return pricing.Price{Source: source.Name, Target: target.Name, Price: out, Timestamp: q.now()}, nil
}
