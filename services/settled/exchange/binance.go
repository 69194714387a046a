package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const defaultBinanceEndpoint = "https://api.binance.com"

// NewBinance builds a provider over Binance's spot price ticker.
func NewBinance(client HTTPDoer, name, endpoint string, opts ...Option) *Provider {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		base = defaultBinanceEndpoint
	}
	return newProvider(name, func(ctx context.Context, asset, quote string) (decimal.Decimal, error) {
		symbol := asset + quote
		var payload struct {
			Symbol string `json:"symbol"`
			Price  string `json:"price"`
		}
		status, err := getJSON(ctx, client, base+"/api/v3/ticker/price?symbol="+url.QueryEscape(symbol), &payload)
		if err != nil {
			if status == http.StatusBadRequest {
				return decimal.Zero, fmt.Errorf("binance: %w: %s", ErrUnknownMarket, symbol)
			}
			return decimal.Zero, fmt.Errorf("binance: %w", err)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(payload.Price))
		if err != nil {
			return decimal.Zero, fmt.Errorf("binance: invalid price %q", payload.Price)
		}
		return price, nil
	}, opts...)
}
