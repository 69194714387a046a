package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const defaultKrakenEndpoint = "https://api.kraken.com"

var krakenSymbols = map[string]string{"BTC": "XBT", "DOGE": "XDG"}

// NewKraken builds a provider over Kraken's public ticker.
func NewKraken(client HTTPDoer, name, endpoint string, opts ...Option) *Provider {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		base = defaultKrakenEndpoint
	}
	return newProvider(name, func(ctx context.Context, asset, quote string) (decimal.Decimal, error) {
		pair := krakenSymbol(asset) + krakenSymbol(quote)
		var payload struct {
			Error  []string `json:"error"`
			Result map[string]struct {
				Close []string `json:"c"`
			} `json:"result"`
		}
		if _, err := getJSON(ctx, client, base+"/0/public/Ticker?pair="+url.QueryEscape(pair), &payload); err != nil {
			return decimal.Zero, fmt.Errorf("kraken: %w", err)
		}
		if len(payload.Error) > 0 {
			return decimal.Zero, fmt.Errorf("kraken: %w: %s", ErrUnknownMarket, strings.Join(payload.Error, "; "))
		}
		for _, ticker := range payload.Result {
			if len(ticker.Close) == 0 {
				continue
			}
			price, err := decimal.NewFromString(ticker.Close[0])
			if err != nil {
				return decimal.Zero, fmt.Errorf("kraken: invalid price %q", ticker.Close[0])
			}
			return price, nil
		}
		return decimal.Zero, fmt.Errorf("kraken: %w: %s", ErrUnknownMarket, pair)
	}, opts...)
}

func krakenSymbol(symbol string) string {
	if mapped, ok := krakenSymbols[symbol]; ok {
		return mapped
	}
	return symbol
}
