package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"settlehub/services/settled/config"
)

func TestKrakenDirectMarket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Ticker", r.URL.Path)
		require.Equal(t, "XBTEUR", r.URL.Query().Get("pair"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":  []string{},
			"result": map[string]any{"XXBTZEUR": map[string]any{"c": []string{"25000.5", "0.1"}}},
		})
	}))
	defer server.Close()

	provider := NewKraken(server.Client(), "Kraken", server.URL)
	price, err := provider.Price(context.Background(), "btc", "eur")
	require.NoError(t, err)
	require.Equal(t, "25000.5", price.Price.String())
	require.Equal(t, "BTC", price.Source)
	require.Equal(t, "EUR", price.Target)
}

func TestKrakenFallsBackToInverseMarket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pair") == "EURXBT" {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": []string{"EQuery:Unknown asset pair"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":  []string{},
			"result": map[string]any{"XXBTZEUR": map[string]any{"c": []string{"20000", "1"}}},
		})
	}))
	defer server.Close()

	provider := NewKraken(server.Client(), "Kraken", server.URL)
	price, err := provider.Price(context.Background(), "EUR", "BTC")
	require.NoError(t, err)
	require.Equal(t, "0.00005", price.Price.String())
}

func TestBinanceCachesQuotes(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Query().Get("symbol") == "BTCBNB" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		require.Equal(t, "BNBBTC", r.URL.Query().Get("symbol"))
		_ = json.NewEncoder(w).Encode(map[string]string{"symbol": "BNBBTC", "price": "0.0125"})
	}))
	defer server.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := NewBinance(server.Client(), "Binance", server.URL,
		WithCacheTTL(10*time.Second),
		WithClock(func() time.Time { return now }))

	price, err := provider.Price(context.Background(), "BTC", "BNB")
	require.NoError(t, err)
	require.Equal(t, "80", price.Price.String())
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))

	_, err = provider.Price(context.Background(), "BTC", "BNB")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))

	now = now.Add(11 * time.Second)
	_, err = provider.Price(context.Background(), "BTC", "BNB")
	require.NoError(t, err)
	require.EqualValues(t, 4, atomic.LoadInt32(&hits))
}

func TestUnknownMarketFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	provider := NewBinance(server.Client(), "Binance", server.URL, WithCacheTTL(0))
	_, err := provider.Price(context.Background(), "FOO", "BAR")
	require.ErrorIs(t, err, ErrUnknownMarket)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry(time.Second)
	provider, err := reg.Build(config.ProviderConfig{Type: "kraken", RateLimit: 1, Burst: 1})
	require.NoError(t, err)
	require.Equal(t, "Kraken", provider.Name())
	require.NotNil(t, provider.limiter)

	provider, err = reg.Build(config.ProviderConfig{Name: "binance-eu", Type: "Binance"})
	require.NoError(t, err)
	require.Equal(t, "binance-eu", provider.Name())

	_, err = reg.Build(config.ProviderConfig{Type: "ftx"})
	require.Error(t, err)
}

func TestTransportNegotiatesHTTP2(t *testing.T) {
	transport := newTransport()
	require.Contains(t, transport.TLSNextProto, "h2")
}
