package pricing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name   string
	mu     sync.Mutex
	quotes map[string]string
	calls  []string
}

func newStub(name string, quotes map[string]string) *stubProvider {
	return &stubProvider{name: name, quotes: quotes}
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Price(_ context.Context, from, to string) (Price, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := from + "/" + to
	s.calls = append(s.calls, key)
	raw, ok := s.quotes[key]
	if !ok {
		return Price{}, fmt.Errorf("%s: no market %s", s.name, key)
	}
	return Price{Source: from, Target: to, Price: decimal.RequireFromString(raw), Timestamp: time.Now()}, nil
}

type fixture struct {
	kraken   *stubProvider
	binance  *stubProvider
	dex      *stubProvider
	resolver *Resolver
}

func newFixture(t *testing.T, kraken, binance, dex map[string]string) fixture {
	t.Helper()
	f := fixture{
		kraken:  newStub("Kraken", kraken),
		binance: newStub("Binance", binance),
		dex:     newStub("DEX", dex),
	}
	resolver, err := NewResolver(Classes{
		Fiats:       []string{"EUR", "CHF", "USD", "GBP"},
		Stablecoins: []string{"USDT", "USDC", "DAI"},
		BTC:         "BTC",
		DEXNative:   []string{"DFI"},
	}, Providers{
		FiatPrimary:     []Provider{f.kraken},
		FiatReference:   []Provider{f.binance},
		CryptoPrimary:   []Provider{f.binance},
		CryptoReference: []Provider{f.kraken},
		DEX:             []Provider{f.dex},
	})
	require.NoError(t, err)
	f.resolver = resolver
	return f
}

func get(t *testing.T, r *Resolver, from, to string) Result {
	t.Helper()
	res, err := r.GetPrice(context.Background(), Request{Context: "BuyCrypto", CorrelationID: "1", From: from, To: to})
	require.NoError(t, err)
	return res
}

func providers(res Result) []string {
	out := make([]string, len(res.Path))
	for i, step := range res.Path {
		out[i] = step.Provider
	}
	return out
}

func TestMatchingAssetsUseFixedPrice(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	res := get(t, f.resolver, "BTC", "BTC")
	require.Equal(t, "1", res.Price.Price.String())
	require.Equal(t, []string{FixedPriceProvider}, providers(res))
	require.Equal(t, "BTC", res.Price.Source)
	require.Equal(t, "BTC", res.Price.Target)
	require.False(t, res.Path[0].Timestamp.IsZero())
}

func TestFiatToAltcoinMultipliesHops(t *testing.T) {
	f := newFixture(t,
		map[string]string{"GBP/BTC": "0.000058"},
		map[string]string{"GBP/BTC": "0.000058", "BTC/BNB": "71.3"},
		nil)
	res := get(t, f.resolver, "GBP", "BNB")
	require.Equal(t, "0.0041354", res.Price.Price.String())
	require.Equal(t, "GBP", res.Price.Source)
	require.Equal(t, "BNB", res.Price.Target)
	require.Equal(t, []string{"Kraken", "Binance"}, providers(res))
	require.Equal(t, "BTC", res.Path[0].Price.Target)
	require.Equal(t, "BTC", res.Path[1].Price.Source)
	require.Equal(t, "71.3", res.Path[1].Price.Price.String())
}

func TestAltcoinToAltcoinRoutesThroughBTC(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ETH/BTC": "0.081", "BTC/BNB": "71.3"},
		map[string]string{"ETH/BTC": "0.081", "BTC/BNB": "71.3"},
		nil)
	res := get(t, f.resolver, "ETH", "BNB")
	require.Equal(t, "5.7753", res.Price.Price.String())
	require.Equal(t, []string{"Binance", "Binance"}, providers(res))
}

func TestSingleHopShapes(t *testing.T) {
	f := newFixture(t,
		map[string]string{"USD/BTC": "0.00005", "BNB/BTC": "0.014"},
		map[string]string{"USD/BTC": "0.00005", "BNB/BTC": "0.014", "BTC/ETH": "12.38"},
		nil)

	res := get(t, f.resolver, "USD", "BTC")
	require.Equal(t, "0.00005", res.Price.Price.String())
	require.Equal(t, []string{"Kraken"}, providers(res))

	res = get(t, f.resolver, "BNB", "BTC")
	require.Equal(t, "0.014", res.Price.Price.String())
	require.Equal(t, []string{"Binance"}, providers(res))

	res = get(t, f.resolver, "BTC", "ETH")
	require.Equal(t, "12.38", res.Price.Price.String())
	require.Len(t, res.Path, 1)
}

func TestStablecoinShapes(t *testing.T) {
	f := newFixture(t, map[string]string{"EUR/USD": "1.1"}, nil, nil)

	res := get(t, f.resolver, "USD", "USDC")
	require.Equal(t, "1", res.Price.Price.String())
	require.Equal(t, []string{FixedPriceProvider}, providers(res))
	require.Equal(t, "USDC", res.Price.Target)

	res = get(t, f.resolver, "USDT", "USDC")
	require.Equal(t, []string{FixedPriceProvider}, providers(res))

	res = get(t, f.resolver, "EUR", "USDC")
	require.Equal(t, "1.1", res.Price.Price.String())
	require.Equal(t, []string{"Kraken"}, providers(res))
	require.Equal(t, "USDC", res.Price.Target)
	require.Contains(t, f.kraken.calls, "EUR/USD")
}

func TestCryptoStablecoinShapes(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ETH/USDT": "2001"},
		map[string]string{"ETH/USDT": "2000", "BTC/USD": "64000", "USDC/BTC": "0.0000156", "USDT/ETH": "0.0005"},
		nil)

	res := get(t, f.resolver, "ETH", "USDT")
	require.Equal(t, "2000", res.Price.Price.String())
	require.Equal(t, []string{"Binance"}, providers(res))
	require.Equal(t, "USDT", res.Price.Target)

	// DAI has no market of its own, so the USD quote stands in for it.
	res = get(t, f.resolver, "BTC", "DAI")
	require.Equal(t, "64000", res.Price.Price.String())
	require.Equal(t, "DAI", res.Price.Target)
	require.Contains(t, f.binance.calls, "BTC/DAI")
	require.Contains(t, f.binance.calls, "BTC/USD")

	res = get(t, f.resolver, "USDC", "BTC")
	require.Equal(t, "0.0000156", res.Price.Price.String())
	require.Len(t, res.Path, 1)

	res = get(t, f.resolver, "USDT", "ETH")
	require.Equal(t, "0.0005", res.Price.Price.String())
	require.Equal(t, "USDT", res.Price.Source)
}

func TestFiatToDEXNativeUsesDEXQuote(t *testing.T) {
	f := newFixture(t, map[string]string{"EUR/BTC": "0.000049"}, nil, map[string]string{"BTC/DFI": "23111"})
	res := get(t, f.resolver, "EUR", "DFI")
	require.Equal(t, "1.132439", res.Price.Price.String())
	require.Equal(t, []string{"Kraken", "DEX"}, providers(res))
}

func TestReferenceMismatchStopsResolution(t *testing.T) {
	f := newFixture(t,
		map[string]string{"EUR/BTC": "0.00005"},
		map[string]string{"EUR/BTC": "0.0000510"},
		nil)
	_, err := f.resolver.GetPrice(context.Background(), Request{From: "EUR", To: "BTC"})
	require.ErrorIs(t, err, ErrPriceMismatch)

	within := newFixture(t,
		map[string]string{"EUR/BTC": "0.00005"},
		map[string]string{"EUR/BTC": "0.0000502"},
		nil)
	res := get(t, within.resolver, "EUR", "BTC")
	require.Equal(t, "0.00005", res.Price.Price.String())
}

func TestPrimaryFallsThroughProviders(t *testing.T) {
	broken := newStub("Broken", nil)
	good := newStub("Good", map[string]string{"EUR/BTC": "0.00002"})
	step, err := NewPriceStep(StepOptions{Primary: ProviderOptions{Providers: []Provider{broken, good}}})
	require.NoError(t, err)
	res, err := step.Execute(context.Background(), "EUR", "BTC")
	require.NoError(t, err)
	require.Equal(t, "Good", res.Provider)
	require.Equal(t, []string{"EUR/BTC"}, broken.calls)
}

func TestFallbackCurrencyAndFactor(t *testing.T) {
	provider := newStub("Kraken", map[string]string{"CHF/USDT": "1.123456"})
	step, err := NewPriceStep(StepOptions{
		Primary: ProviderOptions{Providers: []Provider{provider}, Fallback: "USDT"},
		Factor:  decimal.RequireFromString("1.01"),
	})
	require.NoError(t, err)
	res, err := step.Execute(context.Background(), "CHF", "USDC")
	require.NoError(t, err)
	require.Equal(t, "1.1347", res.Price.Price.String())
	require.Equal(t, "USDC", res.Price.Target)
}

func TestMissingPrimaryQuoteFails(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	_, err := f.resolver.GetPrice(context.Background(), Request{From: "EUR", To: "BTC"})
	require.ErrorIs(t, err, ErrNoQuote)

	_, err = f.resolver.GetPrice(context.Background(), Request{From: "BTC", To: "EUR"})
	require.ErrorIs(t, err, ErrNoPath)
}

func TestConstructionValidation(t *testing.T) {
	_, err := NewPriceStep(StepOptions{})
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = NewPriceStep(StepOptions{FixedPrice: "one"})
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = NewPricePath("empty")
	require.ErrorIs(t, err, ErrInvalidPath)

	stub := newStub("Kraken", nil)
	first, err := NewPriceStep(StepOptions{From: Input, To: "BTC", Primary: ProviderOptions{Providers: []Provider{stub}}})
	require.NoError(t, err)
	second, err := NewPriceStep(StepOptions{From: "ETH", To: Output, Primary: ProviderOptions{Providers: []Provider{stub}}})
	require.NoError(t, err)
	_, err = NewPricePath("broken", first, second)
	require.ErrorIs(t, err, ErrInvalidPath)

	open, err := NewPriceStep(StepOptions{Primary: ProviderOptions{Providers: []Provider{stub}}})
	require.NoError(t, err)
	_, err = NewPricePath("placeholder", open, open)
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = NewResolver(Classes{}, Providers{})
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestRoundSignificant(t *testing.T) {
	require.Equal(t, "1234.6", roundSignificant(decimal.RequireFromString("1234.5678"), 5).String())
	require.Equal(t, "0.00012346", roundSignificant(decimal.RequireFromString("0.000123456"), 5).String())
	require.Equal(t, "123460", roundSignificant(decimal.RequireFromString("123456"), 5).String())
}

func TestDEXPathsRequireDEXProviders(t *testing.T) {
	kraken := newStub("Kraken", map[string]string{"EUR/BTC": "0.00002"})
	resolver, err := NewResolver(Classes{
		Fiats:     []string{"EUR"},
		BTC:       "BTC",
		DEXNative: []string{"DFI"},
	}, Providers{
		FiatPrimary:   []Provider{kraken},
		CryptoPrimary: []Provider{kraken},
	})
	require.NoError(t, err)

	_, err = resolver.GetPrice(context.Background(), Request{From: "EUR", To: "DFI"})
	require.ErrorIs(t, err, ErrNoPath)
	require.Equal(t, "0.00002", get(t, resolver, "EUR", "BTC").Price.Price.String())
}

func TestSymbolsFoldCompatibilityForms(t *testing.T) {
	require.Equal(t, "USDT", normalise(" ＵＳＤＴ "))
	require.Equal(t, "EUR", normalise("eur"))

	f := newFixture(t, nil, nil, nil)
	res := get(t, f.resolver, "ｕｓｄｔ", "USDC")
	require.Equal(t, []string{FixedPriceProvider}, providers(res))
}
