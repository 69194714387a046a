// Package exchange adapts public exchange tickers into pricing providers.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"settlehub/services/settled/config"
	"settlehub/services/settled/pricing"
)

// ErrUnknownMarket is returned when an exchange lists neither direction of a pair.
var ErrUnknownMarket = errors.New("exchange: unknown market")

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// tickerFunc returns the last traded price of base quoted in quote.
type tickerFunc func(ctx context.Context, base, quote string) (decimal.Decimal, error)

// Provider is a rate limited, caching pricing.Provider over one exchange.
type Provider struct {
	name    string
	ticker  tickerFunc
	limiter *rate.Limiter
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price   pricing.Price
	expires time.Time
}

// Option customises a Provider.
type Option func(*Provider)

// WithRateLimit bounds outbound requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Provider) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCacheTTL sets how long a quote is reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func newProvider(name string, ticker tickerFunc, opts ...Option) *Provider {
	p := &Provider{
		name:   name,
		ticker: ticker,
		ttl:    10 * time.Second,
		now:    time.Now,
		cache:  make(map[string]cachedPrice),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements pricing.Provider.
func (p *Provider) Name() string { return p.name }

// Price returns how many to units one from unit buys. The direct market is
// tried first, then the inverse market.
func (p *Provider) Price(ctx context.Context, from, to string) (pricing.Price, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	key := from + "/" + to
	if cached, ok := p.cached(key); ok {
		return cached, nil
	}

	value, err := p.fetch(ctx, from, to)
	if err != nil {
		inverse, inverseErr := p.fetch(ctx, to, from)
		if inverseErr != nil {
			return pricing.Price{}, fmt.Errorf("%s %s: %w", p.name, key, errors.Join(err, inverseErr))
		}
		if !inverse.IsPositive() {
			return pricing.Price{}, fmt.Errorf("%s %s: non-positive inverse price", p.name, key)
		}
		value = decimal.NewFromInt(1).Div(inverse)
	}
	price := pricing.Price{Source: from, Target: to, Price: value, Timestamp: p.now()}
	p.store(key, price)
	return price, nil
}

func (p *Provider) fetch(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return decimal.Zero, err
		}
	}
	return p.ticker(ctx, base, quote)
}

func (p *Provider) cached(key string) (pricing.Price, bool) {
	if p.ttl <= 0 {
		return pricing.Price{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[key]
	if !ok || !p.now().Before(entry.expires) {
		return pricing.Price{}, false
	}
	return entry.price, true
}

func (p *Provider) store(key string, price pricing.Price) {
	if p.ttl <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cachedPrice{price: price, expires: p.now().Add(p.ttl)}
}

// Registry constructs exchange providers based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
	CacheTTL   time.Duration
}

// NewRegistry builds a registry whose client is instrumented with otelhttp.
func NewRegistry(cacheTTL time.Duration) *Registry {
	return &Registry{
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(newTransport()),
		},
		CacheTTL: cacheTTL,
	}
}

// newTransport negotiates HTTP/2 with exchanges and pings idle connections
// so a silently dropped ticker connection is replaced before the next quote.
func newTransport() *http.Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	h2, err := http2.ConfigureTransports(base)
	if err != nil {
		return base
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 10 * time.Second
	return base
}

// Build creates a provider from the supplied configuration.
func (r *Registry) Build(cfg config.ProviderConfig) (*Provider, error) {
	opts := []Option{WithCacheTTL(r.CacheTTL), WithRateLimit(cfg.RateLimit, cfg.Burst)}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "kraken":
		return NewKraken(r.client(), label(cfg.Name, "Kraken"), cfg.Endpoint, opts...), nil
	case "binance":
		return NewBinance(r.client(), label(cfg.Name, "Binance"), cfg.Endpoint, opts...), nil
	default:
		return nil, fmt.Errorf("unknown exchange type %q", cfg.Type)
	}
}

func (r *Registry) client() HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

func getJSON(ctx context.Context, client HTTPDoer, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode: %w", err)
	}
	return resp.StatusCode, nil
}
