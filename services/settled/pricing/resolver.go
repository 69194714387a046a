package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"settlehub/observability"
)

// Class is the pricing category of an asset or currency.
type Class string

// Asset classes used to pick a path shape.
const (
	ClassFiat       Class = "fiat"
	ClassBTC        Class = "btc"
	ClassAltcoin    Class = "altcoin"
	ClassStablecoin Class = "stablecoin"
	ClassDEXNative  Class = "dex_native"
)

// Path shape names.
const (
	PathMatching               = "MATCHING_ASSETS"
	PathFiatToBTC              = "FIAT_TO_BTC"
	PathAltcoinToBTC           = "ALTCOIN_TO_BTC"
	PathFiatToAltcoin          = "FIAT_TO_ALTCOIN"
	PathAltcoinToAltcoin       = "ALTCOIN_TO_ALTCOIN"
	PathBTCToAltcoin           = "BTC_TO_ALTCOIN"
	PathMatchingFiatToStable   = "MATCHING_FIAT_TO_USD_STABLE_COIN"
	PathFiatToStable           = "NON_MATCHING_FIAT_TO_USD_STABLE_COIN"
	PathStableToStable         = "USD_STABLE_COIN_TO_USD_STABLE_COIN"
	PathBTCToStable            = "BTC_TO_USD_STABLE_COIN"
	PathAltcoinToStable        = "ALTCOIN_TO_USD_STABLE_COIN"
	PathStableToBTC            = "USD_STABLE_COIN_TO_BTC"
	PathStableToAltcoin        = "USD_STABLE_COIN_TO_ALTCOIN"
	PathFiatToDEXNative        = "FIAT_TO_DEX_NATIVE"
	PathBTCToDEXNative         = "BTC_TO_DEX_NATIVE"
	PathAltcoinToDEXNative     = "ALTCOIN_TO_DEX_NATIVE"
	defaultStablecoinReference = "USD"
)

// Classes assigns currencies to pricing classes. Anything not listed is an
// altcoin.
type Classes struct {
	Fiats       []string
	Stablecoins []string
	BTC         string
	DEXNative   []string
	// USD is the fiat every stablecoin tracks.
	USD string
}

// Providers lists the quote sources per role.
type Providers struct {
	FiatPrimary     []Provider
	FiatReference   []Provider
	CryptoPrimary   []Provider
	CryptoReference []Provider
	DEX             []Provider
}

// Request asks for the price of one From unit in To.
type Request struct {
	Context       string
	CorrelationID string
	From          string
	To            string
}

// Resolver picks a path for a pair and executes it. The path table is built
// once at construction.
type Resolver struct {
	fiats     map[string]struct{}
	stables   map[string]struct{}
	dexNative map[string]struct{}
	btc       string
	usd       string
	paths     map[string]*PricePath
	threshold decimal.Decimal
	logger    *slog.Logger
	metrics   *observability.SettlementMetrics
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMismatchThreshold overrides the primary/reference tolerance.
func WithMismatchThreshold(threshold decimal.Decimal) Option {
	return func(r *Resolver) {
		if threshold.IsPositive() {
			r.threshold = threshold
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver builds the path table. Malformed paths fail construction.
func NewResolver(classes Classes, providers Providers, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		fiats:     toSet(classes.Fiats),
		stables:   toSet(classes.Stablecoins),
		dexNative: toSet(classes.DEXNative),
		btc:       normalise(classes.BTC),
		usd:       normalise(classes.USD),
		threshold: DefaultMismatchThreshold,
		logger:    slog.Default(),
		metrics:   observability.Settlement(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.btc == "" {
		r.btc = "BTC"
	}
	if r.usd == "" {
		r.usd = defaultStablecoinReference
	}
	paths, err := r.buildPaths(providers)
	if err != nil {
		return nil, err
	}
	r.paths = paths
	return r, nil
}

func (r *Resolver) buildPaths(p Providers) (map[string]*PricePath, error) {
	fiat := func(from, to string) StepOptions {
		return StepOptions{
			From:              from,
			To:                to,
			Primary:           ProviderOptions{Providers: p.FiatPrimary},
			Reference:         ProviderOptions{Providers: p.FiatReference},
			MismatchThreshold: r.threshold,
			Logger:            r.logger,
		}
	}
	crypto := func(from, to string) StepOptions {
		return StepOptions{
			From:              from,
			To:                to,
			Primary:           ProviderOptions{Providers: p.CryptoPrimary},
			Reference:         ProviderOptions{Providers: p.CryptoReference},
			MismatchThreshold: r.threshold,
			Logger:            r.logger,
		}
	}
	dex := func(from, to string) StepOptions {
		return StepOptions{
			From:              from,
			To:                to,
			Primary:           ProviderOptions{Providers: p.DEX},
			MismatchThreshold: r.threshold,
			Logger:            r.logger,
		}
	}
	fixed := func(value string) StepOptions {
		return StepOptions{FixedPrice: value, Logger: r.logger}
	}
	overwrite := fiat(Input, Output)
	overwrite.Primary.Overwrite = r.usd
	// Markets missing a given stablecoin fall back to the USD quote it tracks.
	toStable := crypto(Input, Output)
	toStable.Primary.Fallback = r.usd
	toStable.Reference.Fallback = r.usd

	table := []struct {
		name  string
		dex   bool
		steps []StepOptions
	}{
		{PathMatching, false, []StepOptions{fixed("1")}},
		{PathFiatToBTC, false, []StepOptions{fiat(Input, Output)}},
		{PathAltcoinToBTC, false, []StepOptions{crypto(Input, Output)}},
		{PathFiatToAltcoin, false, []StepOptions{fiat(Input, r.btc), crypto(r.btc, Output)}},
		{PathAltcoinToAltcoin, false, []StepOptions{crypto(Input, r.btc), crypto(r.btc, Output)}},
		{PathBTCToAltcoin, false, []StepOptions{crypto(Input, Output)}},
		{PathMatchingFiatToStable, false, []StepOptions{fixed("1")}},
		{PathFiatToStable, false, []StepOptions{overwrite}},
		{PathStableToStable, false, []StepOptions{fixed("1")}},
		{PathBTCToStable, false, []StepOptions{toStable}},
		{PathAltcoinToStable, false, []StepOptions{toStable}},
		{PathStableToBTC, false, []StepOptions{crypto(Input, Output)}},
		{PathStableToAltcoin, false, []StepOptions{crypto(Input, Output)}},
		{PathFiatToDEXNative, true, []StepOptions{fiat(Input, r.btc), dex(r.btc, Output)}},
		{PathBTCToDEXNative, true, []StepOptions{dex(Input, Output)}},
		{PathAltcoinToDEXNative, true, []StepOptions{crypto(Input, r.btc), dex(r.btc, Output)}},
	}
	paths := make(map[string]*PricePath, len(table))
	for _, entry := range table {
		// Without a DEX quote source the DEX-native paths are not offered.
		if entry.dex && len(p.DEX) == 0 {
			continue
		}
		steps := make([]*PriceStep, 0, len(entry.steps))
		for _, opts := range entry.steps {
			step, err := NewPriceStep(opts)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", entry.name, err)
			}
			steps = append(steps, step)
		}
		path, err := NewPricePath(entry.name, steps...)
		if err != nil {
			return nil, err
		}
		paths[entry.name] = path
	}
	return paths, nil
}

// Classify returns the pricing class of a currency.
func (r *Resolver) Classify(currency string) Class {
	c := normalise(currency)
	switch {
	case c == r.btc:
		return ClassBTC
	case contains(r.fiats, c):
		return ClassFiat
	case contains(r.stables, c):
		return ClassStablecoin
	case contains(r.dexNative, c):
		return ClassDEXNative
	default:
		return ClassAltcoin
	}
}

// PathFor selects the path shape connecting from and to.
func (r *Resolver) PathFor(from, to string) (*PricePath, error) {
	name, err := r.pathName(normalise(from), normalise(to))
	if err != nil {
		return nil, err
	}
	path, ok := r.paths[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no configured providers", ErrNoPath, name)
	}
	return path, nil
}

func (r *Resolver) pathName(from, to string) (string, error) {
	if from == to {
		return PathMatching, nil
	}
	fromClass, toClass := r.Classify(from), r.Classify(to)
	switch {
	case fromClass == ClassFiat && toClass == ClassBTC:
		return PathFiatToBTC, nil
	case fromClass == ClassAltcoin && toClass == ClassBTC:
		return PathAltcoinToBTC, nil
	case fromClass == ClassFiat && toClass == ClassAltcoin:
		return PathFiatToAltcoin, nil
	case fromClass == ClassAltcoin && toClass == ClassAltcoin:
		return PathAltcoinToAltcoin, nil
	case fromClass == ClassBTC && toClass == ClassAltcoin:
		return PathBTCToAltcoin, nil
	case fromClass == ClassFiat && toClass == ClassStablecoin:
		if from == r.usd {
			return PathMatchingFiatToStable, nil
		}
		return PathFiatToStable, nil
	case fromClass == ClassStablecoin && toClass == ClassStablecoin:
		return PathStableToStable, nil
	case fromClass == ClassBTC && toClass == ClassStablecoin:
		return PathBTCToStable, nil
	case fromClass == ClassAltcoin && toClass == ClassStablecoin:
		return PathAltcoinToStable, nil
	case fromClass == ClassStablecoin && toClass == ClassBTC:
		return PathStableToBTC, nil
	case fromClass == ClassStablecoin && toClass == ClassAltcoin:
		return PathStableToAltcoin, nil
	case fromClass == ClassFiat && toClass == ClassDEXNative:
		return PathFiatToDEXNative, nil
	case fromClass == ClassBTC && toClass == ClassDEXNative:
		return PathBTCToDEXNative, nil
	case fromClass == ClassAltcoin && toClass == ClassDEXNative:
		return PathAltcoinToDEXNative, nil
	}
	return "", fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrNoPath, from, fromClass, to, toClass)
}

// GetPrice resolves the price of req.From in req.To.
func (r *Resolver) GetPrice(ctx context.Context, req Request) (Result, error) {
	from, to := normalise(req.From), normalise(req.To)
	path, err := r.PathFor(from, to)
	if err != nil {
		r.metrics.RecordPriceLookup("none", "no_path")
		return Result{}, err
	}
	result, err := path.Execute(ctx, from, to)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrPriceMismatch) {
			outcome = "mismatch"
		}
		r.metrics.RecordPriceLookup(path.Name(), outcome)
		r.logger.Warn("price resolution failed",
			slog.String("context", req.Context),
			slog.String("correlation_id", req.CorrelationID),
			slog.String("path", path.Name()),
			slog.String("from", from),
			slog.String("to", to),
			slog.Any("error", err))
		return Result{}, err
	}
	r.metrics.RecordPriceLookup(path.Name(), "ok")
	return result, nil
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := normalise(v); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// normalise folds compatibility forms, so a full-width "ＵＳＤＴ" pasted into
// configuration resolves like "USDT".
func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(symbol)))
}
