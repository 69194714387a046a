package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Placeholders resolved from the request when a path executes.
const (
	Input  = "input"
	Output = "output"
)

// DefaultMismatchThreshold is the largest tolerated relative gap between the
// primary and reference quote.
var DefaultMismatchThreshold = decimal.RequireFromString("0.005")

// ProviderOptions lists the providers queried for one side of a step.
type ProviderOptions struct {
	Providers []Provider
	// Fallback is a target currency tried when the main target yields no quote.
	Fallback string
	// Overwrite replaces the requested target currency when querying.
	Overwrite string
}

// StepOptions configures a PriceStep.
type StepOptions struct {
	From      string
	To        string
	Primary   ProviderOptions
	Reference ProviderOptions
	// FixedPrice makes the step constant. It must parse as a decimal.
	FixedPrice string
	// Factor multiplies the resolved price. Zero disables it.
	Factor            decimal.Decimal
	MismatchThreshold decimal.Decimal
	Logger            *slog.Logger
}

// StepResult is the outcome of one hop.
type StepResult struct {
	Price     Price
	Provider  string
	Timestamp time.Time
}

// PriceStep is one immutable hop of a price path.
type PriceStep struct {
	from      string
	to        string
	primary   ProviderOptions
	reference ProviderOptions
	fixed     *decimal.Decimal
	factor    decimal.Decimal
	threshold decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// NewPriceStep validates opts and builds a step.
func NewPriceStep(opts StepOptions) (*PriceStep, error) {
	step := &PriceStep{
		from:      strings.TrimSpace(opts.From),
		to:        strings.TrimSpace(opts.To),
		primary:   copyProviderOptions(opts.Primary),
		reference: copyProviderOptions(opts.Reference),
		factor:    opts.Factor,
		threshold: opts.MismatchThreshold,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if step.from == "" {
		step.from = Input
	}
	if step.to == "" {
		step.to = Output
	}
	if step.threshold.IsZero() {
		step.threshold = DefaultMismatchThreshold
	}
	if step.logger == nil {
		step.logger = slog.Default()
	}
	if raw := strings.TrimSpace(opts.FixedPrice); raw != "" {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: fixed price %q is not numeric", ErrInvalidPath, raw)
		}
		step.fixed = &value
	} else if len(step.primary.Providers) == 0 {
		return nil, fmt.Errorf("%w: step %s -> %s has no primary provider", ErrInvalidPath, step.from, step.to)
	}
	if step.factor.IsNegative() {
		return nil, fmt.Errorf("%w: negative factor", ErrInvalidPath)
	}
	return step, nil
}

func copyProviderOptions(in ProviderOptions) ProviderOptions {
	out := ProviderOptions{
		Fallback:  strings.TrimSpace(in.Fallback),
		Overwrite: strings.TrimSpace(in.Overwrite),
	}
	for _, p := range in.Providers {
		if p != nil {
			out.Providers = append(out.Providers, p)
		}
	}
	return out
}

// From returns the configured source, possibly the Input placeholder.
func (s *PriceStep) From() string { return s.from }

// To returns the configured target, possibly the Output placeholder.
func (s *PriceStep) To() string { return s.to }

// Execute resolves the step for the given request currencies, which replace
// the Input and Output placeholders.
func (s *PriceStep) Execute(ctx context.Context, from, to string) (StepResult, error) {
	source, target := s.from, s.to
	if source == Input {
		if from == "" {
			return StepResult{}, fmt.Errorf("pricing: no source to replace %q placeholder", Input)
		}
		source = from
	}
	if target == Output {
		if to == "" {
			return StepResult{}, fmt.Errorf("pricing: no target to replace %q placeholder", Output)
		}
		target = to
	}

	var (
		price    Price
		provider string
		err      error
	)
	if s.fixed != nil {
		price = Price{Source: source, Target: target, Price: *s.fixed, Timestamp: s.now()}
		provider = FixedPriceProvider
	} else {
		price, provider, err = s.matchingPrice(ctx, source, target)
		if err != nil {
			return StepResult{}, err
		}
	}
	if !s.factor.IsZero() {
		price.Price = roundSignificant(price.Price.Mul(s.factor), 5)
	}
	return StepResult{Price: price, Provider: provider, Timestamp: s.now()}, nil
}

func (s *PriceStep) matchingPrice(ctx context.Context, from, to string) (Price, string, error) {
	primary, primaryName, err := s.quote(ctx, "primary", from, to, s.primary)
	if err != nil {
		return Price{}, "", err
	}
	if !primary.Valid() {
		return Price{}, "", fmt.Errorf("%w: %s returned non-positive price for %s -> %s", ErrNoQuote, primaryName, from, to)
	}
	reference, referenceName, err := s.quote(ctx, "reference", from, to, s.reference)
	if err != nil {
		s.logger.Warn("proceeding without reference check",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("providers", providerNames(s.reference.Providers)),
			slog.Any("error", err))
		return primary, primaryName, nil
	}
	gap := reference.Price.Sub(primary.Price).Abs().Div(primary.Price)
	if gap.GreaterThan(s.threshold) {
		return Price{}, "", fmt.Errorf("%w: %s to %s (%s: %s, %s: %s)", ErrPriceMismatch,
			from, to, primaryName, primary.Price, referenceName, reference.Price)
	}
	return primary, primaryName, nil
}

func (s *PriceStep) quote(ctx context.Context, kind, from, to string, opts ProviderOptions) (Price, string, error) {
	query := to
	if opts.Overwrite != "" {
		query = opts.Overwrite
	}
	price, name, err := tryProviders(ctx, from, query, opts.Providers)
	if err != nil && opts.Fallback != "" {
		price, name, err = tryProviders(ctx, from, opts.Fallback, opts.Providers)
	}
	if err != nil {
		msg := fmt.Sprintf("could not find %s price (%s -> %s) at %s", kind, from, to, providerNames(opts.Providers))
		if opts.Fallback != "" {
			msg += ", fallback to currency " + opts.Fallback
		}
		return Price{}, "", fmt.Errorf("%w: %s", ErrNoQuote, msg)
	}
	price.Source = from
	price.Target = to
	return price, name, nil
}

func tryProviders(ctx context.Context, from, to string, providers []Provider) (Price, string, error) {
	var errs []error
	for _, provider := range providers {
		price, err := provider.Price(ctx, from, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
			continue
		}
		return price, provider.Name(), nil
	}
	if len(errs) == 0 {
		return Price{}, "", ErrNoQuote
	}
	return Price{}, "", errors.Join(errs...)
}

// roundSignificant rounds d to the given number of significant digits.
func roundSignificant(d decimal.Decimal, digits int) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	magnitude := d.NumDigits() + int(d.Exponent())
	return d.Round(int32(digits - magnitude))
}
