package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PricePath is an immutable, validated sequence of hops.
type PricePath struct {
	name  string
	steps []*PriceStep
}

// Result is a resolved price together with the hops that produced it.
type Result struct {
	Price Price
	Path  []StepResult
}

// NewPricePath validates that steps chain and builds the path.
func NewPricePath(name string, steps ...*PriceStep) (*PricePath, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", ErrInvalidPath, name)
	}
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("%w: %s step %d missing", ErrInvalidPath, name, i)
		}
		if i > 0 && step.From() == Input {
			return nil, fmt.Errorf("%w: %s step %d uses %q placeholder", ErrInvalidPath, name, i, Input)
		}
		if i < len(steps)-1 && step.To() == Output {
			return nil, fmt.Errorf("%w: %s step %d uses %q placeholder", ErrInvalidPath, name, i, Output)
		}
		if i > 0 && steps[i-1].To() != step.From() {
			return nil, fmt.Errorf("%w: %s step %d starts at %s but previous ends at %s",
				ErrInvalidPath, name, i, step.From(), steps[i-1].To())
		}
	}
	return &PricePath{name: name, steps: append([]*PriceStep(nil), steps...)}, nil
}

// Name identifies the path shape.
func (p *PricePath) Name() string { return p.name }

// Len is the number of hops.
func (p *PricePath) Len() int { return len(p.steps) }

// Execute resolves every hop in order and multiplies their prices.
func (p *PricePath) Execute(ctx context.Context, from, to string) (Result, error) {
	results := make([]StepResult, 0, len(p.steps))
	total := decimal.NewFromInt(1)
	for i, step := range p.steps {
		stepFrom, stepTo := "", ""
		if i == 0 {
			stepFrom = from
		}
		if i == len(p.steps)-1 {
			stepTo = to
		}
		res, err := step.Execute(ctx, stepFrom, stepTo)
		if err != nil {
			return Result{}, fmt.Errorf("%s step %d: %w", p.name, i, err)
		}
		total = total.Mul(res.Price.Price)
		results = append(results, res)
	}
	first, last := results[0], results[len(results)-1]
	return Result{
		Price: Price{
			Source:    first.Price.Source,
			Target:    last.Price.Target,
			Price:     total,
			Timestamp: oldest(results),
		},
		Path: results,
	}, nil
}

func oldest(results []StepResult) time.Time {
	ts := results[0].Timestamp
	for _, r := range results[1:] {
		if r.Timestamp.Before(ts) {
			ts = r.Timestamp
		}
	}
	return ts
}
