// Package chain defines the wallet capabilities the settlement engines consume
// from each blockchain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"

	"settlehub/services/settled/assets"
)

var (
	// ErrUnsupported is returned when a client does not offer a capability.
	ErrUnsupported = errors.New("chain: operation not supported")
	// ErrTxNotFound is returned when the node does not know a transaction yet.
	ErrTxNotFound = errors.New("chain: transaction not found")
	// ErrUncertain marks a send whose broadcast state is unknown.
	ErrUncertain = errors.New("chain: send outcome unknown")
)

// Output is one destination of a multi-destination send.
type Output struct {
	Address string
	Amount  decimal.Decimal
}

// TxInfo is what the engines need to know about a broadcast transaction.
// Fee is denominated in the chain's native asset.
type TxInfo struct {
	TxID          string
	Confirmations int
	Failed        bool
	Fee           decimal.Decimal
}

// Confirmed reports whether the transaction reached the required depth.
func (t TxInfo) Confirmed(required int) bool {
	if required <= 0 {
		required = 1
	}
	return !t.Failed && t.Confirmations >= required
}

// SwapOutcome is the realised result of a swap transaction.
type SwapOutcome struct {
	Confirmed bool
	Failed    bool
	Amount    decimal.Decimal
	Fee       decimal.Decimal
}

// Client is the per-chain wallet capability.
type Client interface {
	Balance(ctx context.Context, asset assets.Asset, address string) (decimal.Decimal, error)
	SendMany(ctx context.Context, asset assets.Asset, from string, outputs []Output) (string, error)
	Transaction(ctx context.Context, txID string) (TxInfo, error)
	// EstimateFee returns the native-asset fee of a send with the given number of outputs.
	EstimateFee(ctx context.Context, asset assets.Asset, outputs int) (decimal.Decimal, error)
}

// Swapper is implemented by clients able to swap assets on chain.
type Swapper interface {
	// TestSwap returns how much of to an amount of from currently buys.
	TestSwap(ctx context.Context, from, to assets.Asset, amount decimal.Decimal) (decimal.Decimal, error)
	// Swap sells amount of from for to, paying at most maxPrice from units per to unit.
	Swap(ctx context.Context, from, to assets.Asset, amount, maxPrice decimal.Decimal) (string, error)
	SwapResult(ctx context.Context, txID string, to assets.Asset) (SwapOutcome, error)
}

// IsUncertain reports whether err leaves it unknown if a send reached the network.
func IsUncertain(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUncertain) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ClassifySendError tags timeout class send failures with ErrUncertain.
func ClassifySendError(err error) error {
	if err == nil || errors.Is(err, ErrUncertain) {
		return err
	}
	if IsUncertain(err) {
		return fmt.Errorf("%w: %w", ErrUncertain, err)
	}
	return err
}

// FuncClient adapts callback functions to Client and Swapper.
type FuncClient struct {
	BalanceFunc     func(ctx context.Context, asset assets.Asset, address string) (decimal.Decimal, error)
	SendManyFunc    func(ctx context.Context, asset assets.Asset, from string, outputs []Output) (string, error)
	TransactionFunc func(ctx context.Context, txID string) (TxInfo, error)
	EstimateFeeFunc func(ctx context.Context, asset assets.Asset, outputs int) (decimal.Decimal, error)
	TestSwapFunc    func(ctx context.Context, from, to assets.Asset, amount decimal.Decimal) (decimal.Decimal, error)
	SwapFunc        func(ctx context.Context, from, to assets.Asset, amount, maxPrice decimal.Decimal) (string, error)
	SwapResultFunc  func(ctx context.Context, txID string, to assets.Asset) (SwapOutcome, error)
}

// Balance delegates to the configured callback.
func (c FuncClient) Balance(ctx context.Context, asset assets.Asset, address string) (decimal.Decimal, error) {
	if c.BalanceFunc == nil {
		return decimal.Zero, ErrUnsupported
	}
	return c.BalanceFunc(ctx, asset, address)
}

// SendMany delegates to the configured callback.
func (c FuncClient) SendMany(ctx context.Context, asset assets.Asset, from string, outputs []Output) (string, error) {
	if c.SendManyFunc == nil {
		return "", ErrUnsupported
	}
	return c.SendManyFunc(ctx, asset, from, outputs)
}

// Transaction delegates to the configured callback.
func (c FuncClient) Transaction(ctx context.Context, txID string) (TxInfo, error) {
	if c.TransactionFunc == nil {
		return TxInfo{}, ErrUnsupported
	}
	return c.TransactionFunc(ctx, txID)
}

// EstimateFee delegates to the configured callback. Without one the fee is zero.
func (c FuncClient) EstimateFee(ctx context.Context, asset assets.Asset, outputs int) (decimal.Decimal, error) {
	if c.EstimateFeeFunc == nil {
		return decimal.Zero, nil
	}
	return c.EstimateFeeFunc(ctx, asset, outputs)
}

// TestSwap delegates to the configured callback.
func (c FuncClient) TestSwap(ctx context.Context, from, to assets.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if c.TestSwapFunc == nil {
		return decimal.Zero, ErrUnsupported
	}
	return c.TestSwapFunc(ctx, from, to, amount)
}

// Swap delegates to the configured callback.
func (c FuncClient) Swap(ctx context.Context, from, to assets.Asset, amount, maxPrice decimal.Decimal) (string, error) {
	if c.SwapFunc == nil {
		return "", ErrUnsupported
	}
	return c.SwapFunc(ctx, from, to, amount, maxPrice)
}

// SwapResult delegates to the configured callback.
func (c FuncClient) SwapResult(ctx context.Context, txID string, to assets.Asset) (SwapOutcome, error) {
	if c.SwapResultFunc == nil {
		return SwapOutcome{}, ErrUnsupported
	}
	return c.SwapResultFunc(ctx, txID, to)
}
