// Package dex checks, reserves and purchases settlement liquidity.
package dex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlehub/observability"
	"settlehub/services/settled/assets"
	"settlehub/services/settled/chain"
	"settlehub/services/settled/config"
	"settlehub/services/settled/models"
	"settlehub/services/settled/notify"
	"settlehub/services/settled/pricing"
	"settlehub/services/settled/storage"
	"settlehub/services/settled/strategy"
)

var (
	// ErrNotEnoughLiquidity is returned when held funds cannot cover a reservation.
	ErrNotEnoughLiquidity = errors.New("dex: not enough liquidity")
	// ErrOrderNotReady is returned while a purchase swap is unconfirmed.
	ErrOrderNotReady = errors.New("dex: liquidity order not ready")
	// ErrPriceSlippage is returned when an executable price exceeds the slippage cap.
	ErrPriceSlippage = errors.New("dex: price slippage")
	// ErrOrderNotFound is returned when no order exists for a key.
	ErrOrderNotFound = errors.New("dex: liquidity order not found")
	// ErrSwapAssetsExhausted is returned when no swap asset could fund a purchase.
	ErrSwapAssetsExhausted = errors.New("dex: swap assets exhausted")
)

// Store is the persistence the engine needs.
type Store interface {
	CreateLiquidityOrder(ctx context.Context, order *models.LiquidityOrder) error
	FindLiquidityOrder(ctx context.Context, orderContext, correlationID string) (*models.LiquidityOrder, error)
	SaveLiquidityOrder(ctx context.Context, order *models.LiquidityOrder) error
	DeleteLiquidityOrder(ctx context.Context, id uuid.UUID) error
	PendingLiquidityAmount(ctx context.Context, targetAsset string) (decimal.Decimal, error)
	UnfinalizedPurchaseOrders(ctx context.Context) ([]models.LiquidityOrder, error)
}

// Pricer resolves exchange rates.
type Pricer interface {
	GetPrice(ctx context.Context, req pricing.Request) (pricing.Result, error)
}

// Request identifies one liquidity operation. ReferenceAsset may be a currency
// name or a registry key; TargetAsset is a registry key.
type Request struct {
	Context         string
	CorrelationID   string
	ReferenceAsset  string
	ReferenceAmount decimal.Decimal
	TargetAsset     string
}

// CheckResult reports the outcome of a liquidity check. TargetAmount is zero
// when held funds are insufficient. Reference amounts are in the request's
// reference asset.
type CheckResult struct {
	TargetAmount            decimal.Decimal
	RequiredAmount          decimal.Decimal
	AvailableAmount         decimal.Decimal
	AvailableReference      decimal.Decimal
	MaxPurchasableReference decimal.Decimal
}

// PurchaseResult is the realised outcome of a ready purchase order. Fee is in
// the chain's native asset.
type PurchaseResult struct {
	TargetAmount decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	TxID         string
}

// Engine implements liquidity checks, reservations and purchases.
type Engine struct {
	store      Store
	registry   *assets.Registry
	strategies *strategy.Table
	prices     Pricer
	cfg        config.LiquidityConfig
	reference  map[string]struct{}
	notifier   notify.Notifier
	logger     *slog.Logger
	metrics    *observability.SettlementMetrics
	now        func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithLiquidityConfig overrides slippage caps and margins.
func WithLiquidityConfig(cfg config.LiquidityConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithNotifier supplies the operator alert channel.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewEngine constructs a liquidity engine.
func NewEngine(store Store, registry *assets.Registry, strategies *strategy.Table, prices Pricer, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		registry:   registry,
		strategies: strategies,
		prices:     prices,
		notifier:   notify.Nop{},
		logger:     slog.Default(),
		metrics:    observability.Settlement(),
		now:        time.Now,
	}
	defaults := config.Config{}
	config.ApplyDefaults(&defaults)
	e.cfg = defaults.Liquidity
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.reference = make(map[string]struct{}, len(e.cfg.ReferenceAssets))
	for _, name := range e.cfg.ReferenceAssets {
		e.reference[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}
	return e
}

// SlippageCap returns the tolerated relative price deviation for asset.
func (e *Engine) SlippageCap(asset assets.Asset) decimal.Decimal {
	if _, ok := e.reference[asset.Name]; ok {
		return e.cfg.ReferenceSlippage
	}
	return e.cfg.DefaultSlippage
}

// CheckLiquidity converts the reference amount into the target asset, validates
// the executable price and compares the requirement plus the safety margin
// with the unclaimed balance.
func (e *Engine) CheckLiquidity(ctx context.Context, req Request) (CheckResult, error) {
	target, s, err := e.target(req.TargetAsset)
	if err != nil {
		e.metrics.RecordLiquidityCheck(req.TargetAsset, "error")
		return CheckResult{}, err
	}
	price, err := e.referencePrice(ctx, req, target)
	if err != nil {
		e.metrics.RecordLiquidityCheck(target.Key(), "error")
		return CheckResult{}, err
	}
	required := models.Round(req.ReferenceAmount.Mul(price))
	if err := e.checkSlippage(ctx, s, req, target, price); err != nil {
		e.metrics.RecordLiquidityCheck(target.Key(), "slippage")
		return CheckResult{}, err
	}

	available, err := e.unclaimed(ctx, s, target)
	if err != nil {
		e.metrics.RecordLiquidityCheck(target.Key(), "error")
		return CheckResult{}, err
	}
	result := CheckResult{
		RequiredAmount:     required,
		AvailableAmount:    available,
		AvailableReference: toReference(available, price),
	}
	if available.GreaterThanOrEqual(required.Mul(decimal.NewFromInt(1).Add(e.cfg.SafetyMargin))) {
		result.TargetAmount = required
		e.metrics.RecordLiquidityCheck(target.Key(), "available")
		return result, nil
	}
	result.MaxPurchasableReference = toReference(e.maxPurchasable(ctx, s, target), price)
	e.metrics.RecordLiquidityCheck(target.Key(), "insufficient")
	return result, nil
}

// ReserveLiquidity claims held funds for the request and returns the ready
// RESERVATION order. A repeated request observes the existing order.
func (e *Engine) ReserveLiquidity(ctx context.Context, req Request) (*models.LiquidityOrder, error) {
	existing, err := e.store.FindLiquidityOrder(ctx, req.Context, req.CorrelationID)
	if err == nil {
		return readyOrder(existing)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	result, err := e.CheckLiquidity(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.TargetAmount.IsZero() {
		return nil, fmt.Errorf("%w: %s requires %s, available %s",
			ErrNotEnoughLiquidity, req.TargetAsset, result.RequiredAmount, result.AvailableAmount)
	}
	target, _, err := e.target(req.TargetAsset)
	if err != nil {
		return nil, err
	}
	order := &models.LiquidityOrder{
		Type:            models.LiquidityReservation,
		Context:         req.Context,
		CorrelationID:   req.CorrelationID,
		Blockchain:      target.Blockchain,
		ReferenceAsset:  req.ReferenceAsset,
		ReferenceAmount: req.ReferenceAmount,
		TargetAsset:     target.Key(),
	}
	order.Ready(result.TargetAmount)
	if err := e.store.CreateLiquidityOrder(ctx, order); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			existing, findErr := e.store.FindLiquidityOrder(ctx, req.Context, req.CorrelationID)
			if findErr != nil {
				return nil, findErr
			}
			return readyOrder(existing)
		}
		return nil, err
	}
	e.metrics.RecordLiquidityOrder(string(models.LiquidityReservation))
	e.logger.Info("liquidity reserved",
		"context", req.Context, "correlation_id", req.CorrelationID,
		"asset", target.Key(), "amount", result.TargetAmount.String())
	return order, nil
}

func readyOrder(order *models.LiquidityOrder) (*models.LiquidityOrder, error) {
	if !order.IsReady || !order.TargetAmount.Valid {
		return nil, fmt.Errorf("%w: %s/%s", ErrOrderNotReady, order.Context, order.CorrelationID)
	}
	return order, nil
}

// PurchaseLiquidity swaps the first workable swap asset into the target asset,
// sized to the reference amount plus the purchase margin, and records an
// unready PURCHASE order. A repeated request returns the existing order.
func (e *Engine) PurchaseLiquidity(ctx context.Context, req Request) (*models.LiquidityOrder, error) {
	existing, err := e.store.FindLiquidityOrder(ctx, req.Context, req.CorrelationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	target, s, err := e.target(req.TargetAsset)
	if err != nil {
		return nil, err
	}
	price, err := e.referencePrice(ctx, req, target)
	if err != nil {
		return nil, err
	}
	needed := models.Round(req.ReferenceAmount.Mul(price).Mul(decimal.NewFromInt(1).Add(e.cfg.PurchaseMargin)))
	slippage := e.SlippageCap(target)

	var failures []error
	allSlippage := true
	for _, swapAsset := range s.SwapAssets() {
		if swapAsset.Key() == target.Key() {
			continue
		}
		txID, amount, err := e.swap(ctx, s, req, swapAsset, target, needed, slippage)
		if err != nil {
			failures = append(failures, err)
			if !errors.Is(err, ErrPriceSlippage) {
				allSlippage = false
			}
			e.logger.Warn("purchase via swap asset failed",
				"correlation_id", req.CorrelationID, "swap_asset", swapAsset.Key(), "asset", target.Key(), "error", err)
			continue
		}
		order := &models.LiquidityOrder{
			Type:            models.LiquidityPurchase,
			Context:         req.Context,
			CorrelationID:   req.CorrelationID,
			Blockchain:      target.Blockchain,
			ReferenceAsset:  req.ReferenceAsset,
			ReferenceAmount: req.ReferenceAmount,
			TargetAsset:     target.Key(),
			SwapAsset:       swapAsset.Key(),
			SwapAmount:      decimal.NewNullDecimal(amount),
			TxID:            txID,
		}
		if err := e.store.CreateLiquidityOrder(ctx, order); err != nil {
			e.notifier.Notify(ctx, notify.Alert{
				Subject: notify.SubjectPurchaseFailed,
				Key:     "purchase-unrecorded:" + txID,
				Message: "purchase swap broadcast but its order could not be stored",
				Fields:  map[string]string{"tx_id": txID, "correlation_id": req.CorrelationID, "asset": target.Key(), "error": err.Error()},
			})
			return nil, fmt.Errorf("dex: store purchase order for swap %s: %w", txID, err)
		}
		e.metrics.RecordLiquidityOrder(string(models.LiquidityPurchase))
		e.logger.Info("liquidity purchase broadcast",
			"context", req.Context, "correlation_id", req.CorrelationID, "asset", target.Key(),
			"swap_asset", swapAsset.Key(), "swap_amount", amount.String(), "tx_id", txID)
		return order, nil
	}
	if len(failures) == 0 {
		return nil, fmt.Errorf("%w: no swap assets configured for %s", ErrSwapAssetsExhausted, target.Key())
	}
	if allSlippage {
		return nil, fmt.Errorf("%w: %w", ErrPriceSlippage, errors.Join(failures...))
	}
	return nil, fmt.Errorf("%w: %w", ErrSwapAssetsExhausted, errors.Join(failures...))
}

// swap sells enough of from to buy needed of to. It returns the txID and the
// amount of from sold.
func (e *Engine) swap(ctx context.Context, s strategy.Strategy, req Request, from, to assets.Asset, needed, slippage decimal.Decimal) (string, decimal.Decimal, error) {
	quote, err := e.prices.GetPrice(ctx, pricing.Request{Context: req.Context, CorrelationID: req.CorrelationID, From: from.Name, To: to.Name})
	if err != nil {
		return "", decimal.Zero, err
	}
	indicative := quote.Price.Price
	if !indicative.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("dex: no indicative price for %s -> %s", from.Name, to.Name)
	}
	estimate := models.Round(needed.Div(indicative))
	out, err := s.TestSwap(ctx, from, to, estimate)
	if err != nil {
		return "", decimal.Zero, err
	}
	if !out.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("dex: test swap %s -> %s returned nothing", from.Key(), to.Key())
	}
	implied := estimate.Div(out)
	maxPrice := decimal.NewFromInt(1).Div(indicative).Mul(decimal.NewFromInt(1).Add(slippage))
	if implied.GreaterThan(maxPrice) {
		return "", decimal.Zero, fmt.Errorf("%w: %s -> %s implied %s above max %s",
			ErrPriceSlippage, from.Name, to.Name, implied.StringFixed(8), maxPrice.StringFixed(8))
	}
	amount := models.Round(needed.Mul(implied))
	balance, err := e.unclaimed(ctx, s, from)
	if err != nil {
		return "", decimal.Zero, err
	}
	if balance.LessThan(amount) {
		return "", decimal.Zero, fmt.Errorf("dex: %s balance %s below required %s", from.Key(), balance, amount)
	}
	txID, err := s.Purchase(ctx, from, to, amount, maxPrice)
	if err != nil {
		return "", decimal.Zero, err
	}
	return txID, amount, nil
}

// FinalizePurchaseOrders reads the realised output of every broadcast purchase
// swap and marks confirmed orders ready. A failed swap drops its order so the
// purchase can be attempted again.
func (e *Engine) FinalizePurchaseOrders(ctx context.Context) error {
	orders, err := e.store.UnfinalizedPurchaseOrders(ctx)
	if err != nil {
		return err
	}
	for i := range orders {
		if err := e.finalize(ctx, &orders[i]); err != nil {
			e.logger.Warn("finalize purchase order failed",
				"order_id", orders[i].ID, "correlation_id", orders[i].CorrelationID, "error", err)
		}
	}
	return nil
}

func (e *Engine) finalize(ctx context.Context, order *models.LiquidityOrder) error {
	target, s, err := e.target(order.TargetAsset)
	if err != nil {
		return err
	}
	outcome, err := s.PurchaseResult(ctx, order.TxID, target)
	if err != nil {
		return err
	}
	switch {
	case outcome.Failed:
		e.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectSwapFailed,
			Key:     "swap-failed:" + order.TxID,
			Message: "liquidity purchase swap failed on chain",
			Fields:  map[string]string{"tx_id": order.TxID, "correlation_id": order.CorrelationID, "asset": order.TargetAsset},
		})
		return e.store.DeleteLiquidityOrder(ctx, order.ID)
	case !outcome.Confirmed:
		return nil
	}
	order.Ready(outcome.Amount)
	order.FeeAmount = decimal.NewNullDecimal(outcome.Fee)
	if err := e.store.SaveLiquidityOrder(ctx, order); err != nil {
		return err
	}
	e.logger.Info("liquidity purchase finalized",
		"correlation_id", order.CorrelationID, "asset", order.TargetAsset, "amount", outcome.Amount.String(), "tx_id", order.TxID)
	return nil
}

// FetchLiquidityAfterPurchase returns the realised purchase for the key.
func (e *Engine) FetchLiquidityAfterPurchase(ctx context.Context, orderContext, correlationID string) (PurchaseResult, error) {
	order, err := e.find(ctx, orderContext, correlationID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if !order.IsReady || !order.TargetAmount.Valid {
		return PurchaseResult{}, fmt.Errorf("%w: %s/%s", ErrOrderNotReady, orderContext, correlationID)
	}
	result := PurchaseResult{TargetAmount: order.TargetAmount.Decimal, TxID: order.TxID}
	if order.FeeAmount.Valid {
		result.Fee = order.FeeAmount.Decimal
	}
	if native, ok := e.registry.Native(order.Blockchain); ok {
		result.FeeAsset = native.Key()
	}
	return result, nil
}

// CompleteOrders releases the order's claim on its target asset.
func (e *Engine) CompleteOrders(ctx context.Context, orderContext, correlationID string) error {
	order, err := e.find(ctx, orderContext, correlationID)
	if err != nil {
		return err
	}
	if order.IsComplete {
		return nil
	}
	order.Complete()
	return e.store.SaveLiquidityOrder(ctx, order)
}

// TransferLiquidity moves amount of asset from the liquidity wallet to the
// chain's payout wallet. An empty txID means the chain pays out directly.
func (e *Engine) TransferLiquidity(ctx context.Context, assetKey string, amount decimal.Decimal) (string, error) {
	asset, s, err := e.target(assetKey)
	if err != nil {
		return "", err
	}
	return s.Prepare(ctx, asset, amount)
}

// CheckTransferCompletion reports whether a liquidity transfer is confirmed.
func (e *Engine) CheckTransferCompletion(ctx context.Context, assetKey, txID string) (bool, error) {
	_, s, err := e.target(assetKey)
	if err != nil {
		return false, err
	}
	info, confirmed, err := s.Transaction(ctx, txID)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return false, nil
		}
		return false, err
	}
	if info.Failed {
		return false, fmt.Errorf("dex: liquidity transfer %s failed", txID)
	}
	return confirmed, nil
}

func (e *Engine) find(ctx context.Context, orderContext, correlationID string) (*models.LiquidityOrder, error) {
	order, err := e.store.FindLiquidityOrder(ctx, orderContext, correlationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrOrderNotFound, orderContext, correlationID)
	}
	return order, err
}

func (e *Engine) target(key string) (assets.Asset, strategy.Strategy, error) {
	asset, err := e.registry.Lookup(key)
	if err != nil {
		return assets.Asset{}, nil, err
	}
	s, err := e.strategies.For(asset)
	if err != nil {
		return assets.Asset{}, nil, err
	}
	return asset, s, nil
}

// referencePrice returns target units per reference unit.
func (e *Engine) referencePrice(ctx context.Context, req Request, target assets.Asset) (decimal.Decimal, error) {
	from := assets.Name(req.ReferenceAsset)
	if from == target.Name {
		return decimal.NewFromInt(1), nil
	}
	res, err := e.prices.GetPrice(ctx, pricing.Request{
		Context:       req.Context,
		CorrelationID: req.CorrelationID,
		From:          from,
		To:            target.Name,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !res.Price.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("dex: non-positive price %s -> %s", from, target.Name)
	}
	return res.Price.Price, nil
}

// checkSlippage compares the price executable on chain with the indicative
// price when the reference asset is swappable on the target's chain.
func (e *Engine) checkSlippage(ctx context.Context, s strategy.Strategy, req Request, target assets.Asset, price decimal.Decimal) error {
	reference, ok := e.registry.Find(target.Blockchain, assets.Name(req.ReferenceAsset))
	if !ok || reference.Key() == target.Key() || !req.ReferenceAmount.IsPositive() {
		return nil
	}
	out, err := s.TestSwap(ctx, reference, target, req.ReferenceAmount)
	if err != nil {
		if errors.Is(err, chain.ErrUnsupported) {
			return nil
		}
		return err
	}
	if !out.IsPositive() {
		return fmt.Errorf("%w: no executable price for %s -> %s", ErrPriceSlippage, reference.Key(), target.Key())
	}
	implied := req.ReferenceAmount.Div(out)
	maxPrice := decimal.NewFromInt(1).Div(price).Mul(decimal.NewFromInt(1).Add(e.SlippageCap(target)))
	if implied.GreaterThan(maxPrice) {
		return fmt.Errorf("%w: %s -> %s implied %s above max %s",
			ErrPriceSlippage, reference.Name, target.Name, implied.StringFixed(8), maxPrice.StringFixed(8))
	}
	return nil
}

// unclaimed is the balance of asset minus ready, incomplete orders on it.
func (e *Engine) unclaimed(ctx context.Context, s strategy.Strategy, asset assets.Asset) (decimal.Decimal, error) {
	balance, err := s.Liquidity(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("dex: balance %s: %w", asset.Key(), err)
	}
	pending, err := e.store.PendingLiquidityAmount(ctx, asset.Key())
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Sub(pending), nil
}

// maxPurchasable is the target amount the first funded swap asset can buy.
func (e *Engine) maxPurchasable(ctx context.Context, s strategy.Strategy, target assets.Asset) decimal.Decimal {
	for _, swapAsset := range s.SwapAssets() {
		if swapAsset.Key() == target.Key() {
			continue
		}
		balance, err := e.unclaimed(ctx, s, swapAsset)
		if err != nil || !balance.IsPositive() {
			continue
		}
		out, err := s.TestSwap(ctx, swapAsset, target, balance)
		if err != nil {
			e.logger.Debug("test swap failed", "swap_asset", swapAsset.Key(), "asset", target.Key(), "error", err)
			continue
		}
		return out
	}
	return decimal.Zero
}

func toReference(amount, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	return models.Round(amount.Div(price))
}
