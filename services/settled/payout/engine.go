// Package payout runs the persistent payout order state machine: funding the
// payout wallet, dispatching grouped multi-destination sends and reconciling
// their completion.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlehub/observability"
	"settlehub/observability/logging"
	"settlehub/services/settled/assets"
	"settlehub/services/settled/chain"
	"settlehub/services/settled/grouping"
	"settlehub/services/settled/models"
	"settlehub/services/settled/notify"
	"settlehub/services/settled/storage"
	"settlehub/services/settled/strategy"
)

var (
	// ErrDuplicatedEntry signals that a payout for the key already exists.
	ErrDuplicatedEntry = errors.New("payout: duplicated entry")
	// ErrOrderNotFound is returned when no payout order exists for a key.
	ErrOrderNotFound = errors.New("payout: order not found")
)

// Store is the persistence the engine needs.
type Store interface {
	CreatePayoutOrder(ctx context.Context, order *models.PayoutOrder) error
	FindPayoutOrder(ctx context.Context, orderContext, correlationID string) (*models.PayoutOrder, error)
	PayoutOrdersByStatus(ctx context.Context, status models.PayoutStatus) ([]models.PayoutOrder, error)
	SavePayoutOrders(ctx context.Context, orders ...*models.PayoutOrder) error
}

// Liquidity moves funds into a chain's payout wallet.
type Liquidity interface {
	TransferLiquidity(ctx context.Context, assetKey string, amount decimal.Decimal) (string, error)
	CheckTransferCompletion(ctx context.Context, assetKey, txID string) (bool, error)
}

// Request asks for one payout. Asset is a registry key.
type Request struct {
	Context       string
	CorrelationID string
	Asset         string
	Amount        decimal.Decimal
	Address       string
}

// Completion reports the state of a payout order.
type Completion struct {
	IsComplete bool
	PayoutTxID string
	Fee        decimal.Decimal
}

// Engine owns payout orders.
type Engine struct {
	store      Store
	registry   *assets.Registry
	strategies *strategy.Table
	liquidity  Liquidity
	notifier   notify.Notifier
	logger     *slog.Logger
	metrics    *observability.SettlementMetrics
	now        func() time.Time

	// stableInput is how long the newest CREATED order must have aged
	// before any CREATED order is prepared. Zero disables the wait.
	stableInput time.Duration

	mu     sync.Mutex
	paused bool
}

// Option customises the engine.
type Option func(*Engine)

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

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStableInputPeriod holds preparation until no payout has been requested
// for period, so a burst of requests lands in one dispatch group.
func WithStableInputPeriod(period time.Duration) Option {
	return func(e *Engine) {
		if period > 0 {
			e.stableInput = period
		}
	}
}

// NewEngine constructs a payout engine.
func NewEngine(store Store, registry *assets.Registry, strategies *strategy.Table, liquidity Liquidity, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		registry:   registry,
		strategies: strategies,
		liquidity:  liquidity,
		notifier:   notify.Nop{},
		logger:     slog.Default(),
		metrics:    observability.Settlement(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Pause stops new dispatches. Reconciliation of in-flight orders continues.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume re-enables dispatching.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Paused reports whether dispatching is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// RequestPayout records a CREATED payout order. A second request for the same
// (context, correlation id) returns ErrDuplicatedEntry and stores nothing.
func (e *Engine) RequestPayout(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Context) == "" || strings.TrimSpace(req.CorrelationID) == "" {
		return fmt.Errorf("payout: context and correlation id required")
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("payout: amount must be positive")
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return fmt.Errorf("payout: destination address required")
	}
	asset, err := e.registry.Lookup(req.Asset)
	if err != nil {
		return err
	}
	order := &models.PayoutOrder{
		Context:            req.Context,
		CorrelationID:      req.CorrelationID,
		Blockchain:         asset.Blockchain,
		Asset:              asset.Key(),
		Amount:             models.Round(req.Amount),
		DestinationAddress: address,
		Status:             models.PayoutCreated,
	}
	if err := e.store.CreatePayoutOrder(ctx, order); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicatedEntry, req.Context, req.CorrelationID)
		}
		return err
	}
	e.metrics.RecordPayoutTransition(asset.Blockchain, string(models.PayoutCreated), 1)
	e.logger.Info("payout requested",
		"context", req.Context, "correlation_id", req.CorrelationID, "asset", asset.Key(),
		"amount", order.Amount.String(), logging.MaskField("destination", address))
	return nil
}

// CheckOrderCompletion reports whether the payout for the key is confirmed.
func (e *Engine) CheckOrderCompletion(ctx context.Context, orderContext, correlationID string) (Completion, error) {
	order, err := e.store.FindPayoutOrder(ctx, orderContext, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Completion{}, fmt.Errorf("%w: %s/%s", ErrOrderNotFound, orderContext, correlationID)
		}
		return Completion{}, err
	}
	completion := Completion{
		IsComplete: order.Status == models.PayoutComplete,
		PayoutTxID: order.PayoutTxID,
	}
	if order.PayoutFee.Valid {
		completion.Fee = order.PayoutFee.Decimal
	}
	return completion, nil
}

// ProcessOrders runs one reconciliation cycle. Failures are isolated per order
// or group and logged.
func (e *Engine) ProcessOrders(ctx context.Context) error {
	var errs []error
	if err := e.checkPreparation(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.checkPayouts(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.prepare(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.Paused() {
		e.logger.Info("payout dispatch paused")
	} else if err := e.dispatch(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.sweepDesignated(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) checkPreparation(ctx context.Context) error {
	orders, err := e.store.PayoutOrdersByStatus(ctx, models.PayoutPreparationPending)
	if err != nil {
		return err
	}
	for i := range orders {
		order := &orders[i]
		confirmed, err := e.liquidity.CheckTransferCompletion(ctx, order.Asset, order.TransferTxID)
		if err != nil {
			e.logger.Warn("preparation check failed", "order_id", order.ID, "tx_id", order.TransferTxID, "error", err)
			continue
		}
		if !confirmed {
			continue
		}
		if err := e.transition(ctx, order.PreparationConfirmed, order); err != nil {
			e.logger.Warn("confirm preparation failed", "order_id", order.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) checkPayouts(ctx context.Context) error {
	orders, err := e.store.PayoutOrdersByStatus(ctx, models.PayoutPending)
	if err != nil {
		return err
	}
	byTx := map[string][]*models.PayoutOrder{}
	var txIDs []string
	for i := range orders {
		txID := orders[i].PayoutTxID
		if _, ok := byTx[txID]; !ok {
			txIDs = append(txIDs, txID)
		}
		byTx[txID] = append(byTx[txID], &orders[i])
	}
	for _, txID := range txIDs {
		if err := e.completeGroup(ctx, txID, byTx[txID]); err != nil {
			e.logger.Warn("payout completion check failed", "tx_id", txID, "orders", len(byTx[txID]), "error", err)
		}
	}
	return nil
}

func (e *Engine) completeGroup(ctx context.Context, txID string, orders []*models.PayoutOrder) error {
	asset, s, err := e.target(orders[0].Asset)
	if err != nil {
		return err
	}
	info, confirmed, err := s.Transaction(ctx, txID)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return nil
		}
		return err
	}
	if info.Failed {
		e.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectPayoutDispatchFail,
			Key:     "payout-failed:" + txID,
			Message: "payout transaction failed on chain",
			Fields:  map[string]string{"tx_id": txID, "asset": asset.Key(), "orders": orderIDs(orders)},
		})
		return nil
	}
	if !confirmed {
		return nil
	}
	total := decimal.Zero
	for _, order := range orders {
		total = total.Add(order.Amount)
	}
	for _, order := range orders {
		share := decimal.Zero
		if total.IsPositive() {
			share = models.Round(info.Fee.Mul(order.Amount).Div(total))
		}
		if err := order.Complete(share); err != nil {
			return err
		}
	}
	if err := e.store.SavePayoutOrders(ctx, orders...); err != nil {
		return err
	}
	e.metrics.RecordPayoutTransition(asset.Blockchain, string(models.PayoutComplete), len(orders))
	e.logger.Info("payout confirmed", "tx_id", txID, "asset", asset.Key(), "orders", len(orders), "fee", info.Fee.String())
	return nil
}

func (e *Engine) prepare(ctx context.Context) error {
	orders, err := e.store.PayoutOrdersByStatus(ctx, models.PayoutCreated)
	if err != nil {
		return err
	}
	if !e.inputStable(orders) {
		return nil
	}
	for i := range orders {
		order := &orders[i]
		txID, err := e.liquidity.TransferLiquidity(ctx, order.Asset, order.Amount)
		if err != nil {
			e.logger.Warn("liquidity transfer failed", "order_id", order.ID, "asset", order.Asset, "error", err)
			e.notifier.Notify(ctx, notify.Alert{
				Subject: notify.SubjectLiquidityTransfer,
				Key:     "transfer:" + order.Asset,
				Message: "transfer into payout wallet failed",
				Fields:  map[string]string{"order_id": order.ID.String(), "asset": order.Asset, "error": err.Error()},
			})
			continue
		}
		step := order.PreparationConfirmed
		if txID != "" {
			step = func() error { return order.PreparationPending(txID) }
		}
		if err := e.transition(ctx, step, order); err != nil {
			e.logger.Error("record preparation failed", "order_id", order.ID, "tx_id", txID, "error", err)
		}
	}
	return nil
}

func (e *Engine) inputStable(orders []models.PayoutOrder) bool {
	if e.stableInput <= 0 || len(orders) == 0 {
		return true
	}
	var latest time.Time
	for i := range orders {
		if orders[i].CreatedAt.After(latest) {
			latest = orders[i].CreatedAt
		}
	}
	if age := e.now().Sub(latest); age < e.stableInput {
		e.logger.Debug("waiting for stable payout input", "orders", len(orders), "quiet_for", age.String())
		return false
	}
	return true
}

func (e *Engine) dispatch(ctx context.Context) error {
	orders, err := e.store.PayoutOrdersByStatus(ctx, models.PayoutPreparationConfirmed)
	if err != nil {
		return err
	}
	byAsset := map[string][]*models.PayoutOrder{}
	var keys []string
	for i := range orders {
		key := orders[i].Asset
		if _, ok := byAsset[key]; !ok {
			keys = append(keys, key)
		}
		byAsset[key] = append(byAsset[key], &orders[i])
	}
	sort.Strings(keys)
	for _, key := range keys {
		asset, s, err := e.target(key)
		if err != nil {
			e.logger.Error("payout dispatch skipped", "asset", key, "error", err)
			continue
		}
		groups := grouping.Group(byAsset[key], s.GroupCapacity(), func(o *models.PayoutOrder) string {
			return o.DestinationAddress
		})
		for _, group := range groups {
			if err := e.dispatchGroup(ctx, s, asset, group); err != nil {
				e.logger.Warn("payout group failed", "asset", key, "orders", len(group), "error", err)
			}
		}
	}
	return nil
}

// dispatchGroup persists the designation before sending so that a crash
// between the two leaves a visible PAYOUT_DESIGNATED trail.
func (e *Engine) dispatchGroup(ctx context.Context, s strategy.Strategy, asset assets.Asset, group []*models.PayoutOrder) error {
	for _, order := range group {
		if err := order.Designate(); err != nil {
			return err
		}
	}
	if err := e.store.SavePayoutOrders(ctx, group...); err != nil {
		return fmt.Errorf("persist designation: %w", err)
	}
	e.metrics.RecordPayoutTransition(asset.Blockchain, string(models.PayoutDesignated), len(group))

	txID, err := s.Payout(ctx, asset, mergeOutputs(group))
	if err != nil {
		if chain.IsUncertain(err) {
			e.logger.Error("payout outcome unknown, leaving designation",
				"asset", asset.Key(), "orders", orderIDs(group), "error", err)
			return err
		}
		for _, order := range group {
			if rbErr := order.RollbackDesignation(); rbErr != nil {
				return errors.Join(err, rbErr)
			}
		}
		if saveErr := e.store.SavePayoutOrders(ctx, group...); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		e.metrics.RecordPayoutTransition(asset.Blockchain, string(models.PayoutPreparationConfirmed), len(group))
		return err
	}

	for _, order := range group {
		if err := order.PendingPayout(txID); err != nil {
			return err
		}
	}
	if err := e.store.SavePayoutOrders(ctx, group...); err != nil {
		e.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectPayoutUnrecorded,
			Key:     "unrecorded:" + txID,
			Message: "payout broadcast but its pending state could not be stored",
			Fields:  map[string]string{"tx_id": txID, "asset": asset.Key(), "orders": orderIDs(group), "error": err.Error()},
		})
		return fmt.Errorf("persist payout %s: %w", txID, err)
	}
	e.metrics.RecordPayoutTransition(asset.Blockchain, string(models.PayoutPending), len(group))
	e.logger.Info("payout dispatched", "asset", asset.Key(), "tx_id", txID, "orders", len(group))
	return nil
}

func (e *Engine) sweepDesignated(ctx context.Context) error {
	orders, err := e.store.PayoutOrdersByStatus(ctx, models.PayoutDesignated)
	if err != nil {
		return err
	}
	for i := range orders {
		order := &orders[i]
		if err := e.transition(ctx, order.Uncertain, order); err != nil {
			e.logger.Error("mark payout uncertain failed", "order_id", order.ID, "error", err)
			continue
		}
		e.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectPayoutUncertain,
			Key:     "uncertain:" + order.ID.String(),
			Message: "payout may have been sent; manual investigation required",
			Fields: map[string]string{
				"order_id":       order.ID.String(),
				"context":        order.Context,
				"correlation_id": order.CorrelationID,
				"asset":          order.Asset,
				"amount":         order.Amount.String(),
			},
		})
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, step func() error, order *models.PayoutOrder) error {
	if err := step(); err != nil {
		return err
	}
	if err := e.store.SavePayoutOrders(ctx, order); err != nil {
		return err
	}
	e.metrics.RecordPayoutTransition(order.Blockchain, string(order.Status), 1)
	return nil
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

// mergeOutputs sums amounts per destination, keeping first-seen order.
func mergeOutputs(group []*models.PayoutOrder) []chain.Output {
	index := map[string]int{}
	outputs := make([]chain.Output, 0, len(group))
	for _, order := range group {
		address := strings.TrimSpace(order.DestinationAddress)
		if i, ok := index[address]; ok {
			outputs[i].Amount = models.Round(outputs[i].Amount.Add(order.Amount))
			continue
		}
		index[address] = len(outputs)
		outputs = append(outputs, chain.Output{Address: address, Amount: order.Amount})
	}
	return outputs
}

func orderIDs(orders []*models.PayoutOrder) string {
	ids := make([]string, len(orders))
	for i, order := range orders {
		ids[i] = order.ID.String()
	}
	return strings.Join(ids, ",")
}
