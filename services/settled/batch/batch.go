// Package batch runs the purchase settlement jobs: forming batches from
// pending transactions, securing their liquidity and handing them to payout.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlehub/observability"
	"settlehub/services/settled/assets"
	"settlehub/services/settled/config"
	"settlehub/services/settled/dex"
	"settlehub/services/settled/models"
	"settlehub/services/settled/notify"
	"settlehub/services/settled/payout"
	"settlehub/services/settled/pricing"
	"settlehub/services/settled/strategy"
)

// Store is the persistence the batch jobs need.
type Store interface {
	UnbatchedTransactions(ctx context.Context) ([]models.PurchaseTransaction, error)
	SetTransactionStatus(ctx context.Context, ids []uuid.UUID, status models.TransactionStatus) error
	HasOpenBatch(ctx context.Context, outputAsset string) (bool, error)
	CreateBatch(ctx context.Context, batch *models.Batch) error
	SaveBatch(ctx context.Context, batch *models.Batch) error
	BatchesByStatus(ctx context.Context, statuses ...models.BatchStatus) ([]models.Batch, error)
}

// Pricer resolves exchange rates.
type Pricer interface {
	GetPrice(ctx context.Context, req pricing.Request) (pricing.Result, error)
}

// Liquidity is the liquidity engine surface used by the batch jobs.
type Liquidity interface {
	CheckLiquidity(ctx context.Context, req dex.Request) (dex.CheckResult, error)
	ReserveLiquidity(ctx context.Context, req dex.Request) (*models.LiquidityOrder, error)
	PurchaseLiquidity(ctx context.Context, req dex.Request) (*models.LiquidityOrder, error)
	FetchLiquidityAfterPurchase(ctx context.Context, orderContext, correlationID string) (dex.PurchaseResult, error)
	CompleteOrders(ctx context.Context, orderContext, correlationID string) error
}

// Payouts is the payout engine surface used by the hand-off job.
type Payouts interface {
	RequestPayout(ctx context.Context, req payout.Request) error
	CheckOrderCompletion(ctx context.Context, orderContext, correlationID string) (payout.Completion, error)
}

// Deps bundles the collaborators shared by the batch jobs.
type Deps struct {
	Store        Store
	Registry     *assets.Registry
	Strategies   *strategy.Table
	Prices       Pricer
	Liquidity    Liquidity
	Payouts      Payouts
	Batch        config.BatchConfig
	Payout       config.PayoutConfig
	SafetyMargin decimal.Decimal
}

type runtime struct {
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *observability.SettlementMetrics
	now      func() time.Time
}

// Option customises a batch job.
type Option func(*runtime)

// WithNotifier supplies the operator alert channel.
func WithNotifier(n notify.Notifier) Option {
	return func(r *runtime) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithLogger overrides the job logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(r *runtime) { r.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *runtime) {
		if clock != nil {
			r.now = clock
		}
	}
}

func newRuntime(opts []Option) runtime {
	r := runtime{
		notifier: notify.Nop{},
		logger:   slog.Default(),
		metrics:  observability.Settlement(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&r)
		}
	}
	return r
}

func withDefaults(deps Deps) Deps {
	defaults := config.Config{Batch: deps.Batch, Payout: deps.Payout}
	config.ApplyDefaults(&defaults)
	deps.Batch = defaults.Batch
	deps.Payout = defaults.Payout
	if deps.SafetyMargin.IsZero() {
		deps.SafetyMargin = defaults.Liquidity.SafetyMargin
	}
	return deps
}

func liquidityRequest(batch *models.Batch) dex.Request {
	return dex.Request{
		Context:         models.ContextBuyCrypto,
		CorrelationID:   batch.ID.String(),
		ReferenceAsset:  batch.OutputReferenceAsset,
		ReferenceAmount: batch.OutputReferenceAmount,
		TargetAsset:     batch.OutputAsset,
	}
}

func transactionIDs(txs []models.PurchaseTransaction) []uuid.UUID {
	ids := make([]uuid.UUID, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	return ids
}

// feeInReference converts a native-asset fee of blockchain into the reference asset.
func feeInReference(ctx context.Context, deps Deps, blockchain string, fee decimal.Decimal, reference string) (decimal.Decimal, error) {
	if fee.IsZero() {
		return decimal.Zero, nil
	}
	native, ok := deps.Registry.Native(blockchain)
	if !ok {
		return decimal.Zero, assets.ErrUnknownAsset
	}
	to := assets.Name(reference)
	if native.Name == to {
		return models.Round(fee), nil
	}
	res, err := deps.Prices.GetPrice(ctx, pricing.Request{Context: models.ContextBuyCrypto, From: native.Name, To: to})
	if err != nil {
		return decimal.Zero, err
	}
	return models.Round(fee.Mul(res.Price.Price)), nil
}
