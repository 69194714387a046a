package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"settlehub/services/settled/assets"
	"settlehub/services/settled/dex"
	"settlehub/services/settled/models"
	"settlehub/services/settled/notify"
	"settlehub/services/settled/pricing"
)

// Builder groups unbatched purchase transactions into per-asset batches.
type Builder struct {
	deps Deps
	runtime
	references map[string]struct{}
}

// NewBuilder constructs the batching job.
func NewBuilder(deps Deps, opts ...Option) *Builder {
	deps = withDefaults(deps)
	b := &Builder{deps: deps, runtime: newRuntime(opts), references: map[string]struct{}{}}
	for _, name := range deps.Batch.ReferenceAssets {
		b.references[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}
	return b
}

type groupKey struct {
	reference  string
	output     string
	blockchain string
	category   assets.Category
}

// RunBatching forms and persists new batches. Failures of a single pair or
// batch are logged and leave its transactions for the next cycle.
func (b *Builder) RunBatching(ctx context.Context) error {
	txs, err := b.deps.Store.UnbatchedTransactions(ctx)
	if err != nil {
		return fmt.Errorf("load unbatched transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}
	classified := b.classify(txs)
	priced := b.resolveAmounts(ctx, classified)
	for _, batch := range b.group(priced) {
		b.build(ctx, batch)
	}
	return nil
}

func (b *Builder) classify(txs []models.PurchaseTransaction) []models.PurchaseTransaction {
	out := make([]models.PurchaseTransaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.IsBatchable() {
			continue
		}
		asset, err := b.deps.Registry.Lookup(tx.OutputAsset)
		if err != nil {
			b.logger.Warn("transaction output asset unknown", "transaction_id", tx.ID, "asset", tx.OutputAsset, "error", err)
			continue
		}
		reference, ok := b.referenceFor(asset)
		if !ok {
			b.logger.Warn("no output reference asset", "transaction_id", tx.ID, "asset", asset.Key())
			continue
		}
		tx.SetOutputReferenceAsset(reference.Key())
		out = append(out, tx)
	}
	return out
}

// referenceFor returns the asset itself when it is a reference asset, else the
// default reference asset, preferring the output asset's blockchain.
func (b *Builder) referenceFor(asset assets.Asset) (assets.Asset, bool) {
	if _, ok := b.references[asset.Name]; ok {
		return asset, true
	}
	name := b.deps.Batch.DefaultReferenceAsset
	if ref, ok := b.deps.Registry.Find(asset.Blockchain, name); ok {
		return ref, true
	}
	for _, blockchain := range b.deps.Registry.Blockchains() {
		if ref, ok := b.deps.Registry.Find(blockchain, name); ok {
			return ref, true
		}
	}
	return assets.Asset{}, false
}

type pairQuote struct {
	price decimal.Decimal
	err   error
}

// resolveAmounts converts each transaction into its output reference asset,
// resolving every distinct pair once.
func (b *Builder) resolveAmounts(ctx context.Context, txs []models.PurchaseTransaction) []models.PurchaseTransaction {
	quotes := map[string]pairQuote{}
	failed := map[string][]models.PurchaseTransaction{}
	var failedOrder []string
	out := make([]models.PurchaseTransaction, 0, len(txs))

	for _, tx := range txs {
		from := assets.Name(tx.InputReferenceAsset)
		to := assets.Name(tx.OutputReferenceAsset)
		same := from == to
		price := decimal.Zero
		if !same {
			pair := from + "/" + to
			quote, ok := quotes[pair]
			if !ok {
				res, err := b.deps.Prices.GetPrice(ctx, pricing.Request{Context: models.ContextBuyCrypto, From: from, To: to})
				quote = pairQuote{price: res.Price.Price, err: err}
				quotes[pair] = quote
			}
			if quote.err != nil {
				if _, seen := failed[pair]; !seen {
					failedOrder = append(failedOrder, pair)
				}
				failed[pair] = append(failed[pair], tx)
				continue
			}
			price = quote.price
		}
		if err := tx.CalculateOutputReferenceAmount(price, same); err != nil {
			b.logger.Warn("output reference amount unresolved", "transaction_id", tx.ID, "error", err)
			continue
		}
		out = append(out, tx)
	}

	for _, pair := range failedOrder {
		err := quotes[pair].err
		members := failed[pair]
		b.logger.Warn("price resolution failed, pair excluded from batching",
			"pair", pair, "transactions", len(members), "error", err)
		if !errors.Is(err, pricing.ErrPriceMismatch) {
			continue
		}
		if setErr := b.deps.Store.SetTransactionStatus(ctx, transactionIDs(members), models.TransactionPriceMismatch); setErr != nil {
			b.logger.Error("mark price mismatch failed", "pair", pair, "error", setErr)
		}
		b.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectPriceMismatch,
			Key:     "price-mismatch:" + pair,
			Message: "reference price sources disagree",
			Fields:  map[string]string{"pair": pair, "error": err.Error()},
		})
	}
	return out
}

func (b *Builder) group(txs []models.PurchaseTransaction) []*models.Batch {
	batches := map[groupKey]*models.Batch{}
	var order []groupKey
	for _, tx := range txs {
		asset, err := b.deps.Registry.Lookup(tx.OutputAsset)
		if err != nil {
			continue
		}
		key := groupKey{reference: tx.OutputReferenceAsset, output: asset.Key(), blockchain: asset.Blockchain, category: asset.Category}
		batch, ok := batches[key]
		if !ok {
			batch = models.NewBatch(key.reference, key.output, key.blockchain)
			batches[key] = batch
			order = append(order, key)
		}
		batch.AddTransaction(tx)
	}
	out := make([]*models.Batch, 0, len(order))
	for _, key := range order {
		out = append(out, batches[key])
	}
	return out
}

func (b *Builder) build(ctx context.Context, batch *models.Batch) {
	logger := b.logger.With("batch_id", batch.ID, "asset", batch.OutputAsset)
	open, err := b.deps.Store.HasOpenBatch(ctx, batch.OutputAsset)
	if err != nil {
		logger.Error("open batch lookup failed", "error", err)
		return
	}
	if open {
		logger.Info("open batch exists for asset, halting new batch", "transactions", len(batch.Transactions))
		return
	}
	asset, err := b.deps.Registry.Lookup(batch.OutputAsset)
	if err != nil {
		logger.Error("batch asset unknown", "error", err)
		return
	}
	s, err := b.deps.Strategies.For(asset)
	if err != nil {
		logger.Error("no strategy for batch asset", "error", err)
		b.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectNoStrategy,
			Key:     "no-strategy:" + asset.Key(),
			Message: "no settlement strategy registered",
			Fields:  map[string]string{"asset": asset.Key(), "error": err.Error()},
		})
		return
	}

	req := liquidityRequest(batch)
	req.CorrelationID = "readonly-check"
	check, err := b.deps.Liquidity.CheckLiquidity(ctx, req)
	if err != nil {
		b.haltOnPricing(ctx, batch, err)
		logger.Warn("liquidity check failed", "error", err)
		return
	}

	inputSize := len(batch.Transactions)
	purchase, removed, err := batch.OptimizeByLiquidity(check.AvailableReference, check.MaxPurchasableReference, b.deps.SafetyMargin)
	if err != nil {
		if errors.Is(err, models.ErrAbortBatchCreation) {
			b.abort(ctx, batch, check, err)
			return
		}
		logger.Error("liquidity optimisation failed", "error", err)
		return
	}
	if len(removed) > 0 {
		logger.Info("batch narrowed to available liquidity", "removed", len(removed), "kept", len(batch.Transactions), "input", inputSize)
	}

	payoutFee, err := s.EstimatePayoutFee(ctx, asset, len(batch.Transactions))
	if err != nil {
		b.feeFailed(ctx, batch, "payout fee estimate", err)
		return
	}
	purchaseFee := decimal.Zero
	if purchase {
		if purchaseFee, err = s.EstimatePayoutFee(ctx, asset, 1); err != nil {
			b.feeFailed(ctx, batch, "purchase fee estimate", err)
			return
		}
	}
	payoutRef, err := feeInReference(ctx, b.deps, asset.Blockchain, payoutFee, batch.OutputReferenceAsset)
	if err != nil {
		b.feeFailed(ctx, batch, "payout fee conversion", err)
		return
	}
	purchaseRef, err := feeInReference(ctx, b.deps, asset.Blockchain, purchaseFee, batch.OutputReferenceAsset)
	if err != nil {
		b.feeFailed(ctx, batch, "purchase fee conversion", err)
		return
	}
	if err := batch.CheckFees(purchaseRef, payoutRef, b.deps.Batch.FeeRatioLimit); err != nil {
		b.markAll(ctx, batch, models.TransactionWaitingForLowerFee)
		b.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectFeeLimitExceeded,
			Key:     "fee-limit:" + asset.Key(),
			Message: "estimated fees exceed the batch fee limit",
			Fields: map[string]string{
				"asset":        asset.Key(),
				"purchase_fee": purchaseRef.String(),
				"payout_fee":   payoutRef.String(),
				"reference":    batch.OutputReferenceAmount.String() + " " + batch.OutputReferenceAsset,
			},
		})
		logger.Warn("batch dropped by fee limit", "error", err)
		return
	}
	batch.RecordFees(purchaseRef, payoutRef)

	if err := b.deps.Store.CreateBatch(ctx, batch); err != nil {
		logger.Error("persist batch failed", "error", err)
		return
	}
	b.metrics.RecordBatch(batch.OutputAsset, "created")
	logger.Info("batch created",
		"transactions", len(batch.Transactions),
		"reference_amount", batch.OutputReferenceAmount.String(),
		"reference_asset", batch.OutputReferenceAsset,
		"purchase_required", purchase)
}

// feeFailed reports a batch that could not be costed. Its transactions stay
// Created and are retried on the next cycle.
func (b *Builder) feeFailed(ctx context.Context, batch *models.Batch, stage string, err error) {
	b.metrics.RecordBatch(batch.OutputAsset, "fee_estimate_failed")
	b.notifier.Notify(ctx, notify.Alert{
		Subject: notify.SubjectFeeEstimateFailed,
		Key:     "fee-estimate:" + batch.OutputAsset,
		Message: stage + " failed",
		Fields: map[string]string{
			"asset":        batch.OutputAsset,
			"reference":    batch.OutputReferenceAsset,
			"transactions": joinIDs(batch.Transactions),
			"error":        err.Error(),
		},
	})
	b.logger.Warn(stage+" failed", "asset", batch.OutputAsset, "error", err)
}

func (b *Builder) haltOnPricing(ctx context.Context, batch *models.Batch, err error) {
	var status models.TransactionStatus
	var subject string
	switch {
	case errors.Is(err, dex.ErrPriceSlippage):
		status, subject = models.TransactionPriceSlippage, notify.SubjectPriceSlippage
	case errors.Is(err, pricing.ErrPriceMismatch):
		status, subject = models.TransactionPriceMismatch, notify.SubjectPriceMismatch
	default:
		return
	}
	b.markAll(ctx, batch, status)
	b.notifier.Notify(ctx, notify.Alert{
		Subject: subject,
		Key:     subject + ":" + batch.OutputAsset,
		Message: "batch halted on price check",
		Fields:  map[string]string{"asset": batch.OutputAsset, "error": err.Error()},
	})
}

func (b *Builder) abort(ctx context.Context, batch *models.Batch, check dex.CheckResult, err error) {
	b.markAll(ctx, batch, models.TransactionMissingLiquidity)
	b.metrics.RecordBatch(batch.OutputAsset, "aborted")
	deficit := models.Round(batch.OutputReferenceAmount.Sub(check.AvailableReference))
	b.notifier.Notify(ctx, notify.Alert{
		Subject: notify.SubjectBatchAborted,
		Key:     "missing-liquidity:" + batch.OutputAsset,
		Message: err.Error(),
		Fields: map[string]string{
			"asset":                 batch.OutputAsset,
			"transactions":          joinIDs(batch.Transactions),
			"target_required":       check.RequiredAmount.String(),
			"target_available":      check.AvailableAmount.String(),
			"reference_deficit":     deficit.String() + " " + batch.OutputReferenceAsset,
			"reference_available":   check.AvailableReference.String(),
			"reference_purchasable": check.MaxPurchasableReference.String(),
		},
	})
	b.logger.Warn("batch aborted for missing liquidity", "asset", batch.OutputAsset, "error", err)
}

func (b *Builder) markAll(ctx context.Context, batch *models.Batch, status models.TransactionStatus) {
	if err := b.deps.Store.SetTransactionStatus(ctx, transactionIDs(batch.Transactions), status); err != nil {
		b.logger.Error("update transaction status failed", "asset", batch.OutputAsset, "status", status, "error", err)
	}
}

func joinIDs(txs []models.PurchaseTransaction) string {
	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
