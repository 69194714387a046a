package batch

import (
	"context"
	"errors"
	"fmt"

	"settlehub/services/settled/models"
	"settlehub/services/settled/payout"
)

// PayoutHandler hands secured batches to the payout engine and completes them
// once every member is paid.
type PayoutHandler struct {
	deps Deps
	runtime
}

// NewPayoutHandler constructs the payout hand-off job.
func NewPayoutHandler(deps Deps, opts ...Option) *PayoutHandler {
	return &PayoutHandler{deps: withDefaults(deps), runtime: newRuntime(opts)}
}

// PayoutTransactions advances every SECURED and PAYING_OUT batch.
func (h *PayoutHandler) PayoutTransactions(ctx context.Context) error {
	batches, err := h.deps.Store.BatchesByStatus(ctx, models.BatchSecured, models.BatchPayingOut)
	if err != nil {
		return fmt.Errorf("load payable batches: %w", err)
	}
	for i := range batches {
		if err := h.process(ctx, &batches[i]); err != nil {
			h.logger.Error("batch payout failed", "batch_id", batches[i].ID, "asset", batches[i].OutputAsset, "error", err)
		}
	}
	return nil
}

func (h *PayoutHandler) process(ctx context.Context, batch *models.Batch) error {
	h.checkCompletion(ctx, batch)
	if batch.IsComplete() {
		batch.Complete()
		if err := h.deps.Store.SaveBatch(ctx, batch); err != nil {
			return err
		}
		h.metrics.RecordBatch(batch.OutputAsset, "complete")
		if err := h.deps.Liquidity.CompleteOrders(ctx, models.ContextBuyCrypto, batch.ID.String()); err != nil {
			h.logger.Warn("release liquidity order failed", "batch_id", batch.ID, "error", err)
		}
		h.logger.Info("batch complete", "batch_id", batch.ID, "asset", batch.OutputAsset, "payout_tx_ids", batch.PayoutTxIDs)
		return nil
	}

	asset, err := h.deps.Registry.Lookup(batch.OutputAsset)
	if err != nil {
		return err
	}
	groups, err := batch.GroupPayoutTransactions(asset.IsNative(), h.deps.Payout.NativeGroupSize, h.deps.Payout.TokenGroupSize)
	if err != nil {
		return err
	}
	if batch.Status == models.BatchSecured {
		batch.PayingOut()
	}
	var errs []error
	for _, group := range groups {
		for _, tx := range group {
			err := h.deps.Payouts.RequestPayout(ctx, payout.Request{
				Context:       models.ContextBuyCrypto,
				CorrelationID: tx.ID.String(),
				Asset:         batch.OutputAsset,
				Amount:        tx.OutputAmount.Decimal,
				Address:       tx.TargetAddress,
			})
			if err != nil && !errors.Is(err, payout.ErrDuplicatedEntry) {
				errs = append(errs, fmt.Errorf("transaction %s: %w", tx.ID, err))
			}
		}
	}
	if err := h.deps.Store.SaveBatch(ctx, batch); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *PayoutHandler) checkCompletion(ctx context.Context, batch *models.Batch) {
	for i := range batch.Transactions {
		tx := &batch.Transactions[i]
		if tx.IsComplete {
			continue
		}
		completion, err := h.deps.Payouts.CheckOrderCompletion(ctx, models.ContextBuyCrypto, tx.ID.String())
		if err != nil {
			if !errors.Is(err, payout.ErrOrderNotFound) {
				h.logger.Warn("payout completion check failed", "transaction_id", tx.ID, "error", err)
			}
			continue
		}
		if completion.IsComplete {
			tx.Complete(completion.PayoutTxID, completion.Fee, h.now())
		}
	}
}
