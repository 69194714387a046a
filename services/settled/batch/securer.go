package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"settlehub/services/settled/dex"
	"settlehub/services/settled/models"
	"settlehub/services/settled/notify"
)

// Securer obtains liquidity for CREATED batches and secures them once it is
// available.
type Securer struct {
	deps Deps
	runtime
}

// NewSecurer constructs the liquidity securing job.
func NewSecurer(deps Deps, opts ...Option) *Securer {
	return &Securer{deps: withDefaults(deps), runtime: newRuntime(opts)}
}

// SecureLiquidity checks batches waiting on a purchase first, then reserves or
// purchases liquidity for new batches.
func (s *Securer) SecureLiquidity(ctx context.Context) error {
	pending, err := s.deps.Store.BatchesByStatus(ctx, models.BatchPendingLiquidity)
	if err != nil {
		return fmt.Errorf("load pending batches: %w", err)
	}
	created, err := s.deps.Store.BatchesByStatus(ctx, models.BatchCreated)
	if err != nil {
		return fmt.Errorf("load new batches: %w", err)
	}
	for i := range pending {
		if err := s.checkPending(ctx, &pending[i]); err != nil {
			s.logger.Error("check pending batch failed", "batch_id", pending[i].ID, "error", err)
		}
	}
	for i := range created {
		if err := s.processNew(ctx, &created[i]); err != nil {
			s.logger.Error("process new batch failed", "batch_id", created[i].ID, "error", err)
		}
	}
	return nil
}

func (s *Securer) checkPending(ctx context.Context, batch *models.Batch) error {
	result, err := s.deps.Liquidity.FetchLiquidityAfterPurchase(ctx, models.ContextBuyCrypto, batch.ID.String())
	switch {
	case errors.Is(err, dex.ErrOrderNotReady):
		return nil
	case errors.Is(err, dex.ErrOrderNotFound):
		// The swap failed and its order was dropped; purchase again.
		batch.Status = models.BatchCreated
		batch.PurchaseTxID = ""
		s.logger.Warn("purchase order vanished, batch returned to CREATED", "batch_id", batch.ID, "asset", batch.OutputAsset)
		return s.deps.Store.SaveBatch(ctx, batch)
	case err != nil:
		return err
	}
	fee, err := feeInReference(ctx, s.deps, batch.Blockchain, result.Fee, batch.OutputReferenceAsset)
	if err != nil {
		s.logger.Warn("purchase fee conversion failed, fee not recorded", "batch_id", batch.ID, "error", err)
		fee = decimal.Zero
	}
	return s.secure(ctx, batch, result.TargetAmount, fee)
}

func (s *Securer) processNew(ctx context.Context, batch *models.Batch) error {
	req := liquidityRequest(batch)
	reserved, err := s.deps.Liquidity.ReserveLiquidity(ctx, req)
	if err == nil {
		return s.secure(ctx, batch, reserved.TargetAmount.Decimal, decimal.Zero)
	}
	if !errors.Is(err, dex.ErrNotEnoughLiquidity) {
		s.handleLiquidityError(ctx, batch, err)
		return err
	}
	s.logger.Info("not enough liquidity, purchasing", "batch_id", batch.ID, "asset", batch.OutputAsset)

	order, err := s.deps.Liquidity.PurchaseLiquidity(ctx, req)
	if err != nil {
		s.handleLiquidityError(ctx, batch, err)
		return fmt.Errorf("purchase %s: %w", batch.OutputAsset, err)
	}
	batch.Pending(order.TxID)
	if err := s.deps.Store.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist pending liquidity (purchase %s): %w", order.TxID, err)
	}
	s.metrics.RecordBatch(batch.OutputAsset, "pending_liquidity")
	return nil
}

func (s *Securer) secure(ctx context.Context, batch *models.Batch, liquidity, fee decimal.Decimal) error {
	if err := batch.Secure(liquidity, fee, s.deps.Batch.RoundingTolerance); err != nil {
		var mismatch *models.MismatchError
		if errors.As(err, &mismatch) {
			s.notifier.Notify(ctx, notify.Alert{
				Subject: notify.SubjectOutputMismatch,
				Key:     "output-mismatch:" + batch.ID.String(),
				Message: err.Error(),
				Fields:  map[string]string{"batch_id": batch.ID.String(), "asset": batch.OutputAsset},
			})
		}
		return err
	}
	if err := s.deps.Store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	s.metrics.RecordBatch(batch.OutputAsset, "secured")
	s.logger.Info("batch secured", "batch_id", batch.ID, "asset", batch.OutputAsset, "amount", liquidity.String())
	return nil
}

func (s *Securer) handleLiquidityError(ctx context.Context, batch *models.Batch, err error) {
	switch {
	case errors.Is(err, dex.ErrPriceSlippage):
		if setErr := s.deps.Store.SetTransactionStatus(ctx, transactionIDs(batch.Transactions), models.TransactionPriceSlippage); setErr != nil {
			s.logger.Error("mark price slippage failed", "batch_id", batch.ID, "error", setErr)
		}
		s.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectPriceSlippage,
			Key:     "slippage:" + batch.OutputAsset,
			Message: "slippage limit hit while securing liquidity",
			Fields:  map[string]string{"batch_id": batch.ID.String(), "asset": batch.OutputAsset, "error": err.Error()},
		})
	case errors.Is(err, dex.ErrSwapAssetsExhausted):
		s.notifier.Notify(ctx, notify.Alert{
			Subject: notify.SubjectPurchaseFailed,
			Key:     "purchase:" + batch.OutputAsset,
			Message: "liquidity purchase failed for every swap asset",
			Fields:  map[string]string{"batch_id": batch.ID.String(), "asset": batch.OutputAsset, "error": err.Error()},
		})
	}
}
