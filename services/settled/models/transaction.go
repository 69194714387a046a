package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingPrice is returned when no usable price exists for a transaction's reference pair.
var ErrMissingPrice = errors.New("models: missing reference price")

// IsBatchable reports whether the transaction may be offered to a batching cycle.
func (tx *PurchaseTransaction) IsBatchable() bool {
	if tx.BatchID != nil || tx.IsComplete || !tx.InputReferenceAmountMinusFee.Valid {
		return false
	}
	switch tx.Status {
	case TransactionCreated, TransactionPrepared, TransactionMissingLiquidity,
		TransactionPriceMismatch, TransactionPriceSlippage, TransactionWaitingForLowerFee:
		return true
	default:
		return false
	}
}

// SetOutputReferenceAsset records the classified output reference asset.
func (tx *PurchaseTransaction) SetOutputReferenceAsset(key string) {
	tx.OutputReferenceAsset = key
	tx.Status = TransactionPrepared
}

// CalculateOutputReferenceAmount converts the fee-reduced input reference amount
// into the output reference asset. sameAsset skips the conversion.
func (tx *PurchaseTransaction) CalculateOutputReferenceAmount(price decimal.Decimal, sameAsset bool) error {
	amount := tx.InputReferenceAmountMinusFee.Decimal
	if sameAsset {
		tx.OutputReferenceAmount = decimal.NewNullDecimal(Round(amount))
		return nil
	}
	if price.IsZero() || price.IsNegative() {
		return fmt.Errorf("%w: transaction %s %s -> %s", ErrMissingPrice, tx.ID, tx.InputReferenceAsset, tx.OutputReferenceAsset)
	}
	tx.OutputReferenceAmount = decimal.NewNullDecimal(Round(amount.Mul(price)))
	return nil
}

// Complete records the confirmed payout.
func (tx *PurchaseTransaction) Complete(payoutTxID string, payoutFee decimal.Decimal, now time.Time) {
	tx.TxID = payoutTxID
	tx.ActualPayoutFee = decimal.NewNullDecimal(payoutFee)
	tx.IsComplete = true
	tx.Status = TransactionComplete
	completed := now
	tx.OutputDate = &completed
}

// ResetForRetry clears the batching results so the transaction reforms in a later cycle.
func (tx *PurchaseTransaction) ResetForRetry(status TransactionStatus) {
	tx.OutputReferenceAmount = decimal.NullDecimal{}
	tx.BatchID = nil
	tx.Status = status
}
