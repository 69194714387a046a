package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlehub/services/settled/grouping"
)

// AmountPlaces is the precision every settlement amount is rounded to.
const AmountPlaces = 8

var (
	// ErrOutputMismatch marks a distribution whose residual is too large to sweep.
	ErrOutputMismatch = errors.New("models: output amount mismatch too high")
	// ErrBatchNotPayable is returned when payout groups are requested outside SECURED or PAYING_OUT.
	ErrBatchNotPayable = errors.New("models: batch not payable")
	// ErrAbortBatchCreation indicates there is not enough liquidity to settle even one transaction.
	ErrAbortBatchCreation = errors.New("models: abort batch creation")
	// ErrFeeLimitExceeded indicates the estimated fees consume too much of the batch.
	ErrFeeLimitExceeded = errors.New("models: fee limit exceeded")
	// ErrBatchPersisted is returned when a stored batch is re-sized.
	ErrBatchPersisted = errors.New("models: batch already persisted")
)

// MismatchError reports the residual left after distributing a batch amount.
type MismatchError struct {
	Mismatch decimal.Decimal
	Asset    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("Output amount mismatch is too high. Mismatch: %s %s", e.Mismatch.String(), e.Asset)
}

// Is lets errors.Is match ErrOutputMismatch.
func (e *MismatchError) Is(target error) bool { return target == ErrOutputMismatch }

// NewBatch returns an empty CREATED batch for the given assets.
func NewBatch(outputReferenceAsset, outputAsset, blockchain string) *Batch {
	return &Batch{
		ID:                    uuid.New(),
		Status:                BatchCreated,
		Blockchain:            blockchain,
		OutputReferenceAsset:  outputReferenceAsset,
		OutputReferenceAmount: decimal.Zero,
		OutputAsset:           outputAsset,
	}
}

// Round rounds an amount to AmountPlaces.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(AmountPlaces)
}

// AddTransaction assigns tx to the batch and accumulates its reference amount.
func (b *Batch) AddTransaction(tx PurchaseTransaction) {
	id := b.ID
	tx.BatchID = &id
	b.Transactions = append(b.Transactions, tx)
	b.OutputReferenceAmount = Round(b.OutputReferenceAmount.Add(tx.OutputReferenceAmount.Decimal))
}

// TransactionReferenceTotal is the live sum of member reference amounts.
func (b *Batch) TransactionReferenceTotal() decimal.Decimal {
	total := decimal.Zero
	for _, tx := range b.Transactions {
		total = total.Add(tx.OutputReferenceAmount.Decimal)
	}
	return Round(total)
}

// OptimizeByLiquidity narrows the batch to what available and purchasable
// liquidity can settle. Amounts are in the batch's reference asset and margin is
// the safety margin, e.g. 0.05. It reports whether a purchase is required and
// returns transactions removed from the batch.
func (b *Batch) OptimizeByLiquidity(available, maxPurchasable, margin decimal.Decimal) (bool, []PurchaseTransaction, error) {
	factor := decimal.NewFromInt(1).Add(margin)
	if available.GreaterThanOrEqual(b.OutputReferenceAmount.Mul(factor)) {
		return false, nil, nil
	}
	if b.canSecureOneTransaction(available, factor) {
		removed, err := b.reBatchToMaxReferenceAmount(available, factor)
		return false, removed, err
	}
	combined := available.Add(maxPurchasable)
	if !b.canSecureOneTransaction(combined, factor) {
		return false, nil, fmt.Errorf("%w: asset %s requires %s %s, available %s, purchasable %s",
			ErrAbortBatchCreation, b.OutputAsset, b.OutputReferenceAmount, b.OutputReferenceAsset, available, maxPurchasable)
	}
	missing := b.OutputReferenceAmount.Sub(available)
	if maxPurchasable.LessThan(missing.Mul(factor)) {
		removed, err := b.reBatchToMaxReferenceAmount(combined, factor)
		return true, removed, err
	}
	return true, nil, nil
}

func (b *Batch) canSecureOneTransaction(amount, factor decimal.Decimal) bool {
	smallest, ok := b.smallestTransactionReferenceAmount()
	if !ok {
		return false
	}
	return amount.GreaterThanOrEqual(smallest.Mul(factor))
}

func (b *Batch) smallestTransactionReferenceAmount() (decimal.Decimal, bool) {
	if len(b.Transactions) == 0 {
		return decimal.Zero, false
	}
	smallest := b.Transactions[0].OutputReferenceAmount.Decimal
	for _, tx := range b.Transactions[1:] {
		if tx.OutputReferenceAmount.Decimal.LessThan(smallest) {
			smallest = tx.OutputReferenceAmount.Decimal
		}
	}
	return smallest, true
}

func (b *Batch) reBatchToMaxReferenceAmount(liquidity, factor decimal.Decimal) ([]PurchaseTransaction, error) {
	if !b.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: batch %s", ErrBatchPersisted, b.ID)
	}
	current := append([]PurchaseTransaction(nil), b.Transactions...)
	sort.SliceStable(current, func(i, j int) bool {
		return current[i].OutputReferenceAmount.Decimal.LessThan(current[j].OutputReferenceAmount.Decimal)
	})

	b.Transactions = nil
	b.OutputReferenceAmount = decimal.Zero
	var removed []PurchaseTransaction
	for _, tx := range current {
		next := b.OutputReferenceAmount.Add(tx.OutputReferenceAmount.Decimal)
		if next.Mul(factor).LessThanOrEqual(liquidity) {
			b.AddTransaction(tx)
			continue
		}
		tx.BatchID = nil
		removed = append(removed, tx)
	}
	if len(b.Transactions) == 0 {
		return removed, fmt.Errorf("%w: liquidity limit too low for %s", ErrAbortBatchCreation, b.OutputAsset)
	}
	return removed, nil
}

// CheckFees rejects the batch when the estimated fees exceed limit as a share of
// the reference amount. Fees are in the reference asset.
func (b *Batch) CheckFees(purchaseFee, payoutFee, limit decimal.Decimal) error {
	if b.OutputReferenceAmount.IsZero() {
		return fmt.Errorf("%w: batch %s has no reference amount", ErrFeeLimitExceeded, b.ID)
	}
	ratio := purchaseFee.Add(payoutFee).Div(b.OutputReferenceAmount)
	if ratio.GreaterThan(limit) {
		return fmt.Errorf("%w: asset %s fee ratio %s", ErrFeeLimitExceeded, b.OutputAsset, ratio.StringFixed(6))
	}
	return nil
}

// RecordFees stores each member's share of the estimated fees.
func (b *Batch) RecordFees(purchaseFee, payoutFee decimal.Decimal) {
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		tx.EstimatedPurchaseFee = decimal.NewNullDecimal(b.feeShare(tx, purchaseFee))
		tx.EstimatedPayoutFee = decimal.NewNullDecimal(b.feeShare(tx, payoutFee))
	}
}

func (b *Batch) feeShare(tx *PurchaseTransaction, total decimal.Decimal) decimal.Decimal {
	if b.OutputReferenceAmount.IsZero() {
		return decimal.Zero
	}
	return Round(total.Mul(tx.OutputReferenceAmount.Decimal).Div(b.OutputReferenceAmount))
}

// Secure sets the batch output amount and distributes it across members in
// proportion to their reference amounts. A rounding residual below tolerance is
// added to the first member; a larger residual is returned as *MismatchError and
// leaves the status unchanged.
func (b *Batch) Secure(liquidity, purchaseFee, tolerance decimal.Decimal) error {
	if b.OutputReferenceAmount.IsZero() {
		return fmt.Errorf("models: batch %s has no reference amount", b.ID)
	}
	b.OutputAmount = decimal.NewNullDecimal(liquidity)
	if !purchaseFee.IsZero() {
		b.PurchaseFee = decimal.NewNullDecimal(purchaseFee)
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if !purchaseFee.IsZero() {
			tx.ActualPurchaseFee = decimal.NewNullDecimal(b.feeShare(tx, purchaseFee))
		}
		share := tx.OutputReferenceAmount.Decimal.Mul(liquidity).Div(b.OutputReferenceAmount)
		tx.OutputAmount = decimal.NewNullDecimal(Round(share))
	}
	if err := b.fixRoundingMismatch(tolerance); err != nil {
		return err
	}
	b.Status = BatchSecured
	return nil
}

func (b *Batch) fixRoundingMismatch(tolerance decimal.Decimal) error {
	total := decimal.Zero
	for _, tx := range b.Transactions {
		total = total.Add(tx.OutputAmount.Decimal)
	}
	mismatch := Round(b.OutputAmount.Decimal.Sub(total))
	if mismatch.IsZero() {
		return nil
	}
	if mismatch.Abs().GreaterThanOrEqual(tolerance) || len(b.Transactions) == 0 {
		return &MismatchError{Mismatch: mismatch, Asset: b.OutputAsset}
	}
	first := &b.Transactions[0]
	first.OutputAmount = decimal.NewNullDecimal(Round(first.OutputAmount.Decimal.Add(mismatch)))
	return nil
}

// GroupPayoutTransactions splits unpaid members into payout groups with no
// repeated destination. native selects nativeCap over tokenCap.
func (b *Batch) GroupPayoutTransactions(native bool, nativeCap, tokenCap int) ([][]*PurchaseTransaction, error) {
	if b.Status != BatchSecured && b.Status != BatchPayingOut {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotPayable, b.ID, b.Status)
	}
	unpaid := make([]*PurchaseTransaction, 0, len(b.Transactions))
	for i := range b.Transactions {
		if strings.TrimSpace(b.Transactions[i].TxID) == "" {
			unpaid = append(unpaid, &b.Transactions[i])
		}
	}
	return grouping.Group(unpaid, grouping.Capacity(native, nativeCap, tokenCap), func(tx *PurchaseTransaction) string {
		return tx.TargetAddress
	}), nil
}

// Pending marks the batch as waiting for purchased liquidity.
func (b *Batch) Pending(purchaseTxID string) {
	b.Status = BatchPendingLiquidity
	b.PurchaseTxID = purchaseTxID
}

// PayingOut marks the batch as handed over to payout.
func (b *Batch) PayingOut() { b.Status = BatchPayingOut }

// Complete marks the batch terminal and records the distinct payout txIds.
func (b *Batch) Complete() {
	b.Status = BatchComplete
	seen := map[string]struct{}{}
	ids := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		if tx.TxID == "" {
			continue
		}
		if _, ok := seen[tx.TxID]; ok {
			continue
		}
		seen[tx.TxID] = struct{}{}
		ids = append(ids, tx.TxID)
	}
	b.PayoutTxIDs = strings.Join(ids, ",")
}

// IsComplete reports whether every member has been paid out.
func (b *Batch) IsComplete() bool {
	for _, tx := range b.Transactions {
		if !tx.IsComplete {
			return false
		}
	}
	return len(b.Transactions) > 0
}
