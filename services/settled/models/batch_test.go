package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var tolerance = decimal.RequireFromString("0.00001")

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func refTx(amount, address string) PurchaseTransaction {
	return PurchaseTransaction{
		ID:                    uuid.New(),
		OutputReferenceAmount: decimal.NewNullDecimal(dec(amount)),
		TargetAddress:         address,
		Status:                TransactionPrepared,
	}
}

func batchOf(amounts ...string) *Batch {
	b := NewBatch("bitcoin/BTC", "ethereum/USDT", "ethereum")
	for i, amount := range amounts {
		b.AddTransaction(refTx(amount, fmt.Sprintf("addr-%d", i)))
	}
	return b
}

func TestAddTransactionKeepsReferenceSum(t *testing.T) {
	b := NewBatch("bitcoin/BTC", "bitcoin/BTC", "bitcoin")
	for _, amount := range []string{"0.12345679", "1.1", "0.00000002", "2.33333333", "0.5"} {
		b.AddTransaction(refTx(amount, "a"))
		require.True(t, b.TransactionReferenceTotal().Equal(b.OutputReferenceAmount))
		require.Equal(t, b.ID, *b.Transactions[len(b.Transactions)-1].BatchID)
	}
	require.True(t, b.OutputReferenceAmount.Equal(Round(b.OutputReferenceAmount)))
}

func TestSecureSweepsRoundingResidualToFirstTransaction(t *testing.T) {
	b := batchOf("1", "1", "1")

	require.NoError(t, b.Secure(dec("1"), decimal.Zero, tolerance))
	require.Equal(t, BatchSecured, b.Status)

	got := []string{}
	total := decimal.Zero
	for _, tx := range b.Transactions {
		got = append(got, tx.OutputAmount.Decimal.String())
		total = total.Add(tx.OutputAmount.Decimal)
	}
	require.Equal(t, []string{"0.33333334", "0.33333333", "0.33333333"}, got)
	require.True(t, total.Equal(dec("1")))
}

func TestSecureFailsLoudOnLargeMismatch(t *testing.T) {
	b := batchOf("10", "10")
	b.OutputReferenceAmount = dec("30")

	err := b.Secure(dec("30"), decimal.Zero, tolerance)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutputMismatch))
	require.Contains(t, err.Error(), "Output amount mismatch is too high. Mismatch: 10")
	require.Equal(t, BatchCreated, b.Status)
}

func TestSecureRecordsPurchaseFeeShares(t *testing.T) {
	b := batchOf("1", "3")

	require.NoError(t, b.Secure(dec("8"), dec("0.4"), tolerance))
	require.Equal(t, "2", b.Transactions[0].OutputAmount.Decimal.String())
	require.Equal(t, "6", b.Transactions[1].OutputAmount.Decimal.String())
	require.Equal(t, "0.1", b.Transactions[0].ActualPurchaseFee.Decimal.String())
	require.Equal(t, "0.3", b.Transactions[1].ActualPurchaseFee.Decimal.String())
}

func groupSizes(groups [][]*PurchaseTransaction) []int {
	out := make([]int, len(groups))
	for i := range groups {
		out[i] = len(groups[i])
	}
	return out
}

func TestGroupPayoutTransactions(t *testing.T) {
	tokens := batchOf("1", "1", "1", "1", "1", "1", "1", "1", "1", "1", "1")
	tokens.Status = BatchSecured
	groups, err := tokens.GroupPayoutTransactions(false, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []int{10, 1}, groupSizes(groups))

	amounts := make([]string, 101)
	for i := range amounts {
		amounts[i] = "1"
	}
	native := batchOf(amounts...)
	native.Status = BatchPayingOut
	groups, err = native.GroupPayoutTransactions(true, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []int{100, 1}, groupSizes(groups))

	repeated := batchOf("1", "1", "1", "1", "1", "1", "1", "1", "1", "1", "1")
	repeated.AddTransaction(refTx("1", "addr-2"))
	repeated.Status = BatchSecured
	groups, err = repeated.GroupPayoutTransactions(false, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []int{10, 2}, groupSizes(groups))
	for _, group := range groups {
		count := 0
		for _, tx := range group {
			if tx.TargetAddress == "addr-2" {
				count++
			}
		}
		require.Equal(t, 1, count)
	}

	mixed := NewBatch("bitcoin/BTC", "ethereum/USDT", "ethereum")
	mixed.AddTransaction(refTx("1", "A"))
	mixed.AddTransaction(refTx("1", "A"))
	mixed.AddTransaction(refTx("1", "A"))
	mixed.AddTransaction(refTx("1", "B"))
	mixed.Status = BatchSecured
	groups, err = mixed.GroupPayoutTransactions(false, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 1}, groupSizes(groups))
}

func TestGroupPayoutTransactionsSkipsPaidAndRejectsWrongStatus(t *testing.T) {
	b := batchOf("1", "1", "1")
	_, err := b.GroupPayoutTransactions(false, 100, 10)
	require.ErrorIs(t, err, ErrBatchNotPayable)

	b.Status = BatchPayingOut
	b.Transactions[1].TxID = "paid"
	groups, err := b.GroupPayoutTransactions(false, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []int{2}, groupSizes(groups))
}

func TestOptimizeByLiquidity(t *testing.T) {
	margin := dec("0.05")

	b := batchOf("1", "2")
	purchase, removed, err := b.OptimizeByLiquidity(dec("3.15"), decimal.Zero, margin)
	require.NoError(t, err)
	require.False(t, purchase)
	require.Empty(t, removed)

	b = batchOf("2", "1", "5")
	purchase, removed, err = b.OptimizeByLiquidity(dec("3.2"), decimal.Zero, margin)
	require.NoError(t, err)
	require.False(t, purchase)
	require.Len(t, removed, 1)
	require.Nil(t, removed[0].BatchID)
	require.Equal(t, "3", b.OutputReferenceAmount.String())
	require.Len(t, b.Transactions, 2)

	b = batchOf("2", "3")
	purchase, removed, err = b.OptimizeByLiquidity(dec("0.5"), dec("10"), margin)
	require.NoError(t, err)
	require.True(t, purchase)
	require.Empty(t, removed)

	b = batchOf("2", "3")
	purchase, removed, err = b.OptimizeByLiquidity(dec("0.5"), dec("2"), margin)
	require.NoError(t, err)
	require.True(t, purchase)
	require.Len(t, removed, 1)
	require.Equal(t, "2", b.OutputReferenceAmount.String())

	b = batchOf("2", "3")
	_, _, err = b.OptimizeByLiquidity(dec("0.5"), dec("0.5"), margin)
	require.ErrorIs(t, err, ErrAbortBatchCreation)
}

func TestOptimizeRefusesPersistedBatch(t *testing.T) {
	b := batchOf("2", "1", "5")
	b.CreatedAt = time.Now()
	_, _, err := b.OptimizeByLiquidity(dec("3.2"), decimal.Zero, dec("0.05"))
	require.ErrorIs(t, err, ErrBatchPersisted)
}

func TestCheckFeesAndRecordFees(t *testing.T) {
	b := batchOf("10", "30")
	require.NoError(t, b.CheckFees(dec("0.01"), dec("0.02"), dec("0.001")))
	require.ErrorIs(t, b.CheckFees(dec("0.03"), dec("0.02"), dec("0.001")), ErrFeeLimitExceeded)

	b.RecordFees(dec("0.04"), dec("0.008"))
	require.Equal(t, "0.01", b.Transactions[0].EstimatedPurchaseFee.Decimal.String())
	require.Equal(t, "0.006", b.Transactions[1].EstimatedPayoutFee.Decimal.String())
}

func TestCompleteRecordsDistinctPayoutTxIDs(t *testing.T) {
	b := batchOf("1", "1", "1")
	for i := range b.Transactions {
		b.Transactions[i].Complete(map[int]string{0: "tx-a", 1: "tx-a", 2: "tx-b"}[i], decimal.Zero, time.Now())
	}
	require.True(t, b.IsComplete())
	b.Complete()
	require.Equal(t, BatchComplete, b.Status)
	require.Equal(t, "tx-a,tx-b", b.PayoutTxIDs)
}
