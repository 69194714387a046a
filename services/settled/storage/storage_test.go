package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"settlehub/services/settled/models"
)

func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return New(db, opts...)
}

func pendingTx(amount string) *models.PurchaseTransaction {
	return &models.PurchaseTransaction{
		InputAmount:                  decimal.RequireFromString(amount),
		InputAsset:                   "EUR",
		InputReferenceAsset:          "EUR",
		InputReferenceAmount:         decimal.RequireFromString(amount),
		InputReferenceAmountMinusFee: decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		OutputAsset:                  "ethereum/USDT",
		TargetAddress:                "0xabc",
	}
}

func TestUnbatchedTransactionsFiltersIneligible(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	eligible := pendingTx("10")
	require.NoError(t, store.CreateTransaction(ctx, eligible))

	noFee := pendingTx("5")
	noFee.InputReferenceAmountMinusFee = decimal.NullDecimal{}
	require.NoError(t, store.CreateTransaction(ctx, noFee))

	done := pendingTx("7")
	done.IsComplete = true
	done.Status = models.TransactionComplete
	require.NoError(t, store.CreateTransaction(ctx, done))

	txs, err := store.UnbatchedTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, eligible.ID, txs[0].ID)
	require.Equal(t, "10", txs[0].InputReferenceAmountMinusFee.Decimal.String())
}

func TestCreateBatchAssignsMembers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := pendingTx("1")
	second := pendingTx("2")
	require.NoError(t, store.CreateTransaction(ctx, first))
	require.NoError(t, store.CreateTransaction(ctx, second))

	batch := models.NewBatch("bitcoin/BTC", "ethereum/USDT", "ethereum")
	for _, tx := range []*models.PurchaseTransaction{first, second} {
		tx.OutputReferenceAmount = decimal.NewNullDecimal(tx.InputReferenceAmount)
		batch.AddTransaction(*tx)
	}
	require.NoError(t, store.CreateBatch(ctx, batch))

	open, err := store.HasOpenBatch(ctx, "ethereum/USDT")
	require.NoError(t, err)
	require.True(t, open)

	loaded, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Transactions, 2)
	require.Equal(t, "3", loaded.OutputReferenceAmount.String())
	for _, tx := range loaded.Transactions {
		require.Equal(t, models.TransactionBatched, tx.Status)
	}

	remaining, err := store.UnbatchedTransactions(ctx)
	require.NoError(t, err)
	require.Empty(t, remaining)

	loaded.Complete()
	require.NoError(t, store.SaveBatch(ctx, loaded))
	open, err = store.HasOpenBatch(ctx, "ethereum/USDT")
	require.NoError(t, err)
	require.False(t, open)
}

func TestLiquidityOrderKeyIsUnique(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	order := &models.LiquidityOrder{
		Type:            models.LiquidityReservation,
		Context:         models.ContextBuyCrypto,
		CorrelationID:   "batch-1",
		Blockchain:      "ethereum",
		ReferenceAsset:  "bitcoin/BTC",
		ReferenceAmount: decimal.RequireFromString("1"),
		TargetAsset:     "ethereum/USDT",
	}
	order.Ready(decimal.RequireFromString("25000"))
	require.NoError(t, store.CreateLiquidityOrder(ctx, order))

	dup := *order
	dup.ID = uuid.Nil
	err := store.CreateLiquidityOrder(ctx, &dup)
	require.ErrorIs(t, err, ErrDuplicate)
	require.True(t, IsDuplicateKey(err))

	pending, err := store.PendingLiquidityAmount(ctx, "ethereum/USDT")
	require.NoError(t, err)
	require.Equal(t, "25000", pending.String())

	_, err = store.FindLiquidityOrder(ctx, models.ContextBuyCrypto, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPayoutOrderKeyIsUnique(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	order := &models.PayoutOrder{
		Context:            models.ContextBuyCrypto,
		CorrelationID:      "tx-1",
		Blockchain:         "ethereum",
		Asset:              "ethereum/USDT",
		Amount:             decimal.RequireFromString("10"),
		DestinationAddress: "0xabc",
		Status:             models.PayoutCreated,
	}
	require.NoError(t, store.CreatePayoutOrder(ctx, order))
	dup := *order
	dup.ID = uuid.Nil
	require.ErrorIs(t, store.CreatePayoutOrder(ctx, &dup), ErrDuplicate)

	created, err := store.PayoutOrdersByStatus(ctx, models.PayoutCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)
}

func TestLeaseExclusivity(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := setupTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "batching", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLease(ctx, "batching", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = store.AcquireLease(ctx, "batching", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "batching", "b"))
	ok, err = store.AcquireLease(ctx, "batching", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
