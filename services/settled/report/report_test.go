package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"settlehub/services/settled/models"
	"settlehub/services/settled/storage"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return storage.New(db)
}

func seedSettlement(t *testing.T, store *storage.Store) {
	t.Helper()
	done := time.Now().UTC()
	batch := models.NewBatch("ethereum/USDT", "ethereum/USDT", "ethereum")
	for i, amount := range []string{"110", "55"} {
		tx := models.PurchaseTransaction{
			ID:                           uuid.New(),
			InputAmount:                  dec("100"),
			InputAsset:                   "EUR",
			InputReferenceAsset:          "EUR",
			InputReferenceAmount:         dec("100"),
			InputReferenceAmountMinusFee: decimal.NewNullDecimal(dec("100")),
			OutputAsset:                  "ethereum/USDT",
			OutputReferenceAmount:        decimal.NewNullDecimal(dec(amount)),
			TargetAddress:                fmt.Sprintf("0xdest%d", i),
		}
		batch.AddTransaction(tx)
	}
	require.NoError(t, batch.Secure(dec("165"), decimal.Zero, dec("0.00001")))
	for i := range batch.Transactions {
		batch.Transactions[i].Complete("0xpayout1", dec("0.0005"), done)
	}
	batch.Complete()
	require.NoError(t, store.DB().Create(batch).Error)

	order := &models.PayoutOrder{
		Context:            models.ContextBuyCrypto,
		CorrelationID:      batch.Transactions[0].ID.String(),
		Blockchain:         "ethereum",
		Asset:              "ethereum/USDT",
		Amount:             dec("110"),
		DestinationAddress: "0xdest0",
		Status:             models.PayoutComplete,
		PayoutTxID:         "0xpayout1",
		PayoutFee:          decimal.NewNullDecimal(dec("0.0005")),
	}
	require.NoError(t, store.CreatePayoutOrder(context.Background(), order))
}

func TestExporterWritesCSVAndParquet(t *testing.T) {
	store := setupStore(t)
	seedSettlement(t, store)
	dir := t.TempDir()
	exporter, err := NewExporter(Config{Source: store, OutputDir: dir})
	require.NoError(t, err)

	now := time.Now().UTC()
	result, err := exporter.Run(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, result.Settlements)
	require.Equal(t, 1, result.Payouts)
	require.Len(t, result.Files, 4)

	file, err := os.Open(filepath.Join(dir, now.Add(time.Hour).Format("2006-01-02"), "settlements.csv"))
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, settlementHeader, records[0])
	require.Equal(t, "110", records[1][12])
	require.Equal(t, "0xpayout1", records[1][14])

	for _, path := range result.Files {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Positive(t, info.Size())
	}

	day := filepath.Join(dir, now.Add(time.Hour).Format("2006-01-02"))
	payouts := readParquet[payoutRow](t, filepath.Join(day, "payouts.parquet"))
	require.Len(t, payouts, 1)
	require.Equal(t, "ethereum/USDT", payouts[0].Asset)
	require.Equal(t, "110", payouts[0].Amount)
	require.Equal(t, "0xpayout1", payouts[0].PayoutTxID)
	require.Equal(t, "0.0005", payouts[0].PayoutFee)

	settlements := readParquet[settlementRow](t, filepath.Join(day, "settlements.parquet"))
	require.Len(t, settlements, 2)
	require.Equal(t, "ethereum", settlements[0].Blockchain)
	require.ElementsMatch(t, []string{"110", "55"}, []string{settlements[0].OutputAmount, settlements[1].OutputAmount})
	require.NotEmpty(t, settlements[1].CompletedAt)
}

func readParquet[T any](t *testing.T, path string) []T {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(T), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	rows := make([]T, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	return rows
}

func TestExporterSkipsEmptyWindow(t *testing.T) {
	store := setupStore(t)
	exporter, err := NewExporter(Config{Source: store, OutputDir: t.TempDir()})
	require.NoError(t, err)

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := exporter.Run(context.Background(), start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, result.Files)

	_, err = exporter.Run(context.Background(), start, start)
	require.Error(t, err)
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC), s.nextRun(before))

	after := time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC), s.nextRun(after))

	clamped := NewScheduler(SchedulerConfig{RunHour: 30, RunMinute: -5})
	require.Equal(t, 23, clamped.runHour)
	require.Equal(t, 0, clamped.runMinute)
}
