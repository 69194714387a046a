// Package report exports completed settlements to CSV and parquet files.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"settlehub/services/settled/models"
)

// Source loads the settlements completed within a window.
type Source interface {
	CompletedBatchesBetween(ctx context.Context, start, end time.Time) ([]models.Batch, error)
	CompletedPayoutsBetween(ctx context.Context, start, end time.Time) ([]models.PayoutOrder, error)
}

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	Source    Source
	OutputDir string
	Window    time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Exporter writes one settlement and one payout report per window.
type Exporter struct {
	source    Source
	outputDir string
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Result lists the files written by a run.
type Result struct {
	Start       time.Time
	End         time.Time
	Settlements int
	Payouts     int
	Files       []string
}

// NewExporter validates cfg and applies defaults.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("report: source required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("report: output directory required")
	}
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: cfg.Source, outputDir: cfg.OutputDir, window: window, now: now, logger: logger}, nil
}

// RunLatest exports the window ending now.
func (e *Exporter) RunLatest(ctx context.Context) error {
	end := e.now().UTC()
	_, err := e.Run(ctx, end.Add(-e.window), end)
	return err
}

// Run exports settlements completed within [start, end).
func (e *Exporter) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("report: empty window %s - %s", start, end)
	}
	batches, err := e.source.CompletedBatchesBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("report: load batches: %w", err)
	}
	payouts, err := e.source.CompletedPayoutsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("report: load payouts: %w", err)
	}

	dir := filepath.Join(e.outputDir, end.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create dir: %w", err)
	}
	result := &Result{Start: start, End: end}

	settlements := settlementRows(batches)
	result.Settlements = len(settlements)
	if len(settlements) > 0 {
		files, err := writeBoth(dir, "settlements", settlementHeader, settlements, new(settlementRow))
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, files...)
	}
	payoutRecords := payoutRows(payouts)
	result.Payouts = len(payoutRecords)
	if len(payoutRecords) > 0 {
		files, err := writeBoth(dir, "payouts", payoutHeader, payoutRecords, new(payoutRow))
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, files...)
	}
	e.logger.Info("settlement report written",
		"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339),
		"settlements", result.Settlements, "payouts", result.Payouts, "files", len(result.Files))
	return result, nil
}

type record interface {
	csvRecord() []string
}

type settlementRow struct {
	BatchID         string `parquet:"name=batch_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Blockchain      string `parquet:"name=blockchain, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OutputAsset     string `parquet:"name=output_asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ReferenceAsset  string `parquet:"name=reference_asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BatchReference  string `parquet:"name=batch_reference_amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BatchOutput     string `parquet:"name=batch_output_amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PurchaseFee     string `parquet:"name=purchase_fee, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PurchaseTxID    string `parquet:"name=purchase_tx_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TransactionID   string `parquet:"name=transaction_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	InputAsset      string `parquet:"name=input_asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	InputAmount     string `parquet:"name=input_amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ReferenceAmount string `parquet:"name=reference_amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OutputAmount    string `parquet:"name=output_amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TargetAddress   string `parquet:"name=target_address, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PayoutTxID      string `parquet:"name=payout_tx_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PayoutFee       string `parquet:"name=payout_fee, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CompletedAt     string `parquet:"name=completed_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

var settlementHeader = []string{
	"batch_id", "blockchain", "output_asset", "reference_asset", "batch_reference_amount", "batch_output_amount",
	"purchase_fee", "purchase_tx_id", "transaction_id", "input_asset", "input_amount", "reference_amount",
	"output_amount", "target_address", "payout_tx_id", "payout_fee", "completed_at",
}

func (r *settlementRow) csvRecord() []string {
	return []string{
		r.BatchID, r.Blockchain, r.OutputAsset, r.ReferenceAsset, r.BatchReference, r.BatchOutput,
		r.PurchaseFee, r.PurchaseTxID, r.TransactionID, r.InputAsset, r.InputAmount, r.ReferenceAmount,
		r.OutputAmount, r.TargetAddress, r.PayoutTxID, r.PayoutFee, r.CompletedAt,
	}
}

func settlementRows(batches []models.Batch) []record {
	var rows []record
	for _, batch := range batches {
		for _, tx := range batch.Transactions {
			rows = append(rows, &settlementRow{
				BatchID:         batch.ID.String(),
				Blockchain:      batch.Blockchain,
				OutputAsset:     batch.OutputAsset,
				ReferenceAsset:  batch.OutputReferenceAsset,
				BatchReference:  batch.OutputReferenceAmount.String(),
				BatchOutput:     nullString(batch.OutputAmount),
				PurchaseFee:     nullString(batch.PurchaseFee),
				PurchaseTxID:    batch.PurchaseTxID,
				TransactionID:   tx.ID.String(),
				InputAsset:      tx.InputAsset,
				InputAmount:     tx.InputAmount.String(),
				ReferenceAmount: nullString(tx.OutputReferenceAmount),
				OutputAmount:    nullString(tx.OutputAmount),
				TargetAddress:   tx.TargetAddress,
				PayoutTxID:      tx.TxID,
				PayoutFee:       nullString(tx.ActualPayoutFee),
				CompletedAt:     formatTime(tx.OutputDate),
			})
		}
	}
	return rows
}

type payoutRow struct {
	OrderID       string `parquet:"name=order_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Context       string `parquet:"name=context, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CorrelationID string `parquet:"name=correlation_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Blockchain    string `parquet:"name=blockchain, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset         string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount        string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Destination   string `parquet:"name=destination, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TransferTxID  string `parquet:"name=transfer_tx_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PayoutTxID    string `parquet:"name=payout_tx_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PayoutFee     string `parquet:"name=payout_fee, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CompletedAt   string `parquet:"name=completed_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

var payoutHeader = []string{
	"order_id", "context", "correlation_id", "blockchain", "asset", "amount",
	"destination", "transfer_tx_id", "payout_tx_id", "payout_fee", "completed_at",
}

func (r *payoutRow) csvRecord() []string {
	return []string{
		r.OrderID, r.Context, r.CorrelationID, r.Blockchain, r.Asset, r.Amount,
		r.Destination, r.TransferTxID, r.PayoutTxID, r.PayoutFee, r.CompletedAt,
	}
}

func payoutRows(orders []models.PayoutOrder) []record {
	rows := make([]record, 0, len(orders))
	for _, order := range orders {
		completed := order.UpdatedAt
		rows = append(rows, &payoutRow{
			OrderID:       order.ID.String(),
			Context:       order.Context,
			CorrelationID: order.CorrelationID,
			Blockchain:    order.Blockchain,
			Asset:         order.Asset,
			Amount:        order.Amount.String(),
			Destination:   order.DestinationAddress,
			TransferTxID:  order.TransferTxID,
			PayoutTxID:    order.PayoutTxID,
			PayoutFee:     nullString(order.PayoutFee),
			CompletedAt:   formatTime(&completed),
		})
	}
	return rows
}

func writeBoth(dir, name string, header []string, rows []record, schema any) ([]string, error) {
	csvPath := filepath.Join(dir, name+".csv")
	if err := writeCSV(csvPath, header, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(dir, name+".parquet")
	if err := writeParquet(parquetPath, schema, rows); err != nil {
		return nil, err
	}
	return []string{csvPath, parquetPath}, nil
}

func writeCSV(path string, header []string, rows []record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row.csvRecord()); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, schema any, rows []record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
