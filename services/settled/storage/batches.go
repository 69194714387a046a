package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlehub/services/settled/models"
)

var batchableStatuses = []models.TransactionStatus{
	models.TransactionCreated,
	models.TransactionPrepared,
	models.TransactionMissingLiquidity,
	models.TransactionPriceMismatch,
	models.TransactionPriceSlippage,
	models.TransactionWaitingForLowerFee,
}

// CreateTransaction inserts a new purchase transaction.
func (s *Store) CreateTransaction(ctx context.Context, tx *models.PurchaseTransaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = models.TransactionCreated
	}
	return translate(s.db.WithContext(ctx).Create(tx).Error)
}

// UnbatchedTransactions returns transactions whose fee-reduced reference amount
// is known and that are not assigned to a batch yet, oldest first.
func (s *Store) UnbatchedTransactions(ctx context.Context) ([]models.PurchaseTransaction, error) {
	var txs []models.PurchaseTransaction
	err := s.db.WithContext(ctx).
		Where("batch_id IS NULL AND is_complete = ? AND input_reference_amount_minus_fee IS NOT NULL", false).
		Where("status IN ?", batchableStatuses).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	return txs, translate(err)
}

// SaveTransaction persists every column of a purchase transaction.
func (s *Store) SaveTransaction(ctx context.Context, tx *models.PurchaseTransaction) error {
	return translate(s.db.WithContext(ctx).Save(tx).Error)
}

// SetTransactionStatus updates the status of the given transactions.
func (s *Store) SetTransactionStatus(ctx context.Context, ids []uuid.UUID, status models.TransactionStatus) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.PurchaseTransaction{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": status, "updated_at": s.now()}).Error
	return translate(err)
}

// HasOpenBatch reports whether a non-complete batch exists for outputAsset.
func (s *Store) HasOpenBatch(ctx context.Context, outputAsset string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Batch{}).
		Where("output_asset = ? AND status <> ?", outputAsset, models.BatchComplete).
		Count(&count).Error
	return count > 0, translate(err)
}

// CreateBatch inserts the batch and assigns its member transactions atomically.
func (s *Store) CreateBatch(ctx context.Context, batch *models.Batch) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Transactions").Create(batch).Error; err != nil {
			return err
		}
		for i := range batch.Transactions {
			member := &batch.Transactions[i]
			member.BatchID = &batch.ID
			member.Status = models.TransactionBatched
			if err := tx.Save(member).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

// SaveBatch persists the batch and every member transaction atomically.
func (s *Store) SaveBatch(ctx context.Context, batch *models.Batch) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Transactions").Save(batch).Error; err != nil {
			return err
		}
		for i := range batch.Transactions {
			if err := tx.Save(&batch.Transactions[i]).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

// BatchesByStatus loads batches in any of the given statuses with their members
// in insertion order.
func (s *Store) BatchesByStatus(ctx context.Context, statuses ...models.BatchStatus) ([]models.Batch, error) {
	var batches []models.Batch
	err := s.db.WithContext(ctx).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&batches).Error
	return batches, translate(err)
}

// GetBatch loads one batch with its members.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	var batch models.Batch
	err := s.db.WithContext(ctx).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		First(&batch, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &batch, nil
}

// CompletedBatchesBetween returns batches completed within [start, end).
func (s *Store) CompletedBatchesBetween(ctx context.Context, start, end time.Time) ([]models.Batch, error) {
	var batches []models.Batch
	err := s.db.WithContext(ctx).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Where("status = ? AND updated_at >= ? AND updated_at < ?", models.BatchComplete, start, end).
		Order("updated_at ASC").
		Find(&batches).Error
	return batches, translate(err)
}
