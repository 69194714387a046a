package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlehub/services/settled/models"
)

// CreateLiquidityOrder inserts a liquidity order. A second order with the same
// (context, correlation id) yields ErrDuplicate.
func (s *Store) CreateLiquidityOrder(ctx context.Context, order *models.LiquidityOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return translate(s.db.WithContext(ctx).Create(order).Error)
}

// FindLiquidityOrder looks an order up by its idempotency key.
func (s *Store) FindLiquidityOrder(ctx context.Context, orderContext, correlationID string) (*models.LiquidityOrder, error) {
	var order models.LiquidityOrder
	err := s.db.WithContext(ctx).
		Where("context = ? AND correlation_id = ?", orderContext, correlationID).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// SaveLiquidityOrder persists every column of a liquidity order.
func (s *Store) SaveLiquidityOrder(ctx context.Context, order *models.LiquidityOrder) error {
	return translate(s.db.WithContext(ctx).Save(order).Error)
}

// DeleteLiquidityOrder removes an order that never reached the network.
func (s *Store) DeleteLiquidityOrder(ctx context.Context, id uuid.UUID) error {
	return translate(s.db.WithContext(ctx).Delete(&models.LiquidityOrder{}, "id = ?", id).Error)
}

// PendingLiquidityAmount sums the target amounts of ready, not yet complete
// orders claiming targetAsset.
func (s *Store) PendingLiquidityAmount(ctx context.Context, targetAsset string) (decimal.Decimal, error) {
	var orders []models.LiquidityOrder
	err := s.db.WithContext(ctx).
		Where("target_asset = ? AND is_ready = ? AND is_complete = ?", targetAsset, true, false).
		Find(&orders).Error
	if err != nil {
		return decimal.Zero, translate(err)
	}
	total := decimal.Zero
	for i := range orders {
		total = total.Add(orders[i].PendingAmount())
	}
	return total, nil
}

// UnfinalizedPurchaseOrders returns purchase orders with a broadcast swap whose
// output has not been read yet.
func (s *Store) UnfinalizedPurchaseOrders(ctx context.Context) ([]models.LiquidityOrder, error) {
	var orders []models.LiquidityOrder
	err := s.db.WithContext(ctx).
		Where("type = ? AND is_ready = ? AND tx_id <> ''", models.LiquidityPurchase, false).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, translate(err)
}

// CreatePayoutOrder inserts a payout order. A second order with the same
// (context, correlation id) yields ErrDuplicate.
func (s *Store) CreatePayoutOrder(ctx context.Context, order *models.PayoutOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return translate(s.db.WithContext(ctx).Create(order).Error)
}

// FindPayoutOrder looks an order up by its idempotency key.
func (s *Store) FindPayoutOrder(ctx context.Context, orderContext, correlationID string) (*models.PayoutOrder, error) {
	var order models.PayoutOrder
	err := s.db.WithContext(ctx).
		Where("context = ? AND correlation_id = ?", orderContext, correlationID).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// PayoutOrdersByStatus returns orders in the given status, oldest first.
func (s *Store) PayoutOrdersByStatus(ctx context.Context, status models.PayoutStatus) ([]models.PayoutOrder, error) {
	var orders []models.PayoutOrder
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, translate(err)
}

// SavePayoutOrders persists the given orders atomically.
func (s *Store) SavePayoutOrders(ctx context.Context, orders ...*models.PayoutOrder) error {
	if len(orders) == 0 {
		return nil
	}
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, order := range orders {
			if err := tx.Save(order).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

// CompletedPayoutsBetween returns payout orders completed within [start, end).
func (s *Store) CompletedPayoutsBetween(ctx context.Context, start, end time.Time) ([]models.PayoutOrder, error) {
	var orders []models.PayoutOrder
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at >= ? AND updated_at < ?", models.PayoutComplete, start, end).
		Order("updated_at ASC").
		Find(&orders).Error
	return orders, translate(err)
}

// StatusCount is one row of an entity status histogram.
type StatusCount struct {
	Status string
	Count  int64
}

// Counts summarises entity statuses for operators.
type Counts struct {
	Transactions    []StatusCount `json:"transactions"`
	Batches         []StatusCount `json:"batches"`
	LiquidityOrders []StatusCount `json:"liquidity_orders"`
	PayoutOrders    []StatusCount `json:"payout_orders"`
}

// StatusCounts returns per-status counts of every entity.
func (s *Store) StatusCounts(ctx context.Context) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.PurchaseTransaction{}).Select("status, count(*) as count").Group("status").Scan(&counts.Transactions).Error; err != nil {
		return counts, translate(err)
	}
	if err := db.Model(&models.Batch{}).Select("status, count(*) as count").Group("status").Scan(&counts.Batches).Error; err != nil {
		return counts, translate(err)
	}
	liquidityStatus := "type || ':' || CASE WHEN is_complete THEN 'complete' WHEN is_ready THEN 'ready' ELSE 'pending' END"
	if err := db.Model(&models.LiquidityOrder{}).Select(liquidityStatus + " as status, count(*) as count").Group("status").Scan(&counts.LiquidityOrders).Error; err != nil {
		return counts, translate(err)
	}
	if err := db.Model(&models.PayoutOrder{}).Select("status, count(*) as count").Group("status").Scan(&counts.PayoutOrders).Error; err != nil {
		return counts, translate(err)
	}
	return counts, nil
}
