package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionStatus tracks a purchase transaction through batching.
type TransactionStatus string

// Purchase transaction statuses.
const (
	TransactionCreated            TransactionStatus = "Created"
	TransactionPrepared           TransactionStatus = "Prepared"
	TransactionMissingLiquidity   TransactionStatus = "MissingLiquidity"
	TransactionPriceMismatch      TransactionStatus = "PriceMismatch"
	TransactionPriceSlippage      TransactionStatus = "PriceSlippage"
	TransactionWaitingForLowerFee TransactionStatus = "WaitingForLowerFee"
	TransactionBatched            TransactionStatus = "Batched"
	TransactionComplete           TransactionStatus = "Complete"
)

// BatchStatus represents a state in the batch workflow.
type BatchStatus string

// Batch workflow states.
const (
	BatchCreated          BatchStatus = "CREATED"
	BatchSecured          BatchStatus = "SECURED"
	BatchPendingLiquidity BatchStatus = "PENDING_LIQUIDITY"
	BatchPayingOut        BatchStatus = "PAYING_OUT"
	BatchComplete         BatchStatus = "COMPLETE"
)

// LiquidityOrderType distinguishes reservations of held funds from swaps.
type LiquidityOrderType string

// Liquidity order types.
const (
	LiquidityReservation LiquidityOrderType = "RESERVATION"
	LiquidityPurchase    LiquidityOrderType = "PURCHASE"
)

// PayoutStatus represents a state in the payout order state machine.
type PayoutStatus string

// Payout order states.
const (
	PayoutCreated              PayoutStatus = "CREATED"
	PayoutPreparationPending   PayoutStatus = "PREPARATION_PENDING"
	PayoutPreparationConfirmed PayoutStatus = "PREPARATION_CONFIRMED"
	PayoutDesignated           PayoutStatus = "PAYOUT_DESIGNATED"
	PayoutPending              PayoutStatus = "PAYOUT_PENDING"
	PayoutUncertain            PayoutStatus = "PAYOUT_UNCERTAIN"
	PayoutComplete             PayoutStatus = "COMPLETE"
)

// Well known contexts used as the first half of idempotency keys.
const (
	ContextBuyCrypto = "BuyCrypto"
)

// PurchaseTransaction is one accepted purchase intent awaiting settlement.
// Asset fields hold registry keys of the form "<blockchain>/<NAME>" except
// InputAsset and InputReferenceAsset, which may name fiat currencies.
type PurchaseTransaction struct {
	ID                           uuid.UUID           `gorm:"type:uuid;primaryKey"`
	InputAmount                  decimal.Decimal     `gorm:"type:varchar(64);not null"`
	InputAsset                   string              `gorm:"size:64;not null"`
	InputReferenceAsset          string              `gorm:"size:64;not null"`
	InputReferenceAmount         decimal.Decimal     `gorm:"type:varchar(64);not null"`
	InputReferenceAmountMinusFee decimal.NullDecimal `gorm:"type:varchar(64)"`
	OutputAsset                  string              `gorm:"size:128;index;not null"`
	OutputReferenceAsset         string              `gorm:"size:128"`
	OutputReferenceAmount        decimal.NullDecimal `gorm:"type:varchar(64)"`
	OutputAmount                 decimal.NullDecimal `gorm:"type:varchar(64)"`
	TargetAddress                string              `gorm:"size:256;not null"`
	EstimatedPurchaseFee         decimal.NullDecimal `gorm:"type:varchar(64)"`
	EstimatedPayoutFee           decimal.NullDecimal `gorm:"type:varchar(64)"`
	ActualPurchaseFee            decimal.NullDecimal `gorm:"type:varchar(64)"`
	ActualPayoutFee              decimal.NullDecimal `gorm:"type:varchar(64)"`
	Status                       TransactionStatus   `gorm:"size:32;index;not null"`
	BatchID                      *uuid.UUID          `gorm:"type:uuid;index"`
	TxID                         string              `gorm:"size:256"`
	IsComplete                   bool                `gorm:"not null;default:false"`
	OutputDate                   *time.Time
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// Batch groups purchase transactions sharing an output asset.
type Batch struct {
	ID                    uuid.UUID             `gorm:"type:uuid;primaryKey"`
	Status                BatchStatus           `gorm:"size:32;index;not null"`
	Blockchain            string                `gorm:"size:64;not null"`
	OutputReferenceAsset  string                `gorm:"size:128;not null"`
	OutputReferenceAmount decimal.Decimal       `gorm:"type:varchar(64);not null"`
	OutputAsset           string                `gorm:"size:128;index;not null"`
	OutputAmount          decimal.NullDecimal   `gorm:"type:varchar(64)"`
	PurchaseFee           decimal.NullDecimal   `gorm:"type:varchar(64)"`
	PurchaseTxID          string                `gorm:"size:256"`
	PayoutTxIDs           string                `gorm:"size:2048"`
	Transactions          []PurchaseTransaction `gorm:"foreignKey:BatchID"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// LiquidityOrder records a reservation of held funds or a purchase swap.
// (Context, CorrelationID) is the idempotency key.
type LiquidityOrder struct {
	ID              uuid.UUID           `gorm:"type:uuid;primaryKey"`
	Type            LiquidityOrderType  `gorm:"size:32;index;not null"`
	Context         string              `gorm:"size:64;not null;uniqueIndex:idx_liquidity_order_key"`
	CorrelationID   string              `gorm:"size:256;not null;uniqueIndex:idx_liquidity_order_key"`
	Blockchain      string              `gorm:"size:64;not null"`
	ReferenceAsset  string              `gorm:"size:128;not null"`
	ReferenceAmount decimal.Decimal     `gorm:"type:varchar(64);not null"`
	TargetAsset     string              `gorm:"size:128;index;not null"`
	TargetAmount    decimal.NullDecimal `gorm:"type:varchar(64)"`
	IsReady         bool                `gorm:"index;not null;default:false"`
	IsComplete      bool                `gorm:"index;not null;default:false"`
	SwapAsset       string              `gorm:"size:128"`
	SwapAmount      decimal.NullDecimal `gorm:"type:varchar(64)"`
	TxID            string              `gorm:"size:256"`
	FeeAmount       decimal.NullDecimal `gorm:"type:varchar(64)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PayoutOrder is one requested transfer to a destination address.
// (Context, CorrelationID) is the idempotency key.
type PayoutOrder struct {
	ID                 uuid.UUID           `gorm:"type:uuid;primaryKey"`
	Context            string              `gorm:"size:64;not null;uniqueIndex:idx_payout_order_key"`
	CorrelationID      string              `gorm:"size:256;not null;uniqueIndex:idx_payout_order_key"`
	Blockchain         string              `gorm:"size:64;index;not null"`
	Asset              string              `gorm:"size:128;not null"`
	Amount             decimal.Decimal     `gorm:"type:varchar(64);not null"`
	DestinationAddress string              `gorm:"size:256;not null"`
	Status             PayoutStatus        `gorm:"size:32;index;not null"`
	TransferTxID       string              `gorm:"size:256"`
	PayoutTxID         string              `gorm:"size:256;index"`
	PayoutFee          decimal.NullDecimal `gorm:"type:varchar(64)"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobLease is an expiring advisory lock row shared between instances.
type JobLease struct {
	Name      string    `gorm:"size:128;primaryKey"`
	Owner     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the settlement schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Batch{},
		&PurchaseTransaction{},
		&LiquidityOrder{},
		&PayoutOrder{},
		&JobLease{},
	)
}
