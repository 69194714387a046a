package models

import "github.com/shopspring/decimal"

// Ready records the realised target amount of a liquidity order.
func (o *LiquidityOrder) Ready(targetAmount decimal.Decimal) {
	o.TargetAmount = decimal.NewNullDecimal(targetAmount)
	o.IsReady = true
}

// Complete releases the order's claim on the target asset balance.
func (o *LiquidityOrder) Complete() {
	o.IsComplete = true
}

// PendingAmount is the amount still claimed against the target asset balance.
func (o *LiquidityOrder) PendingAmount() decimal.Decimal {
	if !o.IsReady || o.IsComplete || !o.TargetAmount.Valid {
		return decimal.Zero
	}
	return o.TargetAmount.Decimal
}
