package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when a payout order is moved along an edge
// the state machine does not contain.
var ErrInvalidTransition = errors.New("models: invalid payout transition")

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutCreated:              {PayoutPreparationPending, PayoutPreparationConfirmed},
	PayoutPreparationPending:   {PayoutPreparationConfirmed},
	PayoutPreparationConfirmed: {PayoutDesignated},
	PayoutDesignated:           {PayoutPending, PayoutPreparationConfirmed, PayoutUncertain},
	PayoutPending:              {PayoutComplete},
}

func (o *PayoutOrder) transition(to PayoutStatus) error {
	for _, allowed := range payoutTransitions[o.Status] {
		if allowed == to {
			o.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, to, o.ID)
}

// PreparationPending records the transfer that funds the payout wallet.
func (o *PayoutOrder) PreparationPending(transferTxID string) error {
	if err := o.transition(PayoutPreparationPending); err != nil {
		return err
	}
	o.TransferTxID = transferTxID
	return nil
}

// PreparationConfirmed marks the order funded and ready for dispatch.
func (o *PayoutOrder) PreparationConfirmed() error {
	return o.transition(PayoutPreparationConfirmed)
}

// Designate marks the order as about to be sent.
func (o *PayoutOrder) Designate() error {
	return o.transition(PayoutDesignated)
}

// RollbackDesignation returns a designated order for automatic retry.
func (o *PayoutOrder) RollbackDesignation() error {
	if o.Status != PayoutDesignated {
		return fmt.Errorf("%w: rollback from %s (order %s)", ErrInvalidTransition, o.Status, o.ID)
	}
	return o.transition(PayoutPreparationConfirmed)
}

// PendingPayout records the broadcast payout transaction.
func (o *PayoutOrder) PendingPayout(payoutTxID string) error {
	if err := o.transition(PayoutPending); err != nil {
		return err
	}
	o.PayoutTxID = payoutTxID
	return nil
}

// Uncertain parks a designated order for manual investigation.
func (o *PayoutOrder) Uncertain() error {
	return o.transition(PayoutUncertain)
}

// Complete marks the payout confirmed on chain with its fee share.
func (o *PayoutOrder) Complete(fee decimal.Decimal) error {
	if err := o.transition(PayoutComplete); err != nil {
		return err
	}
	o.PayoutFee = decimal.NewNullDecimal(fee)
	return nil
}
