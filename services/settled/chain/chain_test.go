package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"settlehub/services/settled/assets"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFuncClientReportsUnsupported(t *testing.T) {
	var client FuncClient
	ctx := context.Background()
	_, err := client.Balance(ctx, assets.Asset{}, "addr")
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = client.SendMany(ctx, assets.Asset{}, "addr", nil)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = client.Swap(ctx, assets.Asset{}, assets.Asset{}, decimal.Zero, decimal.Zero)
	require.ErrorIs(t, err, ErrUnsupported)

	fee, err := client.EstimateFee(ctx, assets.Asset{}, 3)
	require.NoError(t, err)
	require.True(t, fee.IsZero())
}

func TestFuncClientDelegates(t *testing.T) {
	client := FuncClient{
		SendManyFunc: func(_ context.Context, _ assets.Asset, from string, outputs []Output) (string, error) {
			return fmt.Sprintf("%s-%d", from, len(outputs)), nil
		},
	}
	txID, err := client.SendMany(context.Background(), assets.Asset{}, "wallet", []Output{{Address: "a"}, {Address: "b"}})
	require.NoError(t, err)
	require.Equal(t, "wallet-2", txID)
}

func TestClassifySendError(t *testing.T) {
	require.NoError(t, ClassifySendError(nil))

	plain := errors.New("insufficient funds")
	require.False(t, IsUncertain(ClassifySendError(plain)))

	wrapped := ClassifySendError(fmt.Errorf("post: %w", timeoutErr{}))
	require.ErrorIs(t, wrapped, ErrUncertain)
	require.True(t, IsUncertain(wrapped))

	require.True(t, IsUncertain(context.DeadlineExceeded))
}

func TestTxInfoConfirmed(t *testing.T) {
	require.True(t, TxInfo{Confirmations: 1}.Confirmed(0))
	require.False(t, TxInfo{Confirmations: 2}.Confirmed(3))
	require.False(t, TxInfo{Confirmations: 9, Failed: true}.Confirmed(1))
}
