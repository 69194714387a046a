package assets

import (
	"testing"

	"github.com/stretchr/testify/require"

	"settlehub/services/settled/config"
)

func TestRegistryLookup(t *testing.T) {
	reg, err := FromConfig([]config.AssetConfig{
		{Name: "eth", Blockchain: "Ethereum", Category: "coin", Decimals: 18},
		{Name: "USDT", Blockchain: "ethereum", Category: "token", Contract: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Name: "BTC", Blockchain: "bitcoin", Category: "Coin", Decimals: 8},
	})
	require.NoError(t, err)

	usdt, err := reg.Lookup("ethereum/usdt")
	require.NoError(t, err)
	require.Equal(t, CategoryToken, usdt.Category)
	require.Equal(t, "ethereum/USDT", usdt.Key())
	require.False(t, usdt.IsNative())

	native, ok := reg.Native("ethereum")
	require.True(t, ok)
	require.Equal(t, "ETH", native.Name)

	_, err = reg.Lookup("polygon/USDT")
	require.ErrorIs(t, err, ErrUnknownAsset)
	_, err = reg.Lookup("USDT")
	require.ErrorIs(t, err, ErrInvalidKey)

	require.Equal(t, []string{"bitcoin", "ethereum"}, reg.Blockchains())
	require.Len(t, reg.OnBlockchain("ethereum"), 2)
	require.Equal(t, "USDT", Name("ethereum/USDT"))
	require.Equal(t, "EUR", Name("eur"))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := New(
		Asset{Name: "BTC", Blockchain: "bitcoin", Category: CategoryCoin},
		Asset{Name: "btc", Blockchain: "Bitcoin", Category: CategoryCoin},
	)
	require.Error(t, err)

	_, err = New(Asset{Name: "X", Blockchain: "y", Category: "LP"})
	require.Error(t, err)
}
