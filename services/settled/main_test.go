package settled

import (
	"testing"

	"github.com/stretchr/testify/require"

	"settlehub/services/settled/config"
)

func TestBuildProvidersPlacesRolesInOrder(t *testing.T) {
	providers, err := buildProviders(config.PricingConfig{Providers: []config.ProviderConfig{
		{Name: "Kraken", Type: "kraken", Roles: []string{config.RoleFiatPrimary, config.RoleCryptoReference}},
		{Name: "Binance", Type: "binance", Roles: []string{config.RoleCryptoPrimary, config.RoleFiatPrimary}},
	}})
	require.NoError(t, err)

	require.Len(t, providers.FiatPrimary, 2)
	require.Equal(t, "Kraken", providers.FiatPrimary[0].Name())
	require.Equal(t, "Binance", providers.FiatPrimary[1].Name())
	require.Len(t, providers.CryptoPrimary, 1)
	require.Equal(t, "Binance", providers.CryptoPrimary[0].Name())
	require.Len(t, providers.CryptoReference, 1)
	require.Empty(t, providers.FiatReference)
	require.Empty(t, providers.DEX)
}

func TestBuildProvidersRejectsUnknownExchange(t *testing.T) {
	_, err := buildProviders(config.PricingConfig{Providers: []config.ProviderConfig{
		{Name: "FTX", Type: "ftx", Roles: []string{config.RoleFiatPrimary}},
	}})
	require.Error(t, err)
}
