// Package strategy maps every (blockchain, asset category) pair onto the chain
// operations the liquidity and payout engines run. The table is built once at
// startup and is read-only afterwards.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"settlehub/services/settled/assets"
	"settlehub/services/settled/chain"
	"settlehub/services/settled/chain/bitcoin"
	"settlehub/services/settled/chain/evm"
	"settlehub/services/settled/config"
	"settlehub/services/settled/grouping"
)

// ErrNoStrategy is returned when no strategy is registered for an asset.
var ErrNoStrategy = errors.New("strategy: no strategy registered")

// Key selects a strategy.
type Key struct {
	Blockchain string
	Category   assets.Category
}

func (k Key) String() string {
	return k.Blockchain + "/" + string(k.Category)
}

// Strategy is the chain specific half of liquidity and payout handling.
type Strategy interface {
	Key() Key
	// Liquidity returns the liquidity wallet balance of asset.
	Liquidity(ctx context.Context, asset assets.Asset) (decimal.Decimal, error)
	// SwapAssets lists the assets a purchase may sell, in priority order.
	SwapAssets() []assets.Asset
	TestSwap(ctx context.Context, from, to assets.Asset, amount decimal.Decimal) (decimal.Decimal, error)
	Purchase(ctx context.Context, from, to assets.Asset, amount, maxPrice decimal.Decimal) (string, error)
	PurchaseResult(ctx context.Context, txID string, to assets.Asset) (chain.SwapOutcome, error)
	// Prepare funds the payout wallet. An empty txID means no transfer is needed.
	Prepare(ctx context.Context, asset assets.Asset, amount decimal.Decimal) (string, error)
	Payout(ctx context.Context, asset assets.Asset, outputs []chain.Output) (string, error)
	// Transaction reports a transaction and whether it reached the configured depth.
	Transaction(ctx context.Context, txID string) (chain.TxInfo, bool, error)
	// EstimatePayoutFee returns the native asset fee of paying the given number of destinations.
	EstimatePayoutFee(ctx context.Context, asset assets.Asset, destinations int) (decimal.Decimal, error)
	GroupCapacity() int
	Native() assets.Asset
}

// ChainStrategy implements Strategy on top of a chain.Client.
type ChainStrategy struct {
	key             Key
	client          chain.Client
	native          assets.Asset
	liquidityWallet string
	payoutWallet    string
	prepare         bool
	swapAssets      []assets.Asset
	confirmations   int
	capacity        int
}

// Params configures one ChainStrategy.
type Params struct {
	Category        assets.Category
	Client          chain.Client
	Native          assets.Asset
	LiquidityWallet string
	PayoutWallet    string
	PrepareTransfer bool
	SwapAssets      []assets.Asset
	Confirmations   int
	NativeGroupSize int
	TokenGroupSize  int
}

// NewChainStrategy builds the strategy for p.Native's blockchain and p.Category.
func NewChainStrategy(p Params) (*ChainStrategy, error) {
	if p.Client == nil {
		return nil, fmt.Errorf("strategy: client required")
	}
	if p.Native.Blockchain == "" {
		return nil, fmt.Errorf("strategy: native asset required")
	}
	if p.Category == "" {
		p.Category = assets.CategoryToken
	}
	if p.NativeGroupSize <= 0 {
		p.NativeGroupSize = 100
	}
	if p.TokenGroupSize <= 0 {
		p.TokenGroupSize = 10
	}
	payoutWallet := strings.TrimSpace(p.PayoutWallet)
	if payoutWallet == "" {
		payoutWallet = p.LiquidityWallet
	}
	return &ChainStrategy{
		key:             Key{Blockchain: p.Native.Blockchain, Category: p.Category},
		client:          p.Client,
		native:          p.Native,
		liquidityWallet: p.LiquidityWallet,
		payoutWallet:    payoutWallet,
		prepare:         p.PrepareTransfer,
		swapAssets:      append([]assets.Asset(nil), p.SwapAssets...),
		confirmations:   p.Confirmations,
		capacity:        grouping.Capacity(p.Category == assets.CategoryCoin, p.NativeGroupSize, p.TokenGroupSize),
	}, nil
}

// Key implements Strategy.
func (s *ChainStrategy) Key() Key { return s.key }

// Native implements Strategy.
func (s *ChainStrategy) Native() assets.Asset { return s.native }

// GroupCapacity implements Strategy.
func (s *ChainStrategy) GroupCapacity() int { return s.capacity }

// SwapAssets implements Strategy.
func (s *ChainStrategy) SwapAssets() []assets.Asset {
	return append([]assets.Asset(nil), s.swapAssets...)
}

// Liquidity implements Strategy.
func (s *ChainStrategy) Liquidity(ctx context.Context, asset assets.Asset) (decimal.Decimal, error) {
	return s.client.Balance(ctx, asset, s.liquidityWallet)
}

// TestSwap implements Strategy.
func (s *ChainStrategy) TestSwap(ctx context.Context, from, to assets.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	swapper, err := s.swapper()
	if err != nil {
		return decimal.Zero, err
	}
	return swapper.TestSwap(ctx, from, to, amount)
}

// Purchase implements Strategy.
func (s *ChainStrategy) Purchase(ctx context.Context, from, to assets.Asset, amount, maxPrice decimal.Decimal) (string, error) {
	swapper, err := s.swapper()
	if err != nil {
		return "", err
	}
	return swapper.Swap(ctx, from, to, amount, maxPrice)
}

// PurchaseResult implements Strategy.
func (s *ChainStrategy) PurchaseResult(ctx context.Context, txID string, to assets.Asset) (chain.SwapOutcome, error) {
	swapper, err := s.swapper()
	if err != nil {
		return chain.SwapOutcome{}, err
	}
	return swapper.SwapResult(ctx, txID, to)
}

func (s *ChainStrategy) swapper() (chain.Swapper, error) {
	swapper, ok := s.client.(chain.Swapper)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot swap", chain.ErrUnsupported, s.key)
	}
	return swapper, nil
}

// Prepare implements Strategy.
func (s *ChainStrategy) Prepare(ctx context.Context, asset assets.Asset, amount decimal.Decimal) (string, error) {
	if !s.prepare || s.payoutWallet == s.liquidityWallet {
		return "", nil
	}
	return s.client.SendMany(ctx, asset, s.liquidityWallet, []chain.Output{{Address: s.payoutWallet, Amount: amount}})
}

// Payout implements Strategy.
func (s *ChainStrategy) Payout(ctx context.Context, asset assets.Asset, outputs []chain.Output) (string, error) {
	from := s.liquidityWallet
	if s.prepare {
		from = s.payoutWallet
	}
	return s.client.SendMany(ctx, asset, from, outputs)
}

// Transaction implements Strategy.
func (s *ChainStrategy) Transaction(ctx context.Context, txID string) (chain.TxInfo, bool, error) {
	info, err := s.client.Transaction(ctx, txID)
	if err != nil {
		return chain.TxInfo{}, false, err
	}
	return info, info.Confirmed(s.confirmations), nil
}

// EstimatePayoutFee implements Strategy.
func (s *ChainStrategy) EstimatePayoutFee(ctx context.Context, asset assets.Asset, destinations int) (decimal.Decimal, error) {
	if destinations <= 0 {
		return decimal.Zero, nil
	}
	groups := (destinations + s.capacity - 1) / s.capacity
	perGroup := destinations
	if perGroup > s.capacity {
		perGroup = s.capacity
	}
	fee, err := s.client.EstimateFee(ctx, asset, perGroup)
	if err != nil {
		return decimal.Zero, err
	}
	return fee.Mul(decimal.NewFromInt(int64(groups))), nil
}

// Table is the immutable strategy registration table.
type Table struct {
	entries map[Key]Strategy
}

// NewTable registers strategies; a key may only be registered once.
func NewTable(strategies ...Strategy) (*Table, error) {
	t := &Table{entries: make(map[Key]Strategy, len(strategies))}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		key := s.Key()
		if _, exists := t.entries[key]; exists {
			return nil, fmt.Errorf("strategy: %s registered twice", key)
		}
		t.entries[key] = s
	}
	return t, nil
}

// For returns the strategy responsible for asset.
func (t *Table) For(asset assets.Asset) (Strategy, error) {
	s, ok := t.entries[Key{Blockchain: asset.Blockchain, Category: asset.Category}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoStrategy, asset.Blockchain, asset.Category)
	}
	return s, nil
}

// Keys lists the registered keys in a stable order.
func (t *Table) Keys() []Key {
	keys := make([]Key, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Verify ensures every registered asset has a strategy.
func (t *Table) Verify(registry *assets.Registry) error {
	for _, blockchain := range registry.Blockchains() {
		for _, asset := range registry.OnBlockchain(blockchain) {
			if _, err := t.For(asset); err != nil {
				return fmt.Errorf("%w (asset %s)", err, asset.Key())
			}
		}
	}
	return nil
}

// Build creates one strategy per category present on every configured chain.
// clients maps lower case chain names to their wallet client.
func Build(chains []config.ChainConfig, payout config.PayoutConfig, registry *assets.Registry, clients map[string]chain.Client) (*Table, error) {
	var strategies []Strategy
	for _, cfg := range chains {
		name := strings.ToLower(strings.TrimSpace(cfg.Name))
		client, ok := clients[name]
		if !ok {
			return nil, fmt.Errorf("strategy: no client for chain %s", cfg.Name)
		}
		native, ok := registry.Native(name)
		if !ok {
			return nil, fmt.Errorf("strategy: chain %s has no native asset registered", cfg.Name)
		}
		swapAssets := make([]assets.Asset, 0, len(cfg.SwapAssets))
		for _, swapName := range cfg.SwapAssets {
			asset, ok := registry.Find(name, swapName)
			if !ok {
				return nil, fmt.Errorf("%w: swap asset %s on %s", assets.ErrUnknownAsset, swapName, cfg.Name)
			}
			swapAssets = append(swapAssets, asset)
		}
		wallet := cfg.LiquidityWallet
		if strings.TrimSpace(wallet) == "" {
			wallet = cfg.Wallet
		}
		categories := map[assets.Category]struct{}{}
		for _, asset := range registry.OnBlockchain(name) {
			categories[asset.Category] = struct{}{}
		}
		for _, category := range []assets.Category{assets.CategoryCoin, assets.CategoryToken} {
			if _, ok := categories[category]; !ok {
				continue
			}
			s, err := NewChainStrategy(Params{
				Category:        category,
				Client:          client,
				Native:          native,
				LiquidityWallet: wallet,
				PayoutWallet:    cfg.PayoutWallet,
				PrepareTransfer: cfg.PrepareTransfer,
				SwapAssets:      swapAssets,
				Confirmations:   cfg.Confirmations,
				NativeGroupSize: payout.NativeGroupSize,
				TokenGroupSize:  payout.TokenGroupSize,
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", cfg.Name, err)
			}
			strategies = append(strategies, s)
		}
	}
	return NewTable(strategies...)
}

// DialClients connects a wallet client for every configured chain, keyed by
// lower case chain name.
func DialClients(chains []config.ChainConfig) (map[string]chain.Client, error) {
	clients := make(map[string]chain.Client, len(chains))
	for _, cfg := range chains {
		name := strings.ToLower(strings.TrimSpace(cfg.Name))
		switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
		case config.ChainTypeEVM:
			client, err := evm.Dial(cfg)
			if err != nil {
				return nil, err
			}
			clients[name] = client
		case config.ChainTypeBitcoin:
			client, err := bitcoin.Dial(cfg)
			if err != nil {
				return nil, err
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("unknown chain type %q", cfg.Type)
		}
	}
	return clients, nil
}
