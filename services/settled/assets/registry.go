// Package assets holds the immutable table of assets the daemon settles.
package assets

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"settlehub/services/settled/config"
)

// Category separates a chain's native coin from tokens issued on it.
type Category string

// Asset categories.
const (
	CategoryCoin  Category = "Coin"
	CategoryToken Category = "Token"
)

var (
	// ErrUnknownAsset is returned when a key is not registered.
	ErrUnknownAsset = errors.New("assets: unknown asset")
	// ErrInvalidKey is returned for keys not of the form "<blockchain>/<NAME>".
	ErrInvalidKey = errors.New("assets: invalid asset key")
)

// Asset describes one asset on one blockchain.
type Asset struct {
	Name       string
	Blockchain string
	Category   Category
	Contract   string
	Decimals   int
}

// Key returns the registry key "<blockchain>/<NAME>".
func (a Asset) Key() string {
	return Key(a.Blockchain, a.Name)
}

// IsNative reports whether the asset is its chain's coin.
func (a Asset) IsNative() bool {
	return a.Category == CategoryCoin
}

// Key normalises a blockchain and name into a registry key.
func Key(blockchain, name string) string {
	return strings.ToLower(strings.TrimSpace(blockchain)) + "/" + strings.ToUpper(strings.TrimSpace(name))
}

// ParseKey splits a registry key into blockchain and name.
func ParseKey(key string) (string, string, error) {
	blockchain, name, ok := strings.Cut(strings.TrimSpace(key), "/")
	if !ok || blockchain == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return strings.ToLower(blockchain), strings.ToUpper(name), nil
}

// Name returns the asset name part of a key, or the input when it carries no
// blockchain prefix.
func Name(key string) string {
	if _, name, err := ParseKey(key); err == nil {
		return name
	}
	return strings.ToUpper(strings.TrimSpace(key))
}

// Registry resolves asset keys. It is read-only after construction.
type Registry struct {
	byKey        map[string]Asset
	byBlockchain map[string][]Asset
}

// New builds a registry from the given assets.
func New(list ...Asset) (*Registry, error) {
	reg := &Registry{
		byKey:        make(map[string]Asset, len(list)),
		byBlockchain: make(map[string][]Asset),
	}
	for _, asset := range list {
		asset.Name = strings.ToUpper(strings.TrimSpace(asset.Name))
		asset.Blockchain = strings.ToLower(strings.TrimSpace(asset.Blockchain))
		if asset.Name == "" || asset.Blockchain == "" {
			return nil, fmt.Errorf("assets: name and blockchain required")
		}
		switch asset.Category {
		case CategoryCoin, CategoryToken:
		case "":
			asset.Category = CategoryToken
		default:
			return nil, fmt.Errorf("assets: %s has unknown category %q", asset.Key(), asset.Category)
		}
		if _, exists := reg.byKey[asset.Key()]; exists {
			return nil, fmt.Errorf("assets: %s registered twice", asset.Key())
		}
		reg.byKey[asset.Key()] = asset
		reg.byBlockchain[asset.Blockchain] = append(reg.byBlockchain[asset.Blockchain], asset)
	}
	for chain := range reg.byBlockchain {
		list := reg.byBlockchain[chain]
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return reg, nil
}

// FromConfig builds a registry from the configured asset list.
func FromConfig(cfgs []config.AssetConfig) (*Registry, error) {
	list := make([]Asset, 0, len(cfgs))
	for _, cfg := range cfgs {
		category := Category(strings.TrimSpace(cfg.Category))
		switch strings.ToLower(string(category)) {
		case "coin":
			category = CategoryCoin
		case "token":
			category = CategoryToken
		}
		list = append(list, Asset{
			Name:       cfg.Name,
			Blockchain: cfg.Blockchain,
			Category:   category,
			Contract:   strings.TrimSpace(cfg.Contract),
			Decimals:   cfg.Decimals,
		})
	}
	return New(list...)
}

// Lookup resolves a registry key.
func (r *Registry) Lookup(key string) (Asset, error) {
	blockchain, name, err := ParseKey(key)
	if err != nil {
		return Asset{}, err
	}
	asset, ok := r.byKey[Key(blockchain, name)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, key)
	}
	return asset, nil
}

// Find resolves an asset by blockchain and name.
func (r *Registry) Find(blockchain, name string) (Asset, bool) {
	asset, ok := r.byKey[Key(blockchain, name)]
	return asset, ok
}

// Native returns the coin of blockchain.
func (r *Registry) Native(blockchain string) (Asset, bool) {
	for _, asset := range r.byBlockchain[strings.ToLower(strings.TrimSpace(blockchain))] {
		if asset.IsNative() {
			return asset, true
		}
	}
	return Asset{}, false
}

// OnBlockchain lists the assets of blockchain ordered by name.
func (r *Registry) OnBlockchain(blockchain string) []Asset {
	list := r.byBlockchain[strings.ToLower(strings.TrimSpace(blockchain))]
	return append([]Asset(nil), list...)
}

// Blockchains lists every blockchain with at least one asset.
func (r *Registry) Blockchains() []string {
	out := make([]string, 0, len(r.byBlockchain))
	for chain := range r.byBlockchain {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}
