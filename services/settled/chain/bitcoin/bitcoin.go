// Package bitcoin implements the chain wallet capabilities against a bitcoind
// wallet over JSON-RPC. Balances and sends are wallet level; the address
// arguments of chain.Client are only used to validate destinations.
package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"

	"settlehub/services/settled/assets"
	"settlehub/services/settled/chain"
	"settlehub/services/settled/config"
)

const (
	feeTargetBlocks = 6
	assumedInputs   = 2
	inputVBytes     = 68
	outputVBytes    = 31
	overheadVBytes  = 11
)

// RPC is the subset of the btcd rpcclient used by the wallet.
type RPC interface {
	GetBalance(account string) (btcutil.Amount, error)
	SendMany(fromAccount string, amounts map[btcutil.Address]btcutil.Amount) (*chainhash.Hash, error)
	GetTransaction(txHash *chainhash.Hash) (*btcjson.GetTransactionResult, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// Wallet implements chain.Client for one bitcoind wallet.
type Wallet struct {
	rpc    RPC
	params *chaincfg.Params
}

// New wraps an RPC client for the given network.
func New(rpc RPC, network string) (*Wallet, error) {
	if rpc == nil {
		return nil, fmt.Errorf("bitcoin: rpc client required")
	}
	params, err := Params(network)
	if err != nil {
		return nil, err
	}
	return &Wallet{rpc: rpc, params: params}, nil
}

// Dial connects to the wallet endpoint in HTTP POST mode. The endpoint may carry
// a /wallet/<name> path.
func Dial(cfg config.ChainConfig) (*Wallet, error) {
	host := strings.TrimSpace(cfg.Endpoint)
	if host == "" {
		return nil, fmt.Errorf("bitcoin endpoint required")
	}
	tls := strings.HasPrefix(host, "https://")
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   !tls,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: dial %s: %w", cfg.Name, err)
	}
	return New(client, cfg.Network)
}

// Params maps a network name onto its address parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("bitcoin: unknown network %q", network)
	}
}

// Balance returns the wallet's trusted balance.
func (w *Wallet) Balance(_ context.Context, asset assets.Asset, _ string) (decimal.Decimal, error) {
	if !asset.IsNative() {
		return decimal.Zero, fmt.Errorf("bitcoin: %w: token %s", chain.ErrUnsupported, asset.Key())
	}
	amount, err := w.rpc.GetBalance("*")
	if err != nil {
		return decimal.Zero, fmt.Errorf("bitcoin: getbalance: %w", err)
	}
	return fromAmount(amount), nil
}

// SendMany pays every output in one wallet transaction. Outputs to the same
// address are summed since a bitcoin transaction cannot repeat a destination.
func (w *Wallet) SendMany(_ context.Context, asset assets.Asset, _ string, outputs []chain.Output) (string, error) {
	if !asset.IsNative() {
		return "", fmt.Errorf("bitcoin: %w: token %s", chain.ErrUnsupported, asset.Key())
	}
	if len(outputs) == 0 {
		return "", fmt.Errorf("bitcoin: no outputs")
	}
	amounts := make(map[btcutil.Address]btcutil.Amount, len(outputs))
	byAddress := make(map[string]btcutil.Address, len(outputs))
	for _, output := range outputs {
		address, ok := byAddress[output.Address]
		if !ok {
			decoded, err := btcutil.DecodeAddress(output.Address, w.params)
			if err != nil {
				return "", fmt.Errorf("bitcoin: invalid destination %q: %w", output.Address, err)
			}
			address = decoded
			byAddress[output.Address] = decoded
		}
		amount, err := toAmount(output.Amount)
		if err != nil {
			return "", err
		}
		amounts[address] += amount
	}
	hash, err := w.rpc.SendMany("", amounts)
	if err != nil {
		return "", chain.ClassifySendError(fmt.Errorf("bitcoin: sendmany: %w", err))
	}
	return hash.String(), nil
}

// Transaction reports depth and fee of a wallet transaction. A negative depth
// means the transaction conflicts with the best chain.
func (w *Wallet) Transaction(_ context.Context, txID string) (chain.TxInfo, error) {
	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(txID))
	if err != nil {
		return chain.TxInfo{}, fmt.Errorf("bitcoin: invalid txid %q: %w", txID, err)
	}
	result, err := w.rpc.GetTransaction(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey {
			return chain.TxInfo{}, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txID)
		}
		return chain.TxInfo{}, fmt.Errorf("bitcoin: gettransaction: %w", err)
	}
	fee := decimal.NewFromFloat(result.Fee).Abs().Round(8)
	return chain.TxInfo{
		TxID:          txID,
		Confirmations: int(result.Confirmations),
		Failed:        result.Confirmations < 0,
		Fee:           fee,
	}, nil
}

// EstimateFee sizes a transaction with the given outputs plus change and
// prices it with estimatesmartfee.
func (w *Wallet) EstimateFee(_ context.Context, _ assets.Asset, outputs int) (decimal.Decimal, error) {
	target, _ := json.Marshal(feeTargetBlocks)
	raw, err := w.rpc.RawRequest("estimatesmartfee", []json.RawMessage{target})
	if err != nil {
		return decimal.Zero, fmt.Errorf("bitcoin: estimatesmartfee: %w", err)
	}
	var result struct {
		FeeRate *decimal.Decimal `json:"feerate"`
		Errors  []string         `json:"errors"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, fmt.Errorf("bitcoin: decode estimatesmartfee: %w", err)
	}
	if result.FeeRate == nil {
		return decimal.Zero, fmt.Errorf("bitcoin: no fee estimate: %s", strings.Join(result.Errors, "; "))
	}
	if outputs < 1 {
		outputs = 1
	}
	vbytes := overheadVBytes + assumedInputs*inputVBytes + (outputs+1)*outputVBytes
	return result.FeeRate.Mul(decimal.NewFromInt(int64(vbytes))).Div(decimal.NewFromInt(1000)).Round(8), nil
}

func toAmount(value decimal.Decimal) (btcutil.Amount, error) {
	if !value.IsPositive() {
		return 0, fmt.Errorf("bitcoin: amount must be positive, got %s", value)
	}
	sats := value.Shift(8)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("bitcoin: amount %s has more than 8 decimals", value)
	}
	return btcutil.Amount(sats.IntPart()), nil
}

func fromAmount(amount btcutil.Amount) decimal.Decimal {
	return decimal.New(int64(amount), -8)
}
