// Package evm implements the chain wallet capabilities against an Ethereum
// compatible node. Signing stays with the node: transactions are submitted
// through eth_sendTransaction from an unlocked account.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"settlehub/services/settled/assets"
	"settlehub/services/settled/chain"
	"settlehub/services/settled/config"
)

const (
	nativeDecimals = 18

	nativeTransferGas  = 21000
	tokenTransferGas   = 65000
	approveGas         = 50000
	multiSendBaseGas   = 40000
	nativePerOutputGas = 35000
	tokenPerOutputGas  = 45000

	swapDeadline = 20 * time.Minute
)

// Backend defines the subset of the Ethereum RPC used by the client.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// RPCCaller submits raw JSON-RPC calls.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Client implements chain.Client and chain.Swapper for one EVM chain.
type Client struct {
	backend   Backend
	rpc       RPCCaller
	wallet    common.Address
	multiSend common.Address
	router    common.Address
	now       func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithMultiSend configures the disperse contract used for group payouts.
func WithMultiSend(address string) Option {
	return func(c *Client) {
		if common.IsHexAddress(address) {
			c.multiSend = common.HexToAddress(address)
		}
	}
}

// WithRouter configures the Uniswap V2 compatible router used for swaps.
func WithRouter(address string) Option {
	return func(c *Client) {
		if common.IsHexAddress(address) {
			c.router = common.HexToAddress(address)
		}
	}
}

// WithClock overrides the clock used for swap deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a client. wallet is the default sender and swap recipient.
func New(backend Backend, rpc RPCCaller, wallet string, opts ...Option) (*Client, error) {
	if backend == nil || rpc == nil {
		return nil, fmt.Errorf("evm: backend and rpc required")
	}
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("evm: invalid wallet address %q", wallet)
	}
	c := &Client{
		backend: backend,
		rpc:     rpc,
		wallet:  common.HexToAddress(wallet),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Dial connects to the chain's endpoint.
func Dial(cfg config.ChainConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	ec, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.Name, err)
	}
	wallet := cfg.LiquidityWallet
	if strings.TrimSpace(wallet) == "" {
		wallet = cfg.Wallet
	}
	return New(ec, ec.Client(), wallet, WithMultiSend(cfg.MultiSendContract), WithRouter(cfg.Router))
}

// Balance returns the native or ERC-20 balance of address, or of the default
// wallet when address is empty.
func (c *Client) Balance(ctx context.Context, asset assets.Asset, address string) (decimal.Decimal, error) {
	owner, err := c.address(address)
	if err != nil {
		return decimal.Zero, err
	}
	if asset.IsNative() {
		wei, err := c.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("evm: balance: %w", err)
		}
		return fromBaseUnits(wei, decimalsOf(asset)), nil
	}
	token, err := tokenAddress(asset)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := c.call(ctx, token, erc20ABI, "balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("evm: unexpected balanceOf result %T", out[0])
	}
	return fromBaseUnits(value, asset.Decimals), nil
}

// SendMany transfers to every output. A single output is a plain transfer;
// several outputs go through the disperse contract.
func (c *Client) SendMany(ctx context.Context, asset assets.Asset, from string, outputs []chain.Output) (string, error) {
	if len(outputs) == 0 {
		return "", fmt.Errorf("evm: no outputs")
	}
	sender, err := c.address(from)
	if err != nil {
		return "", err
	}
	decimals := decimalsOf(asset)
	recipients := make([]common.Address, 0, len(outputs))
	values := make([]*big.Int, 0, len(outputs))
	total := new(big.Int)
	for _, output := range outputs {
		if !common.IsHexAddress(output.Address) {
			return "", fmt.Errorf("evm: invalid destination %q", output.Address)
		}
		value, err := toBaseUnits(output.Amount, decimals)
		if err != nil {
			return "", err
		}
		recipients = append(recipients, common.HexToAddress(output.Address))
		values = append(values, value)
		total.Add(total, value)
	}

	if len(outputs) == 1 {
		if asset.IsNative() {
			return c.sendTransaction(ctx, sender, recipients[0], values[0], nil)
		}
		token, err := tokenAddress(asset)
		if err != nil {
			return "", err
		}
		data, err := erc20ABI.Pack("transfer", recipients[0], values[0])
		if err != nil {
			return "", fmt.Errorf("evm: pack transfer: %w", err)
		}
		return c.sendTransaction(ctx, sender, token, nil, data)
	}

	if (c.multiSend == common.Address{}) {
		return "", fmt.Errorf("evm: multi-send contract not configured for %d outputs", len(outputs))
	}
	if asset.IsNative() {
		data, err := disperseABI.Pack("disperseEther", recipients, values)
		if err != nil {
			return "", fmt.Errorf("evm: pack disperseEther: %w", err)
		}
		return c.sendTransaction(ctx, sender, c.multiSend, total, data)
	}
	token, err := tokenAddress(asset)
	if err != nil {
		return "", err
	}
	if err := c.approve(ctx, sender, token, c.multiSend, total); err != nil {
		return "", err
	}
	data, err := disperseABI.Pack("disperseToken", token, recipients, values)
	if err != nil {
		return "", fmt.Errorf("evm: pack disperseToken: %w", err)
	}
	return c.sendTransaction(ctx, sender, c.multiSend, nil, data)
}

// Transaction reports depth, status and fee of a mined transaction.
func (c *Client) Transaction(ctx context.Context, txID string) (chain.TxInfo, error) {
	receipt, err := c.receipt(ctx, txID)
	if err != nil {
		return chain.TxInfo{}, err
	}
	info := chain.TxInfo{
		TxID:   txID,
		Failed: receipt.Status != gethtypes.ReceiptStatusSuccessful,
		Fee:    receiptFee(receipt),
	}
	confirmations, err := c.confirmations(ctx, receipt)
	if err != nil {
		return chain.TxInfo{}, err
	}
	info.Confirmations = confirmations
	return info, nil
}

// EstimateFee prices the gas of a send at the node's suggested gas price.
func (c *Client) EstimateFee(ctx context.Context, asset assets.Asset, outputs int) (decimal.Decimal, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: gas price: %w", err)
	}
	gas := new(big.Int).SetUint64(estimateGas(asset.IsNative(), outputs))
	return fromBaseUnits(gas.Mul(gas, price), nativeDecimals), nil
}

func estimateGas(native bool, outputs int) uint64 {
	if outputs <= 1 {
		if native {
			return nativeTransferGas
		}
		return tokenTransferGas
	}
	if native {
		return multiSendBaseGas + uint64(outputs)*nativePerOutputGas
	}
	return approveGas + multiSendBaseGas + uint64(outputs)*tokenPerOutputGas
}

// TestSwap quotes the router's output for amount of from.
func (c *Client) TestSwap(ctx context.Context, from, to assets.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	path, err := c.swapPath(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	amountIn, err := toBaseUnits(amount, decimalsOf(from))
	if err != nil {
		return decimal.Zero, err
	}
	out, err := c.call(ctx, c.router, routerABI, "getAmountsOut", amountIn, path)
	if err != nil {
		return decimal.Zero, err
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return decimal.Zero, fmt.Errorf("evm: unexpected getAmountsOut result %T", out[0])
	}
	return fromBaseUnits(amounts[len(amounts)-1], decimalsOf(to)), nil
}

// Swap sells amount of from through the router, accepting no less than
// amount / maxPrice of to.
func (c *Client) Swap(ctx context.Context, from, to assets.Asset, amount, maxPrice decimal.Decimal) (string, error) {
	if !maxPrice.IsPositive() {
		return "", fmt.Errorf("evm: max price must be positive")
	}
	path, err := c.swapPath(ctx, from, to)
	if err != nil {
		return "", err
	}
	amountIn, err := toBaseUnits(amount, decimalsOf(from))
	if err != nil {
		return "", err
	}
	minOut, err := toBaseUnits(amount.Div(maxPrice), decimalsOf(to))
	if err != nil {
		return "", err
	}
	deadline := big.NewInt(c.now().Add(swapDeadline).Unix())

	if from.IsNative() {
		data, err := routerABI.Pack("swapExactETHForTokens", minOut, path, c.wallet, deadline)
		if err != nil {
			return "", fmt.Errorf("evm: pack swap: %w", err)
		}
		return c.sendTransaction(ctx, c.wallet, c.router, amountIn, data)
	}
	if err := c.approve(ctx, c.wallet, path[0], c.router, amountIn); err != nil {
		return "", err
	}
	method := "swapExactTokensForTokens"
	if to.IsNative() {
		method = "swapExactTokensForETH"
	}
	data, err := routerABI.Pack(method, amountIn, minOut, path, c.wallet, deadline)
	if err != nil {
		return "", fmt.Errorf("evm: pack swap: %w", err)
	}
	return c.sendTransaction(ctx, c.wallet, c.router, nil, data)
}

// SwapResult reads the realised output of a swap from its receipt logs.
func (c *Client) SwapResult(ctx context.Context, txID string, to assets.Asset) (chain.SwapOutcome, error) {
	receipt, err := c.receipt(ctx, txID)
	if errors.Is(err, chain.ErrTxNotFound) {
		return chain.SwapOutcome{}, nil
	}
	if err != nil {
		return chain.SwapOutcome{}, err
	}
	outcome := chain.SwapOutcome{Fee: receiptFee(receipt)}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		outcome.Failed = true
		return outcome, nil
	}

	received := new(big.Int)
	if to.IsNative() {
		weth, err := c.weth(ctx)
		if err != nil {
			return chain.SwapOutcome{}, err
		}
		for _, log := range receipt.Logs {
			if log == nil || log.Address != weth || len(log.Topics) < 2 || log.Topics[0] != withdrawalEventSignature {
				continue
			}
			received.Add(received, new(big.Int).SetBytes(log.Data))
		}
	} else {
		token, err := tokenAddress(to)
		if err != nil {
			return chain.SwapOutcome{}, err
		}
		for _, log := range receipt.Logs {
			if log == nil || log.Address != token || len(log.Topics) < 3 || log.Topics[0] != transferEventSignature {
				continue
			}
			if common.BytesToAddress(log.Topics[2].Bytes()) != c.wallet {
				continue
			}
			received.Add(received, new(big.Int).SetBytes(log.Data))
		}
	}
	if received.Sign() == 0 {
		return chain.SwapOutcome{}, fmt.Errorf("evm: no output transfer found in %s", txID)
	}
	outcome.Confirmed = true
	outcome.Amount = fromBaseUnits(received, decimalsOf(to))
	return outcome, nil
}

func (c *Client) approve(ctx context.Context, owner, token, spender common.Address, value *big.Int) error {
	data, err := erc20ABI.Pack("approve", spender, value)
	if err != nil {
		return fmt.Errorf("evm: pack approve: %w", err)
	}
	if _, err := c.sendTransaction(ctx, owner, token, nil, data); err != nil {
		return fmt.Errorf("evm: approve: %w", err)
	}
	return nil
}

func (c *Client) sendTransaction(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (string, error) {
	args := map[string]interface{}{
		"from": from.Hex(),
		"to":   to.Hex(),
	}
	if value != nil && value.Sign() > 0 {
		args["value"] = hexutil.EncodeBig(value)
	}
	if len(data) > 0 {
		args["data"] = hexutil.Encode(data)
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return "", chain.ClassifySendError(fmt.Errorf("evm: send transaction: %w", err))
	}
	return hash.Hex(), nil
}

func (c *Client) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.wallet, To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("evm: empty %s result", method)
	}
	return out, nil
}

func (c *Client) weth(ctx context.Context) (common.Address, error) {
	if (c.router == common.Address{}) {
		return common.Address{}, fmt.Errorf("evm: %w: router not configured", chain.ErrUnsupported)
	}
	out, err := c.call(ctx, c.router, routerABI, "WETH")
	if err != nil {
		return common.Address{}, err
	}
	address, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("evm: unexpected WETH result %T", out[0])
	}
	return address, nil
}

func (c *Client) swapPath(ctx context.Context, from, to assets.Asset) ([]common.Address, error) {
	if (c.router == common.Address{}) {
		return nil, fmt.Errorf("evm: %w: router not configured", chain.ErrUnsupported)
	}
	path := make([]common.Address, 0, 2)
	for _, asset := range []assets.Asset{from, to} {
		if asset.IsNative() {
			weth, err := c.weth(ctx)
			if err != nil {
				return nil, err
			}
			path = append(path, weth)
			continue
		}
		token, err := tokenAddress(asset)
		if err != nil {
			return nil, err
		}
		path = append(path, token)
	}
	return path, nil
}

func (c *Client) receipt(ctx context.Context, txID string) (*gethtypes.Receipt, error) {
	if strings.TrimSpace(txID) == "" {
		return nil, fmt.Errorf("evm: tx hash required")
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txID)
		}
		return nil, fmt.Errorf("evm: fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txID)
	}
	return receipt, nil
}

func (c *Client) confirmations(ctx context.Context, receipt *gethtypes.Receipt) (int, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("evm: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("evm: block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return int(confirmed.Int64()), nil
}

func (c *Client) address(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return c.wallet, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("evm: invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func receiptFee(receipt *gethtypes.Receipt) decimal.Decimal {
	if receipt.EffectiveGasPrice == nil {
		return decimal.Zero
	}
	fee := new(big.Int).SetUint64(receipt.GasUsed)
	return fromBaseUnits(fee.Mul(fee, receipt.EffectiveGasPrice), nativeDecimals)
}

func tokenAddress(asset assets.Asset) (common.Address, error) {
	if !common.IsHexAddress(asset.Contract) {
		return common.Address{}, fmt.Errorf("evm: asset %s has no valid contract address", asset.Key())
	}
	return common.HexToAddress(asset.Contract), nil
}

func decimalsOf(asset assets.Asset) int {
	if asset.Decimals > 0 {
		return asset.Decimals
	}
	if asset.IsNative() {
		return nativeDecimals
	}
	return 0
}

// toBaseUnits truncates amount to the asset's smallest unit.
func toBaseUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("evm: negative amount %s", amount)
	}
	scaled := amount.Shift(int32(decimals)).Truncate(0)
	value, err := uint256.FromDecimal(scaled.String())
	if err != nil {
		return nil, fmt.Errorf("evm: amount %s out of range: %w", amount, err)
	}
	return value.ToBig(), nil
}

func fromBaseUnits(value *big.Int, decimals int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals))
}
