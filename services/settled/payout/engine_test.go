package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"settlehub/services/settled/assets"
	"settlehub/services/settled/chain"
	"settlehub/services/settled/config"
	"settlehub/services/settled/models"
	"settlehub/services/settled/notify"
	"settlehub/services/settled/storage"
	"settlehub/services/settled/strategy"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fakeLiquidity struct {
	transferTxID string
	confirmed    bool
	transfers    int
}

func (f *fakeLiquidity) TransferLiquidity(context.Context, string, decimal.Decimal) (string, error) {
	f.transfers++
	return f.transferTxID, nil
}

func (f *fakeLiquidity) CheckTransferCompletion(context.Context, string, string) (bool, error) {
	return f.confirmed, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, alert notify.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

type fakeChain struct {
	mu      sync.Mutex
	sends   [][]chain.Output
	sendErr error
	txs     map[string]chain.TxInfo
}

func (c *fakeChain) client() chain.FuncClient {
	return chain.FuncClient{
		SendManyFunc: func(_ context.Context, _ assets.Asset, _ string, outputs []chain.Output) (string, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.sends = append(c.sends, outputs)
			if c.sendErr != nil {
				return "", c.sendErr
			}
			return fmt.Sprintf("0xpay%d", len(c.sends)), nil
		},
		TransactionFunc: func(_ context.Context, txID string) (chain.TxInfo, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			info, ok := c.txs[txID]
			if !ok {
				return chain.TxInfo{}, chain.ErrTxNotFound
			}
			return info, nil
		},
	}
}

type fixture struct {
	engine    *Engine
	store     *storage.Store
	chain     *fakeChain
	liquidity *fakeLiquidity
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store := storage.New(db)

	registry, err := assets.New(
		assets.Asset{Name: "ETH", Blockchain: "ethereum", Category: assets.CategoryCoin, Decimals: 18},
		assets.Asset{Name: "USDT", Blockchain: "ethereum", Category: assets.CategoryToken, Decimals: 6},
	)
	require.NoError(t, err)
	fc := &fakeChain{txs: map[string]chain.TxInfo{}}
	table, err := strategy.Build(
		[]config.ChainConfig{{Name: "ethereum", Type: config.ChainTypeEVM, Wallet: "0xliq"}},
		config.PayoutConfig{NativeGroupSize: 100, TokenGroupSize: 10},
		registry,
		map[string]chain.Client{"ethereum": fc.client()},
	)
	require.NoError(t, err)

	liquidity := &fakeLiquidity{}
	notifier := &recordingNotifier{}
	engine := NewEngine(store, registry, table, liquidity, append([]Option{WithNotifier(notifier), WithMetrics(nil)}, opts...)...)
	return fixture{engine: engine, store: store, chain: fc, liquidity: liquidity, notifier: notifier}
}

func request(id, amount, address string) Request {
	return Request{Context: models.ContextBuyCrypto, CorrelationID: id, Asset: "ethereum/USDT", Amount: dec(amount), Address: address}
}

func statusOf(t *testing.T, f fixture, id string) *models.PayoutOrder {
	t.Helper()
	order, err := f.store.FindPayoutOrder(context.Background(), models.ContextBuyCrypto, id)
	require.NoError(t, err)
	return order
}

func TestRequestPayoutRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))
	err := f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa"))
	require.ErrorIs(t, err, ErrDuplicatedEntry)

	var count int64
	require.NoError(t, f.store.DB().Model(&models.PayoutOrder{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRequestPayoutValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Error(t, f.engine.RequestPayout(ctx, request("tx-1", "0", "0xaaa")))
	require.Error(t, f.engine.RequestPayout(ctx, request("tx-1", "1", " ")))
	bad := request("tx-1", "1", "0xaaa")
	bad.Asset = "bitcoin/BTC"
	require.ErrorIs(t, f.engine.RequestPayout(ctx, bad), assets.ErrUnknownAsset)

	_, err := f.engine.CheckOrderCompletion(ctx, models.ContextBuyCrypto, "missing")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestProcessOrdersDispatchesAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-2", "20", "0xbbb")))
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-3", "30", "0xaaa")))

	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Len(t, f.chain.sends, 2, "a repeated destination opens a second group")
	sizes := []int{len(f.chain.sends[0]), len(f.chain.sends[1])}
	require.ElementsMatch(t, []int{2, 1}, sizes)

	byTx := map[string][]*models.PayoutOrder{}
	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		order := statusOf(t, f, id)
		require.Equal(t, models.PayoutPending, order.Status)
		byTx[order.PayoutTxID] = append(byTx[order.PayoutTxID], order)
	}
	require.Len(t, byTx, 2)

	f.chain.txs["0xpay1"] = chain.TxInfo{TxID: "0xpay1", Confirmations: 1, Fee: dec("0.003")}
	require.NoError(t, f.engine.ProcessOrders(ctx))

	total := decimal.Zero
	for _, order := range byTx["0xpay1"] {
		total = total.Add(order.Amount)
	}
	fees := decimal.Zero
	for _, order := range byTx["0xpay1"] {
		completion, err := f.engine.CheckOrderCompletion(ctx, order.Context, order.CorrelationID)
		require.NoError(t, err)
		require.True(t, completion.IsComplete)
		require.Equal(t, "0xpay1", completion.PayoutTxID)
		require.True(t, models.Round(dec("0.003").Mul(order.Amount).Div(total)).Equal(completion.Fee))
		fees = fees.Add(completion.Fee)
	}
	require.True(t, fees.Equal(dec("0.003")))

	for _, order := range byTx["0xpay2"] {
		completion, err := f.engine.CheckOrderCompletion(ctx, order.Context, order.CorrelationID)
		require.NoError(t, err)
		require.False(t, completion.IsComplete)
	}
}

func TestProcessOrdersWaitsForPreparation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.liquidity.transferTxID = "0xfund"
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))

	require.NoError(t, f.engine.ProcessOrders(ctx))
	order := statusOf(t, f, "tx-1")
	require.Equal(t, models.PayoutPreparationPending, order.Status)
	require.Equal(t, "0xfund", order.TransferTxID)
	require.Empty(t, f.chain.sends)

	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Empty(t, f.chain.sends, "unconfirmed transfers hold the payout")

	f.liquidity.confirmed = true
	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutPending, statusOf(t, f, "tx-1").Status)
	require.Len(t, f.chain.sends, 1)
	require.Equal(t, 1, f.liquidity.transfers)
}

func TestPreparationWaitsForStableInput(t *testing.T) {
	now := time.Now().Add(time.Second)
	f := newFixture(t, WithStableInputPeriod(5*time.Second), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-2", "20", "0xbbb")))

	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, 0, f.liquidity.transfers)
	require.Equal(t, models.PayoutCreated, statusOf(t, f, "tx-1").Status)

	now = now.Add(5 * time.Second)
	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, 2, f.liquidity.transfers)
	require.Equal(t, models.PayoutPending, statusOf(t, f, "tx-1").Status)
	require.Equal(t, models.PayoutPending, statusOf(t, f, "tx-2").Status)
	require.Len(t, f.chain.sends, 1, "both requests share one dispatch")
}

func TestSafeSendFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.sendErr = errors.New("insufficient funds")
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))

	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutPreparationConfirmed, statusOf(t, f, "tx-1").Status)
	require.Empty(t, f.notifier.alerts)

	f.chain.sendErr = nil
	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutPending, statusOf(t, f, "tx-1").Status)
	require.Len(t, f.chain.sends, 2)
}

func TestUncertainSendIsNeverRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.sendErr = fmt.Errorf("%w: %w", chain.ErrUncertain, context.DeadlineExceeded)
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))

	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutUncertain, statusOf(t, f, "tx-1").Status)
	require.Len(t, f.notifier.alerts, 1)
	require.Equal(t, notify.SubjectPayoutUncertain, f.notifier.alerts[0].Subject)

	f.chain.sendErr = nil
	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Len(t, f.chain.sends, 1)
	require.Equal(t, models.PayoutUncertain, statusOf(t, f, "tx-1").Status)
}

func TestSweepCatchesDesignationLeftByCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))
	order := statusOf(t, f, "tx-1")
	require.NoError(t, order.PreparationConfirmed())
	require.NoError(t, order.Designate())
	require.NoError(t, f.store.SavePayoutOrders(ctx, order))

	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutUncertain, statusOf(t, f, "tx-1").Status)
	require.Empty(t, f.chain.sends)
}

func TestPausedEngineDoesNotDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.RequestPayout(ctx, request("tx-1", "10", "0xaaa")))

	f.engine.Pause()
	require.True(t, f.engine.Paused())
	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutPreparationConfirmed, statusOf(t, f, "tx-1").Status)
	require.Empty(t, f.chain.sends)

	f.engine.Resume()
	require.NoError(t, f.engine.ProcessOrders(ctx))
	require.Equal(t, models.PayoutPending, statusOf(t, f, "tx-1").Status)
}

func TestMergeOutputsSumsRepeatedDestinations(t *testing.T) {
	outputs := mergeOutputs([]*models.PayoutOrder{
		{DestinationAddress: "0xaaa", Amount: dec("1.5")},
		{DestinationAddress: "0xbbb", Amount: dec("2")},
		{DestinationAddress: " 0xaaa", Amount: dec("0.25")},
	})
	require.Len(t, outputs, 2)
	require.Equal(t, "0xaaa", outputs[0].Address)
	require.Equal(t, "1.75", outputs[0].Amount.String())
	require.Equal(t, "2", outputs[1].Amount.String())
}
