package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot_hybrid/internal/models"
)

func newEmulator(t *testing.T) *EmulatorClient {
	t.Helper()
	em := NewEmulatorClient(5000, nil)
	em.SetPrice(100000)
	return em
}

func TestEmulatorNeedsPrice(t *testing.T) {
	em := NewEmulatorClient(5000, nil)

	_, err := em.FetchTicker(context.Background(), "BTCUSDT")
	assert.Error(t, err)

	_, err = em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.01,
	})
	assert.Error(t, err)
}

func TestEmulatorMarketOpenLong(t *testing.T) {
	em := newEmulator(t)

	order, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.02,
	})
	require.NoError(t, err)

	// Market buys lift the synthetic ask.
	assert.Equal(t, StatusClosed, order.Status)
	assert.InDelta(t, 100005, order.AvgFillPrice, 1e-6)

	positions, err := em.FetchPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideLong, positions[0].Side)
	assert.Equal(t, 0.02, positions[0].Size)
	assert.InDelta(t, 100005, positions[0].AvgPrice, 1e-6)
}

func TestEmulatorLimitRestsUntilCrossed(t *testing.T) {
	em := newEmulator(t)

	order, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Limit, Amount: 0.01, Price: 99500,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, order.Status)

	em.SetPrice(99600)
	got, err := em.FetchOrder(context.Background(), "BTCUSDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "price has not reached the limit")

	em.SetPrice(99400)
	got, err = em.FetchOrder(context.Background(), "BTCUSDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.InDelta(t, 99500, got.AvgFillPrice, 1e-9, "limit fills at its own price")
}

func TestEmulatorStopMarketTriggers(t *testing.T) {
	em := newEmulator(t)

	order, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Type: StopMarket, Amount: 0.01, StopPrice: 99000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, order.Status)

	em.SetPrice(98900)
	got, err := em.FetchOrder(context.Background(), "BTCUSDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.InDelta(t, 98900, got.AvgFillPrice, 1e-9, "stops fill at market")
}

func TestEmulatorReduceRealizesPnL(t *testing.T) {
	em := newEmulator(t)

	_, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.02,
	})
	require.NoError(t, err)

	em.SetPrice(101000)
	_, err = em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Type: Market, Amount: 0.02, ReduceOnly: true,
	})
	require.NoError(t, err)

	positions, err := em.FetchPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)

	// Entry 100005 (ask), exit 100994.95 (bid). Gross pnl on 0.02 BTC is
	// ~19.80; two taker fees eat ~2.01 of it.
	bal, err := em.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 5000+19.799-2.010, bal.Total, 0.01)
	assert.Equal(t, bal.Total, bal.Available, "flat account has nothing in margin")
}

func TestEmulatorFlipThroughKeepsRemainder(t *testing.T) {
	em := newEmulator(t)

	_, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.01,
	})
	require.NoError(t, err)

	// Selling 0.03 against a 0.01 long closes it and opens a 0.02 short.
	_, err = em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Type: Market, Amount: 0.03,
	})
	require.NoError(t, err)

	positions, err := em.FetchPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideShort, positions[0].Side)
	assert.InDelta(t, 0.02, positions[0].Size, 1e-9)
}

func TestEmulatorReduceOnlyNeverFlips(t *testing.T) {
	em := newEmulator(t)

	_, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.01,
	})
	require.NoError(t, err)

	_, err = em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Type: Market, Amount: 0.03, ReduceOnly: true,
	})
	require.NoError(t, err)

	positions, err := em.FetchPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions, "the excess amount is discarded, not flipped")
}

func TestEmulatorAveragesOnGrowth(t *testing.T) {
	em := newEmulator(t)

	_, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.01,
	})
	require.NoError(t, err)

	em.SetPrice(99000)
	_, err = em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.01,
	})
	require.NoError(t, err)

	positions, err := em.FetchPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.02, positions[0].Size, 1e-9)
	// (100005 + 99004.95) / 2
	assert.InDelta(t, 99504.975, positions[0].AvgPrice, 1e-6)
}

func TestEmulatorBalanceReservesMargin(t *testing.T) {
	em := newEmulator(t)

	_, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.02,
	})
	require.NoError(t, err)

	bal, err := em.FetchBalance(context.Background())
	require.NoError(t, err)
	// 100005 * 0.02 / 20x in use.
	assert.InDelta(t, bal.Total-100.005, bal.Available, 1e-6)
}

func TestEmulatorCancel(t *testing.T) {
	em := newEmulator(t)

	order, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Limit, Amount: 0.01, Price: 99000,
	})
	require.NoError(t, err)
	require.NoError(t, em.CancelOrder(context.Background(), "BTCUSDT", order.ID))

	assert.Error(t, em.CancelOrder(context.Background(), "BTCUSDT", order.ID), "double cancel")
	assert.Error(t, em.CancelOrder(context.Background(), "BTCUSDT", "404"))

	// Canceled orders never fill.
	em.SetPrice(98000)
	got, err := em.FetchOrder(context.Background(), "BTCUSDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
}

func TestEmulatorSyntheticKlines(t *testing.T) {
	em := newEmulator(t)

	klines, err := em.FetchKlines(context.Background(), "BTCUSDT", "1m", 60)
	require.NoError(t, err)
	require.Len(t, klines, 60)
	for _, k := range klines {
		assert.Equal(t, 100000.0, k.Close)
	}
}

func TestEmulatorOrderFees(t *testing.T) {
	em := newEmulator(t)

	order, err := em.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 0.01,
	})
	require.NoError(t, err)

	fee, err := em.FetchOrderFee(context.Background(), "BTCUSDT", order.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100005*0.01*0.0005, fee, 1e-9)

	_, err = em.FetchOrderFee(context.Background(), "BTCUSDT", "404")
	assert.Error(t, err)
}

func TestEmulatorPrecision(t *testing.T) {
	em := newEmulator(t)

	assert.InDelta(t, 100000.13, em.PriceToPrecision("BTCUSDT", 100000.129), 1e-9)
	// Float noise above the tick must not bleed a tick away: 100000*1.005
	// lands a hair above 100500 and has to stay there.
	assert.InDelta(t, 100500, em.PriceToPrecision("BTCUSDT", 100000*1.005), 1e-9)
	// Amounts truncate to the step, they never round up.
	assert.InDelta(t, 0.023, em.AmountToPrecision("BTCUSDT", 0.0239), 1e-9)
}
