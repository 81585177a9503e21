package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot_hybrid/config"
	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/journal"
	"bot_hybrid/internal/metrics"
)

func newTestDoctor(t *testing.T) (*config.Strategy, *exchange.EmulatorClient, *Doctor) {
	t.Helper()
	cfg := testStrategy(t)
	em := exchange.NewEmulatorClient(5000, nil)
	em.SetPrice(100000)

	j, err := journal.New(t.TempDir())
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())

	tp := NewTakeProfitCalc(cfg)
	orders := NewOrderManager(cfg, em, tp)
	grid := NewGridEngine(cfg)
	return cfg, em, NewDoctor(cfg, em, orders, grid, tp, j, m)
}

func TestReconcileFlatNothingToAdopt(t *testing.T) {
	_, _, doc := newTestDoctor(t)

	pos, err := doc.ReconcileFlat(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestReconcileFlatAdoptsOrphanPosition(t *testing.T) {
	_, em, doc := newTestDoctor(t)
	openLong(t, em, 0.02)

	pos, err := doc.ReconcileFlat(context.Background(), calmSnapshot(100000))
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, 0.02, pos.Size)
	assert.Greater(t, pos.AvgPrice, 0.0)
	// Margin reconstructed from exchange truth: avg * size / leverage.
	assert.InDelta(t, pos.AvgPrice*0.02/20, pos.EntryUSD, 1e-9)
	assert.Equal(t, pos.AvgPrice, pos.BaseEntryPrice)
}

func TestHealthCheckDetectsGonePosition(t *testing.T) {
	_, _, doc := newTestDoctor(t)
	pos := longPosition()

	gone, err := doc.HealthCheck(context.Background(), pos, calmSnapshot(100000), 1.0)
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestHealthCheckRepairsMissingOrders(t *testing.T) {
	_, em, doc := newTestDoctor(t)
	openLong(t, em, 0.02)
	pos := longPosition()
	pos.TPOrderID = ""
	pos.DCAOrderID = ""

	gone, err := doc.HealthCheck(context.Background(), pos, calmSnapshot(100000), 1.0)
	require.NoError(t, err)
	require.False(t, gone)

	// Both working orders re-placed.
	assert.NotEmpty(t, pos.TPOrderID)
	assert.NotEmpty(t, pos.DCAOrderID)

	open, err := em.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestHealthCheckRequotesDriftedDCA(t *testing.T) {
	_, em, doc := newTestDoctor(t)
	openLong(t, em, 0.02)
	pos := longPosition()
	pos.TPOrderID = "" // let the doctor place a fresh TP

	// Rest a safety order far from where the ladder wants it.
	stale, err := em.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.Buy, Type: exchange.Limit,
		Amount: 0.028, Price: 95000,
	})
	require.NoError(t, err)
	pos.DCAOrderID = stale.ID

	gone, err := doc.HealthCheck(context.Background(), pos, calmSnapshot(100000), 1.0)
	require.NoError(t, err)
	require.False(t, gone)

	assert.NotEqual(t, stale.ID, pos.DCAOrderID)
	replaced, err := em.FetchOrder(context.Background(), "BTCUSDT", pos.DCAOrderID)
	require.NoError(t, err)
	assert.InDelta(t, 99400, replaced.Price, 1e-9)

	old, err := em.FetchOrder(context.Background(), "BTCUSDT", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCanceled, old.Status)
}

func TestHealthCheckCancelsOrphans(t *testing.T) {
	_, em, doc := newTestDoctor(t)
	openLong(t, em, 0.02)
	pos := longPosition()

	orphan, err := em.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.Sell, Type: exchange.Limit,
		Amount: 0.01, Price: 120000,
	})
	require.NoError(t, err)

	gone, err := doc.HealthCheck(context.Background(), pos, calmSnapshot(100000), 1.0)
	require.NoError(t, err)
	require.False(t, gone)

	o, err := em.FetchOrder(context.Background(), "BTCUSDT", orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCanceled, o.Status)
}

func TestHealthCheckSyncsAveragePrice(t *testing.T) {
	_, em, doc := newTestDoctor(t)
	openLong(t, em, 0.02)
	pos := longPosition()
	pos.AvgPrice = 123456 // local bookkeeping drifted

	gone, err := doc.HealthCheck(context.Background(), pos, calmSnapshot(100000), 1.0)
	require.NoError(t, err)
	require.False(t, gone)

	// Exchange truth wins.
	assert.InDelta(t, 100005, pos.AvgPrice, 1e-6)
	assert.Equal(t, 0.02, pos.Size)
}
