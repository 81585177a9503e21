package engine

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

func testStrategy(t *testing.T) *config.Strategy {
	t.Helper()
	cfg := config.DefaultStrategy()
	require.NoError(t, cfg.Validate())
	return cfg
}

func longPosition() *models.Position {
	return &models.Position{
		Symbol:         "BTCUSDT",
		Side:           models.SideLong,
		AvgPrice:       100000,
		BaseEntryPrice: 100000,
		Size:           0.02,
		EntryUSD:       100,
		Leverage:       20,
		Regime:         models.RegimeTrend,
	}
}

func calmSnapshot(price float64) *models.MarketSnapshot {
	return &models.MarketSnapshot{
		Price:    price,
		RSI:      50,
		ATRRatio: 0.0020,
		Regime:   models.RegimeTrend,
	}
}

func TestSmartMultiplierNeutralConditions(t *testing.T) {
	g := NewGridEngine(testStrategy(t))

	// ATR at the norm, RSI mid-band, level 0: no adjustment at all.
	assert.InDelta(t, 1.0, g.SmartMultiplier(0.0020, 50, models.SideLong, 0), 1e-9)
}

func TestSmartMultiplierClampsATRFactor(t *testing.T) {
	g := NewGridEngine(testStrategy(t))

	assert.InDelta(t, 2.5, g.SmartMultiplier(0.0100, 50, models.SideLong, 0), 1e-9)
	assert.InDelta(t, 0.8, g.SmartMultiplier(0.0001, 50, models.SideLong, 0), 1e-9)
}

func TestSmartMultiplierRSIZones(t *testing.T) {
	g := NewGridEngine(testStrategy(t))

	cases := []struct {
		rsi  float64
		side models.Side
		want float64
	}{
		{15, models.SideLong, 1.6},
		{25, models.SideLong, 1.3},
		{35, models.SideLong, 1.1},
		{50, models.SideLong, 1.0},
		{85, models.SideShort, 1.6},
		{75, models.SideShort, 1.3},
		{65, models.SideShort, 1.1},
		{50, models.SideShort, 1.0},
		// Mirror zones must not trigger for the wrong side.
		{85, models.SideLong, 1.0},
		{15, models.SideShort, 1.0},
	}
	for _, c := range cases {
		got := g.SmartMultiplier(0.0020, c.rsi, c.side, 0)
		assert.InDelta(t, c.want, got, 1e-9, "rsi=%.0f side=%s", c.rsi, c.side)
	}
}

func TestSmartMultiplierLevelGrowth(t *testing.T) {
	g := NewGridEngine(testStrategy(t))

	assert.InDelta(t, 1.1, g.SmartMultiplier(0.0020, 50, models.SideLong, 1), 1e-9)
	assert.InDelta(t, 1.21, g.SmartMultiplier(0.0020, 50, models.SideLong, 2), 1e-9)
}

func TestNextLevelFirstTrendLevel(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()

	level, err := g.NextLevel(pos, calmSnapshot(99500), 1.0)
	require.NoError(t, err)

	assert.Equal(t, 0, level.Level)
	assert.InDelta(t, 99400, level.Price, 1e-6) // 100000 * (1 - 0.006)
	assert.InDelta(t, 140, level.Notional, 1e-9)
	assert.InDelta(t, 140*20/99400.0, level.Amount, 1e-9)
}

func TestNextLevelShortMirrors(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()
	pos.Side = models.SideShort

	level, err := g.NextLevel(pos, calmSnapshot(100500), 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 100600, level.Price, 1e-6) // above entry for shorts
}

func TestNextLevelProtectionWidens(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()

	base, err := g.NextLevel(pos, calmSnapshot(99500), 1.0)
	require.NoError(t, err)
	widened, err := g.NextLevel(pos, calmSnapshot(99500), 1.5)
	require.NoError(t, err)

	assert.Less(t, widened.Price, base.Price)
	assert.InDelta(t, 100000*(1-0.006*1.5), widened.Price, 1e-6)
}

func TestNextLevelGridExhausted(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()
	pos.DCALevel = 5

	_, err := g.NextLevel(pos, calmSnapshot(99500), 1.0)
	assert.ErrorIs(t, err, ErrGridExhausted)
}

func TestNextLevelMinNotionalFloor(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()
	pos.EntryUSD = 1 // tiny entry: weight table alone is under the exchange minimum

	level, err := g.NextLevel(pos, calmSnapshot(99500), 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 5.1, level.Notional, 1e-9)
}

func TestApplyFillWeightedAverage(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()

	fillSize := 140 * 20 / 99400.0
	g.ApplyFill(pos, 99400, fillSize)

	assert.InDelta(t, 99650, pos.AvgPrice, 1.0)
	assert.InDelta(t, 0.02+fillSize, pos.Size, 1e-9)
	assert.Equal(t, 1, pos.DCALevel)
	// Default anchor mode re-anchors the ladder on the new average.
	assert.Equal(t, pos.AvgPrice, pos.BaseEntryPrice)
}

func TestApplyFillEntryAnchorKeepsBase(t *testing.T) {
	cfg := testStrategy(t)
	cfg.Grid.AnchorMode = config.AnchorEntry
	g := NewGridEngine(cfg)
	pos := longPosition()

	g.ApplyFill(pos, 99400, 0.028)
	assert.Equal(t, 100000.0, pos.BaseEntryPrice)
}

func TestApplyFillAverageAlwaysBetween(t *testing.T) {
	g := NewGridEngine(testStrategy(t))

	f := func(avg, size, fillPrice, fillSize float64) bool {
		avg = 1 + foldRange(avg)
		size = 0.001 + foldRange(size)/1000
		fillPrice = 1 + foldRange(fillPrice)
		fillSize = 0.001 + foldRange(fillSize)/1000

		pos := &models.Position{
			Side: models.SideLong, AvgPrice: avg, BaseEntryPrice: avg,
			Size: size, EntryUSD: 100, Leverage: 20, Regime: models.RegimeTrend,
		}
		g.ApplyFill(pos, fillPrice, fillSize)

		lo, hi := avg, fillPrice
		if lo > hi {
			lo, hi = hi, lo
		}
		return pos.AvgPrice >= lo-1e-9 && pos.AvgPrice <= hi+1e-9
	}
	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 200}))
}

// foldRange maps an arbitrary float into [0, 100000).
func foldRange(v float64) float64 {
	if v < 0 {
		v = -v
	}
	for v >= 100000 {
		v /= 10
	}
	if v != v { // NaN
		return 1
	}
	return v
}

func TestEstimateLevel(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()

	// Trend weights 1.4/2.0/2.8/3.5/4.5 on a 100 USD entry:
	// cumulative margin 100, 240, 440, 720, 1070, 1520.
	assert.Equal(t, 0, g.EstimateLevel(pos, 100))
	assert.Equal(t, 1, g.EstimateLevel(pos, 250))
	assert.Equal(t, 2, g.EstimateLevel(pos, 460))
	assert.Equal(t, 5, g.EstimateLevel(pos, 1520))
	assert.Equal(t, 5, g.EstimateLevel(pos, 9999))
}

func TestEstimateLevelNoEntryUSD(t *testing.T) {
	g := NewGridEngine(testStrategy(t))
	pos := longPosition()
	pos.EntryUSD = 0
	assert.Equal(t, 0, g.EstimateLevel(pos, 500))
}
