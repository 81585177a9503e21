package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot_hybrid/internal/models"
)

func flatLine(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func descending(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - step*float64(i)
	}
	return out
}

// dangerSnapshot is a losing long in free fall: fresh lows, adverse
// candle run, volatility holding.
func dangerSnapshot(price float64) *models.MarketSnapshot {
	return &models.MarketSnapshot{
		Price:    price,
		RSI:      25,
		ATRRatio: 0.0020,
		Highs:    flatLine(100500, 25),
		Lows:     flatLine(price, 25),
		Closes:   descending(100000, 200, 25),
	}
}

// calmLosingSnapshot is a small drawdown with nothing alarming: price
// well above the lookback lows, flat candles, falling volatility.
func calmLosingSnapshot(price float64) *models.MarketSnapshot {
	return &models.MarketSnapshot{
		Price:    price,
		RSI:      45,
		ATRRatio: 0.0005,
		Highs:    flatLine(100500, 25),
		Lows:     flatLine(price*0.95, 25),
		Closes:   flatLine(price, 25),
	}
}

func TestProtectionStaysAtOneWhileWinning(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	pos := longPosition()

	for i := 0; i < 10; i++ {
		r.Update(&st, pos, calmSnapshot(100500), time.Now())
	}
	assert.Equal(t, 1.0, st.Multiplier)
	assert.Equal(t, 0.0, st.DangerLevel)
}

func TestProtectionNoEscalationWithoutDanger(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	pos := longPosition()

	// Losing 1% but with no danger signals firing.
	r.Update(&st, pos, calmLosingSnapshot(99000), time.Now())

	assert.Equal(t, 1.0, st.Multiplier)
	assert.InDelta(t, 1.0, st.MaxDrawdownPct, 1e-6)
}

func TestProtectionEscalatesOnDangerousDrawdown(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	pos := longPosition()

	// Seed a price history showing a fast drop.
	st.PriceHistory = flatLine(100000, 5)
	st.ATRHistory = flatLine(0.0020, 3)

	now := time.Now()
	r.Update(&st, pos, dangerSnapshot(99000), now)

	// Signals: speed (1.0), fresh low (1.0), ATR stable (0.5),
	// adverse run (1.0) -> danger 0.875; weighted = 1% * 0.875.
	require.Greater(t, st.DangerLevel, 0.3)
	assert.InDelta(t, 1.0+0.875*0.15, st.Multiplier, 1e-6)
	assert.Equal(t, now, st.LastDangerIncrease)
	assert.InDelta(t, 0.0020, st.PeakVolatility, 1e-9)
}

func TestProtectionRatchetsUpOnly(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	pos := longPosition()

	st.PriceHistory = flatLine(100000, 5)
	st.ATRHistory = flatLine(0.0020, 3)
	r.Update(&st, pos, dangerSnapshot(99000), time.Now())
	escalated := st.Multiplier
	require.Greater(t, escalated, 1.0)

	// A shallower dangerous tick must not lower the multiplier: the
	// weighted drawdown high-water mark gates further changes.
	r.Update(&st, pos, dangerSnapshot(99500), time.Now())
	assert.Equal(t, escalated, st.Multiplier)
}

func TestProtectionDeescalatesWhenSafe(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	st.Multiplier = 1.5
	st.PeakVolatility = 0.0050
	st.LastDangerIncrease = time.Now().Add(-10 * time.Minute)
	st.LowestSinceEntry = 98000
	pos := longPosition()

	// Winning, volatility collapsed, off the lows, RSI mid-band,
	// recovered well past the trough: all five checks pass.
	snap := &models.MarketSnapshot{
		Price:    100200,
		RSI:      50,
		ATRRatio: 0.0010,
		Highs:    flatLine(100500, 25),
		Lows:     flatLine(98000, 25),
		Closes:   flatLine(100200, 25),
	}
	r.Update(&st, pos, snap, time.Now())

	assert.InDelta(t, 1.45, st.Multiplier, 1e-9)
}

func TestProtectionHoldsWhenChecksFail(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	st.Multiplier = 1.5
	st.PeakVolatility = 0.0020
	st.LastDangerIncrease = time.Now() // too recent
	st.LowestSinceEntry = 99900
	pos := longPosition()

	// Winning but volatility has not cooled, the escalation was seconds
	// ago, and RSI is overbought: only the extreme/recovery checks pass.
	snap := &models.MarketSnapshot{
		Price:    100100,
		RSI:      75,
		ATRRatio: 0.0020,
		Highs:    flatLine(100500, 25),
		Lows:     flatLine(99000, 25),
		Closes:   flatLine(100100, 25),
	}
	r.Update(&st, pos, snap, time.Now())

	assert.Equal(t, 1.5, st.Multiplier)
}

func TestProtectionMultiplierNeverBelowOne(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	st.Multiplier = 1.02
	st.PeakVolatility = 0.0050
	st.LastDangerIncrease = time.Now().Add(-time.Hour)
	st.LowestSinceEntry = 98000
	pos := longPosition()

	snap := &models.MarketSnapshot{
		Price:    100200,
		RSI:      50,
		ATRRatio: 0.0010,
		Highs:    flatLine(100500, 25),
		Lows:     flatLine(98000, 25),
		Closes:   flatLine(100200, 25),
	}
	for i := 0; i < 5; i++ {
		r.Update(&st, pos, snap, time.Now())
	}
	assert.Equal(t, 1.0, st.Multiplier)
}

func TestDangerLevelZeroOnEmptyHistory(t *testing.T) {
	r := NewProtectionRatchet(testStrategy(t))
	st := models.NewProtectionState()
	pos := longPosition()

	danger := r.DangerLevel(&st, pos, calmLosingSnapshot(99500))
	assert.Equal(t, 0.0, danger)
}

func TestProtectionObserveWindowBounded(t *testing.T) {
	st := models.NewProtectionState()
	for i := 0; i < 50; i++ {
		st.Observe(float64(100000+i), 0.002)
	}
	assert.Len(t, st.PriceHistory, 10)
	assert.Len(t, st.ATRHistory, 10)
	assert.Equal(t, 100049.0, st.PriceHistory[9])
}
