package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/models"
)

// risingKlines builds n candles climbing by step each bar.
func risingKlines(n int, start, step float64) []exchange.Kline {
	ks := make([]exchange.Kline, n)
	ts := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := range ks {
		close := start + float64(i+1)*step
		ks[i] = exchange.Kline{
			OpenTime:  ts.Add(time.Duration(i) * time.Minute),
			Open:      close - step,
			High:      close + step*0.5,
			Low:       close - step*1.5,
			Close:     close,
			Volume:    10,
			CloseTime: ts.Add(time.Duration(i+1) * time.Minute),
		}
	}
	return ks
}

func fallingKlines(n int, start, step float64) []exchange.Kline {
	ks := risingKlines(n, start, step)
	for i := range ks {
		mirror := 2*start - ks[i].Close
		ks[i].Open = mirror + step
		ks[i].Close = mirror
		ks[i].High = mirror + step*1.5
		ks[i].Low = mirror - step*0.5
	}
	return ks
}

func tickerAt(price float64) *exchange.Ticker {
	return &exchange.Ticker{Symbol: "BTCUSDT", Last: price, Bid: price * 0.99995, Ask: price * 1.00005}
}

func TestBuildSnapshotNeedsHistory(t *testing.T) {
	ks := risingKlines(49, 100000, 10)
	assert.Nil(t, BuildSnapshot(ks, tickerAt(100000), 25))
}

func TestBuildSnapshotUptrend(t *testing.T) {
	ks := risingKlines(60, 100000, 50)
	last := ks[len(ks)-1].Close
	snap := BuildSnapshot(ks, tickerAt(last), 25)
	require.NotNil(t, snap)

	assert.Equal(t, last, snap.Price)
	// A monotonic climb: no losing bars, fast EMA above slow, ADX maxed.
	assert.Equal(t, 100.0, snap.RSI)
	assert.Greater(t, snap.EMA9, snap.EMA15)
	assert.Equal(t, models.RegimeTrend, snap.Regime)
	assert.Greater(t, snap.ATRRatio, 0.0)
	assert.Len(t, snap.Closes, 60)
}

func TestBuildSnapshotRegimeThreshold(t *testing.T) {
	ks := risingKlines(60, 100000, 50)
	last := ks[len(ks)-1].Close

	// The same market is a range when the ADX bar is set out of reach.
	snap := BuildSnapshot(ks, tickerAt(last), 1000)
	require.NotNil(t, snap)
	assert.Equal(t, models.RegimeRange, snap.Regime)
}

func TestRSIDirection(t *testing.T) {
	up := calculateRSI(risingKlines(60, 100000, 50), 14)
	down := calculateRSI(fallingKlines(60, 100000, 50), 14)

	assert.Equal(t, 100.0, up)
	assert.Equal(t, 0.0, down)
	assert.Equal(t, 50.0, calculateRSI(risingKlines(10, 100000, 50), 14), "short history is neutral")
}

func TestEMA(t *testing.T) {
	flat := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	assert.InDelta(t, 100, calculateEMA(flat, 9), 1e-9)

	// Below the period the EMA degrades to a plain average.
	assert.InDelta(t, 150, calculateEMA([]float64{100, 200}, 9), 1e-9)
	assert.Equal(t, 0.0, calculateEMA(nil, 9))
}

func TestATRUniformBars(t *testing.T) {
	// Every bar: high-low = 2*step is the dominant true range.
	atr := calculateATR(risingKlines(60, 100000, 50), 14)
	assert.InDelta(t, 100, atr, 1e-6)
	assert.Equal(t, 0.0, calculateATR(risingKlines(10, 100000, 50), 14))
}

func TestADXTrendVsChop(t *testing.T) {
	trend := calculateADX(risingKlines(60, 100000, 50), 14)
	assert.Greater(t, trend, 50.0)

	// A zigzag cancels the directional movement out.
	chop := make([]exchange.Kline, 60)
	for i := range chop {
		mid := 100000.0
		if i%2 == 1 {
			mid += 50
		}
		chop[i] = exchange.Kline{
			Open: mid, High: mid + 25, Low: mid - 25, Close: mid, Volume: 10,
		}
	}
	assert.Less(t, calculateADX(chop, 14), trend)
	assert.Equal(t, 0.0, calculateADX(risingKlines(20, 100000, 50), 14), "needs 2*period+1 bars")
}

func TestRelativeVolume(t *testing.T) {
	ks := risingKlines(60, 100000, 50)
	ks[len(ks)-1].Volume = 20 // double the steady 10
	assert.InDelta(t, 2.0, relativeVolume(ks, 20), 1e-9)

	assert.Equal(t, 1.0, relativeVolume(ks[:10], 20), "short history is neutral")
}
