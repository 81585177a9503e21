package analysis

import (
	"math"
	"time"

	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/models"
)

const minKlines = 50

// BuildSnapshot computes the per-tick market view from klines and the
// current book. Returns nil when there is not enough history.
func BuildSnapshot(klines []exchange.Kline, ticker *exchange.Ticker, adxTrendMin float64) *models.MarketSnapshot {
	if len(klines) < minKlines {
		return nil
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}

	price := ticker.Last
	atr := calculateATR(klines, 14)
	adx := calculateADX(klines, 14)

	snap := &models.MarketSnapshot{
		Price:     price,
		Bid:       ticker.Bid,
		Ask:       ticker.Ask,
		RSI:       calculateRSI(klines, 14),
		EMA9:      calculateEMA(closes, 9),
		EMA15:     calculateEMA(closes, 15),
		ATR:       atr,
		ADX:       adx,
		VolumeRel: relativeVolume(klines, 20),
		Highs:     highs,
		Lows:      lows,
		Closes:    closes,
		Time:      time.Now(),
	}
	if price > 0 {
		snap.ATRRatio = atr / price
	}

	snap.Regime = models.RegimeRange
	if adx >= adxTrendMin {
		snap.Regime = models.RegimeTrend
	}
	return snap
}

func calculateRSI(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50
	}

	gains := 0.0
	losses := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func calculateEMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		sum := 0.0
		for _, p := range prices {
			sum += p
		}
		return sum / float64(len(prices))
	}

	multiplier := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	ema := sum / float64(period)

	for i := period; i < len(prices); i++ {
		ema = (prices[i] * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

func calculateATR(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		tr := math.Max(klines[i].High-klines[i].Low,
			math.Max(math.Abs(klines[i].High-klines[i-1].Close),
				math.Abs(klines[i].Low-klines[i-1].Close)))
		sum += tr
	}
	return sum / float64(period)
}

// calculateADX implements Wilder's smoothed ADX.
func calculateADX(klines []exchange.Kline, period int) float64 {
	if len(klines) < period*2+1 {
		return 0
	}

	var trSum, plusDMSum, minusDMSum float64
	dxValues := make([]float64, 0, len(klines))

	for i := 1; i < len(klines); i++ {
		cur, prev := klines[i], klines[i-1]

		tr := math.Max(cur.High-cur.Low,
			math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))

		upMove := cur.High - prev.High
		downMove := prev.Low - cur.Low
		plusDM := 0.0
		minusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}

		if i <= period {
			trSum += tr
			plusDMSum += plusDM
			minusDMSum += minusDM
			if i < period {
				continue
			}
		} else {
			// Wilder smoothing
			trSum = trSum - trSum/float64(period) + tr
			plusDMSum = plusDMSum - plusDMSum/float64(period) + plusDM
			minusDMSum = minusDMSum - minusDMSum/float64(period) + minusDM
		}

		if trSum == 0 {
			dxValues = append(dxValues, 0)
			continue
		}
		plusDI := plusDMSum / trSum * 100
		minusDI := minusDMSum / trSum * 100
		if plusDI+minusDI == 0 {
			dxValues = append(dxValues, 0)
			continue
		}
		dxValues = append(dxValues, math.Abs(plusDI-minusDI)/(plusDI+minusDI)*100)
	}

	if len(dxValues) < period {
		return 0
	}
	adx := 0.0
	for _, dx := range dxValues[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxValues[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return adx
}

func relativeVolume(klines []exchange.Kline, lookback int) float64 {
	if len(klines) < lookback+1 {
		return 1
	}

	var sum float64
	for i := len(klines) - lookback - 1; i < len(klines)-1; i++ {
		sum += klines[i].Volume
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return 1
	}
	return klines[len(klines)-1].Volume / avg
}
