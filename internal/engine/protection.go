package engine

import (
	"time"

	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

// ProtectionRatchet widens the DCA ladder during dangerous drawdowns.
// Escalation is immediate and one-way; de-escalation is slow and only
// after the market demonstrably calms down.
type ProtectionRatchet struct {
	cfg *config.Strategy
}

func NewProtectionRatchet(cfg *config.Strategy) *ProtectionRatchet {
	return &ProtectionRatchet{cfg: cfg}
}

// Update advances the ratchet one tick. Caller provides the current
// market snapshot and the position's profit ratio (signed, favorable
// positive).
func (r *ProtectionRatchet) Update(st *models.ProtectionState, pos *models.Position, snap *models.MarketSnapshot, now time.Time) {
	if pos == nil || pos.AvgPrice == 0 {
		return
	}

	st.Observe(snap.Price, snap.ATRRatio)
	r.trackExtremes(st, pos, snap.Price)

	profitPct := pos.ProfitRatio(snap.Price) * 100

	if profitPct < 0 {
		drawdown := -profitPct
		if drawdown > st.MaxDrawdownPct {
			st.MaxDrawdownPct = drawdown
		}

		danger := r.DangerLevel(st, pos, snap)
		st.DangerLevel = danger
		if danger <= r.cfg.Protection.DangerThreshold {
			return
		}

		weighted := drawdown * danger
		if weighted <= st.MaxWeightedDrawdown {
			return
		}
		st.MaxWeightedDrawdown = weighted
		st.LastDangerIncrease = now
		if snap.ATRRatio > st.PeakVolatility {
			st.PeakVolatility = snap.ATRRatio
		}

		next := 1.0 + weighted*r.cfg.Protection.Aggression
		if next > st.Multiplier {
			st.Multiplier = next
			log.Warnf("🛡️ protection UP: %.2fx (danger %.2f, drawdown %.2f%%)", st.Multiplier, danger, drawdown)
		}
		return
	}

	// Winning or flat: danger is over by definition.
	st.DangerLevel = 0
	if st.Multiplier <= 1.0 {
		return
	}

	passed, failed := r.safetyChecks(st, pos, snap, now)
	if len(passed) >= r.cfg.Protection.MinChecks {
		old := st.Multiplier
		st.Multiplier -= r.cfg.Protection.DecayRate
		if st.Multiplier < 1.0 {
			st.Multiplier = 1.0
		}
		if st.Multiplier < old {
			log.Infof("🔓 protection DOWN: %.2fx (checks %d/%d)", st.Multiplier, len(passed), len(passed)+len(failed))
		}
	} else {
		log.Debugf("⏸️ protection HOLD: %.2fx (failed: %v)", st.Multiplier, failed)
	}
}

// DangerLevel scores the current tick from four independent signals and
// averages the ones that fired.
func (r *ProtectionRatchet) DangerLevel(st *models.ProtectionState, pos *models.Position, snap *models.MarketSnapshot) float64 {
	var signals []float64
	p := r.cfg.Protection

	// 1. Adverse speed over the last 5 samples.
	if n := len(st.PriceHistory); n >= 5 {
		ref := st.PriceHistory[n-5]
		if ref > 0 {
			move := (ref - snap.Price) / ref * pos.Side.Direction()
			if move > p.SpeedDropThreshold {
				sig := move / p.SpeedDropThreshold
				if sig > 1.0 {
					sig = 1.0
				}
				signals = append(signals, sig)
			}
		}
	}

	// 2. Price printing a fresh lookback extreme against us.
	if len(snap.Lows) >= p.CandlesLookback {
		if pos.Side == models.SideLong {
			if snap.Price <= snap.LowestLow(p.CandlesLookback)*1.0001 {
				signals = append(signals, 1.0)
			}
		} else {
			if snap.Price >= snap.HighestHigh(p.CandlesLookback)*0.9999 {
				signals = append(signals, 1.0)
			}
		}
	}

	// 3. Volatility not cooling off.
	if n := len(st.ATRHistory); n >= 3 {
		avg := (st.ATRHistory[n-1] + st.ATRHistory[n-2] + st.ATRHistory[n-3]) / 3
		if snap.ATRRatio > avg*p.ATRStableRatio {
			signals = append(signals, 0.5)
		}
	}

	// 4. A run of candles against the position.
	if n := len(snap.Closes); n >= 6 {
		adverse := 0
		for i := n - 5; i < n; i++ {
			if pos.Side == models.SideLong && snap.Closes[i] < snap.Closes[i-1] {
				adverse++
			}
			if pos.Side == models.SideShort && snap.Closes[i] > snap.Closes[i-1] {
				adverse++
			}
		}
		if adverse >= p.DirectionalCandles {
			signals = append(signals, float64(adverse)/5.0)
		}
	}

	if len(signals) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range signals {
		sum += s
	}
	return sum / float64(len(signals))
}

// safetyChecks gates de-escalation: each check votes that conditions
// have normalized.
func (r *ProtectionRatchet) safetyChecks(st *models.ProtectionState, pos *models.Position, snap *models.MarketSnapshot, now time.Time) (passed, failed []string) {
	p := r.cfg.Protection
	vote := func(ok bool, name string) {
		if ok {
			passed = append(passed, name)
		} else {
			failed = append(failed, name)
		}
	}

	volOK := true
	if st.PeakVolatility > 0 {
		volOK = snap.ATRRatio < st.PeakVolatility*p.VolatilityRatio
	}
	vote(volOK, "volatility")

	timeOK := true
	if !st.LastDangerIncrease.IsZero() {
		timeOK = now.Sub(st.LastDangerIncrease) > time.Duration(p.MinSafeTimeSec)*time.Second
	}
	vote(timeOK, "time")

	extremeOK := true
	if len(snap.Lows) >= 5 {
		if pos.Side == models.SideLong {
			extremeOK = snap.Price > snap.LowestLow(5)*1.001
		} else {
			extremeOK = snap.Price < snap.HighestHigh(5)*0.999
		}
	}
	vote(extremeOK, "price_extreme")

	vote(snap.RSI > 35 && snap.RSI < 65, "rsi")

	recoveryOK := true
	if pos.Side == models.SideLong && st.LowestSinceEntry > 0 && pos.AvgPrice > st.LowestSinceEntry {
		span := pos.AvgPrice - st.LowestSinceEntry
		if span > 0 {
			recoveryOK = (snap.Price-st.LowestSinceEntry)/span > p.RecoveryMin
		}
	} else if pos.Side == models.SideShort && st.HighestSinceEntry > 0 && pos.AvgPrice < st.HighestSinceEntry {
		span := st.HighestSinceEntry - pos.AvgPrice
		if span > 0 {
			recoveryOK = (st.HighestSinceEntry-snap.Price)/span > p.RecoveryMin
		}
	}
	vote(recoveryOK, "recovery")

	return passed, failed
}

func (r *ProtectionRatchet) trackExtremes(st *models.ProtectionState, pos *models.Position, price float64) {
	if pos.Side == models.SideLong {
		if st.LowestSinceEntry == 0 || price < st.LowestSinceEntry {
			st.LowestSinceEntry = price
		}
	} else {
		if st.HighestSinceEntry == 0 || price > st.HighestSinceEntry {
			st.HighestSinceEntry = price
		}
	}
}
