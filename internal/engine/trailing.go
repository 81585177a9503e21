package engine

import (
	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

// TrailingDecision is what a trailing check asks the engine to do.
type TrailingDecision struct {
	Close    bool
	UpdateTP bool
	Reason   string
}

// TrendTrailing rides trending moves: it arms at a fraction of the way
// to TP, ratchets a favorable peak, and closes on a volatility-scaled
// pullback from that peak.
type TrendTrailing struct {
	cfg *config.Strategy
	tp  *TakeProfitCalc
}

func NewTrendTrailing(cfg *config.Strategy, tp *TakeProfitCalc) *TrendTrailing {
	return &TrendTrailing{cfg: cfg, tp: tp}
}

func (t *TrendTrailing) volAdjust(atrRatio float64) (activation, callback float64) {
	c := t.cfg.Trailing
	switch {
	case atrRatio > t.cfg.TakeProfit.HighVolThreshold:
		return c.TrendVolAdjustHigh, c.TrendCallbackHigh
	case atrRatio > t.cfg.TakeProfit.MedVolThreshold:
		return c.TrendVolAdjustMed, c.TrendCallbackMed
	default:
		return c.TrendVolAdjustLow, c.TrendCallbackLow
	}
}

// Check advances the machine one tick.
func (t *TrendTrailing) Check(st *models.TrailingState, pos *models.Position, snap *models.MarketSnapshot) TrailingDecision {
	if !st.Enabled || pos == nil || pos.AvgPrice == 0 {
		return TrailingDecision{}
	}

	price := snap.Price
	pnl := pos.ProfitRatio(price)
	tpDist := t.tp.Distance(pos.DCALevel, snap.ATRRatio, pos.IsFlip)
	volAdj, callbackRatio := t.volAdjust(snap.ATRRatio)

	activation := tpDist * t.cfg.Trailing.TrendActivationRatio * volAdj
	callbackThreshold := tpDist * callbackRatio

	if st.Phase != models.TrailingActive {
		if pnl >= activation {
			st.Phase = models.TrailingActive
			st.PeakPrice = price
			log.Infof("🎯 trend trailing ACTIVATED @ %.2f (pnl %.2f%%, threshold %.2f%%)",
				price, pnl*100, activation*100)
		}
		return TrailingDecision{}
	}

	if st.PeakPrice == 0 {
		return TrailingDecision{}
	}

	// Peak only moves in the favorable direction.
	if (price-st.PeakPrice)*pos.Side.Direction() > 0 {
		st.PeakPrice = price
	}
	callback := (st.PeakPrice - price) / st.PeakPrice * pos.Side.Direction()

	if callback >= callbackThreshold {
		log.Infof("🔔 trend trailing stop: callback %.3f%% >= %.2f%%", callback*100, callbackThreshold*100)
		return TrailingDecision{Close: true, Reason: "TRAILING"}
	}
	return TrailingDecision{}
}

// RangeTrailing protects profit in choppy markets. It arms only in
// range regime, activates at half the way to TP, tightens its callback
// as profit grows, and never closes a losing position.
type RangeTrailing struct {
	cfg *config.Strategy
	tp  *TakeProfitCalc
}

func NewRangeTrailing(cfg *config.Strategy, tp *TakeProfitCalc) *RangeTrailing {
	return &RangeTrailing{cfg: cfg, tp: tp}
}

// callbackFor tightens the pullback threshold with the profit tier.
func (r *RangeTrailing) callbackFor(pnl float64) float64 {
	for _, tier := range r.cfg.Trailing.RangeTiers {
		if pnl < tier.ProfitBelow {
			return tier.Callback
		}
	}
	return r.cfg.Trailing.RangeFinalCallback
}

// Check advances the machine one tick.
func (r *RangeTrailing) Check(st *models.TrailingState, pos *models.Position, snap *models.MarketSnapshot) TrailingDecision {
	if !st.Enabled || pos == nil || pos.AvgPrice == 0 {
		return TrailingDecision{}
	}

	price := snap.Price
	pnl := pos.ProfitRatio(price)

	if st.Phase == models.TrailingPendingActivation {
		tpDist := r.tp.Distance(pos.DCALevel, snap.ATRRatio, pos.IsFlip)
		activation := tpDist * r.cfg.Trailing.RangeActivationRatio
		if pnl >= activation {
			st.Phase = models.TrailingActive
			st.PeakPrice = price
			st.PeakPnL = pnl
			st.LastNudgePrice = price
			log.Infof("🎯 range trailing ACTIVATED @ %.2f (pnl %.2f%% >= %.2f%%)",
				price, pnl*100, activation*100)
		}
		return TrailingDecision{}
	}

	if st.Phase != models.TrailingActive || st.PeakPrice == 0 {
		return TrailingDecision{}
	}

	callbackThreshold := r.callbackFor(pnl)
	decision := TrailingDecision{}

	// Peak updates only while the position is winning: a losing bounce
	// must not poison the reference.
	if (price-st.PeakPrice)*pos.Side.Direction() > 0 && pnl > 0 {
		st.PeakPrice = price
		st.PeakPnL = pnl

		// TP chases the peak once it moved far enough from the last
		// re-quote. Comparing against the resting order instead would
		// fire on every tick of a slow grind.
		if st.LastNudgePrice > 0 {
			change := (st.PeakPrice - st.LastNudgePrice) / st.LastNudgePrice
			if change < 0 {
				change = -change
			}
			if change >= r.cfg.Trailing.TPUpdateThreshold {
				decision.UpdateTP = true
				st.LastNudgePrice = st.PeakPrice
			}
		}
	}

	callback := (st.PeakPrice - price) / st.PeakPrice * pos.Side.Direction()

	// Close only in profit. This machine protects gains, it is not a
	// stop loss.
	if callback >= callbackThreshold && pnl > 0 {
		log.Infof("🔔 range trailing stop: callback %.3f%% >= %.2f%% (pnl %.2f%%)",
			callback*100, callbackThreshold*100, pnl*100)
		decision.Close = true
		decision.Reason = "TRAILING"
	}
	return decision
}
