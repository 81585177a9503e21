package engine

import (
	"math"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

// TakeProfitCalc derives the TP distance for the current position:
// a volatility-bucketed table indexed by DCA level, a small ATR
// micro-adjustment, the flip bonus, and a final hard clamp.
type TakeProfitCalc struct {
	cfg *config.Strategy
}

func NewTakeProfitCalc(cfg *config.Strategy) *TakeProfitCalc {
	return &TakeProfitCalc{cfg: cfg}
}

func (t *TakeProfitCalc) steps(atrRatio float64) []float64 {
	switch {
	case atrRatio > t.cfg.TakeProfit.HighVolThreshold:
		return t.cfg.TakeProfit.HighVolSteps
	case atrRatio > t.cfg.TakeProfit.MedVolThreshold:
		return t.cfg.TakeProfit.MedVolSteps
	default:
		return t.cfg.TakeProfit.LowVolSteps
	}
}

// Distance returns the TP distance as a price ratio. Deeper DCA levels
// get tighter targets: escaping a heavy position beats maximizing it.
func (t *TakeProfitCalc) Distance(dcaLevel int, atrRatio float64, isFlip bool) float64 {
	steps := t.steps(atrRatio)
	idx := dcaLevel
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	dist := steps[idx]

	// ATR micro-adjustment around the volatility norm, capped.
	if atrRatio > 0 {
		adj := dist * (atrRatio/t.cfg.Grid.VolNorm - 1) * t.cfg.TakeProfit.ATRAdjustFactor
		cap := dist * t.cfg.TakeProfit.ATRAdjustCap
		adj = math.Max(-cap, math.Min(cap, adj))
		dist += adj
	}

	if isFlip {
		dist *= t.cfg.Flip.TPMultiplier
	}

	return math.Max(t.cfg.TakeProfit.MinDistance, math.Min(t.cfg.TakeProfit.MaxDistance, dist))
}

// Price places the TP on the profitable side of the average.
func (t *TakeProfitCalc) Price(pos *models.Position, atrRatio float64) float64 {
	dist := t.Distance(pos.DCALevel, atrRatio, pos.IsFlip)
	return pos.AvgPrice * (1 + dist*pos.Side.Direction())
}
