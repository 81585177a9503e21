package analysis

import (
	"fmt"
	"math"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

// Scorer turns a market snapshot into an entry decision using confluence
// scoring: independent conditions vote, the vote count picks the sizing
// stage, hard filters veto regardless of score.
type Scorer struct {
	cfg *config.Strategy
}

func NewScorer(cfg *config.Strategy) *Scorer {
	return &Scorer{cfg: cfg}
}

// Evaluate returns nil when no entry should be taken.
func (s *Scorer) Evaluate(snap *models.MarketSnapshot) *models.EntrySignal {
	if snap == nil || len(snap.Closes) < 4 {
		return nil
	}

	side, momentum := s.direction(snap)
	if side == "" {
		return nil
	}

	// Hard filters.
	if snap.ATRRatio < s.cfg.Entry.MinVolatility {
		return nil
	}
	if snap.RSI < s.cfg.Entry.RSISafeMin || snap.RSI > s.cfg.Entry.RSISafeMax {
		return nil
	}
	if s.knifeDetected(snap, side) {
		return nil
	}

	score := 0
	var reasons []string
	vote := func(ok bool, name string) {
		if ok {
			score++
			reasons = append(reasons, name)
		}
	}

	n := len(snap.Closes)
	last := snap.Closes[n-1]

	vote(true, "ema_cross") // direction already required the cross
	vote(momentum, "momentum")
	vote(s.rsiAligned(snap.RSI, side), "rsi_zone")
	vote(snap.VolumeRel > 1.0, "volume")
	vote(s.microTrend(snap.Closes, side), "microtrend")
	vote(snap.ATRRatio >= s.cfg.Grid.VolNorm/2, "volatility")
	structUp := last > snap.HighestHigh(10)*0.999
	structDown := last < snap.LowestLow(10)*1.001
	vote((side == models.SideLong && structUp) || (side == models.SideShort && structDown), "structure")

	if score < s.cfg.Entry.MinConfluence {
		return nil
	}

	return &models.EntrySignal{
		Side:       side,
		Confluence: score,
		Stage:      s.stageFor(score),
		Volatility: snap.ATRRatio,
		Reasons:    reasons,
	}
}

// direction requires an EMA9/EMA15 cross aligned with the last candle.
func (s *Scorer) direction(snap *models.MarketSnapshot) (models.Side, bool) {
	n := len(snap.Closes)
	last := snap.Closes[n-1]
	prev := snap.Closes[n-2]

	if snap.EMA9 > snap.EMA15 && last > snap.EMA9 {
		return models.SideLong, last > prev
	}
	if snap.EMA9 < snap.EMA15 && last < snap.EMA9 {
		return models.SideShort, last < prev
	}
	return "", false
}

func (s *Scorer) rsiAligned(rsi float64, side models.Side) bool {
	if side == models.SideLong {
		return rsi < 60
	}
	return rsi > 40
}

// microTrend wants three consecutive closes in the trade direction.
func (s *Scorer) microTrend(closes []float64, side models.Side) bool {
	n := len(closes)
	if n < 4 {
		return false
	}
	for i := n - 3; i < n; i++ {
		if side == models.SideLong && closes[i] <= closes[i-1] {
			return false
		}
		if side == models.SideShort && closes[i] >= closes[i-1] {
			return false
		}
	}
	return true
}

// knifeDetected vetoes entries against a violent 3-candle move: buying a
// crash or shorting a vertical squeeze.
func (s *Scorer) knifeDetected(snap *models.MarketSnapshot, side models.Side) bool {
	n := len(snap.Closes)
	move := (snap.Closes[n-1] - snap.Closes[n-4]) / snap.Closes[n-4]
	if side == models.SideLong {
		return move < -s.cfg.Entry.KnifeMovePct
	}
	return move > s.cfg.Entry.KnifeMovePct
}

func (s *Scorer) stageFor(score int) int {
	switch {
	case score >= 5:
		return 3
	case score >= 3:
		return 2
	default:
		return 1
	}
}

// EntrySize computes the margin for a new position: the stage's base
// percentage of effective balance, nudged by market quality, clamped to
// the stage bounds.
func (s *Scorer) EntrySize(sig *models.EntrySignal, snap *models.MarketSnapshot, balance float64) (float64, error) {
	if sig.Stage < 1 || sig.Stage > len(s.cfg.Entry.Stages) {
		return 0, fmt.Errorf("invalid stage %d", sig.Stage)
	}
	stage := s.cfg.Entry.Stages[sig.Stage-1]
	effective := balance * s.cfg.AllowedCapitalPct

	quality := 0.0
	if snap.ATRRatio > s.cfg.Grid.VolNorm {
		quality++
	}
	if snap.ADX > s.cfg.ADXTrendMin {
		quality++
	}

	pct := stage.BasePct * (1.0 + quality*0.10)
	pct = math.Max(stage.MinPct, math.Min(stage.MaxPct, pct))
	return effective * pct, nil
}
