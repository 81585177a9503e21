package engine

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

// FlipEngine decides whether a stop loss should be answered with an
// immediate reversal entry in the opposite direction. Every gate must
// pass; any failure vetoes the flip.
type FlipEngine struct {
	cfg *config.Strategy
}

func NewFlipEngine(cfg *config.Strategy) *FlipEngine {
	return &FlipEngine{cfg: cfg}
}

// ShouldFlip evaluates the gates after a stop loss on closedSide.
func (f *FlipEngine) ShouldFlip(st *models.FlipState, snap *models.MarketSnapshot, now time.Time) bool {
	if !f.cfg.Flip.Enabled {
		return false
	}
	if st.Count >= f.cfg.Flip.MaxPerSession {
		log.Debugf("↩️ flip skipped: max %d per session reached", f.cfg.Flip.MaxPerSession)
		return false
	}
	if !st.LastFlipTime.IsZero() {
		cooldown := time.Duration(f.cfg.Flip.CooldownSec) * time.Second
		if elapsed := now.Sub(st.LastFlipTime); elapsed < cooldown {
			log.Debugf("↩️ flip skipped: cooldown %.0fs remaining", (cooldown - elapsed).Seconds())
			return false
		}
	}
	if snap == nil || snap.ADX < f.cfg.Flip.ADXThreshold {
		log.Debugf("↩️ flip skipped: weak trend")
		return false
	}
	return true
}

// FlipSize is the margin for the reversal: a small slice of effective
// balance scaled by the flip ratio, floored at a tradeable notional.
func (f *FlipEngine) FlipSize(balance float64) float64 {
	effective := balance * f.cfg.AllowedCapitalPct
	size := effective * 0.02 * f.cfg.Flip.SizeRatio
	return math.Max(size, f.cfg.MinOrderUSD+1)
}

// Record marks a taken flip.
func (f *FlipEngine) Record(st *models.FlipState, now time.Time) {
	st.Count++
	st.LastFlipTime = now
	log.Infof("↩️ flip #%d/%d this session", st.Count, f.cfg.Flip.MaxPerSession)
}
