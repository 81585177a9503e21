package engine

import (
	"math"

	"bot_hybrid/config"
	"bot_hybrid/internal/models"
)

// GridEngine computes the DCA safety order ladder: where the next level
// sits and how big it is. Distances stretch with volatility, oversold
// depth and accumulated protection; sizes grow with the per-level
// weight table.
type GridEngine struct {
	cfg *config.Strategy
}

func NewGridEngine(cfg *config.Strategy) *GridEngine {
	return &GridEngine{cfg: cfg}
}

// GridLevel is a concrete safety order to place.
type GridLevel struct {
	Level    int     // 0-based index into the ladder
	Price    float64
	Notional float64 // margin in USD committed by this level
	Amount   float64 // base asset quantity
}

func (g *GridEngine) distances(regime models.MarketRegime) []float64 {
	if regime == models.RegimeRange {
		return g.cfg.Grid.RangeDistances
	}
	return g.cfg.Grid.TrendDistances
}

func (g *GridEngine) weights(regime models.MarketRegime) []float64 {
	if regime == models.RegimeRange {
		return g.cfg.Grid.RangeWeights
	}
	return g.cfg.Grid.TrendWeights
}

// Weights exposes the active weight table for reconciliation estimates.
func (g *GridEngine) Weights(regime models.MarketRegime) []float64 {
	return g.weights(regime)
}

// SmartMultiplier widens the next level when conditions say averaging
// should wait: elevated volatility, deep oversold/overbought, and a
// geometric factor per consumed level.
func (g *GridEngine) SmartMultiplier(atrRatio, rsi float64, side models.Side, level int) float64 {
	atrFactor := 1.0
	if atrRatio > 0 {
		atrFactor = atrRatio / g.cfg.Grid.VolNorm
		atrFactor = math.Max(g.cfg.Grid.SmartMultMin, math.Min(atrFactor, g.cfg.Grid.SmartMultMax))
	}

	rsiFactor := 1.0
	if side == models.SideLong {
		switch {
		case rsi < 20:
			rsiFactor = 1.6
		case rsi < 30:
			rsiFactor = 1.3
		case rsi < 40:
			rsiFactor = 1.1
		}
	} else {
		switch {
		case rsi > 80:
			rsiFactor = 1.6
		case rsi > 70:
			rsiFactor = 1.3
		case rsi > 60:
			rsiFactor = 1.1
		}
	}

	geoFactor := math.Pow(g.cfg.Grid.LevelGrowth, float64(level))
	return atrFactor * rsiFactor * geoFactor
}

// NextLevel computes the next safety order for the position, or
// ErrGridExhausted when the ladder is spent.
func (g *GridEngine) NextLevel(pos *models.Position, snap *models.MarketSnapshot, protectionMult float64) (*GridLevel, error) {
	level := pos.DCALevel
	dists := g.distances(pos.Regime)
	if level >= len(dists) {
		return nil, ErrGridExhausted
	}

	anchor := pos.BaseEntryPrice
	if anchor == 0 {
		anchor = pos.AvgPrice
	}

	smart := g.SmartMultiplier(snap.ATRRatio, snap.RSI, pos.Side, level)
	dist := dists[level] * smart * protectionMult
	price := anchor * (1 - dist*pos.Side.Direction())

	notional := pos.EntryUSD * g.weights(pos.Regime)[level]
	if notional < g.cfg.MinOrderUSD {
		notional = g.cfg.MinOrderUSD
	}
	amount := notional * g.cfg.Leverage / price

	return &GridLevel{
		Level:    level,
		Price:    price,
		Notional: notional,
		Amount:   amount,
	}, nil
}

// RequiredMargin is the free margin a level must leave untouched before
// it is safe to place, with the buffer applied.
func (g *GridEngine) RequiredMargin(level *GridLevel) float64 {
	return level.Notional * g.cfg.Grid.MarginBuffer
}

// ApplyFill folds a filled safety order into the position: size-weighted
// average, size, level counter, and the ladder anchor per config.
func (g *GridEngine) ApplyFill(pos *models.Position, fillPrice, fillSize float64) {
	total := pos.Size + fillSize
	if total <= 0 {
		return
	}
	pos.AvgPrice = (pos.AvgPrice*pos.Size + fillPrice*fillSize) / total
	pos.Size = total
	pos.DCALevel++

	if g.cfg.Grid.AnchorMode == config.AnchorAverage {
		pos.BaseEntryPrice = pos.AvgPrice
	}
}

// EstimateLevel infers how many safety orders a recovered position has
// consumed from its cumulative notional. Used when local state was lost
// and the exchange is the only source of truth.
func (g *GridEngine) EstimateLevel(pos *models.Position, exchangeNotional float64) int {
	if pos.EntryUSD <= 0 {
		return 0
	}

	weights := g.weights(pos.Regime)
	cumulative := pos.EntryUSD
	for level := 0; level <= len(weights); level++ {
		if exchangeNotional <= cumulative*(1+g.cfg.Doctor.LevelTolerance) {
			return level
		}
		if level < len(weights) {
			cumulative += pos.EntryUSD * weights[level]
		}
	}
	return len(weights)
}
