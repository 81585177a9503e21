package models

import "time"

// Side of a futures position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Direction returns +1 for LONG and -1 for SHORT. Price math for both
// sides collapses into one formula through this multiplier.
func (s Side) Direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// MarketRegime classifies the current market for grid/trailing selection.
type MarketRegime string

const (
	RegimeTrend MarketRegime = "TREND"
	RegimeRange MarketRegime = "RANGE"
)

// Position is the single open position the bot manages. All fields are
// mutated only by the engine tick goroutine.
type Position struct {
	Symbol         string
	Side           Side
	AvgPrice       float64 // size-weighted average entry
	BaseEntryPrice float64 // DCA ladder anchor
	Size           float64 // contracts (base asset)
	EntryUSD       float64 // margin committed at entry
	Leverage       float64
	DCALevel       int // safety orders filled so far
	FeesPaid       float64
	IsFlip         bool
	Regime         MarketRegime
	OpenTime       time.Time
	LastFunding    time.Time
	Volatility     float64 // ATR ratio at entry
	Confluence     int     // entry signal score

	TPOrderID  string
	DCAOrderID string
	SLOrderID  string

	LastTPPrice       float64 // avg price at last TP placement
	CloseAttemptCount int
}

// UnrealizedPnL computes gross PnL at the given mark price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.AvgPrice) * p.Size * p.Side.Direction()
}

// ProfitRatio is the favorable price excursion relative to the average,
// positive when the trade is winning.
func (p *Position) ProfitRatio(price float64) float64 {
	if p.AvgPrice == 0 {
		return 0
	}
	return (price - p.AvgPrice) / p.AvgPrice * p.Side.Direction()
}

// ProtectionState is the drawdown protection ratchet. The multiplier
// only ratchets up while losing and decays slowly once safety checks
// pass.
type ProtectionState struct {
	Multiplier          float64 // >= 1.0, widens DCA distances
	DangerLevel         float64 // [0, 1]
	LastDangerIncrease  time.Time
	PeakVolatility      float64 // highest ATR ratio seen during drawdown
	MaxDrawdownPct      float64
	MaxWeightedDrawdown float64
	LowestSinceEntry    float64
	HighestSinceEntry   float64
	PriceHistory        []float64 // recent tick samples, newest last
	ATRHistory          []float64
}

func NewProtectionState() ProtectionState {
	return ProtectionState{Multiplier: 1.0}
}

// Observe appends a tick sample, keeping a bounded window.
func (p *ProtectionState) Observe(price, atrRatio float64) {
	p.PriceHistory = append(p.PriceHistory, price)
	if len(p.PriceHistory) > 10 {
		p.PriceHistory = p.PriceHistory[1:]
	}
	p.ATRHistory = append(p.ATRHistory, atrRatio)
	if len(p.ATRHistory) > 10 {
		p.ATRHistory = p.ATRHistory[1:]
	}
}

// TrailingPhase is the lifecycle of a trailing stop.
type TrailingPhase string

const (
	TrailingInactive          TrailingPhase = "INACTIVE"
	TrailingPendingActivation TrailingPhase = "PENDING"
	TrailingActive            TrailingPhase = "ACTIVE"
)

// TrailingState holds one trailing stop machine. The trend and range
// variants share the data and differ in transition rules.
type TrailingState struct {
	Enabled        bool
	Phase          TrailingPhase
	PeakPrice      float64 // best favorable price since activation
	PeakPnL        float64 // best profit ratio since activation (range variant)
	LastNudgePrice float64 // peak at the last TP re-quote (range variant)
}

// FlipState tracks reversal entries within a session.
type FlipState struct {
	Count        int
	LastFlipTime time.Time
}

// Trade is a closed round trip for the ledger and session stats.
type Trade struct {
	Timestamp   time.Time
	Symbol      string
	Side        Side
	Reason      string // "TP", "TRAILING", "STOP LOSS", "MANUAL", "PANIC"
	PnL         float64
	Fees        float64
	EntryPrice  float64
	ExitPrice   float64
	DCACount    int
	OrderType   string // "limit" or "market"
	Volatility  float64
	Confluence  int
	IsFlip      bool
}

// SessionStats aggregates the running session.
type SessionStats struct {
	StartTime     time.Time
	StartBalance  float64
	TotalTrades   int
	Wins          int
	Losses        int
	TotalPnL      float64
	TotalFees     float64
	TradesToday   int
	TradesDay     time.Time // UTC day the TradesToday counter belongs to
	LastTradeTime time.Time
	LastLossTime  time.Time
}

func (s *SessionStats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades) * 100
}

// MarketSnapshot is the per-tick view of the market handed to every
// strategy component. Computed once, read everywhere.
type MarketSnapshot struct {
	Price      float64
	Bid        float64
	Ask        float64
	RSI        float64
	EMA9       float64
	EMA15      float64
	ATR        float64
	ATRRatio   float64 // ATR / price
	ADX        float64
	VolumeRel  float64 // last volume vs recent average
	Highs      []float64
	Lows       []float64
	Closes     []float64
	Regime     MarketRegime
	Time       time.Time
}

// HighestHigh over the last n candles, excluding the forming one.
func (m *MarketSnapshot) HighestHigh(n int) float64 {
	return extremum(m.Highs, n, true)
}

func (m *MarketSnapshot) LowestLow(n int) float64 {
	return extremum(m.Lows, n, false)
}

func extremum(vals []float64, n int, max bool) float64 {
	if len(vals) == 0 {
		return 0
	}
	start := len(vals) - n
	if start < 0 {
		start = 0
	}
	ext := vals[start]
	for _, v := range vals[start:] {
		if (max && v > ext) || (!max && v < ext) {
			ext = v
		}
	}
	return ext
}

// EntrySignal is the decision of the confluence scorer.
type EntrySignal struct {
	Side       Side
	Confluence int
	Stage      int // 1-based sizing stage
	Volatility float64
	Reasons    []string
}
