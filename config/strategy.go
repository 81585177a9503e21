package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DCAAnchorMode selects the reference price for recomputing the DCA ladder
// after a safety order fills.
type DCAAnchorMode string

const (
	// AnchorAverage re-anchors the ladder on the position average price after
	// every fill. Levels compress toward the average as the position grows.
	AnchorAverage DCAAnchorMode = "average"
	// AnchorEntry keeps the ladder anchored on the original entry price.
	AnchorEntry DCAAnchorMode = "entry"
)

type StageSizing struct {
	MinPct  float64 `yaml:"minPct"`
	BasePct float64 `yaml:"basePct"`
	MaxPct  float64 `yaml:"maxPct"`
}

type EntryConfig struct {
	Stages          []StageSizing `yaml:"stages"`
	MinConfluence   int           `yaml:"minConfluence"`
	RSISafeMin      float64       `yaml:"rsiSafeMin"`
	RSISafeMax      float64       `yaml:"rsiSafeMax"`
	MinVolatility   float64       `yaml:"minVolatility"`
	KnifeMovePct    float64       `yaml:"knifeMovePct"`
	DailyTradeLimit int           `yaml:"dailyTradeLimit"`
	CooldownSec     int           `yaml:"cooldownSec"`
}

type GridConfig struct {
	Levels         int           `yaml:"levels"`
	TrendDistances []float64     `yaml:"trendDistances"`
	RangeDistances []float64     `yaml:"rangeDistances"`
	TrendWeights   []float64     `yaml:"trendWeights"`
	RangeWeights   []float64     `yaml:"rangeWeights"`
	VolNorm        float64       `yaml:"volNorm"`
	SmartMultMin   float64       `yaml:"smartMultMin"`
	SmartMultMax   float64       `yaml:"smartMultMax"`
	LevelGrowth    float64       `yaml:"levelGrowth"`
	MarginBuffer   float64       `yaml:"marginBuffer"`
	AnchorMode     DCAAnchorMode `yaml:"anchorMode"`
}

type TakeProfitConfig struct {
	HighVolSteps     []float64 `yaml:"highVolSteps"`
	MedVolSteps      []float64 `yaml:"medVolSteps"`
	LowVolSteps      []float64 `yaml:"lowVolSteps"`
	HighVolThreshold float64   `yaml:"highVolThreshold"`
	MedVolThreshold  float64   `yaml:"medVolThreshold"`
	ATRAdjustFactor  float64   `yaml:"atrAdjustFactor"`
	ATRAdjustCap     float64   `yaml:"atrAdjustCap"`
	MinDistance      float64   `yaml:"minDistance"`
	MaxDistance      float64   `yaml:"maxDistance"`
}

type RangeTier struct {
	ProfitBelow float64 `yaml:"profitBelow"`
	Callback    float64 `yaml:"callback"`
}

type TrailingConfig struct {
	TrendActivationRatio float64     `yaml:"trendActivationRatio"`
	TrendVolAdjustHigh   float64     `yaml:"trendVolAdjustHigh"`
	TrendVolAdjustMed    float64     `yaml:"trendVolAdjustMed"`
	TrendVolAdjustLow    float64     `yaml:"trendVolAdjustLow"`
	TrendCallbackHigh    float64     `yaml:"trendCallbackHigh"`
	TrendCallbackMed     float64     `yaml:"trendCallbackMed"`
	TrendCallbackLow     float64     `yaml:"trendCallbackLow"`
	RangeActivationRatio float64     `yaml:"rangeActivationRatio"`
	RangeTiers           []RangeTier `yaml:"rangeTiers"`
	RangeFinalCallback   float64     `yaml:"rangeFinalCallback"`
	TPUpdateThreshold    float64     `yaml:"tpUpdateThreshold"`
	UseLimitClose        bool        `yaml:"useLimitClose"`
	LimitOffset          float64     `yaml:"limitOffset"`
	LimitTimeoutSec      int         `yaml:"limitTimeoutSec"`
	LimitMaxRetries      int         `yaml:"limitMaxRetries"`
	MaxCloseAttempts     int         `yaml:"maxCloseAttempts"`
}

type ProtectionConfig struct {
	SpeedDropThreshold float64 `yaml:"speedDropThreshold"`
	CandlesLookback    int     `yaml:"candlesLookback"`
	ATRStableRatio     float64 `yaml:"atrStableRatio"`
	DirectionalCandles int     `yaml:"directionalCandles"`
	DangerThreshold    float64 `yaml:"dangerThreshold"`
	Aggression         float64 `yaml:"aggression"`
	DecayRate          float64 `yaml:"decayRate"`
	VolatilityRatio    float64 `yaml:"volatilityRatio"`
	MinSafeTimeSec     int     `yaml:"minSafeTimeSec"`
	RecoveryMin        float64 `yaml:"recoveryMin"`
	MinChecks          int     `yaml:"minChecks"`
}

type FlipConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ADXThreshold  float64 `yaml:"adxThreshold"`
	CooldownSec   int     `yaml:"cooldownSec"`
	SizeRatio     float64 `yaml:"sizeRatio"`
	MaxPerSession int     `yaml:"maxPerSession"`
	TPMultiplier  float64 `yaml:"tpMultiplier"`
}

type DoctorConfig struct {
	IntervalSec    int     `yaml:"intervalSec"`
	DCADriftPct    float64 `yaml:"dcaDriftPct"`
	LevelTolerance float64 `yaml:"levelTolerance"`
}

type SpyConfig struct {
	DurationMin  int     `yaml:"durationMin"`
	PollSec      int     `yaml:"pollSec"`
	MinReportUSD float64 `yaml:"minReportUSD"`
}

// Strategy is the full trading parameter set. It is loaded once at startup
// and never mutated afterwards; every component receives it by value or as
// a read-only pointer.
type Strategy struct {
	Symbol            string  `yaml:"symbol"`
	Timeframe         string  `yaml:"timeframe"`
	Leverage          float64 `yaml:"leverage"`
	AllowedCapitalPct float64 `yaml:"allowedCapitalPct"`
	MaxAccountLossPct float64 `yaml:"maxAccountLossPct"`
	FundingRate8h     float64 `yaml:"fundingRate8h"`
	MakerFee          float64 `yaml:"makerFee"`
	TakerFee          float64 `yaml:"takerFee"`
	MinOrderUSD       float64 `yaml:"minOrderUSD"`

	TickSec      int     `yaml:"tickSec"`
	FillWaitSec  int     `yaml:"fillWaitSec"`
	DashboardSec int     `yaml:"dashboardSec"`
	ADXTrendMin  float64 `yaml:"adxTrendMin"`

	Entry      EntryConfig      `yaml:"entry"`
	Grid       GridConfig       `yaml:"grid"`
	TakeProfit TakeProfitConfig `yaml:"takeProfit"`
	Trailing   TrailingConfig   `yaml:"trailing"`
	Protection ProtectionConfig `yaml:"protection"`
	Flip       FlipConfig       `yaml:"flip"`
	Doctor     DoctorConfig     `yaml:"doctor"`
	Spy        SpyConfig        `yaml:"spy"`
}

// DefaultStrategy returns the tuned BTC/USDT 1m parameter set.
func DefaultStrategy() *Strategy {
	return &Strategy{
		Symbol:            "BTCUSDT",
		Timeframe:         "1m",
		Leverage:          20,
		AllowedCapitalPct: 0.5,
		MaxAccountLossPct: 0.30,
		FundingRate8h:     0.0001,
		MakerFee:          0.0002,
		TakerFee:          0.0005,
		MinOrderUSD:       5.1,

		TickSec:      3,
		FillWaitSec:  30,
		DashboardSec: 15,
		ADXTrendMin:  25,

		Entry: EntryConfig{
			Stages: []StageSizing{
				{MinPct: 0.008, BasePct: 0.012, MaxPct: 0.016},
				{MinPct: 0.013, BasePct: 0.018, MaxPct: 0.023},
				{MinPct: 0.018, BasePct: 0.025, MaxPct: 0.030},
			},
			MinConfluence:   1,
			RSISafeMin:      30,
			RSISafeMax:      70,
			MinVolatility:   0.0003,
			KnifeMovePct:    0.015,
			DailyTradeLimit: 150,
			CooldownSec:     3600,
		},
		Grid: GridConfig{
			Levels:         5,
			TrendDistances: []float64{0.006, 0.012, 0.020, 0.030, 0.045},
			RangeDistances: []float64{0.010, 0.018, 0.030, 0.045, 0.065},
			TrendWeights:   []float64{1.4, 2.0, 2.8, 3.5, 4.5},
			RangeWeights:   []float64{1.6, 2.2, 3.0, 4.0, 5.0},
			VolNorm:        0.0020,
			SmartMultMin:   0.8,
			SmartMultMax:   2.5,
			LevelGrowth:    1.1,
			MarginBuffer:   1.2,
			AnchorMode:     AnchorAverage,
		},
		TakeProfit: TakeProfitConfig{
			HighVolSteps:     []float64{0.0070, 0.0060, 0.0050, 0.0040, 0.0030},
			MedVolSteps:      []float64{0.0060, 0.0050, 0.0040, 0.0035, 0.0030},
			LowVolSteps:      []float64{0.0050, 0.0040, 0.0035, 0.0030, 0.0025},
			HighVolThreshold: 0.004,
			MedVolThreshold:  0.0025,
			ATRAdjustFactor:  0.15,
			ATRAdjustCap:     0.15,
			MinDistance:      0.002,
			MaxDistance:      0.010,
		},
		Trailing: TrailingConfig{
			TrendActivationRatio: 0.7,
			TrendVolAdjustHigh:   1.2,
			TrendVolAdjustMed:    1.0,
			TrendVolAdjustLow:    0.9,
			TrendCallbackHigh:    0.25,
			TrendCallbackMed:     0.20,
			TrendCallbackLow:     0.15,
			RangeActivationRatio: 0.5,
			RangeTiers: []RangeTier{
				{ProfitBelow: 0.003, Callback: 0.0005},
				{ProfitBelow: 0.005, Callback: 0.0008},
			},
			RangeFinalCallback: 0.0010,
			TPUpdateThreshold:  0.001,
			UseLimitClose:      true,
			LimitOffset:        0.0001,
			LimitTimeoutSec:    5,
			LimitMaxRetries:    3,
			MaxCloseAttempts:   3,
		},
		Protection: ProtectionConfig{
			SpeedDropThreshold: 0.003,
			CandlesLookback:    20,
			ATRStableRatio:     0.9,
			DirectionalCandles: 3,
			DangerThreshold:    0.3,
			Aggression:         0.15,
			DecayRate:          0.05,
			VolatilityRatio:    0.7,
			MinSafeTimeSec:     300,
			RecoveryMin:        0.3,
			MinChecks:          3,
		},
		Flip: FlipConfig{
			Enabled:       true,
			ADXThreshold:  25,
			CooldownSec:   1800,
			SizeRatio:     1.5,
			MaxPerSession: 3,
			TPMultiplier:  1.5,
		},
		Doctor: DoctorConfig{
			IntervalSec:    20,
			DCADriftPct:    0.005,
			LevelTolerance: 0.15,
		},
		Spy: SpyConfig{
			DurationMin:  60,
			PollSec:      60,
			MinReportUSD: 5,
		},
	}
}

// LoadStrategy reads the YAML strategy file over the defaults. A missing
// file is not an error: the defaults are a complete parameter set.
func LoadStrategy(path string) (*Strategy, error) {
	s := DefaultStrategy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, s.Validate()
		}
		return nil, errors.Wrapf(err, "read strategy file %s", path)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "parse strategy file %s", path)
	}
	return s, s.Validate()
}

func (s *Strategy) Validate() error {
	if s.Symbol == "" {
		return errors.New("symbol is required")
	}
	if s.Leverage <= 0 {
		return errors.New("leverage must be positive")
	}
	if s.AllowedCapitalPct <= 0 || s.AllowedCapitalPct > 1 {
		return errors.New("allowedCapitalPct must be in (0, 1]")
	}
	if s.MaxAccountLossPct <= 0 || s.MaxAccountLossPct >= 1 {
		return errors.New("maxAccountLossPct must be in (0, 1)")
	}
	if s.Grid.Levels <= 0 {
		return errors.New("grid.levels must be positive")
	}
	for name, table := range map[string][]float64{
		"trendDistances": s.Grid.TrendDistances,
		"rangeDistances": s.Grid.RangeDistances,
		"trendWeights":   s.Grid.TrendWeights,
		"rangeWeights":   s.Grid.RangeWeights,
	} {
		if len(table) != s.Grid.Levels {
			return errors.Errorf("grid.%s must have %d entries", name, s.Grid.Levels)
		}
	}
	for i := 1; i < len(s.Grid.TrendDistances); i++ {
		if s.Grid.TrendDistances[i] <= s.Grid.TrendDistances[i-1] {
			return errors.New("grid.trendDistances must be strictly increasing")
		}
	}
	for i := 1; i < len(s.Grid.RangeDistances); i++ {
		if s.Grid.RangeDistances[i] <= s.Grid.RangeDistances[i-1] {
			return errors.New("grid.rangeDistances must be strictly increasing")
		}
	}
	if s.Grid.AnchorMode != AnchorAverage && s.Grid.AnchorMode != AnchorEntry {
		return errors.Errorf("grid.anchorMode must be %q or %q", AnchorAverage, AnchorEntry)
	}
	if len(s.Entry.Stages) == 0 {
		return errors.New("entry.stages must not be empty")
	}
	for i, st := range s.Entry.Stages {
		if st.MinPct > st.BasePct || st.BasePct > st.MaxPct {
			return errors.Errorf("entry.stages[%d]: min <= base <= max required", i)
		}
	}
	if s.TakeProfit.MinDistance <= 0 || s.TakeProfit.MaxDistance <= s.TakeProfit.MinDistance {
		return errors.New("takeProfit distance clamp is inverted")
	}
	if s.Trailing.MaxCloseAttempts <= 0 {
		return errors.New("trailing.maxCloseAttempts must be positive")
	}
	if s.Protection.MinChecks <= 0 || s.Protection.MinChecks > 5 {
		return errors.New("protection.minChecks must be in [1, 5]")
	}
	return nil
}
