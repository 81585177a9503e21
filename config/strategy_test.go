package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStrategyValidates(t *testing.T) {
	require.NoError(t, DefaultStrategy().Validate())
}

func TestLoadStrategyMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadStrategy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", s.Symbol)
	assert.Equal(t, 5, s.Grid.Levels)
}

func TestLoadStrategyOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	yaml := `
symbol: ETHUSDT
leverage: 10
grid:
  anchorMode: entry
flip:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	s, err := LoadStrategy(path)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", s.Symbol)
	assert.Equal(t, 10.0, s.Leverage)
	assert.Equal(t, AnchorEntry, s.Grid.AnchorMode)
	assert.False(t, s.Flip.Enabled)

	// Untouched sections keep the defaults.
	assert.Equal(t, 0.5, s.AllowedCapitalPct)
	assert.Equal(t, []float64{0.006, 0.012, 0.020, 0.030, 0.045}, s.Grid.TrendDistances)
}

func TestLoadStrategyRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbol: [unclosed"), 0o644))

	_, err := LoadStrategy(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Strategy)
	}{
		{"empty symbol", func(s *Strategy) { s.Symbol = "" }},
		{"zero leverage", func(s *Strategy) { s.Leverage = 0 }},
		{"capital pct over 1", func(s *Strategy) { s.AllowedCapitalPct = 1.5 }},
		{"account loss pct 1", func(s *Strategy) { s.MaxAccountLossPct = 1 }},
		{"table length mismatch", func(s *Strategy) { s.Grid.TrendWeights = []float64{1, 2} }},
		{"non-increasing distances", func(s *Strategy) { s.Grid.TrendDistances[2] = 0.001 }},
		{"bad anchor mode", func(s *Strategy) { s.Grid.AnchorMode = "midpoint" }},
		{"no stages", func(s *Strategy) { s.Entry.Stages = nil }},
		{"inverted stage bounds", func(s *Strategy) { s.Entry.Stages[0].MinPct = 0.5 }},
		{"inverted tp clamp", func(s *Strategy) { s.TakeProfit.MaxDistance = 0.001 }},
		{"zero close attempts", func(s *Strategy) { s.Trailing.MaxCloseAttempts = 0 }},
		{"protection checks out of range", func(s *Strategy) { s.Protection.MinChecks = 6 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultStrategy()
			tc.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}
