package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bot_hybrid/internal/models"
)

func strongTrendSnapshot() *models.MarketSnapshot {
	s := calmSnapshot(100000)
	s.ADX = 30
	return s
}

func TestShouldFlipAllGatesPass(t *testing.T) {
	f := NewFlipEngine(testStrategy(t))
	st := &models.FlipState{}

	assert.True(t, f.ShouldFlip(st, strongTrendSnapshot(), time.Now()))
}

func TestShouldFlipDisabled(t *testing.T) {
	cfg := testStrategy(t)
	cfg.Flip.Enabled = false
	f := NewFlipEngine(cfg)

	assert.False(t, f.ShouldFlip(&models.FlipState{}, strongTrendSnapshot(), time.Now()))
}

func TestShouldFlipSessionLimit(t *testing.T) {
	f := NewFlipEngine(testStrategy(t))
	st := &models.FlipState{Count: 3}

	assert.False(t, f.ShouldFlip(st, strongTrendSnapshot(), time.Now()))
}

func TestShouldFlipCooldown(t *testing.T) {
	f := NewFlipEngine(testStrategy(t))
	now := time.Now()

	st := &models.FlipState{Count: 1, LastFlipTime: now.Add(-10 * time.Minute)}
	assert.False(t, f.ShouldFlip(st, strongTrendSnapshot(), now), "inside 30min cooldown")

	st.LastFlipTime = now.Add(-31 * time.Minute)
	assert.True(t, f.ShouldFlip(st, strongTrendSnapshot(), now), "cooldown elapsed")
}

func TestShouldFlipWeakTrend(t *testing.T) {
	f := NewFlipEngine(testStrategy(t))
	snap := calmSnapshot(100000)
	snap.ADX = 20 // below the 25 threshold: reversal has no momentum

	assert.False(t, f.ShouldFlip(&models.FlipState{}, snap, time.Now()))
	assert.False(t, f.ShouldFlip(&models.FlipState{}, nil, time.Now()))
}

func TestFlipSize(t *testing.T) {
	f := NewFlipEngine(testStrategy(t))

	// 10000 * 0.5 allowed * 0.02 * 1.5 ratio = 150.
	assert.InDelta(t, 150, f.FlipSize(10000), 1e-9)

	// Tiny balances floor at a tradeable notional.
	assert.InDelta(t, 6.1, f.FlipSize(10), 1e-9)
}

func TestFlipRecord(t *testing.T) {
	f := NewFlipEngine(testStrategy(t))
	st := &models.FlipState{}
	now := time.Now()

	f.Record(st, now)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, now, st.LastFlipTime)
}
