package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/journal"
	"bot_hybrid/internal/models"
)

// FutureSpy follows the price for a while after a close and records how
// much profit the exit left on the table (or saved). The numbers feed
// back into TP and trailing tuning.
type FutureSpy struct {
	cfg     *config.Strategy
	client  exchange.ExchangeClient
	journal *journal.Journal
}

func NewFutureSpy(cfg *config.Strategy, client exchange.ExchangeClient, j *journal.Journal) *FutureSpy {
	return &FutureSpy{cfg: cfg, client: client, journal: j}
}

// Watch spawns a background observer for one closed trade. It never
// blocks the caller and never touches engine state.
func (s *FutureSpy) Watch(symbol string, side models.Side, execPrice, size float64) {
	if s.cfg.Spy.DurationMin <= 0 || execPrice <= 0 || size <= 0 {
		return
	}
	go s.observe(symbol, side, execPrice, size)
}

func (s *FutureSpy) observe(symbol string, side models.Side, execPrice, size float64) {
	duration := time.Duration(s.cfg.Spy.DurationMin) * time.Minute
	poll := time.Duration(s.cfg.Spy.PollSec) * time.Second
	deadline := time.Now().Add(duration)

	dir := side.Direction()
	var missedUSD, savedUSD float64
	var missedPrice, savedPrice float64

	for time.Now().Before(deadline) {
		time.Sleep(poll)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ticker, err := s.client.FetchTicker(ctx, symbol)
		cancel()
		if err != nil {
			continue
		}

		// Continuation past the exit price is profit we gave up; a
		// reversal is profit the exit saved.
		moveUSD := (ticker.Last - execPrice) * dir * size
		if moveUSD > missedUSD {
			missedUSD = moveUSD
			missedPrice = ticker.Last
		}
		if -moveUSD > savedUSD {
			savedUSD = -moveUSD
			savedPrice = ticker.Last
		}
	}

	if missedUSD < s.cfg.Spy.MinReportUSD && savedUSD < s.cfg.Spy.MinReportUSD {
		return
	}

	verdict := "EXIT_GOOD"
	if missedUSD > savedUSD {
		verdict = "EXIT_EARLY"
	}
	log.Infof("🔭 future spy %s %s: missed $%.2f (peak %.2f), saved $%.2f (trough %.2f) — %s",
		symbol, side, missedUSD, missedPrice, savedUSD, savedPrice, verdict)
	s.journal.Event("FUTURE_SPY", map[string]interface{}{
		"symbol":       symbol,
		"side":         string(side),
		"exec_price":   execPrice,
		"size":         size,
		"missed_usd":   missedUSD,
		"missed_price": missedPrice,
		"saved_usd":    savedUSD,
		"saved_price":  savedPrice,
		"verdict":      verdict,
		"window_min":   s.cfg.Spy.DurationMin,
	})
}
