package engine

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/journal"
	"bot_hybrid/internal/metrics"
	"bot_hybrid/internal/models"
)

// Doctor reconciles local state against the exchange. The exchange is
// always right: local bookkeeping adjusts to it, never the other way.
type Doctor struct {
	cfg     *config.Strategy
	client  exchange.ExchangeClient
	orders  *OrderManager
	grid    *GridEngine
	tp      *TakeProfitCalc
	journal *journal.Journal
	metrics *metrics.Metrics
}

func NewDoctor(cfg *config.Strategy, client exchange.ExchangeClient, orders *OrderManager, grid *GridEngine, tp *TakeProfitCalc, j *journal.Journal, m *metrics.Metrics) *Doctor {
	return &Doctor{cfg: cfg, client: client, orders: orders, grid: grid, tp: tp, journal: j, metrics: m}
}

// ReconcileFlat looks for a position the bot does not know about, e.g.
// after a restart, and rebuilds local state from exchange truth.
func (d *Doctor) ReconcileFlat(ctx context.Context, snap *models.MarketSnapshot) (*models.Position, error) {
	positions, err := d.client.FetchPositions(ctx, d.cfg.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "fetch positions")
	}
	if len(positions) == 0 {
		return nil, nil
	}

	info := positions[0]
	leverage := info.Leverage
	if leverage == 0 {
		leverage = d.cfg.Leverage
	}

	regime := models.RegimeTrend
	volatility := 0.0
	if snap != nil {
		regime = snap.Regime
		volatility = snap.ATRRatio
	}

	pos := &models.Position{
		Symbol:         info.Symbol,
		Side:           info.Side,
		AvgPrice:       info.AvgPrice,
		BaseEntryPrice: info.AvgPrice,
		Size:           info.Size,
		EntryUSD:       info.AvgPrice * info.Size / leverage,
		Leverage:       leverage,
		Regime:         regime,
		OpenTime:       time.Now(),
		LastFunding:    time.Now(),
		Volatility:     volatility,
		LastTPPrice:    info.AvgPrice,
	}

	d.metrics.DoctorRepairs.WithLabelValues("adopted").Inc()
	d.journal.Event("POSITION_ADOPTED", map[string]interface{}{
		"side": string(pos.Side), "size": pos.Size, "avg_price": pos.AvgPrice,
	})
	return pos, nil
}

// HealthCheck verifies the position and its working orders. Returns
// true when the position no longer exists on the exchange.
func (d *Doctor) HealthCheck(ctx context.Context, pos *models.Position, snap *models.MarketSnapshot, protectionMult float64) (bool, error) {
	positions, err := d.client.FetchPositions(ctx, d.cfg.Symbol)
	if err != nil {
		return false, errors.Wrap(err, "fetch positions")
	}
	if len(positions) == 0 {
		d.metrics.DoctorRepairs.WithLabelValues("position_gone").Inc()
		return true, nil
	}

	d.syncPosition(pos, positions[0])
	d.checkTP(ctx, pos, snap)
	d.checkDCA(ctx, pos, snap, protectionMult)
	d.cleanOrphans(ctx, pos)
	d.auditPnL(pos, positions[0], snap)
	return false, nil
}

// syncPosition overwrites local bookkeeping with exchange truth and
// re-estimates the consumed DCA level when the size says averaging
// happened that we did not see.
func (d *Doctor) syncPosition(pos *models.Position, info exchange.PositionInfo) {
	if pos.Side != info.Side {
		log.Warnf("🩺 side mismatch: local %s, exchange %s — trusting exchange", pos.Side, info.Side)
		pos.Side = info.Side
	}
	pos.AvgPrice = info.AvgPrice
	pos.Size = info.Size
	if info.Leverage > 0 {
		pos.Leverage = info.Leverage
	}
	if pos.BaseEntryPrice == 0 {
		pos.BaseEntryPrice = pos.AvgPrice
	}
	if pos.EntryUSD == 0 {
		pos.EntryUSD = pos.AvgPrice * pos.Size / pos.Leverage
	}

	// Size far above the base entry means safety orders filled while we
	// were not looking.
	marginUSD := pos.AvgPrice * pos.Size / pos.Leverage
	if pos.DCALevel == 0 && pos.EntryUSD > 0 && marginUSD > pos.EntryUSD*1.5 {
		level := d.grid.EstimateLevel(pos, marginUSD)
		if level > 0 {
			pos.DCALevel = level
			log.Infof("🩺 restored DCA level: %d", level)
		}
	}
}

func (d *Doctor) checkTP(ctx context.Context, pos *models.Position, snap *models.MarketSnapshot) {
	atrRatio := pos.Volatility
	if snap != nil {
		atrRatio = snap.ATRRatio
	}

	replace := false
	if pos.TPOrderID == "" {
		replace = true
		log.Warn("🚑 doctor: no TP order, placing")
	} else {
		order, err := d.client.FetchOrder(ctx, pos.Symbol, pos.TPOrderID)
		if err != nil {
			replace = true
			log.Warnf("🚑 doctor: TP order %s not found, re-placing", pos.TPOrderID)
		} else if order.Status == exchange.StatusCanceled || order.Status == exchange.StatusRejected || order.Status == exchange.StatusExpired {
			replace = true
			log.Warnf("🚑 doctor: TP order %s is %s, re-placing", pos.TPOrderID, order.Status)
		}
	}
	if !replace {
		return
	}

	pos.TPOrderID = ""
	if err := d.orders.PlaceTP(ctx, pos, atrRatio); err != nil {
		log.Errorf("❌ doctor TP placement: %v", err)
		return
	}
	d.metrics.DoctorRepairs.WithLabelValues("tp_replaced").Inc()
}

// checkDCA re-validates the resting safety order against where the
// ladder says it should sit now; meaningful drift gets it re-quoted.
func (d *Doctor) checkDCA(ctx context.Context, pos *models.Position, snap *models.MarketSnapshot, protectionMult float64) {
	if snap == nil || pos.DCALevel >= d.cfg.Grid.Levels {
		return
	}

	level, err := d.grid.NextLevel(pos, snap, protectionMult)
	if err != nil {
		return
	}

	replace := false
	if pos.DCAOrderID == "" {
		replace = true
		log.Warn("🚑 doctor: no DCA order, placing")
	} else {
		order, err := d.client.FetchOrder(ctx, pos.Symbol, pos.DCAOrderID)
		switch {
		case err != nil:
			replace = true
			log.Warnf("🚑 doctor: DCA order %s not found, re-placing", pos.DCAOrderID)
		case order.Status == exchange.StatusCanceled || order.Status == exchange.StatusRejected || order.Status == exchange.StatusExpired:
			replace = true
			log.Warnf("🚑 doctor: DCA order %s is %s, re-placing", pos.DCAOrderID, order.Status)
		case order.Status == exchange.StatusOpen:
			drift := math.Abs(order.Price-level.Price) / level.Price
			if drift > d.cfg.Doctor.DCADriftPct {
				replace = true
				log.Warnf("🚑 doctor: DCA price drifted %.2f%% (resting %.2f, expected %.2f), re-quoting",
					drift*100, order.Price, level.Price)
				if cErr := d.client.CancelOrder(ctx, pos.Symbol, pos.DCAOrderID); cErr != nil {
					log.Debugf("doctor DCA cancel: %v", cErr)
				}
			}
		}
	}
	if !replace {
		return
	}

	pos.DCAOrderID = ""
	if err := d.orders.PlaceDCA(ctx, pos, level, d.grid.RequiredMargin(level)); err != nil {
		if !errors.Is(err, ErrInsufficientMargin) {
			log.Errorf("❌ doctor DCA placement: %v", err)
		}
		return
	}
	d.metrics.DoctorRepairs.WithLabelValues("dca_replaced").Inc()
}

// cleanOrphans cancels any working order the bot does not recognize.
func (d *Doctor) cleanOrphans(ctx context.Context, pos *models.Position) {
	open, err := d.client.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		log.Warnf("⚠️ doctor orphan scan: %v", err)
		return
	}

	valid := map[string]bool{}
	for _, id := range []string{pos.TPOrderID, pos.DCAOrderID, pos.SLOrderID} {
		if id != "" {
			valid[id] = true
		}
	}

	for _, order := range open {
		if valid[order.ID] {
			continue
		}
		if err := d.client.CancelOrder(ctx, pos.Symbol, order.ID); err != nil {
			log.Debugf("orphan cancel %s: %v", order.ID, err)
			continue
		}
		d.metrics.DoctorRepairs.WithLabelValues("orphan_canceled").Inc()
		log.Warnf("🗑️ doctor: canceled orphan order %s @ %.2f", order.ID, order.Price)
	}
}

// auditPnL compares the exchange's unrealized PnL with the local
// calculation; a large gap means the average or size is wrong somewhere.
func (d *Doctor) auditPnL(pos *models.Position, info exchange.PositionInfo, snap *models.MarketSnapshot) {
	if snap == nil {
		return
	}
	local := pos.UnrealizedPnL(snap.Price)
	remote := info.UnrealizedPnL

	tolerance := math.Max(math.Abs(remote)*0.25, 1.0) + pos.FeesPaid
	if math.Abs(local-remote) <= tolerance {
		return
	}

	log.Warnf("⚠️ PnL audit mismatch: local %.2f vs exchange %.2f (tolerance %.2f)", local, remote, tolerance)
	d.journal.Event("PNL_AUDIT_MISMATCH", map[string]interface{}{
		"local": local, "exchange": remote, "tolerance": tolerance,
	})
}
