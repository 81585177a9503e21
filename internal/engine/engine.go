package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/analysis"
	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/journal"
	"bot_hybrid/internal/metrics"
	"bot_hybrid/internal/models"
)

// Notifier receives user-facing events. Implementations must not block:
// the engine calls these from the tick goroutine.
type Notifier interface {
	TradeOpened(pos *models.Position, price float64)
	TradeClosed(trade *models.Trade, balance float64)
	DCAFilled(pos *models.Position, level int, price float64)
	Alert(msg string)
}

type noopNotifier struct{}

func (noopNotifier) TradeOpened(*models.Position, float64)    {}
func (noopNotifier) TradeClosed(*models.Trade, float64)       {}
func (noopNotifier) DCAFilled(*models.Position, int, float64) {}
func (noopNotifier) Alert(string)                             {}

// DailyReporter generates the scheduled narrative report. Optional.
type DailyReporter interface {
	DailyReport(status Status)
}

// Command is an external request executed inside the tick loop, so all
// state mutation stays on one goroutine.
type Command int

const (
	CmdPanicClose Command = iota
	CmdGracefulStop
	CmdCancelStop
)

// Status is the read-only snapshot served to UI surfaces.
type Status struct {
	Running       bool
	Stopping      bool
	Balance       float64
	Price         float64
	Regime        models.MarketRegime
	Position      *models.Position
	UnrealizedPnL float64
	Protection    models.ProtectionState
	TrendTrailing models.TrailingState
	RangeTrailing models.TrailingState
	Flip          models.FlipState
	Stats         models.SessionStats
}

// TradingEngine runs the single-position lifecycle: entry, DCA
// averaging, take profit, trailing, drawdown protection, flip, and
// exchange reconciliation. One goroutine owns all mutable trading
// state; the RWMutex only guards the read snapshot for UI surfaces.
type TradingEngine struct {
	cfg        *config.Strategy
	client     exchange.ExchangeClient
	grid       *GridEngine
	tpCalc     *TakeProfitCalc
	protection *ProtectionRatchet
	trendTrail *TrendTrailing
	rangeTrail *RangeTrailing
	flip       *FlipEngine
	orders     *OrderManager
	doctor     *Doctor
	spy        *FutureSpy
	scorer     *analysis.Scorer
	journal    *journal.Journal
	metrics    *metrics.Metrics
	notifier   Notifier
	reporter   DailyReporter

	// Owned by the tick goroutine. Never read from other goroutines:
	// UI surfaces get the published snapshot instead.
	pos        *models.Position
	protState  models.ProtectionState
	trendState models.TrailingState
	rangeState models.TrailingState
	flipState  models.FlipState
	stats      models.SessionStats
	lastSnap   *models.MarketSnapshot
	balance    float64

	// Guarded by mu.
	mu       sync.RWMutex
	status   Status
	running  bool
	stopping bool

	commands   chan Command
	stopChan   chan struct{}
	doneChan   chan struct{}
	lastDoctor time.Time
	lastPnLLog time.Time
	lastAIDay  string
}

func New(cfg *config.Strategy, client exchange.ExchangeClient, j *journal.Journal, m *metrics.Metrics) *TradingEngine {
	tp := NewTakeProfitCalc(cfg)
	orders := NewOrderManager(cfg, client, tp)
	grid := NewGridEngine(cfg)

	e := &TradingEngine{
		cfg:        cfg,
		client:     client,
		grid:       grid,
		tpCalc:     tp,
		protection: NewProtectionRatchet(cfg),
		trendTrail: NewTrendTrailing(cfg, tp),
		rangeTrail: NewRangeTrailing(cfg, tp),
		flip:       NewFlipEngine(cfg),
		orders:     orders,
		scorer:     analysis.NewScorer(cfg),
		journal:    j,
		metrics:    m,
		notifier:   noopNotifier{},
		protState:  models.NewProtectionState(),
		commands:   make(chan Command, 8),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	e.doctor = NewDoctor(cfg, client, orders, grid, tp, j, m)
	e.spy = NewFutureSpy(cfg, client, j)
	return e
}

func (e *TradingEngine) SetNotifier(n Notifier) {
	if n != nil {
		e.notifier = n
	}
}

func (e *TradingEngine) SetDailyReporter(r DailyReporter) { e.reporter = r }

// Enqueue requests a command; the tick loop executes it. Never blocks.
func (e *TradingEngine) Enqueue(cmd Command) {
	select {
	case e.commands <- cmd:
	default:
		log.Warn("⚠️ command queue full, dropping command")
	}
}

// Start begins the tick loop.
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.client.SetLeverage(ctx, e.cfg.Symbol, int(e.cfg.Leverage)); err != nil {
		log.Warnf("⚠️ set leverage: %v", err)
	}

	balance, err := e.client.FetchBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "initial balance")
	}
	e.balance = balance.Total
	e.stats = models.SessionStats{
		StartTime:    time.Now(),
		StartBalance: balance.Total,
		TradesDay:    time.Now().UTC().Truncate(24 * time.Hour),
	}

	// Adopt whatever the exchange already holds before trading.
	if pos, err := e.doctor.ReconcileFlat(ctx, nil); err != nil {
		log.Warnf("⚠️ startup reconcile: %v", err)
	} else if pos != nil {
		e.adoptPosition(pos)
		log.Infof("🩺 adopted existing %s position: size %.4f @ %.2f (level %d)",
			pos.Side, pos.Size, pos.AvgPrice, pos.DCALevel)
	}

	e.publishStatus()
	go e.run(ctx)
	log.Infof("🚀 engine started: %s %s, leverage %.0fx, balance %.2f",
		e.cfg.Symbol, e.cfg.Timeframe, e.cfg.Leverage, balance.Total)
	return nil
}

// Stop halts the loop without touching the position.
func (e *TradingEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	<-e.doneChan
	log.Info("🛑 engine stopped")
}

func (e *TradingEngine) run(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(time.Duration(e.cfg.TickSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				log.Errorf("❌ tick: %v", err)
				time.Sleep(10 * time.Second)
			}
		}
	}
}

// tick is one pass of the control loop. All trading state mutation
// happens here.
func (e *TradingEngine) tick(ctx context.Context) error {
	defer e.publishStatus()
	e.drainCommands(ctx)

	ticker, err := e.client.FetchTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return errors.Wrap(err, "ticker")
	}
	klines, err := e.client.FetchKlines(ctx, e.cfg.Symbol, e.cfg.Timeframe, 100)
	if err != nil {
		return errors.Wrap(err, "klines")
	}
	snap := analysis.BuildSnapshot(klines, ticker, e.cfg.ADXTrendMin)
	if snap == nil {
		return nil
	}
	e.lastSnap = snap

	if balance, err := e.client.FetchBalance(ctx); err == nil {
		e.balance = balance.Total
		e.metrics.Balance.Set(balance.Total)
	}

	e.maybeDailyReport()
	e.runDoctor(ctx, snap)

	if e.pos == nil {
		if e.stopping {
			return nil
		}
		return e.maybeEnter(ctx, snap)
	}
	return e.manage(ctx, snap)
}

func (e *TradingEngine) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-e.commands:
			switch cmd {
			case CmdPanicClose:
				log.Warn("🚨 panic close requested")
				if e.pos != nil {
					if err := e.closeMarket(ctx, "PANIC"); err != nil {
						log.Errorf("❌ panic close: %v", err)
					}
				}
				e.setStopping(true)
			case CmdGracefulStop:
				log.Info("🟡 graceful stop: finishing current trade, no new entries")
				e.setStopping(true)
			case CmdCancelStop:
				log.Info("🟢 graceful stop canceled")
				e.setStopping(false)
			}
		default:
			return
		}
	}
}

func (e *TradingEngine) setStopping(v bool) {
	e.mu.Lock()
	e.stopping = v
	e.mu.Unlock()
}

func (e *TradingEngine) runDoctor(ctx context.Context, snap *models.MarketSnapshot) {
	if time.Since(e.lastDoctor) < time.Duration(e.cfg.Doctor.IntervalSec)*time.Second {
		return
	}
	e.lastDoctor = time.Now()

	if e.pos == nil {
		pos, err := e.doctor.ReconcileFlat(ctx, snap)
		if err != nil {
			log.Warnf("🩺 reconcile: %v", err)
			return
		}
		if pos != nil {
			e.adoptPosition(pos)
			e.notifier.Alert("🩺 Обнаружена позиция на бирже, синхронизирована")
		}
		return
	}

	gone, err := e.doctor.HealthCheck(ctx, e.pos, snap, e.protState.Multiplier)
	if err != nil {
		log.Warnf("🩺 health check: %v", err)
		return
	}
	if gone {
		log.Warn("🩺 position vanished on exchange, resetting local state")
		e.resetPosition()
	}
}

// adoptPosition installs a position and re-arms protection and trailing
// for its regime.
func (e *TradingEngine) adoptPosition(pos *models.Position) {
	e.pos = pos
	e.protState = models.NewProtectionState()
	e.trendState = models.TrailingState{Enabled: pos.Regime == models.RegimeTrend, Phase: models.TrailingInactive}
	e.rangeState = models.TrailingState{Enabled: pos.Regime == models.RegimeRange, Phase: models.TrailingPendingActivation}
	e.publishPositionMetrics()
	e.publishStatus()
}

func (e *TradingEngine) resetPosition() {
	e.pos = nil
	e.protState = models.NewProtectionState()
	e.trendState = models.TrailingState{}
	e.rangeState = models.TrailingState{}
	e.publishPositionMetrics()
	e.publishStatus()
}

func (e *TradingEngine) publishPositionMetrics() {
	if e.pos == nil {
		e.metrics.DCALevel.Set(0)
		e.metrics.PositionSize.Set(0)
		e.metrics.UnrealizedPnL.Set(0)
		return
	}
	e.metrics.DCALevel.Set(float64(e.pos.DCALevel))
	e.metrics.PositionSize.Set(e.pos.Size)
}

func (e *TradingEngine) rollTradeDay() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(e.stats.TradesDay) {
		e.stats.TradesDay = today
		e.stats.TradesToday = 0
	}
}

// maybeEnter evaluates the entry signal and opens a position when every
// gate passes.
func (e *TradingEngine) maybeEnter(ctx context.Context, snap *models.MarketSnapshot) error {
	e.rollTradeDay()
	if e.stats.TradesToday >= e.cfg.Entry.DailyTradeLimit {
		return nil
	}
	// Cooldown binds only after losses; winners may re-enter at once.
	if !e.stats.LastLossTime.IsZero() &&
		time.Since(e.stats.LastLossTime) < time.Duration(e.cfg.Entry.CooldownSec)*time.Second {
		return nil
	}

	sig := e.scorer.Evaluate(snap)
	if sig == nil {
		return nil
	}

	entryUSD, err := e.scorer.EntrySize(sig, snap, e.balance)
	if err != nil {
		return err
	}
	return e.openPosition(ctx, sig.Side, entryUSD, snap, sig, false)
}

// openPosition places the entry, waits for the fill and arms the full
// order set: TP, first safety order, disaster stop.
func (e *TradingEngine) openPosition(ctx context.Context, side models.Side, entryUSD float64, snap *models.MarketSnapshot, sig *models.EntrySignal, isFlip bool) error {
	// The exchange may already hold a position we lost track of.
	existing, err := e.client.FetchPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return errors.Wrap(err, "pre-entry position check")
	}
	if len(existing) > 0 {
		log.Warn("⚠️ entry skipped: exchange already reports a position")
		return nil
	}

	price := snap.Bid
	if side == models.SideShort {
		price = snap.Ask
	}
	price = e.client.PriceToPrecision(e.cfg.Symbol, price)
	amount := e.client.AmountToPrecision(e.cfg.Symbol, entryUSD*e.cfg.Leverage/price)
	if amount <= 0 {
		return ErrAmountZero
	}

	orderType := exchange.Limit
	feeRate := e.cfg.MakerFee
	if isFlip {
		// Flips chase the move; waiting on a limit defeats them.
		orderType = exchange.Market
		feeRate = e.cfg.TakerFee
	}

	order, err := e.client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:   e.cfg.Symbol,
		Side:     exchange.SideFor(side),
		Type:     orderType,
		Amount:   amount,
		Price:    price,
		ClientID: clientID("en"),
	})
	if err != nil {
		e.metrics.OrderErrors.Inc()
		return errors.Wrap(err, "entry order")
	}

	fillPrice := order.AvgFillPrice
	if orderType == exchange.Limit {
		filled, fp, err := e.orders.WaitForFill(ctx, e.cfg.Symbol, order.ID)
		if err != nil && !errors.Is(err, ErrFillTimeout) {
			return err
		}
		if !filled {
			if cErr := e.client.CancelOrder(ctx, e.cfg.Symbol, order.ID); cErr != nil {
				log.Debugf("entry cancel: %v", cErr)
			}
			// The cancel may have raced a fill.
			late, pErr := e.client.FetchPositions(ctx, e.cfg.Symbol)
			if pErr != nil || len(late) == 0 {
				log.Info("⏳ entry not filled, order canceled")
				return nil
			}
			fp = late[0].AvgPrice
		}
		fillPrice = fp
	}
	if fillPrice == 0 {
		fillPrice = price
	}

	confluence := 0
	if sig != nil {
		confluence = sig.Confluence
	}

	pos := &models.Position{
		Symbol:         e.cfg.Symbol,
		Side:           side,
		AvgPrice:       fillPrice,
		BaseEntryPrice: fillPrice,
		Size:           amount,
		EntryUSD:       entryUSD,
		Leverage:       e.cfg.Leverage,
		IsFlip:         isFlip,
		Regime:         snap.Regime,
		OpenTime:       time.Now(),
		LastFunding:    time.Now(),
		Volatility:     snap.ATRRatio,
		Confluence:     confluence,
		LastTPPrice:    fillPrice,
	}
	pos.FeesPaid += fillPrice * amount * feeRate

	e.adoptPosition(pos)
	e.stats.TradesToday++

	if err := e.orders.PlaceTP(ctx, pos, snap.ATRRatio); err != nil {
		log.Errorf("❌ TP placement after entry: %v", err)
	}
	e.placeNextDCA(ctx, snap)
	if err := e.orders.PlaceStopLoss(ctx, pos); err != nil {
		log.Errorf("❌ SL placement after entry: %v", err)
	}

	e.journal.Event("ENTRY", map[string]interface{}{
		"side": string(side), "price": fillPrice, "size": amount,
		"entry_usd": entryUSD, "regime": string(snap.Regime),
		"confluence": confluence, "flip": isFlip,
	})
	e.notifier.TradeOpened(pos, fillPrice)
	log.Infof("✅ OPEN %s %.4f @ %.2f (%.2f USD margin, regime %s)",
		side, amount, fillPrice, entryUSD, snap.Regime)
	return nil
}

// placeNextDCA computes and rests the next safety order if the grid and
// margin allow it.
func (e *TradingEngine) placeNextDCA(ctx context.Context, snap *models.MarketSnapshot) {
	level, err := e.grid.NextLevel(e.pos, snap, e.protState.Multiplier)
	if err != nil {
		if !errors.Is(err, ErrGridExhausted) {
			log.Warnf("⚠️ DCA level: %v", err)
		}
		return
	}
	err = e.orders.PlaceDCA(ctx, e.pos, level, e.grid.RequiredMargin(level))
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientMargin):
		e.notifier.Alert("⚠️ Недостаточно маржи для следующего DCA уровня")
	case errors.Is(err, ErrNoPosition):
		log.Warn("⚠️ DCA placement found no position")
	default:
		e.metrics.OrderErrors.Inc()
		log.Errorf("❌ DCA placement: %v", err)
	}
}

// manage is the in-position part of the tick.
func (e *TradingEngine) manage(ctx context.Context, snap *models.MarketSnapshot) error {
	pos := e.pos
	e.accrueFunding(pos)

	e.protection.Update(&e.protState, pos, snap, time.Now())
	e.metrics.ProtectionMult.Set(e.protState.Multiplier)
	e.metrics.DangerLevel.Set(e.protState.DangerLevel)

	uPnL := pos.UnrealizedPnL(snap.Price)
	e.metrics.UnrealizedPnL.Set(uPnL)
	if time.Since(e.lastPnLLog) > 30*time.Second {
		e.lastPnLLog = time.Now()
		log.Infof("💹 %s %.4f @ %.2f | price %.2f | pnl %.2f | dca %d | prot %.2fx",
			pos.Side, pos.Size, pos.AvgPrice, snap.Price, uPnL, pos.DCALevel, e.protState.Multiplier)
	}

	// Soft account stop: cut the loss long before the resting disaster
	// stop would.
	effective := e.balance * e.cfg.AllowedCapitalPct
	if uPnL <= -effective*e.cfg.MaxAccountLossPct {
		log.Warnf("🛑 STOP LOSS: pnl %.2f <= -%.2f", uPnL, effective*e.cfg.MaxAccountLossPct)
		return e.closeMarket(ctx, "STOP LOSS")
	}

	// Trailing: trend machine in trend regime, range machine in range.
	var decision TrailingDecision
	if pos.Regime == models.RegimeRange {
		decision = e.rangeTrail.Check(&e.rangeState, pos, snap)
	} else {
		decision = e.trendTrail.Check(&e.trendState, pos, snap)
	}
	if decision.UpdateTP {
		if err := e.orders.PlaceTP(ctx, pos, snap.ATRRatio); err != nil {
			log.Warnf("⚠️ TP update for trailing: %v", err)
		}
	}
	if decision.Close {
		return e.closeViaTrailing(ctx, decision.Reason)
	}

	return e.pollOrders(ctx, snap)
}

// accrueFunding estimates funding fees every 8 hours in position.
func (e *TradingEngine) accrueFunding(pos *models.Position) {
	if time.Since(pos.LastFunding) < 8*time.Hour {
		return
	}
	notional := pos.AvgPrice * pos.Size
	fee := notional * e.cfg.FundingRate8h
	pos.FeesPaid += fee
	pos.LastFunding = time.Now()
	log.Infof("💸 funding accrued: %.4f USD", fee)
}

// pollOrders detects fills and cancellations of the resting TP, DCA and
// SL orders by diffing against the open order list.
func (e *TradingEngine) pollOrders(ctx context.Context, snap *models.MarketSnapshot) error {
	open, err := e.client.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return errors.Wrap(err, "open orders")
	}
	openSet := make(map[string]bool, len(open))
	for _, o := range open {
		openSet[o.ID] = true
	}
	pos := e.pos

	if pos.DCAOrderID != "" && !openSet[pos.DCAOrderID] {
		order, err := e.client.FetchOrder(ctx, e.cfg.Symbol, pos.DCAOrderID)
		if err != nil {
			log.Warnf("⚠️ DCA order lookup: %v", err)
		} else {
			switch order.Status {
			case exchange.StatusClosed:
				e.executeDCA(ctx, order, snap)
			case exchange.StatusCanceled, exchange.StatusExpired:
				log.Warn("🔄 DCA order canceled externally, re-placing")
				pos.DCAOrderID = ""
				e.placeNextDCA(ctx, snap)
			}
		}
	}

	if pos.TPOrderID != "" && !openSet[pos.TPOrderID] {
		order, err := e.client.FetchOrder(ctx, e.cfg.Symbol, pos.TPOrderID)
		if err != nil {
			log.Warnf("⚠️ TP order lookup: %v", err)
		} else {
			switch order.Status {
			case exchange.StatusClosed:
				fee := e.orders.FetchFee(ctx, e.cfg.Symbol, order.ID, order.AvgFillPrice*order.Filled, e.cfg.MakerFee)
				pos.FeesPaid += fee
				e.finalizeClose(ctx, order.AvgFillPrice, "limit", "TP")
				return nil
			case exchange.StatusCanceled, exchange.StatusExpired:
				log.Warn("🔄 TP order canceled externally, re-placing")
				pos.TPOrderID = ""
				if err := e.orders.PlaceTP(ctx, pos, snap.ATRRatio); err != nil {
					log.Errorf("❌ TP re-place: %v", err)
				}
			}
		}
	}

	if pos.SLOrderID != "" && !openSet[pos.SLOrderID] {
		order, err := e.client.FetchOrder(ctx, e.cfg.Symbol, pos.SLOrderID)
		if err != nil {
			log.Warnf("⚠️ SL order lookup: %v", err)
		} else if order.Status == exchange.StatusClosed {
			log.Warn("🛑 disaster stop filled")
			fee := e.orders.FetchFee(ctx, e.cfg.Symbol, order.ID, order.AvgFillPrice*order.Filled, e.cfg.TakerFee)
			pos.FeesPaid += fee
			e.finalizeClose(ctx, order.AvgFillPrice, "market", "STOP LOSS")
			return nil
		}
	}
	return nil
}

// executeDCA folds a filled safety order into the position and re-arms
// the order set around the new average.
func (e *TradingEngine) executeDCA(ctx context.Context, order *exchange.Order, snap *models.MarketSnapshot) {
	pos := e.pos
	fillPrice := order.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = order.Price
	}

	e.grid.ApplyFill(pos, fillPrice, order.Filled)
	pos.DCAOrderID = ""

	fee := e.orders.FetchFee(ctx, e.cfg.Symbol, order.ID, fillPrice*order.Filled, e.cfg.MakerFee)
	pos.FeesPaid += fee

	e.metrics.DCAFills.Inc()
	e.publishPositionMetrics()
	e.journal.Event("DCA_EXECUTED", map[string]interface{}{
		"level": pos.DCALevel, "price": fillPrice, "size": order.Filled,
		"avg_price": pos.AvgPrice,
	})
	e.notifier.DCAFilled(pos, pos.DCALevel, fillPrice)
	log.Infof("🔨 DCA %d/%d filled @ %.2f, new avg %.2f, size %.4f",
		pos.DCALevel, e.cfg.Grid.Levels, fillPrice, pos.AvgPrice, pos.Size)

	// TP first: the position must never sit without an exit order.
	if err := e.orders.PlaceTP(ctx, pos, snap.ATRRatio); err != nil {
		log.Errorf("❌ TP re-place after DCA: %v", err)
	}
	e.placeNextDCA(ctx, snap)
	if err := e.orders.PlaceStopLoss(ctx, pos); err != nil {
		log.Warnf("⚠️ SL re-place after DCA: %v", err)
	}
}

// closeViaTrailing runs the limit-requote close path with the bounded
// attempt counter and degraded mode on repeated failure.
func (e *TradingEngine) closeViaTrailing(ctx context.Context, reason string) error {
	pos := e.pos

	var execPrice float64
	var orderType string
	var err error
	if e.cfg.Trailing.UseLimitClose {
		execPrice, orderType, err = e.orders.LimitClose(ctx, pos)
	} else {
		e.orders.CancelAll(ctx, pos.Symbol)
		execPrice, orderType, err = e.orders.MarketClose(ctx, pos)
	}
	if err != nil {
		if errors.Is(err, ErrNoPosition) {
			e.resetPosition()
			return nil
		}
		return e.handleCloseFailure(ctx, err)
	}

	// The requote path can fall back to market; charge the rate the fill
	// actually paid.
	feeRate := e.cfg.TakerFee
	if orderType == "limit" {
		feeRate = e.cfg.MakerFee
	}
	pos.FeesPaid += execPrice * pos.Size * feeRate
	e.finalizeClose(ctx, execPrice, orderType, reason)
	return nil
}

// closeMarket is the unconditional close path (stop loss, panic,
// manual).
func (e *TradingEngine) closeMarket(ctx context.Context, reason string) error {
	pos := e.pos
	e.orders.CancelAll(ctx, pos.Symbol)

	execPrice, orderType, err := e.orders.MarketClose(ctx, pos)
	if err != nil {
		if errors.Is(err, ErrNoPosition) {
			e.resetPosition()
			return nil
		}
		return e.handleCloseFailure(ctx, err)
	}

	pos.FeesPaid += execPrice * pos.Size * e.cfg.TakerFee
	e.finalizeClose(ctx, execPrice, orderType, reason)
	return nil
}

// handleCloseFailure counts failed close attempts. At the limit the bot
// degrades: trailing off, TP kept, operator alerted. It never abandons
// the exit order entirely.
func (e *TradingEngine) handleCloseFailure(ctx context.Context, err error) error {
	pos := e.pos
	pos.CloseAttemptCount++
	e.metrics.OrderErrors.Inc()
	log.Errorf("❌ close attempt %d/%d failed: %v",
		pos.CloseAttemptCount, e.cfg.Trailing.MaxCloseAttempts, err)

	if pos.CloseAttemptCount >= e.cfg.Trailing.MaxCloseAttempts {
		e.trendState.Enabled = false
		e.rangeState.Enabled = false
		e.notifier.Alert("🚨 КРИТИЧНО: не удалось закрыть позицию, трейлинг отключен, TP оставлен")
		e.journal.Event("CLOSE_FAILURE", map[string]interface{}{
			"attempts": pos.CloseAttemptCount, "error": err.Error(),
		})
		// Make sure the exit order still exists.
		if e.lastSnap != nil {
			if tpErr := e.orders.PlaceTP(ctx, pos, e.lastSnap.ATRRatio); tpErr != nil {
				log.Errorf("❌ degraded-mode TP placement: %v", tpErr)
			}
		}
	}
	return err
}

// finalizeClose books the round trip: PnL, stats, ledger, the missed
// move watcher, and a possible flip after a stop loss.
func (e *TradingEngine) finalizeClose(ctx context.Context, execPrice float64, orderType, reason string) {
	pos := e.pos
	grossPnL := (execPrice - pos.AvgPrice) * pos.Size * pos.Side.Direction()
	netPnL := grossPnL - pos.FeesPaid

	trade := &models.Trade{
		Timestamp:  time.Now(),
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Reason:     reason,
		PnL:        netPnL,
		Fees:       pos.FeesPaid,
		EntryPrice: pos.AvgPrice,
		ExitPrice:  execPrice,
		DCACount:   pos.DCALevel,
		OrderType:  orderType,
		Volatility: pos.Volatility,
		Confluence: pos.Confluence,
		IsFlip:     pos.IsFlip,
	}

	e.stats.TotalTrades++
	e.stats.TotalPnL += netPnL
	e.stats.TotalFees += pos.FeesPaid
	e.stats.LastTradeTime = time.Now()
	if netPnL > 0 {
		e.stats.Wins++
	} else {
		e.stats.Losses++
		e.stats.LastLossTime = time.Now()
	}
	e.metrics.TradesTotal.WithLabelValues(reason).Inc()

	if err := e.journal.RecordTrade(trade); err != nil {
		log.Warnf("⚠️ ledger write: %v", err)
	}
	e.journal.Event("EXIT", map[string]interface{}{
		"reason": reason, "exit_price": execPrice, "pnl": netPnL,
		"fees": pos.FeesPaid, "dca_count": pos.DCALevel,
	})
	e.notifier.TradeClosed(trade, e.balance+netPnL)
	log.Infof("🏁 CLOSED %s: %s | pnl %+.2f (fees %.2f) | %.2f → %.2f",
		pos.Side, reason, netPnL, pos.FeesPaid, pos.AvgPrice, execPrice)

	// Watch the price after exit to measure what the exit left behind.
	e.spy.Watch(pos.Symbol, pos.Side, execPrice, pos.Size)

	closedSide := pos.Side
	wasStop := reason == "STOP LOSS"
	e.resetPosition()

	if wasStop {
		e.tryFlip(ctx, closedSide)
	}
}

// tryFlip opens a reversal after a stop loss when all flip gates pass.
func (e *TradingEngine) tryFlip(ctx context.Context, closedSide models.Side) {
	snap := e.lastSnap
	if !e.flip.ShouldFlip(&e.flipState, snap, time.Now()) {
		return
	}

	flipUSD := e.flip.FlipSize(e.balance)
	newSide := closedSide.Opposite()
	log.Infof("↩️ FLIP: reversing to %s with %.2f USD", newSide, flipUSD)

	if err := e.openPosition(ctx, newSide, flipUSD, snap, nil, true); err != nil {
		log.Errorf("❌ flip entry failed: %v", err)
		return
	}
	if e.pos == nil {
		return
	}
	e.flip.Record(&e.flipState, time.Now())
	e.metrics.Flips.Inc()
	e.journal.Event("FLIP", map[string]interface{}{
		"from": string(closedSide), "to": string(newSide), "size_usd": flipUSD,
	})
}

func (e *TradingEngine) maybeDailyReport() {
	if e.reporter == nil {
		return
	}
	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	if now.Hour() == 15 && e.lastAIDay != day {
		e.lastAIDay = day
		status := e.Status()
		go e.reporter.DailyReport(status)
	}
}

// publishStatus rebuilds the read-only snapshot from live state. Called
// only from the goroutine that owns the trading state; the lock covers
// just the hand-off.
func (e *TradingEngine) publishStatus() {
	st := Status{
		Balance:       e.balance,
		Protection:    e.protState,
		TrendTrailing: e.trendState,
		RangeTrailing: e.rangeState,
		Flip:          e.flipState,
		Stats:         e.stats,
	}
	if e.lastSnap != nil {
		st.Price = e.lastSnap.Price
		st.Regime = e.lastSnap.Regime
	}
	if e.pos != nil {
		cp := *e.pos
		st.Position = &cp
		if st.Price > 0 {
			st.UnrealizedPnL = cp.UnrealizedPnL(st.Price)
		}
	}

	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
}

// Status returns the last published snapshot. Safe from any goroutine;
// it never touches live trading state.
func (e *TradingEngine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.status
	st.Running = e.running
	st.Stopping = e.stopping
	return st
}
