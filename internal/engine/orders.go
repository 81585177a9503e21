package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bot_hybrid/config"
	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/models"
)

// OrderManager owns order placement: TP, safety orders, the disaster
// stop, fill waiting and the limit-requote close loop. It verifies the
// exchange still reports a position before placing anything that
// assumes one.
type OrderManager struct {
	cfg    *config.Strategy
	client exchange.ExchangeClient
	tp     *TakeProfitCalc

	dcaPlacing bool // re-entrancy guard within a tick
}

func NewOrderManager(cfg *config.Strategy, client exchange.ExchangeClient, tp *TakeProfitCalc) *OrderManager {
	return &OrderManager{cfg: cfg, client: client, tp: tp}
}

func clientID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:18]
}

// placeWithRetry retries transient failures a bounded number of times.
// Non-transient errors (bad request, insufficient margin) surface
// immediately.
func (o *OrderManager) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		order, err := o.client.CreateOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "timed out", "connection", "temporarily", "too many requests", "eof", "5xx", "service unavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// positionExists re-reads the exchange before state-dependent placement.
func (o *OrderManager) positionExists(ctx context.Context, symbol string) (bool, error) {
	positions, err := o.client.FetchPositions(ctx, symbol)
	if err != nil {
		return false, errors.Wrap(err, "verify position")
	}
	return len(positions) > 0, nil
}

// PlaceTP cancels any previous TP and rests a reduce-only limit at the
// computed target. The TP always covers the full position size.
func (o *OrderManager) PlaceTP(ctx context.Context, pos *models.Position, atrRatio float64) error {
	exists, err := o.positionExists(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoPosition
	}

	if pos.TPOrderID != "" {
		if err := o.client.CancelOrder(ctx, pos.Symbol, pos.TPOrderID); err != nil {
			log.Debugf("old TP cancel: %v", err)
		}
		pos.TPOrderID = ""
	}

	price := o.client.PriceToPrecision(pos.Symbol, o.tp.Price(pos, atrRatio))
	amount := o.client.AmountToPrecision(pos.Symbol, pos.Size)
	if amount <= 0 {
		return ErrAmountZero
	}

	order, err := o.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.CloseSideFor(pos.Side),
		Type:       exchange.Limit,
		Amount:     amount,
		Price:      price,
		ReduceOnly: true,
		ClientID:   clientID("tp"),
	})
	if err != nil {
		return errors.Wrap(err, "place TP")
	}

	pos.TPOrderID = order.ID
	pos.LastTPPrice = price
	log.Infof("🎯 TP placed @ %.2f (order %s)", price, order.ID)
	return nil
}

// PlaceDCA rests the next safety order. The caller provides the level
// from the grid engine; margin is checked with the configured buffer.
func (o *OrderManager) PlaceDCA(ctx context.Context, pos *models.Position, level *GridLevel, requiredMargin float64) error {
	if o.dcaPlacing {
		return nil
	}
	o.dcaPlacing = true
	defer func() { o.dcaPlacing = false }()

	exists, err := o.positionExists(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoPosition
	}

	balance, err := o.client.FetchBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "balance for DCA")
	}
	if balance.Available < requiredMargin {
		log.Warnf("⚠️ DCA level %d skipped: free margin %.2f < required %.2f, liquidation risk grows",
			level.Level+1, balance.Available, requiredMargin)
		return ErrInsufficientMargin
	}

	price := o.client.PriceToPrecision(pos.Symbol, level.Price)
	amount := o.client.AmountToPrecision(pos.Symbol, level.Amount)
	if amount <= 0 {
		return ErrAmountZero
	}

	order, err := o.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exchange.SideFor(pos.Side),
		Type:     exchange.Limit,
		Amount:   amount,
		Price:    price,
		ClientID: clientID("dca"),
	})
	if err != nil {
		return errors.Wrap(err, "place DCA")
	}

	pos.DCAOrderID = order.ID
	log.Infof("🔨 DCA level %d placed @ %.2f for %.2f USD (order %s)",
		level.Level+1, price, level.Notional, order.ID)
	return nil
}

// PlaceStopLoss rests the disaster backstop: a reduce-only stop-market
// far below the average. The soft PnL stop in the engine should fire
// long before this one.
func (o *OrderManager) PlaceStopLoss(ctx context.Context, pos *models.Position) error {
	if pos.SLOrderID != "" {
		if err := o.client.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			log.Debugf("old SL cancel: %v", err)
		}
		pos.SLOrderID = ""
	}

	stopPrice := pos.AvgPrice * (1 - o.cfg.MaxAccountLossPct*pos.Side.Direction())
	stopPrice = o.client.PriceToPrecision(pos.Symbol, stopPrice)
	amount := o.client.AmountToPrecision(pos.Symbol, pos.Size)
	if amount <= 0 {
		return ErrAmountZero
	}

	order, err := o.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.CloseSideFor(pos.Side),
		Type:       exchange.StopMarket,
		Amount:     amount,
		StopPrice:  stopPrice,
		ReduceOnly: true,
		ClientID:   clientID("sl"),
	})
	if err != nil {
		return errors.Wrap(err, "place stop loss")
	}

	pos.SLOrderID = order.ID
	log.Infof("🛑 disaster stop placed @ %.2f (order %s)", stopPrice, order.ID)
	return nil
}

// WaitForFill polls the order until it reaches a terminal state or the
// configured wait expires. Returns the fill price when filled.
func (o *OrderManager) WaitForFill(ctx context.Context, symbol, orderID string) (bool, float64, error) {
	deadline := time.Now().Add(time.Duration(o.cfg.FillWaitSec) * time.Second)
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 3 * time.Second, Factor: 1.5}

	for time.Now().Before(deadline) {
		order, err := o.client.FetchOrder(ctx, symbol, orderID)
		if err != nil {
			log.Debugf("fill poll: %v", err)
		} else {
			switch order.Status {
			case exchange.StatusClosed:
				price := order.AvgFillPrice
				if price == 0 {
					price = order.Price
				}
				return true, price, nil
			case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired:
				return false, 0, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return false, 0, ErrFillTimeout
}

// CancelAll removes every working order for the symbol.
func (o *OrderManager) CancelAll(ctx context.Context, symbol string) {
	if err := o.client.CancelAllOrders(ctx, symbol); err != nil {
		log.Warnf("⚠️ cancel all orders: %v", err)
	}
}

// FetchFee looks up the real commission of a filled order, retrying a
// few times because fills land in trade history with a delay.
func (o *OrderManager) FetchFee(ctx context.Context, symbol, orderID string, fallbackNotional, fallbackRate float64) float64 {
	for attempt := 0; attempt < 3; attempt++ {
		fee, err := o.client.FetchOrderFee(ctx, symbol, orderID)
		if err == nil {
			return fee
		}
		select {
		case <-ctx.Done():
			return fallbackNotional * fallbackRate
		case <-time.After(time.Second):
		}
	}
	return fallbackNotional * fallbackRate
}

// LimitClose closes the position with a limit order placed slightly
// through the touch, re-quoting on timeout. Falls back to market after
// the retry budget. Returns the execution price and order type used.
func (o *OrderManager) LimitClose(ctx context.Context, pos *models.Position) (float64, string, error) {
	o.CancelAll(ctx, pos.Symbol)

	amount := o.client.AmountToPrecision(pos.Symbol, pos.Size)
	if amount <= 0 {
		return 0, "", ErrAmountZero
	}
	side := exchange.CloseSideFor(pos.Side)

	for attempt := 1; attempt <= o.cfg.Trailing.LimitMaxRetries; attempt++ {
		ticker, err := o.client.FetchTicker(ctx, pos.Symbol)
		if err != nil {
			log.Warnf("⚠️ close attempt %d: ticker: %v", attempt, err)
			continue
		}

		// Price a hair through the market so the maker order fills fast.
		offset := ticker.Last * o.cfg.Trailing.LimitOffset
		limitPrice := ticker.Last - offset
		if side == exchange.Buy {
			limitPrice = ticker.Last + offset
		}
		limitPrice = o.client.PriceToPrecision(pos.Symbol, limitPrice)

		log.Infof("📋 close attempt %d/%d: limit %s @ %.2f",
			attempt, o.cfg.Trailing.LimitMaxRetries, side, limitPrice)

		order, err := o.placeWithRetry(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       side,
			Type:       exchange.Limit,
			Amount:     amount,
			Price:      limitPrice,
			ReduceOnly: true,
			ClientID:   clientID("cl"),
		})
		if err != nil {
			log.Warnf("⚠️ close limit order failed: %v", err)
			continue
		}

		filled, execPrice, err := o.waitLimitClose(ctx, pos.Symbol, order.ID)
		if err != nil {
			return 0, "", err
		}
		if filled {
			log.Infof("✅ close limit FILLED @ %.2f", execPrice)
			return execPrice, "limit", nil
		}

		if err := o.client.CancelOrder(ctx, pos.Symbol, order.ID); err != nil {
			log.Debugf("close requote cancel: %v", err)
		}
	}

	// Retry budget spent: take the market.
	log.Warnf("⚠️ falling back to market close after %d limit attempts", o.cfg.Trailing.LimitMaxRetries)
	return o.MarketClose(ctx, pos)
}

func (o *OrderManager) waitLimitClose(ctx context.Context, symbol, orderID string) (bool, float64, error) {
	for i := 0; i < o.cfg.Trailing.LimitTimeoutSec; i++ {
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-time.After(time.Second):
		}

		order, err := o.client.FetchOrder(ctx, symbol, orderID)
		if err != nil {
			log.Debugf("close fill poll: %v", err)
			continue
		}
		switch order.Status {
		case exchange.StatusClosed:
			price := order.AvgFillPrice
			if price == 0 {
				price = order.Price
			}
			return true, price, nil
		case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired:
			return false, 0, nil
		}
	}
	return false, 0, nil
}

// MarketClose closes the position at market, sized to what the exchange
// actually holds.
func (o *OrderManager) MarketClose(ctx context.Context, pos *models.Position) (float64, string, error) {
	positions, err := o.client.FetchPositions(ctx, pos.Symbol)
	if err != nil {
		return 0, "", errors.Wrap(err, "market close: positions")
	}
	if len(positions) == 0 {
		return 0, "", ErrNoPosition
	}

	amount := o.client.AmountToPrecision(pos.Symbol, positions[0].Size)
	if amount <= 0 {
		return 0, "", ErrAmountZero
	}

	order, err := o.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.CloseSideFor(pos.Side),
		Type:       exchange.Market,
		Amount:     amount,
		ReduceOnly: true,
		ClientID:   clientID("cl"),
	})
	if err != nil {
		return 0, "", errors.Wrap(err, "market close")
	}

	execPrice := order.AvgFillPrice
	if execPrice == 0 {
		if ticker, err := o.client.FetchTicker(ctx, pos.Symbol); err == nil {
			execPrice = ticker.Last
		}
	}
	return execPrice, "market", nil
}
