package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"bot_hybrid/internal/models"
)

// FuturesClient is the live Binance USDT-M futures connector.
type FuturesClient struct {
	client *futures.Client

	mu        sync.RWMutex
	precision map[string]symbolPrecision
}

type symbolPrecision struct {
	price  int32
	amount int32
}

func NewFuturesClient(apiKey, secretKey string, testnet bool) *FuturesClient {
	if testnet {
		futures.UseTestnet = true
	}
	return &FuturesClient{
		client:    futures.NewClient(apiKey, secretKey),
		precision: make(map[string]symbolPrecision),
	}
}

// LoadMarkets caches per-symbol price/amount precision from exchange info.
// Call once at startup before placing orders.
func (b *FuturesClient) LoadMarkets(ctx context.Context) error {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return errors.Wrap(err, "exchange info")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		b.precision[s.Symbol] = symbolPrecision{
			price:  int32(s.PricePrecision),
			amount: int32(s.QuantityPrecision),
		}
	}
	return nil
}

func (b *FuturesClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	books, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "book ticker %s", symbol)
	}
	if len(books) == 0 {
		return nil, errors.Errorf("no book ticker for %s", symbol)
	}

	bid := parseFloat(books[0].BidPrice)
	ask := parseFloat(books[0].AskPrice)
	return &Ticker{
		Symbol: symbol,
		Last:   (bid + ask) / 2,
		Bid:    bid,
		Ask:    ask,
	}, nil
}

func (b *FuturesClient) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "klines %s %s", symbol, interval)
	}

	result := make([]Kline, len(klines))
	for i, k := range klines {
		result[i] = Kline{
			OpenTime:  time.Unix(k.OpenTime/1000, 0),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.Unix(k.CloseTime/1000, 0),
		}
	}
	return result, nil
}

func (b *FuturesClient) FetchBalance(ctx context.Context) (*Balance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "account")
	}

	for _, asset := range account.Assets {
		if asset.Asset == "USDT" {
			return &Balance{
				Total:     parseFloat(asset.WalletBalance),
				Available: parseFloat(asset.AvailableBalance),
			}, nil
		}
	}
	return &Balance{}, nil
}

func (b *FuturesClient) FetchPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "position risk %s", symbol)
	}

	var result []PositionInfo
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := models.SideLong
		size := amt
		if amt < 0 {
			side = models.SideShort
			size = -amt
		}
		result = append(result, PositionInfo{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          size,
			AvgPrice:      parseFloat(r.EntryPrice),
			Leverage:      parseFloat(r.Leverage),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			MarkPrice:     parseFloat(r.MarkPrice),
		})
	}
	return result, nil
}

func (b *FuturesClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "open orders %s", symbol)
	}

	result := make([]Order, len(orders))
	for i, o := range orders {
		result[i] = convertOrder(o)
	}
	return result, nil
}

func (b *FuturesClient) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad order id %q", orderID)
	}

	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	order := convertOrder(o)
	return &order, nil
}

func (b *FuturesClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(b.formatAmount(req.Symbol, req.Amount))

	switch req.Type {
	case Limit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(b.formatPrice(req.Symbol, req.Price))
	case Market:
		svc = svc.Type(futures.OrderTypeMarket)
	case StopMarket:
		// The SDK has no constant for futures stop-market orders.
		svc = svc.Type(futures.OrderType("STOP_MARKET")).
			StopPrice(b.formatPrice(req.Symbol, req.StopPrice))
	default:
		return nil, errors.Errorf("unsupported order type %q", req.Type)
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s %s order", req.Side, req.Type)
	}

	return &Order{
		ID:           strconv.FormatInt(resp.OrderID, 10),
		ClientID:     resp.ClientOrderID,
		Symbol:       resp.Symbol,
		Side:         OrderSide(resp.Side),
		Type:         OrderType(resp.Type),
		Price:        parseFloat(resp.Price),
		StopPrice:    parseFloat(resp.StopPrice),
		Amount:       parseFloat(resp.OrigQuantity),
		Filled:       parseFloat(resp.ExecutedQuantity),
		AvgFillPrice: parseFloat(resp.AvgPrice),
		Status:       convertStatus(resp.Status),
		ReduceOnly:   resp.ReduceOnly,
		CreatedAt:    time.Now(),
	}, nil
}

func (b *FuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "bad order id %q", orderID)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return errors.Wrapf(err, "cancel order %s", orderID)
}

func (b *FuturesClient) CancelAllOrders(ctx context.Context, symbol string) error {
	err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	return errors.Wrapf(err, "cancel all orders %s", symbol)
}

// FetchOrderFee sums commissions from the fills of an order.
func (b *FuturesClient) FetchOrderFee(ctx context.Context, symbol, orderID string) (float64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad order id %q", orderID)
	}

	trades, err := b.client.NewListAccountTradeService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "account trades %s", symbol)
	}

	var fee float64
	var found bool
	for _, t := range trades {
		if t.OrderID == id {
			fee += parseFloat(t.Commission)
			found = true
		}
	}
	if !found {
		return 0, errors.Errorf("no fills for order %s", orderID)
	}
	return fee, nil
}

func (b *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return errors.Wrapf(err, "set leverage %dx on %s", leverage, symbol)
}

func (b *FuturesClient) PriceToPrecision(symbol string, price float64) float64 {
	return b.round(price, b.lookup(symbol).price)
}

func (b *FuturesClient) AmountToPrecision(symbol string, amount float64) float64 {
	return b.round(amount, b.lookup(symbol).amount)
}

func (b *FuturesClient) formatPrice(symbol string, price float64) string {
	p := b.lookup(symbol).price
	return decimal.NewFromFloat(price).RoundDown(p).StringFixed(p)
}

func (b *FuturesClient) formatAmount(symbol string, amount float64) string {
	p := b.lookup(symbol).amount
	return decimal.NewFromFloat(amount).RoundDown(p).StringFixed(p)
}

func (b *FuturesClient) round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).RoundDown(places).Float64()
	return f
}

func (b *FuturesClient) lookup(symbol string) symbolPrecision {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.precision[symbol]; ok {
		return p
	}
	// Markets not loaded, fall back to BTC-ish precision.
	return symbolPrecision{price: 2, amount: 3}
}

func convertOrder(o *futures.Order) Order {
	return Order{
		ID:           strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         OrderSide(o.Side),
		Type:         OrderType(o.Type),
		Price:        parseFloat(o.Price),
		StopPrice:    parseFloat(o.StopPrice),
		Amount:       parseFloat(o.OrigQuantity),
		Filled:       parseFloat(o.ExecutedQuantity),
		AvgFillPrice: parseFloat(o.AvgPrice),
		Status:       convertStatus(o.Status),
		ReduceOnly:   o.ReduceOnly,
		CreatedAt:    time.Unix(o.Time/1000, 0),
	}
}

func convertStatus(s futures.OrderStatusType) OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return StatusClosed
	case futures.OrderStatusTypeCanceled:
		return StatusCanceled
	case futures.OrderStatusTypeRejected:
		return StatusRejected
	case futures.OrderStatusTypeExpired:
		return StatusExpired
	default:
		// NEW and PARTIALLY_FILLED both count as live.
		return StatusOpen
	}
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}
