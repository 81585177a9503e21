package exchange

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bot_hybrid/internal/models"
)

// EmulatorClient is an in-memory exchange for paper trading and tests.
// Orders rest until the simulated price crosses them. When a feed client
// is attached, market data is proxied to the real venue while execution
// stays local.
type EmulatorClient struct {
	mu sync.Mutex

	feed ExchangeClient // optional, market data only

	price    float64
	bid      float64
	ask      float64
	balance  float64
	makerFee float64
	takerFee float64
	leverage float64

	position *PositionInfo
	orders   map[string]*Order
	fees     map[string]float64
	nextID   int64
}

func NewEmulatorClient(initialBalance float64, feed ExchangeClient) *EmulatorClient {
	return &EmulatorClient{
		feed:     feed,
		balance:  initialBalance,
		makerFee: 0.0002,
		takerFee: 0.0005,
		leverage: 20,
		orders:   make(map[string]*Order),
		fees:     make(map[string]float64),
		nextID:   1,
	}
}

// SetPrice drives the simulation clock: updates the mark price and fills
// any resting orders the move crossed.
func (e *EmulatorClient) SetPrice(price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = price
	e.bid = price * 0.99995
	e.ask = price * 1.00005
	e.matchOrders()
}

func (e *EmulatorClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if e.feed != nil {
		t, err := e.feed.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
		e.SetPrice(t.Last)
		return t, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.price == 0 {
		return nil, errors.New("emulator has no price")
	}
	return &Ticker{Symbol: symbol, Last: e.price, Bid: e.bid, Ask: e.ask}, nil
}

func (e *EmulatorClient) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if e.feed != nil {
		return e.feed.FetchKlines(ctx, symbol, interval, limit)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Flat synthetic history at the current price for offline tests.
	klines := make([]Kline, limit)
	now := time.Now()
	for i := range klines {
		klines[i] = Kline{
			OpenTime:  now.Add(time.Duration(i-limit) * time.Minute),
			Open:      e.price,
			High:      e.price,
			Low:       e.price,
			Close:     e.price,
			Volume:    1,
			CloseTime: now.Add(time.Duration(i-limit+1) * time.Minute),
		}
	}
	return klines, nil
}

func (e *EmulatorClient) FetchBalance(ctx context.Context) (*Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	used := 0.0
	if e.position != nil {
		used = e.position.AvgPrice * e.position.Size / e.leverage
	}
	return &Balance{Total: e.balance, Available: e.balance - used}, nil
}

func (e *EmulatorClient) FetchPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.position == nil || e.position.Symbol != symbol {
		return nil, nil
	}
	p := *e.position
	p.MarkPrice = e.price
	p.UnrealizedPnL = (e.price - p.AvgPrice) * p.Size * p.Side.Direction()
	return []PositionInfo{p}, nil
}

func (e *EmulatorClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result []Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == StatusOpen {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (e *EmulatorClient) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return nil, errors.Errorf("order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (e *EmulatorClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.price == 0 {
		return nil, errors.New("emulator has no price")
	}
	if req.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}

	o := &Order{
		ID:         strconv.FormatInt(e.nextID, 10),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Amount:     req.Amount,
		Status:     StatusOpen,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now(),
	}
	e.nextID++
	e.orders[o.ID] = o

	if req.Type == Market {
		fillPrice := e.ask
		if req.Side == Sell {
			fillPrice = e.bid
		}
		e.fill(o, fillPrice, e.takerFee)
	} else {
		e.matchOrders()
	}

	cp := *o
	return &cp, nil
}

func (e *EmulatorClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return errors.Errorf("order %s not found", orderID)
	}
	if o.Status != StatusOpen {
		return errors.Errorf("order %s already %s", orderID, o.Status)
	}
	o.Status = StatusCanceled
	return nil
}

func (e *EmulatorClient) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == StatusOpen {
			o.Status = StatusCanceled
		}
	}
	return nil
}

func (e *EmulatorClient) FetchOrderFee(ctx context.Context, symbol, orderID string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fee, ok := e.fees[orderID]
	if !ok {
		return 0, errors.Errorf("no fills for order %s", orderID)
	}
	return fee, nil
}

func (e *EmulatorClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage = float64(leverage)
	return nil
}

func (e *EmulatorClient) PriceToPrecision(symbol string, price float64) float64 {
	return math.Round(price*100) / 100
}

func (e *EmulatorClient) AmountToPrecision(symbol string, amount float64) float64 {
	return math.Floor(amount*1000) / 1000
}

// matchOrders fills resting orders the current price has crossed.
// Callers hold the lock.
func (e *EmulatorClient) matchOrders() {
	for _, o := range e.orders {
		if o.Status != StatusOpen {
			continue
		}
		switch o.Type {
		case Limit:
			if o.Side == Buy && e.price <= o.Price {
				e.fill(o, o.Price, e.makerFee)
			} else if o.Side == Sell && e.price >= o.Price {
				e.fill(o, o.Price, e.makerFee)
			}
		case StopMarket:
			if o.Side == Buy && e.price >= o.StopPrice {
				e.fill(o, e.price, e.takerFee)
			} else if o.Side == Sell && e.price <= o.StopPrice {
				e.fill(o, e.price, e.takerFee)
			}
		}
	}
}

// fill executes an order against the net position. Callers hold the lock.
func (e *EmulatorClient) fill(o *Order, price float64, feeRate float64) {
	fee := price * o.Amount * feeRate
	e.balance -= fee
	e.fees[o.ID] = fee

	o.Filled = o.Amount
	o.AvgFillPrice = price
	o.Status = StatusClosed

	dir := 1.0
	if o.Side == Sell {
		dir = -1
	}

	if e.position == nil {
		side := models.SideLong
		if o.Side == Sell {
			side = models.SideShort
		}
		e.position = &PositionInfo{
			Symbol:   o.Symbol,
			Side:     side,
			Size:     o.Amount,
			AvgPrice: price,
			Leverage: e.leverage,
		}
		return
	}

	p := e.position
	if dir == p.Side.Direction() {
		// Same direction: grow the position, re-average.
		p.AvgPrice = (p.AvgPrice*p.Size + price*o.Amount) / (p.Size + o.Amount)
		p.Size += o.Amount
		return
	}

	// Opposite direction: realize PnL on the reduced amount.
	reduce := math.Min(o.Amount, p.Size)
	pnl := (price - p.AvgPrice) * reduce * p.Side.Direction()
	e.balance += pnl

	p.Size -= reduce
	if p.Size <= 1e-9 {
		e.position = nil
		log.Debugf("🧪 emulator: position closed at %.2f, pnl %.4f", price, pnl)
	}

	remainder := o.Amount - reduce
	if remainder > 1e-9 && !o.ReduceOnly {
		e.position = &PositionInfo{
			Symbol:   o.Symbol,
			Side:     p.Side.Opposite(),
			Size:     remainder,
			AvgPrice: price,
			Leverage: e.leverage,
		}
	}
}
