package exchange

import (
	"context"
	"time"

	"bot_hybrid/internal/models"
)

// OrderSide is the taker direction of an order, not the position side.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// SideFor returns the order side that grows a position of the given side.
func SideFor(s models.Side) OrderSide {
	if s == models.SideShort {
		return Sell
	}
	return Buy
}

// CloseSideFor returns the order side that reduces a position of the given side.
func CloseSideFor(s models.Side) OrderSide {
	if s == models.SideShort {
		return Buy
	}
	return Sell
}

type OrderType string

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	StopMarket OrderType = "STOP_MARKET"
)

type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusClosed   OrderStatus = "CLOSED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Amount     float64 // base asset quantity
	Price      float64 // limit price, ignored for market
	StopPrice  float64 // trigger price for stop orders
	ReduceOnly bool
	ClientID   string // idempotency key, uuid
}

// Order is the exchange's view of an order.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Price        float64
	StopPrice    float64
	Amount       float64
	Filled       float64
	AvgFillPrice float64
	Status       OrderStatus
	ReduceOnly   bool
	CreatedAt    time.Time
}

// PositionInfo is the exchange's view of an open position. It is the
// source of truth during reconciliation.
type PositionInfo struct {
	Symbol        string
	Side          models.Side
	Size          float64 // always positive
	AvgPrice      float64
	Leverage      float64
	UnrealizedPnL float64
	MarkPrice     float64
}

type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

type Balance struct {
	Total     float64
	Available float64
}

type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// ExchangeClient is the boundary between the engine and the venue. The
// live implementation talks to Binance futures; the emulator backs paper
// mode and tests.
type ExchangeClient interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrderFee(ctx context.Context, symbol, orderID string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PriceToPrecision(symbol string, price float64) float64
	AmountToPrecision(symbol string, amount float64) float64
}
