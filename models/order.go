package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType mirrors the order types the trade API accepts.
type OrderType string

const (
	Market       OrderType = "market"
	Limit        OrderType = "limit"
	Stop         OrderType = "stop"
	StopLimit    OrderType = "stop_limit"
	TrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	Day TimeInForce = "day"
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
)

// OrderStatus is the local view of an order's lifecycle. Transitions are
// driven exclusively by events observed from the trade API; the bridge never
// fabricates intermediate states.
type OrderStatus int

const (
	StatusNew OrderStatus = iota
	StatusSubmitted
	StatusAccepted
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusSubmitted:
		return "submitted"
	case StatusAccepted:
		return "accepted"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCanceled:
		return "canceled"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can follow.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Order is the host side order object handed to the broker. Ref is the host
// framework's identifier; ID and ClientOrderID are assigned on submission.
type Order struct {
	Ref         int
	Symbol      string
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Qty         decimal.Decimal

	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TrailPrice   *decimal.Decimal
	TrailPercent *decimal.Decimal

	// Set by the broker once the remote API accepts the submission.
	ID            string
	ClientOrderID string
	Status        OrderStatus
	CreatedAt     time.Time
}

// Notification reports one observed order status transition back to the host.
// Exactly one notification is emitted per transition, in the order observed.
type Notification struct {
	Ref       int
	Status    OrderStatus
	FilledQty decimal.Decimal
	FillPrice decimal.Decimal
	At        time.Time
	Err       error
}
