package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes how an order is priced and triggered.
type OrderType string

const (
	OrderTypeLimit            OrderType = "limit"
	OrderTypeMarket           OrderType = "market"
	OrderTypeStopLimit        OrderType = "stop_limit"
	OrderTypeStopMarket       OrderType = "stop_market"
	OrderTypeTakeProfit       OrderType = "take_profit"
	OrderTypeTakeProfitMarket OrderType = "take_profit_market"
)

// IsMarket reports whether the type executes without a limit price.
func (t OrderType) IsMarket() bool {
	return t == OrderTypeMarket || t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// IsConditional reports whether the type needs a trigger price.
func (t OrderType) IsConditional() bool {
	switch t {
	case OrderTypeStopLimit, OrderTypeStopMarket, OrderTypeTakeProfit, OrderTypeTakeProfitMarket:
		return true
	}
	return false
}

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket || t.IsConditional()
}

// Side indicates whether an order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether no further fills can happen.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// TimeInForce controls what happens to quantity that does not execute
// immediately.
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForceFOK      TimeInForce = "FOK"
	TimeInForcePostOnly TimeInForce = "POST_ONLY"
)

// Valid reports whether tif is a known value. The empty value means GTC.
func (tif TimeInForce) Valid() bool {
	switch tif {
	case "", TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForcePostOnly:
		return true
	}
	return false
}

// Order is an instruction to buy or sell a quantity of one symbol.
//
// Quantity is the original size. Filled only grows, and Remaining is kept
// equal to Quantity - Filled by Fill.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal // zero for market orders
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	Status        OrderStatus
	RejectReason  RejectReason
	TimeInForce   TimeInForce

	PostOnly        bool
	ReduceOnly      bool
	Hidden          bool
	DisplayQuantity decimal.Decimal

	UserID string

	// Timestamp is the acceptance time in nanoseconds. It is assigned by the
	// book at admission and orders resting at one price are ranked by it.
	Timestamp int64
	CreatedAt time.Time
}

// Fill records an execution of qty against the order and updates its
// status. qty must not exceed Remaining.
func (o *Order) Fill(qty decimal.Decimal) {
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Quantity.Sub(o.Filled)
	if o.Remaining.Sign() == 0 {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// Reject marks the order rejected with the given reason.
func (o *Order) Reject(reason RejectReason) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
}

// IsPostOnly reports whether the order must never take liquidity.
func (o *Order) IsPostOnly() bool {
	return o.PostOnly || o.TimeInForce == TimeInForcePostOnly
}

// Clone returns a copy of the order. Decimal values are immutable, so a
// shallow copy is sufficient.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}
