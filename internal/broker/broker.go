// Package broker defines the brokerage boundary: the operations the
// services need from Alpaca, expressed in plain floats and share counts.
//
// The concrete client (alpaca.go) handles rate limiting, transient retry,
// and decimal conversion so callers never see SDK types. Services hold the
// Broker interface, which keeps every trading path mockable in tests.
package broker

import (
	"context"
	"time"
)

// Broker is the full brokerage surface used across the services. Each
// implementation must be safe for concurrent use.
type Broker interface {
	// Clock returns the market clock. Implementations may serve a
	// briefly cached value to save request budget.
	Clock(ctx context.Context) (Clock, error)

	// Account returns current equity, cash, and buying power.
	Account(ctx context.Context) (Account, error)

	// Positions lists all open positions at the broker.
	Positions(ctx context.Context) ([]Position, error)

	// LatestQuote returns the most recent NBBO quote for symbol.
	LatestQuote(ctx context.Context, symbol string) (Quote, error)

	// Bars returns intraday or daily bars from start onward, oldest
	// first, at most limit bars when limit > 0.
	Bars(ctx context.Context, symbol string, tf Timeframe, start time.Time, limit int) ([]Bar, error)

	// SubmitOrder places an order and returns the broker's record of it.
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)

	// GetOrder fetches the current state of a previously placed order.
	GetOrder(ctx context.Context, orderID string) (Order, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID string) error
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Timeframe selects bar resolution.
type Timeframe string

const (
	TF1Min Timeframe = "1Min"
	TF2Min Timeframe = "2Min"
	TF5Min Timeframe = "5Min"
	TF1Day Timeframe = "1Day"
)

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	BidSize   int64
	AskSize   int64
	Timestamp time.Time
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.BidPrice + q.AskPrice) / 2
}

// SpreadPct returns (ask-bid)/mid, or 1 when the book is empty or
// crossed past usefulness, so callers reject it as too wide.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 || q.AskPrice < q.BidPrice {
		return 1
	}
	return (q.AskPrice - q.BidPrice) / mid
}

// Bar is one OHLCV aggregate.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Clock mirrors the exchange calendar service.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Account and orders
// ————————————————————————————————————————————————————————————————————————

// Account holds the balances used for position sizing.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Position is the broker's view of an open position.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice float64
	CurrentPrice  float64
}

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType restricts the bot to the two types it actually uses.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest describes an order to place. LimitPrice is ignored for
// market orders. ClientOrderID, when set, makes the submission idempotent
// at the broker.
type OrderRequest struct {
	Symbol        string
	Qty           int64
	Side          Side
	Type          OrderType
	LimitPrice    float64
	ClientOrderID string
}

// Order is the broker's record of a placed order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Qty            int64
	FilledQty      int64
	FilledAvgPrice float64
	LimitPrice     float64
	Status         string
	SubmittedAt    time.Time
	FilledAt       *time.Time
}

// Alpaca order lifecycle states the executor cares about.
const (
	StatusNew             = "new"
	StatusAccepted        = "accepted"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
)

// Filled reports whether the order completed in full.
func (o Order) Filled() bool { return o.Status == StatusFilled }

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}
