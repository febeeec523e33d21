// alpaca.go implements Broker against the Alpaca trading and market data
// REST APIs.
//
// Every request first takes a token from the service's rate-limit slice,
// then runs under a bounded exponential-backoff retry that only re-attempts
// errors the taxonomy calls transient. Decimal SDK values are converted to
// floats at this boundary so the services stay SDK-free.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"momo-bot/internal/config"
)

const (
	// transientRetries bounds retry attempts per request (initial try + 2).
	transientRetries = 2

	// clockTTL is how long a market clock reading may be served from
	// cache before costing another request.
	clockTTL = 30 * time.Second
)

// Client is the Alpaca-backed Broker.
type Client struct {
	trading *alpaca.Client
	data    *marketdata.Client
	bucket  *TokenBucket
	feed    marketdata.Feed
	logger  *slog.Logger

	clockMu   sync.Mutex
	clock     Clock
	clockSeen time.Time
}

// New creates a Client policed to budget requests per minute, the calling
// service's slice of the account-wide limit.
func New(cfg config.BrokerConfig, budget int, logger *slog.Logger) *Client {
	feed := marketdata.Feed(cfg.DataFeed)
	if feed == "" {
		feed = marketdata.IEX
	}
	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			RetryLimit: 1,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			RetryLimit: 1,
		}),
		bucket: NewMinuteBucket(budget),
		feed:   feed,
		logger: logger.With("component", "broker"),
	}
}

// do runs one API call under the rate limiter and retry policy. Each
// attempt, including retries, consumes a token.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	attempt := func() error {
		if err := c.bucket.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(); err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("transient broker error, retrying",
			"op", op, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, transientRetries), ctx), notify)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Clock returns the market clock, cached up to clockTTL.
func (c *Client) Clock(ctx context.Context) (Clock, error) {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	if time.Since(c.clockSeen) < clockTTL && !c.clockSeen.IsZero() {
		return c.clock, nil
	}

	var out Clock
	err := c.do(ctx, "get clock", func() error {
		clk, err := c.trading.GetClock()
		if err != nil {
			return err
		}
		out = Clock{
			Timestamp: clk.Timestamp,
			IsOpen:    clk.IsOpen,
			NextOpen:  clk.NextOpen,
			NextClose: clk.NextClose,
		}
		return nil
	})
	if err != nil {
		return Clock{}, err
	}
	c.clock = out
	c.clockSeen = time.Now()
	return out, nil
}

// Account returns equity, cash, and buying power.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.do(ctx, "get account", func() error {
		acct, err := c.trading.GetAccount()
		if err != nil {
			return err
		}
		out = Account{
			Equity:      acct.Equity.InexactFloat64(),
			Cash:        acct.Cash.InexactFloat64(),
			BuyingPower: acct.BuyingPower.InexactFloat64(),
		}
		return nil
	})
	return out, err
}

// Positions lists open positions at the broker.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.do(ctx, "get positions", func() error {
		raw, err := c.trading.GetPositions()
		if err != nil {
			return err
		}
		out = make([]Position, 0, len(raw))
		for _, p := range raw {
			pos := Position{
				Symbol:        p.Symbol,
				Qty:           p.Qty.IntPart(),
				AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			}
			if p.CurrentPrice != nil {
				pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
			}
			out = append(out, pos)
		}
		return nil
	})
	return out, err
}

// LatestQuote returns the freshest top-of-book quote for symbol.
func (c *Client) LatestQuote(ctx context.Context, symbol string) (Quote, error) {
	var out Quote
	err := c.do(ctx, "get latest quote", func() error {
		q, err := c.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: c.feed})
		if err != nil {
			return err
		}
		out = Quote{
			Symbol:    symbol,
			BidPrice:  q.BidPrice,
			AskPrice:  q.AskPrice,
			BidSize:   int64(q.BidSize),
			AskSize:   int64(q.AskSize),
			Timestamp: q.Timestamp,
		}
		return nil
	})
	return out, err
}

// Bars returns bars from start onward, oldest first.
func (c *Client) Bars(ctx context.Context, symbol string, tf Timeframe, start time.Time, limit int) ([]Bar, error) {
	frame, err := toTimeFrame(tf)
	if err != nil {
		return nil, err
	}

	var out []Bar
	err = c.do(ctx, "get bars", func() error {
		raw, err := c.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  frame,
			Start:      start,
			TotalLimit: limit,
			Feed:       c.feed,
		})
		if err != nil {
			return err
		}
		out = make([]Bar, 0, len(raw))
		for _, b := range raw {
			out = append(out, Bar{
				Timestamp: b.Timestamp,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    int64(b.Volume),
			})
		}
		return nil
	})
	return out, err
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	qty := decimal.NewFromInt(req.Qty)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == Limit {
		px := decimal.NewFromFloat(req.LimitPrice).Round(2)
		placeReq.LimitPrice = &px
	}

	var out Order
	err := c.do(ctx, "submit order", func() error {
		o, err := c.trading.PlaceOrder(placeReq)
		if err != nil {
			return err
		}
		out = mapOrder(o)
		return nil
	})
	if err == nil {
		c.logger.Info("order submitted",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Qty, "limit_price", req.LimitPrice, "order_id", out.ID)
	}
	return out, err
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var out Order
	err := c.do(ctx, "get order", func() error {
		o, err := c.trading.GetOrder(orderID)
		if err != nil {
			return err
		}
		out = mapOrder(o)
		return nil
	})
	return out, err
}

// CancelOrder cancels an open order. Alpaca answers 422 when the order is
// already done; callers treat that via IsClient and re-fetch.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, "cancel order", func() error {
		return c.trading.CancelOrder(orderID)
	})
}

func toTimeFrame(tf Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case TF1Min:
		return marketdata.OneMin, nil
	case TF2Min:
		return marketdata.NewTimeFrame(2, marketdata.Min), nil
	case TF5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case TF1Day:
		return marketdata.OneDay, nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
}

func mapOrder(o *alpaca.Order) Order {
	out := Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          Side(o.Side),
		FilledQty:     o.FilledQty.IntPart(),
		Status:        o.Status,
		SubmittedAt:   o.SubmittedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	return out
}
