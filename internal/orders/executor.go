// Package orders implements shared order execution: submit, poll to a
// deadline, and resolve partial fills. Both entry and exit paths go
// through it so fill semantics stay in one place.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"momo-bot/internal/broker"
)

const (
	// DefaultPollInterval is how often an in-flight order is re-checked.
	DefaultPollInterval = time.Second

	// DefaultMaxWait bounds how long one order may stay in flight before
	// the remainder is cancelled.
	DefaultMaxWait = 30 * time.Second
)

// Result reports the outcome of one submit-and-wait round trip.
type Result struct {
	OrderID   string
	Filled    bool    // some quantity filled (possibly partial)
	FilledQty int64
	AvgPrice  float64
	Status    string // last observed broker status, or "timeout"
	Elapsed   time.Duration
}

// Executor submits orders and polls them to completion.
type Executor struct {
	broker  broker.Broker
	poll    time.Duration
	maxWait time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an executor with the default 1s poll and 30s cap.
func NewExecutor(b broker.Broker, logger *slog.Logger) *Executor {
	return &Executor{
		broker:  b,
		poll:    DefaultPollInterval,
		maxWait: DefaultMaxWait,
		logger:  logger.With("component", "orders"),
	}
}

// SubmitAndWait places req and polls until the order reaches a terminal
// state or the wait cap elapses. On timeout the remainder is cancelled;
// whatever filled is kept and reported.
//
// An in-flight order is deliberately insulated from caller shutdown: once
// submitted, the poll runs to its own cap even if ctx is cancelled, so a
// terminating service never abandons an order it cannot account for.
func (e *Executor) SubmitAndWait(ctx context.Context, req broker.OrderRequest) (Result, error) {
	order, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, err)
	}

	// Market orders often fill synchronously; skip the poll loop (and its
	// budget tokens) when the submit response is already conclusive.
	if order.Filled() {
		e.logger.Info("order filled on submit",
			"symbol", req.Symbol, "side", req.Side,
			"qty", order.FilledQty, "avg_price", order.FilledAvgPrice)
		return Result{
			OrderID:   order.ID,
			Filled:    true,
			FilledQty: order.FilledQty,
			AvgPrice:  order.FilledAvgPrice,
			Status:    order.Status,
		}, nil
	}
	if order.Terminal() {
		e.logger.Warn("order rejected on submit",
			"symbol", req.Symbol, "order_id", order.ID, "status", order.Status)
		return Result{OrderID: order.ID, Status: order.Status}, nil
	}

	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.maxWait)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return e.resolveTimeout(order.ID, req, start)
		case <-ticker.C:
		}

		cur, err := e.broker.GetOrder(pollCtx, order.ID)
		if err != nil {
			// Transient retries are already spent inside the broker
			// client; keep polling until the deadline.
			e.logger.Warn("order poll failed", "symbol", req.Symbol, "order_id", order.ID, "error", err)
			continue
		}

		switch {
		case cur.Filled():
			e.logger.Info("order filled",
				"symbol", req.Symbol, "side", req.Side,
				"qty", cur.FilledQty, "avg_price", cur.FilledAvgPrice,
				"elapsed", time.Since(start))
			return Result{
				OrderID:   cur.ID,
				Filled:    true,
				FilledQty: cur.FilledQty,
				AvgPrice:  cur.FilledAvgPrice,
				Status:    cur.Status,
				Elapsed:   time.Since(start),
			}, nil
		case cur.Terminal():
			e.logger.Warn("order ended unfilled",
				"symbol", req.Symbol, "order_id", cur.ID, "status", cur.Status)
			return Result{
				OrderID: cur.ID,
				Status:  cur.Status,
				Elapsed: time.Since(start),
			}, nil
		case cur.Status == broker.StatusPartiallyFilled:
			e.logger.Info("partial fill",
				"symbol", req.Symbol, "filled", cur.FilledQty, "of", req.Qty)
		}
	}
}

// resolveTimeout cancels the remainder of a timed-out order and keeps any
// filled portion.
func (e *Executor) resolveTimeout(orderID string, req broker.OrderRequest, start time.Time) (Result, error) {
	e.logger.Warn("order timed out, cancelling remainder",
		"symbol", req.Symbol, "order_id", orderID, "waited", time.Since(start))

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.broker.CancelOrder(cleanupCtx, orderID); err != nil && !broker.IsClient(err) {
		// A client error usually means the order just completed; the
		// final fetch below settles it either way.
		e.logger.Error("cancel failed", "order_id", orderID, "error", err)
	}

	final, err := e.broker.GetOrder(cleanupCtx, orderID)
	if err != nil {
		return Result{OrderID: orderID, Status: "timeout", Elapsed: time.Since(start)},
			fmt.Errorf("fetch timed-out order %s: %w", orderID, err)
	}

	res := Result{
		OrderID: orderID,
		Status:  final.Status,
		Elapsed: time.Since(start),
	}
	if final.FilledQty > 0 {
		res.Filled = true
		res.FilledQty = final.FilledQty
		res.AvgPrice = final.FilledAvgPrice
		e.logger.Info("keeping partial fill after timeout",
			"symbol", req.Symbol, "qty", final.FilledQty, "avg_price", final.FilledAvgPrice)
	}
	if res.Status == "" || !final.Terminal() {
		res.Status = "timeout"
	}
	return res, nil
}
