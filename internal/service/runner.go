// Package service provides the shared run loop for the long-running
// workers: PID registration, heartbeats, the market-open gate, and the
// do-work-then-sleep-the-remainder cycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"momo-bot/internal/broker"
	"momo-bot/internal/state"
)

// Service is one periodic worker.
type Service interface {
	// Name is the service's registry name (pid file, heartbeat, logs).
	Name() string

	// Interval is the cycle period. The loop ticks every Interval even
	// while the market is closed, to keep heartbeats fresh.
	Interval() time.Duration

	// Tick runs one cycle while the market is open. A returned error is
	// logged and the loop continues, unless it is (or wraps) a Fatal
	// error, which stops the service.
	Tick(ctx context.Context) error
}

// Starter is implemented by services that need one-time work before the
// loop begins (reconciliation, state recovery).
type Starter interface {
	Start(ctx context.Context) error
}

// Fatal marks an error that must stop the service (bad credentials,
// unrecoverable state). The orchestrator decides whether to restart.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

// IsFatal reports whether err should terminate the service loop.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// Runner drives one Service.
type Runner struct {
	svc    Service
	dir    *state.Dir
	broker broker.Broker
	logger *slog.Logger
}

// NewRunner wires a service to its state directory and broker.
func NewRunner(svc Service, dir *state.Dir, b broker.Broker, logger *slog.Logger) *Runner {
	return &Runner{svc: svc, dir: dir, broker: b, logger: logger}
}

// Run executes the service loop until ctx is cancelled or a fatal error
// occurs. It owns the service's PID file and heartbeat for its lifetime.
func (r *Runner) Run(ctx context.Context) error {
	name := r.svc.Name()
	interval := r.svc.Interval()

	if err := r.dir.WritePID(name, os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	defer func() {
		if err := r.dir.RemovePID(name); err != nil {
			r.logger.Warn("pid cleanup failed", "error", err)
		}
	}()

	if s, ok := r.svc.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			if IsFatal(err) || ctx.Err() != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			r.logger.Error("startup pass failed, continuing", "error", err)
		}
	}

	r.logger.Info("service started", "interval", interval)

	for {
		began := time.Now()
		if err := r.dir.WriteHeartbeat(name, began); err != nil {
			r.logger.Warn("heartbeat write failed", "error", err)
		}

		open, err := r.marketOpen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("market clock unavailable", "error", err)
		} else if open {
			if err := r.svc.Tick(ctx); err != nil {
				if IsFatal(err) {
					r.logger.Error("fatal error, shutting down", "error", err)
					return err
				}
				if ctx.Err() != nil {
					break
				}
				r.logger.Error("cycle failed", "error", err)
			}
		} else {
			r.logger.Debug("market closed")
		}

		// Sleep out the remainder of the interval.
		if !r.sleep(ctx, interval-time.Since(began)) {
			break
		}
	}

	r.logger.Info("service stopping")
	return nil
}

func (r *Runner) marketOpen(ctx context.Context) (bool, error) {
	clk, err := r.broker.Clock(ctx)
	if err != nil {
		return false, err
	}
	return clk.IsOpen, nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		// Overran the interval; yield to cancellation at least.
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
