package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"momo-bot/internal/broker"
	"momo-bot/internal/state"
)

type clockBroker struct {
	broker.Broker
	open atomic.Bool
}

func (c *clockBroker) Clock(ctx context.Context) (broker.Clock, error) {
	return broker.Clock{IsOpen: c.open.Load(), Timestamp: time.Now()}, nil
}

type fakeSvc struct {
	name     string
	interval time.Duration
	ticks    atomic.Int64
	starts   atomic.Int64
	tickErr  error
}

func (s *fakeSvc) Name() string            { return s.name }
func (s *fakeSvc) Interval() time.Duration { return s.interval }

func (s *fakeSvc) Tick(ctx context.Context) error {
	s.ticks.Add(1)
	return s.tickErr
}

func (s *fakeSvc) Start(ctx context.Context) error {
	s.starts.Add(1)
	return nil
}

func newTestRunner(t *testing.T, svc Service, open bool) (*Runner, *state.Dir) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, err := state.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cb := &clockBroker{}
	cb.open.Store(open)
	return NewRunner(svc, dir, cb, logger), dir
}

func TestRunnerTicksWhileOpen(t *testing.T) {
	t.Parallel()

	svc := &fakeSvc{name: "scanner", interval: 5 * time.Millisecond}
	r, dir := newTestRunner(t, svc, true)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := svc.ticks.Load(); got < 2 {
		t.Fatalf("ticks = %d, want >= 2", got)
	}
	if got := svc.starts.Load(); got != 1 {
		t.Fatalf("starts = %d, want 1", got)
	}
	hb, err := dir.ReadHeartbeat("scanner")
	if err != nil {
		t.Fatalf("ReadHeartbeat: %v", err)
	}
	if hb.IsZero() {
		t.Fatal("heartbeat never written")
	}
	pid, err := dir.ReadPID("scanner")
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != 0 {
		t.Fatalf("pid file should be removed after shutdown, got %d", pid)
	}
}

func TestRunnerSkipsTicksWhenMarketClosed(t *testing.T) {
	t.Parallel()

	svc := &fakeSvc{name: "buyer", interval: 5 * time.Millisecond}
	r, dir := newTestRunner(t, svc, false)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := svc.ticks.Load(); got != 0 {
		t.Fatalf("ticks = %d, want 0 while closed", got)
	}
	// Heartbeats still flow so the orchestrator sees the process alive.
	hb, err := dir.ReadHeartbeat("buyer")
	if err != nil {
		t.Fatalf("ReadHeartbeat: %v", err)
	}
	if hb.IsZero() {
		t.Fatal("heartbeat not written while market closed")
	}
}

func TestRunnerStopsOnFatal(t *testing.T) {
	t.Parallel()

	svc := &fakeSvc{
		name:     "monitor",
		interval: time.Millisecond,
		tickErr:  &Fatal{Err: errors.New("credentials rejected")},
	}
	r, _ := newTestRunner(t, svc, true)

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run should surface the fatal error")
	}
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if got := svc.ticks.Load(); got != 1 {
		t.Fatalf("ticks = %d, want exactly 1 before fatal stop", got)
	}
}

func TestRunnerContinuesOnOrdinaryError(t *testing.T) {
	t.Parallel()

	svc := &fakeSvc{name: "seller", interval: time.Millisecond, tickErr: errors.New("quote fetch failed")}
	r, _ := newTestRunner(t, svc, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := svc.ticks.Load(); got < 2 {
		t.Fatalf("ticks = %d, want >= 2 despite errors", got)
	}
}

func TestIsFatalUnwraps(t *testing.T) {
	t.Parallel()

	inner := &Fatal{Err: errors.New("boom")}
	wrapped := errors.Join(errors.New("tick"), inner)
	if !IsFatal(wrapped) {
		t.Fatal("wrapped fatal not detected")
	}
	if IsFatal(errors.New("boom")) {
		t.Fatal("plain error misread as fatal")
	}
}

func TestExchangeTimeMath(t *testing.T) {
	t.Parallel()

	// Winter: EST is UTC-5.
	winter := time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC)
	if got := TradingDate(winter); got != "2026-01-15" {
		t.Fatalf("TradingDate = %q, want 2026-01-15", got)
	}
	if got := SessionOpen(winter).UTC(); !got.Equal(time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("SessionOpen = %v, want 14:30 UTC", got)
	}

	// Late UTC evening is still the prior exchange-local date.
	rollover := time.Date(2026, 1, 16, 1, 0, 0, 0, time.UTC)
	if got := TradingDate(rollover); got != "2026-01-15" {
		t.Fatalf("TradingDate = %q, want 2026-01-15 after UTC rollover", got)
	}

	// Summer: EDT is UTC-4.
	summer := time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC)
	if got := SessionOpen(summer).UTC(); !got.Equal(time.Date(2026, 7, 1, 13, 30, 0, 0, time.UTC)) {
		t.Fatalf("summer SessionOpen = %v, want 13:30 UTC", got)
	}
	if got := PreMarketStart(summer).UTC(); !got.Equal(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("PreMarketStart = %v, want 08:00 UTC", got)
	}
}
