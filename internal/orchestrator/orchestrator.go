// Package orchestrator supervises the trading services as child
// processes. It starts them in priority order, restarts crashed ones
// with exponential backoff when asked to, fires the pre-market scan on
// its exchange-time schedule, and implements the stop/status commands
// that act on an already-running deployment through pid files.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"momo-bot/internal/buyer"
	"momo-bot/internal/config"
	"momo-bot/internal/monitor"
	"momo-bot/internal/scanner"
	"momo-bot/internal/seller"
	"momo-bot/internal/service"
	"momo-bot/internal/state"
	"momo-bot/pkg/types"
)

const (
	ownName       = "orchestrator"
	premarketName = "premarket"

	// statusEvery is how often the resident loop refreshes the status
	// document and its own heartbeat.
	statusEvery = 5 * time.Second

	// stabilityAfter is how long a restarted service must stay up before
	// its backoff schedule resets to the initial delay.
	stabilityAfter = 5 * time.Minute

	restartInitial = time.Second
	restartMax     = 60 * time.Second
)

// spec is one supervised service: its registry name and the heartbeat
// cadence its runner was configured with.
type spec struct {
	name     string
	interval time.Duration
}

// child is the resident loop's view of one supervised process.
type child struct {
	name     string
	interval time.Duration

	state     types.ServiceState
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	restarts  int
	boff      *backoff.ExponentialBackOff
	resumeAt  time.Time
}

type exitEvent struct {
	name string
	err  error
}

// Supervisor runs and manages the service fleet.
type Supervisor struct {
	cfg        *config.Config
	configPath string
	dir        *state.Dir
	logger     *slog.Logger

	execPath string
	order    []string
	children map[string]*child
	exits    chan exitEvent

	now func() time.Time
}

// New builds a supervisor around the running binary. configPath is
// forwarded to every spawned service so the whole fleet reads one file;
// empty means each process falls back to the default search path.
func New(cfg *config.Config, configPath string, dir *state.Dir, logger *slog.Logger) (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	s := &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		dir:        dir,
		logger:     logger.With("service", ownName),
		execPath:   exe,
		children:   make(map[string]*child),
		exits:      make(chan exitEvent, 8),
		now:        time.Now,
	}
	for _, sp := range s.specs() {
		s.order = append(s.order, sp.name)
		s.children[sp.name] = &child{
			name:     sp.name,
			interval: sp.interval,
			state:    types.StateStopped,
			boff:     newRestartBackoff(),
		}
	}
	return s, nil
}

// specs lists the supervised services in start priority: the exit path
// first, then entries, then management, then discovery. Shutdown walks
// the same list in reverse so the seller drains last. The buyer's
// cadence is its hot interval because that is the rate its runner
// heartbeats at.
func (s *Supervisor) specs() []spec {
	return []spec{
		{seller.Name, s.cfg.Seller.Interval()},
		{buyer.Name, s.cfg.Buyer.HotInterval()},
		{monitor.Name, s.cfg.Monitor.Interval()},
		{scanner.Name, s.cfg.Scanner.Interval()},
	}
}

// Run starts every service and supervises them until ctx is cancelled.
// With autoRestart set (the monitor command) crashed services come back
// on an exponential schedule; without it (plain start) they are left in
// the crashed state for status to report.
func (s *Supervisor) Run(ctx context.Context, autoRestart bool) error {
	if pid, err := s.dir.ReadPID(ownName); err == nil && pid > 0 && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("orchestrator already running (pid %d)", pid)
	}
	if err := s.dir.WritePID(ownName, os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	defer func() {
		if err := s.dir.RemovePID(ownName); err != nil {
			s.logger.Warn("pid cleanup failed", "error", err)
		}
	}()

	s.logger.Info("orchestrator starting",
		"services", s.order,
		"auto_restart", autoRestart,
		"premarket_schedule", s.cfg.Orchestrator.PremarketSchedule)

	for _, name := range s.order {
		if err := s.spawn(name); err != nil {
			s.logger.Error("spawn failed", "target", name, "error", err)
			if !autoRestart {
				s.shutdownAll()
				return fmt.Errorf("start %s: %w", name, err)
			}
			s.scheduleRestart(s.children[name])
		}
	}

	sched := cron.New(cron.WithSeconds(), cron.WithLocation(service.ExchangeLocation()))
	if _, err := sched.AddFunc(s.cfg.Orchestrator.PremarketSchedule, func() {
		s.runPremarket(ctx, false)
	}); err != nil {
		s.shutdownAll()
		return fmt.Errorf("premarket schedule %q: %w", s.cfg.Orchestrator.PremarketSchedule, err)
	}
	sched.Start()
	defer sched.Stop()

	if s.premarketDue(ctx) {
		s.logger.Info("watchlist missing for today, running pre-market scan now")
		go s.runPremarket(ctx, false)
	}

	s.writeStatus(ctx)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	lastStatus := s.now()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			s.shutdownAll()
			s.writeStatus(context.WithoutCancel(ctx))
			s.logger.Info("orchestrator stopped")
			return nil

		case ev := <-s.exits:
			s.onExit(ev, autoRestart)

		case <-tick.C:
			now := s.now()
			s.reviveDue(now, autoRestart)
			s.settle(now)
			if now.Sub(lastStatus) >= statusEvery {
				s.writeStatus(ctx)
				lastStatus = now
			}
		}
	}
}

// spawn launches one service as "momo run <name>". The child writes its
// own pid file, heartbeat, and rotating log; stdout is dropped here so
// the fleet does not quadruple-print to the orchestrator's console, but
// stderr stays attached to surface panics.
func (s *Supervisor) spawn(name string) error {
	ch := s.children[name]
	args := []string{"run", name}
	if s.configPath != "" {
		args = append(args, "--config", s.configPath)
	}
	args = append(args, "--state-dir", s.dir.Path())
	cmd := exec.Command(s.execPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		ch.state = types.StateCrashed
		return err
	}
	ch.cmd = cmd
	ch.pid = cmd.Process.Pid
	ch.startedAt = s.now()
	ch.state = types.StateStarting
	ch.resumeAt = time.Time{}
	s.logger.Info("service spawned", "target", name, "pid", ch.pid)
	go func() {
		s.exits <- exitEvent{name: name, err: cmd.Wait()}
	}()
	return nil
}

func (s *Supervisor) onExit(ev exitEvent, autoRestart bool) {
	ch := s.children[ev.name]
	pid := ch.pid
	ch.cmd = nil
	ch.pid = 0
	s.reapPIDFile(ev.name, pid)

	if ev.err == nil {
		// Clean exit means the service chose to stop; leave it down.
		ch.state = types.StateStopped
		s.logger.Info("service exited", "target", ev.name)
		return
	}
	ch.state = types.StateCrashed
	s.logger.Error("service crashed", "target", ev.name, "error", ev.err)
	if autoRestart {
		s.scheduleRestart(ch)
	}
}

// scheduleRestart books the next spawn attempt on the child's backoff
// curve: 1s, 2s, 4s, doubling to a 60s ceiling.
func (s *Supervisor) scheduleRestart(ch *child) {
	delay := ch.boff.NextBackOff()
	ch.resumeAt = s.now().Add(delay)
	s.logger.Warn("restart scheduled", "target", ch.name, "delay", delay, "restarts", ch.restarts)
}

func (s *Supervisor) reviveDue(now time.Time, autoRestart bool) {
	if !autoRestart {
		return
	}
	for _, name := range s.order {
		ch := s.children[name]
		if ch.state != types.StateCrashed || ch.resumeAt.IsZero() || now.Before(ch.resumeAt) {
			continue
		}
		ch.restarts++
		if err := s.spawn(name); err != nil {
			s.logger.Error("respawn failed", "target", name, "error", err)
			s.scheduleRestart(ch)
		}
	}
}

// settle promotes starting children to running once their first
// heartbeat lands, and resets a child's backoff after it has stayed up
// through the stability window.
func (s *Supervisor) settle(now time.Time) {
	for _, name := range s.order {
		ch := s.children[name]
		switch ch.state {
		case types.StateStarting:
			if hb, err := s.dir.ReadHeartbeat(name); err == nil && !hb.IsZero() && !hb.Before(ch.startedAt) {
				ch.state = types.StateRunning
				s.logger.Info("service up", "target", name)
			}
		case types.StateRunning:
			if now.Sub(ch.startedAt) >= stabilityAfter {
				ch.boff.Reset()
			}
		}
	}
}

// shutdownAll stops children in reverse priority order, one at a time:
// SIGTERM, a grace period, then SIGKILL for anything still holding on.
func (s *Supervisor) shutdownAll() {
	for i := len(s.order) - 1; i >= 0; i-- {
		s.stopChild(s.order[i])
	}
}

func (s *Supervisor) stopChild(name string) {
	ch := s.children[name]
	if ch.cmd == nil {
		return
	}
	ch.state = types.StateStopping
	s.logger.Info("stopping service", "target", name, "pid", ch.pid)
	if err := ch.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("signal failed", "target", name, "error", err)
	}
	grace := time.NewTimer(s.cfg.Orchestrator.StopTimeout())
	defer grace.Stop()
	for ch.cmd != nil {
		select {
		case ev := <-s.exits:
			s.noteStopped(ev)
		case <-grace.C:
			s.logger.Warn("service ignored SIGTERM, killing", "target", name)
			_ = ch.cmd.Process.Kill()
			for ch.cmd != nil {
				s.noteStopped(<-s.exits)
			}
		}
	}
}

// noteStopped records an exit observed during shutdown. Whatever the
// exit status, the fleet is going down, so everything lands on stopped.
func (s *Supervisor) noteStopped(ev exitEvent) {
	ch := s.children[ev.name]
	pid := ch.pid
	ch.cmd = nil
	ch.pid = 0
	ch.state = types.StateStopped
	s.reapPIDFile(ev.name, pid)
	s.logger.Info("service stopped", "target", ev.name)
}

// reapPIDFile clears a child's pid file if it still names the dead
// process. A clean exit removes its own file; a crash leaves it behind.
func (s *Supervisor) reapPIDFile(name string, pid int) {
	if pid <= 0 {
		return
	}
	if onDisk, err := s.dir.ReadPID(name); err == nil && onDisk == pid {
		if err := s.dir.RemovePID(name); err != nil {
			s.logger.Warn("pid cleanup failed", "target", name, "error", err)
		}
	}
}

// runPremarket executes the one-shot scan as its own process and waits
// for it. Cron invokes this on schedule; boot catch-up and the restart
// path call it directly.
func (s *Supervisor) runPremarket(ctx context.Context, force bool) {
	args := []string{"run", premarketName}
	if force {
		args = append(args, "--force")
	}
	if s.configPath != "" {
		args = append(args, "--config", s.configPath)
	}
	args = append(args, "--state-dir", s.dir.Path())
	cmd := exec.CommandContext(ctx, s.execPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	began := s.now()
	s.logger.Info("pre-market scan starting")
	if err := cmd.Run(); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("pre-market scan failed", "error", err)
		}
		return
	}
	s.logger.Info("pre-market scan finished", "elapsed", s.now().Sub(began).Round(time.Second))
}

// premarketDue reports whether a boot-time catch-up scan should run:
// a weekday, inside the pre-market window, with no watchlist filed for
// today's session yet.
func (s *Supervisor) premarketDue(ctx context.Context) bool {
	now := s.now()
	et := service.ExchangeTime(now)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if et.Before(service.PreMarketStart(now)) {
		return false
	}
	endH, endM, err := parseClock(s.cfg.Orchestrator.PremarketWindowEnd)
	if err != nil {
		s.logger.Warn("bad premarket window end, skipping catch-up", "error", err)
		return false
	}
	cutoff := time.Date(et.Year(), et.Month(), et.Day(), endH, endM, 0, 0, service.ExchangeLocation())
	if !et.Before(cutoff) {
		return false
	}
	w, err := s.dir.LoadWatchlistFor(ctx, service.TradingDate(now))
	if err != nil {
		s.logger.Warn("watchlist unreadable, skipping catch-up", "error", err)
		return false
	}
	return w == nil
}

// writeStatus publishes the resident view of the fleet and refreshes
// the orchestrator's own heartbeat.
func (s *Supervisor) writeStatus(ctx context.Context) {
	now := s.now()
	doc := types.OrchestratorStatus{
		UpdatedAt: now.UTC(),
		Services:  make(map[string]types.ServiceStatus, len(s.children)),
	}
	for name, ch := range s.children {
		hb, _ := s.dir.ReadHeartbeat(name)
		doc.Services[name] = types.ServiceStatus{
			State:         ch.state,
			PID:           ch.pid,
			StartedAt:     ch.startedAt,
			Restarts:      ch.restarts,
			LastHeartbeat: hb,
		}
	}
	if err := s.dir.SaveOrchestratorStatus(ctx, doc); err != nil {
		s.logger.Warn("status write failed", "error", err)
	}
	if err := s.dir.WriteHeartbeat(ownName, now); err != nil {
		s.logger.Warn("heartbeat write failed", "error", err)
	}
}

func parseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("bad clock value %q: %w", v, err)
	}
	return t.Hour(), t.Minute(), nil
}
