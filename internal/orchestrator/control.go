package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"

	"momo-bot/pkg/types"
)

// stopPollInterval paces the wait for a signalled process to exit.
const stopPollInterval = 200 * time.Millisecond

// newRestartBackoff builds the crash-restart schedule: 1s, 2s, 4s,
// doubling to the 60s ceiling, no jitter so the timing is predictable in
// logs, and no elapsed-time cutoff — a crash-looping service keeps being
// retried at the ceiling until someone intervenes.
func newRestartBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartInitial
	bo.MaxInterval = restartMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// Stop terminates a running deployment from the outside: the resident
// orchestrator first (it takes its children down with it), then a sweep
// over per-service PID files for anything started standalone. Each
// signalled process gets the configured grace period before SIGKILL.
func (s *Supervisor) Stop(ctx context.Context) error {
	grace := s.cfg.Orchestrator.StopTimeout()

	stopped := 0
	if pid, err := s.dir.ReadPID(ownName); err == nil && pid > 0 && pid != os.Getpid() {
		if processAlive(pid) {
			s.logger.Info("stopping orchestrator", "pid", pid)
			// The orchestrator shuts its fleet down sequentially, so its
			// own grace period covers every child's.
			fleetGrace := grace * time.Duration(len(s.order)+1)
			if err := s.terminate(ctx, ownName, pid, fleetGrace); err != nil {
				return err
			}
			stopped++
		} else {
			s.logger.Info("removing stale orchestrator pid file", "pid", pid)
			_ = s.dir.RemovePID(ownName)
		}
	}

	for _, name := range s.order {
		pid, err := s.dir.ReadPID(name)
		if err != nil || pid <= 0 {
			continue
		}
		if !processAlive(pid) {
			s.logger.Info("removing stale pid file", "target", name, "pid", pid)
			_ = s.dir.RemovePID(name)
			continue
		}
		s.logger.Info("stopping service", "target", name, "pid", pid)
		if err := s.terminate(ctx, name, pid, grace); err != nil {
			return err
		}
		stopped++
	}

	if stopped == 0 {
		s.logger.Info("nothing to stop")
	}
	return nil
}

// terminate SIGTERMs pid and waits up to grace for it to go away,
// escalating to SIGKILL. The PID file is cleaned once the process is gone.
func (s *Supervisor) terminate(ctx context.Context, name string, pid int, grace time.Duration) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			_ = s.dir.RemovePID(name)
			return nil
		}
		return fmt.Errorf("signal %s (pid %d): %w", name, pid, err)
	}

	deadline := s.now().Add(grace)
	for processAlive(pid) {
		if s.now().After(deadline) {
			s.logger.Warn("process ignored SIGTERM, killing", "target", name, "pid", pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}
	for processAlive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}

	if onDisk, err := s.dir.ReadPID(name); err == nil && onDisk == pid {
		_ = s.dir.RemovePID(name)
	}
	s.logger.Info("stopped", "target", name, "pid", pid)
	return nil
}

// Report is the externally observed health of the deployment, one row per
// service plus the orchestrator itself.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Services    []ServiceReport `json:"services"`
}

// ServiceReport is one service's liveness as judged from PID file,
// process table, and heartbeat.
type ServiceReport struct {
	Name          string             `json:"name"`
	State         types.ServiceState `json:"state"`
	PID           int                `json:"pid,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat,omitempty"`
	HeartbeatAge  time.Duration      `json:"heartbeat_age,omitempty"`
	Detail        string             `json:"detail,omitempty"`
}

// Status inspects the deployment without touching it: a service counts as
// running when its PID file names a live process and its heartbeat is no
// older than twice its cycle interval. Stale PID files are cleaned along
// the way.
func (s *Supervisor) Status(ctx context.Context) (*Report, error) {
	now := s.now()
	rep := &Report{GeneratedAt: now.UTC()}

	rows := []spec{{ownName, statusEvery}}
	rows = append(rows, s.specs()...)

	for _, sp := range rows {
		row := ServiceReport{Name: sp.name, State: types.StateStopped}

		pid, err := s.dir.ReadPID(sp.name)
		if err != nil {
			row.Detail = fmt.Sprintf("pid file unreadable: %v", err)
		}
		hb, hbErr := s.dir.ReadHeartbeat(sp.name)
		if hbErr == nil && !hb.IsZero() {
			row.LastHeartbeat = hb
			row.HeartbeatAge = now.Sub(hb).Round(time.Second)
		}

		switch {
		case pid <= 0:
			// No PID file: stopped (or never started).
		case !processAlive(pid):
			row.Detail = fmt.Sprintf("stale pid file (pid %d dead), cleaned", pid)
			if err := s.dir.RemovePID(sp.name); err != nil {
				s.logger.Warn("stale pid cleanup failed", "target", sp.name, "error", err)
			}
		case hb.IsZero():
			row.State = types.StateStarting
			row.PID = pid
			row.Detail = "alive, no heartbeat yet"
		case now.Sub(hb) > 2*sp.interval:
			row.State = types.StateCrashed
			row.PID = pid
			row.Detail = fmt.Sprintf("heartbeat stale (interval %s)", sp.interval)
		default:
			row.State = types.StateRunning
			row.PID = pid
		}
		rep.Services = append(rep.Services, row)
	}

	// The resident supervisor's document adds restart counts for anything
	// it manages; fold those in when it is current.
	if doc, err := s.dir.LoadOrchestratorStatus(ctx); err == nil && doc != nil {
		for i := range rep.Services {
			if st, ok := doc.Services[rep.Services[i].Name]; ok && st.Restarts > 0 {
				rep.Services[i].Detail = joinDetail(rep.Services[i].Detail,
					fmt.Sprintf("%d restarts", st.Restarts))
			}
		}
	}

	sort.SliceStable(rep.Services, func(i, j int) bool {
		return rep.Services[i].Name < rep.Services[j].Name
	})
	return rep, nil
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
