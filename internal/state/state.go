// Package state is the durable coordination substrate shared by all
// services. Every piece of inter-service communication goes through JSON
// files in one state directory: the pre-market scanner writes the daily
// watchlist, the scanner writes signals, the buyer creates positions, the
// monitor ratchets stops and emits sell signals, the seller finalizes
// trades and cooldowns.
//
// Access rules, enforced here so the services don't have to think about
// them:
//
//   - Every file is guarded by an advisory lock on a .lock sibling
//     (shared for reads, exclusive for writes) with a 5 s acquisition
//     timeout. The lock lives on a sibling so the data file itself can be
//     atomically renamed over while held.
//   - Every write is atomic: temp sibling, fsync, rename. A reader never
//     observes a partial document.
//   - A file that fails to parse is quarantined (renamed with a .corrupt
//     suffix) and treated as absent, so one bad write never wedges the
//     system.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockTimeout   = 5 * time.Second
	lockRetryWait = 100 * time.Millisecond
)

// ErrLockTimeout is returned when a state file lock cannot be acquired
// within the timeout. Callers treat it as a transient cycle skip.
var ErrLockTimeout = errors.New("state: lock acquisition timed out")

// State file names. One writer each; see the package comment.
const (
	watchlistFile   = "daily_watchlist.json"
	signalsFile     = "signals.json"
	positionsFile   = "positions.json"
	sellSignalsFile = "sell_signals.json"
	tradesFile      = "trades.json"
	cooldownsFile   = "cooldowns.json"
	statusFile      = "orchestrator_status.json"
)

// Dir is a handle on the shared state directory.
type Dir struct {
	path   string
	logger *slog.Logger
}

// Open ensures the state directory exists and returns a handle.
func Open(path string, logger *slog.Logger) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{path: path, logger: logger.With("component", "state")}, nil
}

// Path returns the state directory path.
func (d *Dir) Path() string { return d.path }

// filePath resolves a state file name inside the directory.
func (d *Dir) filePath(name string) string { return filepath.Join(d.path, name) }

// withLock runs fn while holding the advisory lock for name. Shared locks
// allow concurrent readers; the single writer takes an exclusive lock.
func (d *Dir) withLock(ctx context.Context, name string, exclusive bool, fn func() error) error {
	lk := flock.New(d.filePath(name) + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = lk.TryLockContext(lockCtx, lockRetryWait)
	} else {
		ok, err = lk.TryRLockContext(lockCtx, lockRetryWait)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, name)
		}
		return fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, name)
	}
	defer lk.Unlock()

	return fn()
}

// readJSON loads name into v. Returns found=false when the file does not
// exist. A file that cannot be parsed is quarantined and reported absent.
// Must be called under the file's lock.
func (d *Dir) readJSON(name string, v any) (found bool, err error) {
	path := d.filePath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		d.quarantine(name, err)
		return false, nil
	}
	return true, nil
}

// writeJSON atomically replaces name with the JSON encoding of v:
// temp sibling in the same directory, fsync, rename over the target.
// Must be called under the file's exclusive lock.
func (d *Dir) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(d.path, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, d.filePath(name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// quarantine moves a corrupt state file aside so the writer can
// reinitialize it. The original content is preserved for inspection.
func (d *Dir) quarantine(name string, cause error) {
	dst := fmt.Sprintf("%s.corrupt.%d", d.filePath(name), time.Now().Unix())
	if err := os.Rename(d.filePath(name), dst); err != nil {
		d.logger.Error("quarantine failed", "file", name, "error", err, "cause", cause)
		return
	}
	d.logger.Error("state file corrupt, quarantined",
		"file", name,
		"moved_to", filepath.Base(dst),
		"cause", cause,
	)
}

// load is the generic read path: shared lock, read, default when absent.
// A failed parse may leave partial fields behind, so out is zeroed unless
// the read fully succeeded.
func load[T any](ctx context.Context, d *Dir, name string, out *T) (bool, error) {
	var found bool
	err := d.withLock(ctx, name, false, func() error {
		var err error
		found, err = d.readJSON(name, out)
		return err
	})
	if !found {
		var zero T
		*out = zero
	}
	return found, err
}

// save is the generic write path: exclusive lock, atomic replace.
func save(ctx context.Context, d *Dir, name string, v any) error {
	return d.withLock(ctx, name, true, func() error {
		return d.writeJSON(name, v)
	})
}

// update is the generic read-modify-write path under one exclusive lock
// hold, so concurrent writers of other fields cannot interleave between
// the read and the write.
func update[T any](ctx context.Context, d *Dir, name string, init func() T, fn func(*T) error) error {
	return d.withLock(ctx, name, true, func() error {
		doc := init()
		found, err := d.readJSON(name, &doc)
		if err != nil {
			return err
		}
		if !found {
			doc = init()
		}
		if err := fn(&doc); err != nil {
			return err
		}
		return d.writeJSON(name, doc)
	})
}
