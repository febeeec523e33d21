package state

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PID files and heartbeats are single-writer (the owning service) and a
// single small value, so they go through the atomic rename path without
// the advisory lock.

func (d *Dir) pidPath(service string) string {
	return filepath.Join(d.path, service+".pid")
}

// WritePID records the calling process as the owner of service.
func (d *Dir) WritePID(service string, pid int) error {
	return d.writeRaw(service+".pid", []byte(strconv.Itoa(pid)+"\n"))
}

// ReadPID returns the recorded PID, or 0 when no PID file exists.
func (d *Dir) ReadPID(service string) (int, error) {
	raw, err := os.ReadFile(d.pidPath(service))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid %s: %w", service, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pid %s: %w", service, err)
	}
	return pid, nil
}

// RemovePID deletes the PID file; absence is not an error.
func (d *Dir) RemovePID(service string) error {
	err := os.Remove(d.pidPath(service))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid %s: %w", service, err)
	}
	return nil
}

// WriteHeartbeat stamps the service's liveness file with now.
func (d *Dir) WriteHeartbeat(service string, now time.Time) error {
	return d.writeRaw(service+".heartbeat", []byte(now.UTC().Format(time.RFC3339Nano)+"\n"))
}

// ReadHeartbeat returns the last heartbeat time; zero when none exists.
func (d *Dir) ReadHeartbeat(service string) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, service+".heartbeat"))
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat %s: %w", service, err)
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat %s: %w", service, err)
	}
	return t, nil
}

// writeRaw writes bytes through the same tmp+rename path as writeJSON.
func (d *Dir) writeRaw(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.path, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.path, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// ReadUniverse loads candidate symbols from a newline-delimited file,
// skipping blanks and #-comments, uppercasing, de-duplicating, and
// capping at limit when limit > 0.
func ReadUniverse(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var symbols []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		sym := strings.ToUpper(strings.TrimSpace(sc.Text()))
		if sym == "" || strings.HasPrefix(sym, "#") {
			continue
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
		if limit > 0 && len(symbols) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan universe: %w", err)
	}
	return symbols, nil
}
