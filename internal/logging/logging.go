// Package logging wires slog for the trading services. Every service logs
// to stdout and to logs/<service>.log through a size-rotating writer
// (10 MB per file, 5 rotated backups: service.log.1 is the newest backup,
// service.log.5 the oldest).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// DefaultMaxBytes is the rotation threshold per log file.
	DefaultMaxBytes = 10 * 1024 * 1024
	// DefaultBackups is how many rotated files are kept.
	DefaultBackups = 5
)

// Rotator is an io.Writer that rotates the underlying file once it would
// exceed maxBytes. Rotation renames the chain service.log.4 → service.log.5,
// …, service.log → service.log.1 and reopens a fresh file. Safe for
// concurrent use.
type Rotator struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	size     int64
	file     *os.File
}

// NewRotator opens (or creates) the log file in append mode.
func NewRotator(path string, maxBytes int64, backups int) (*Rotator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &Rotator{
		path:     path,
		maxBytes: maxBytes,
		backups:  backups,
		size:     info.Size(),
		file:     f,
	}, nil
}

// Write appends p, rotating first if the file would grow past the limit.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes && r.size > 0 {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current log file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Rotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}

	oldest := fmt.Sprintf("%s.%d", r.path, r.backups)
	_ = os.Remove(oldest)
	for i := r.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", r.path, i)
		to := fmt.Sprintf("%s.%d", r.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log file: %w", err)
	}
	r.file = f
	r.size = 0
	return nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the logger for one service: stdout plus the rotating file,
// handler format and level from config. The returned closer flushes the
// file on shutdown.
func Setup(service, logsDir, level, format string) (*slog.Logger, io.Closer, error) {
	rot, err := NewRotator(filepath.Join(logsDir, service+".log"), DefaultMaxBytes, DefaultBackups)
	if err != nil {
		return nil, nil, err
	}

	out := io.MultiWriter(os.Stdout, rot)
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler).With("service", service), rot, nil
}
