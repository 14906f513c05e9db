// Package history records finished job runs.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobq/pkg/logx"
)

var ErrClosed = errors.New("history: store closed")

// Run is one finished job execution.
type Run struct {
	ID        string        `json:"id"`
	Queue     string        `json:"queue"`
	Name      string        `json:"name,omitempty"`
	Cost      float64       `json:"cost,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

func (r Run) OK() bool { return r.Error == "" }

// Store persists runs. Recent returns newest first; an empty queue matches all.
type Store interface {
	Append(ctx context.Context, r Run) error
	Recent(ctx context.Context, queue string, limit int) ([]Run, error)
	Close() error
}

// Config selects a Store. Driver is "memory", "sqlite" or "none".
// Size bounds the number of runs kept by either backend.
type Config struct {
	Driver      string
	Path        string
	Size        int
	BusyTimeout time.Duration
}

// Open returns the configured store, or (nil, nil) when history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "none":
		return nil, nil
	case "", "memory":
		return NewMemory(cfg.Size), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	default:
		return nil, errors.New("history: unknown driver " + cfg.Driver)
	}
}
