package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "jobq/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// SQLite stores runs in a job_runs table, trimmed to the newest Size rows.
type SQLite struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	appends    atomic.Uint64
	pruneEvery uint64
}

func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite away from SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	keep := cfg.Size
	if keep <= 0 {
		keep = defaultSize
	}
	pruneEvery := uint64(keep / 10)
	if pruneEvery == 0 {
		pruneEvery = 1
	}
	return &SQLite{db: db, log: log, keep: keep, pruneEvery: pruneEvery}, nil
}

func (s *SQLite) Append(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(id, queue, name, cost, started_at, duration_ms, error) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Queue, nullStr(r.Name), r.Cost, r.StartedAt.UnixMilli(), r.Duration.Milliseconds(), nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.appends.Add(1)%s.pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			s.log.Warn("history prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *SQLite) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE seq <= (SELECT seq FROM job_runs ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
		s.keep,
	)
	return err
}

func (s *SQLite) Recent(ctx context.Context, queue string, limit int) ([]Run, error) {
	if limit <= 0 || limit > s.keep {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, name, cost, started_at, duration_ms, error FROM job_runs
		 WHERE (? = '' OR queue = ?) ORDER BY seq DESC LIMIT ?`,
		queue, queue, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r           Run
			name, rerr  sql.NullString
			startMS, ms int64
		)
		if err := rows.Scan(&r.ID, &r.Queue, &name, &r.Cost, &startMS, &ms, &rerr); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.Error = rerr.String
		r.StartedAt = time.UnixMilli(startMS)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
