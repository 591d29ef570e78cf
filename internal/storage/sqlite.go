package storage

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

	logx "buildsched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	closed atomic.Bool
	// runs older than retainRuns are pruned every pruneEvery appends.
	opCount    atomic.Uint64
	pruneEvery uint64
	retainRuns time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500, retainRuns: 30 * 24 * time.Hour}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ok() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := s.ok(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, run_id, task, status, duration_ms, err) VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), nullStr(r.RunID), r.Task, r.Status, r.DurationMS, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) PutSignature(ctx context.Context, key, sig string) error {
	if err := s.ok(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signatures(key, sig, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET sig=excluded.sig, updated_at=excluded.updated_at`,
		key, sig, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSignature(ctx context.Context, key string) (string, bool, error) {
	if err := s.ok(); err != nil {
		return "", false, err
	}
	if key == "" {
		return "", false, nil
	}
	var sig string
	err := s.db.QueryRowContext(ctx, `SELECT sig FROM signatures WHERE key = ?`, key).Scan(&sig)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sig, true, nil
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retainRuns).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
