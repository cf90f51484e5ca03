package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"homebgp/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
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
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.RunRetention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("storage.opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutStatus(ctx context.Context, r StatusRecord) error {
	if r.ID == "" {
		return nil
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	var meta any
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_status(id, description, state, schedule, err, run_count, last_run_at, updated_at, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   description=excluded.description, state=excluded.state, schedule=excluded.schedule,
		   err=excluded.err, run_count=excluded.run_count, last_run_at=excluded.last_run_at,
		   updated_at=excluded.updated_at, meta=excluded.meta`,
		r.ID, nullStr(r.Description), r.State, nullStr(r.Schedule), nullStr(r.Error), int64(r.RunCount),
		nullTime(r.LastRunAt), r.UpdatedAt.UnixMilli(), meta,
	)
	return err
}

const statusColumns = `id, description, state, schedule, err, run_count, last_run_at, updated_at, meta`

type rowScanner interface{ Scan(dest ...any) error }

func scanStatus(row rowScanner) (StatusRecord, error) {
	var (
		r                         StatusRecord
		desc, sched, errMsg, meta sql.NullString
		runCount, updated         int64
		lastRun                   sql.NullInt64
	)
	if err := row.Scan(&r.ID, &desc, &r.State, &sched, &errMsg, &runCount, &lastRun, &updated, &meta); err != nil {
		return StatusRecord{}, err
	}
	r.Description, r.Schedule, r.Error = desc.String, sched.String, errMsg.String
	r.RunCount = uint64(runCount)
	r.UpdatedAt = time.UnixMilli(updated)
	if lastRun.Valid {
		r.LastRunAt = time.UnixMilli(lastRun.Int64)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return StatusRecord{}, fmt.Errorf("status %q metadata: %w", r.ID, err)
		}
	}
	return r, nil
}

func (s *sqliteStore) GetStatus(ctx context.Context, id string) (StatusRecord, bool, error) {
	r, err := scanStatus(s.db.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM task_status WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) ListStatus(ctx context.Context) ([]StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+statusColumns+` FROM task_status ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusRecord
	for rows.Next() {
		r, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteStatus(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_status WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) (string, error) {
	r = prepareRun(r)
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(run_id, task_id, started_at, duration_ms, ok, err) VALUES(?,?,?,?,?,?)`,
		r.RunID, r.TaskID, r.StartedAt.UnixMilli(), r.Duration.Milliseconds(), ok, nullStr(r.Error),
	)
	if err != nil {
		return "", err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.pruneRuns(pctx); err != nil {
			s.log.Debug("storage.prune_failed", logx.Err(err))
		}
		cancel()
	}
	return r.RunID, nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = defaultRunsPerTask
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, started_at, duration_ms, ok, err FROM task_runs
		 WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r           RunRecord
			started, ms int64
			ok          int
			errMsg      sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.TaskID, &started, &ms, &ok, &errMsg); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.OK = ok == 1
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
