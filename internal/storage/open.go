package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"homebgp/pkg/logx"
)

// Store is the persistence API used by the Recorder and the console.
type Store interface {
	PutStatus(ctx context.Context, r StatusRecord) error
	GetStatus(ctx context.Context, id string) (StatusRecord, bool, error)
	ListStatus(ctx context.Context) ([]StatusRecord, error)
	DeleteStatus(ctx context.Context, id string) error
	// AppendRun stores r and returns its run id (generated when empty).
	AppendRun(ctx context.Context, r RunRecord) (string, error)
	// RecentRuns returns up to limit runs of taskID, newest first.
	RecentRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = defaultRunRetention
	}
	if cfg.RunsPerTask <= 0 {
		cfg.RunsPerTask = defaultRunsPerTask
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func prepareRun(r RunRecord) RunRecord {
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return r
}
