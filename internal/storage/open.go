package storage

import (
	"context"
	"fmt"
	"strings"

	logx "jobsched/pkg/logx"
)

// Store is the persistence API for execution history.
type Store interface {
	AppendExecution(ctx context.Context, r Record) error
	// RecentExecutions returns the newest matching records, newest first.
	RecentExecutions(ctx context.Context, q Query) ([]Record, error)
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
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
