package storage

import (
	"context"
	"errors"
	"strings"

	logx "jobsched/pkg/logx"
)

// Store is the run history API used by the recorder and the daemon.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, q Query) ([]RunRecord, error)
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "bolt":
		return openBolt(cfg, log)
	case "mongo", "mongodb":
		return openMongo(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
