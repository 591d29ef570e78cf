package storage

import (
	"context"
	"errors"
	"strings"

	logx "buildsched/pkg/logx"
)

// Store persists task signatures and run records.
type Store interface {
	// GetSignature returns the signature stored for key by the last
	// successful run.
	GetSignature(ctx context.Context, key string) (sig string, ok bool, err error)
	PutSignature(ctx context.Context, key, sig string) error
	AppendRun(ctx context.Context, r RunRecord) error
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
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
		return true
	default:
		return false
	}
}
