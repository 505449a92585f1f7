package storage

import (
	"context"
	"fmt"
	"strings"

	logx "fxalert/pkg/logx"
)

// Open initializes the configured database and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// OpenDedup returns the fingerprint store selected by cfg.Dedup. It returns
// (nil, nil) for "none". With "store" the main database is reused and closing
// the result is a no-op.
func OpenDedup(ctx context.Context, cfg Config, main Store, log logx.Logger) (DedupStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Dedup.Driver)); driver {
	case "", "store":
		if main == nil {
			return nil, ErrDisabled
		}
		return nopCloser{main}, nil
	case "file":
		return openFileDedup(cfg.Dedup, log)
	case "redis":
		return openRedisDedup(ctx, cfg.Dedup, log)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown dedup driver: %s", driver)
	}
}
