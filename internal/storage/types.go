package storage

import (
	"context"
	"errors"
	"time"

	"fxalert/internal/calendar"
	"fxalert/internal/prefs"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Dedup       DedupConfig
}

type DedupConfig struct {
	Driver   string
	Path     string
	RedisURL string
	Prefix   string
}

// DedupStore persists ledger fingerprints across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneDedup drops entries that expired before now.
	PruneDedup(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Store is the full database backend.
type Store interface {
	calendar.Source
	prefs.Store
	DedupStore

	// UpsertEvents writes events keyed by ID; used by the importer.
	UpsertEvents(ctx context.Context, events []calendar.Event) error
	Ping(ctx context.Context) error
}

// nopCloser wraps a DedupStore that shares its lifetime with the main store.
type nopCloser struct{ DedupStore }

func (nopCloser) Close() error { return nil }
