package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable marks failures to open the store or create its table.
// Callers treat it as fatal to the batch being processed.
var ErrStorageUnavailable = errors.New("storage unavailable")

var ErrClosed = errors.New("storage closed")

// Store is the durable URL set.
type Store interface {
	// InsertIfAbsent records url and reports whether it was new.
	// Any string, including "", is accepted as a key.
	InsertIfAbsent(ctx context.Context, url string) (inserted bool, err error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": JSON Lines journal
//   - "postgres": a links table reached through DSN
//   - "redis": one set at Key reached through DSN (redis:// URL)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default

	DSN string // postgres and redis
	Key string // redis only; empty means DefaultRedisKey
}
