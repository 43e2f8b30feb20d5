package storage

import (
	"context"
	"fmt"
	"strings"

	logx "listingwatch/pkg/logx"
)

const DefaultPath = "./tori.db"

// Open initializes the configured store. Every failure wraps ErrStorageUnavailable.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "file":
		st, err = openFile(cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	case "redis":
		st, err = openRedis(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return st, nil
}

// Opener opens a fresh Store handle. The dispatcher opens one per batch.
type Opener func(ctx context.Context) (Store, error)

// NewOpener binds cfg to Open.
func NewOpener(cfg Config, log logx.Logger) Opener {
	return func(ctx context.Context) (Store, error) {
		return Open(ctx, cfg, log)
	}
}
