package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "listingwatch/pkg/logx"
)

const (
	createLinksTablePG = `CREATE TABLE IF NOT EXISTS links (url TEXT PRIMARY KEY)`
	insertLinkPG       = `INSERT INTO links (url) VALUES ($1) ON CONFLICT (url) DO NOTHING`
)

// execCloser is the subset of *pgxpool.Pool the store needs.
type execCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

type postgresStore struct {
	pool execCloser
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	// One batch inserts sequentially.
	pcfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	st, err := newPostgresWithPool(ctx, pool, log)
	if err != nil {
		return nil, err
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return st, nil
}

// newPostgresWithPool creates the links table on pool. The pool is closed
// on failure.
func newPostgresWithPool(ctx context.Context, pool execCloser, log logx.Logger) (*postgresStore, error) {
	if _, err := pool.Exec(ctx, createLinksTablePG); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) InsertIfAbsent(ctx context.Context, url string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrClosed
	}
	tag, err := s.pool.Exec(ctx, insertLinkPG, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	s.pool = nil
	return nil
}
