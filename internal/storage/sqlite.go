package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	logx "listingwatch/pkg/logx"
)

const createLinksTable = `CREATE TABLE IF NOT EXISTS links (url TEXT UNIQUE)`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	closeOnce sync.Once
	closeErr  error
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, createLinksTable); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) InsertIfAbsent(ctx context.Context, url string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	// The unique constraint is the duplicate check; a conflicting row simply affects nothing.
	res, err := s.db.ExecContext(ctx, `INSERT INTO links(url) VALUES(?) ON CONFLICT(url) DO NOTHING`, url)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}
