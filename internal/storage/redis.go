package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "listingwatch/pkg/logx"
)

const DefaultRedisKey = "listingwatch:links"

// setAdder is the subset of *redis.Client the store needs.
type setAdder interface {
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	Close() error
}

// redisStore keeps the URL set in one Redis set. SADD reports 1 for a new
// member and 0 for an existing one.
type redisStore struct {
	client setAdder
	key    string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("redis: dsn is required")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	st := newRedisWithClient(client, cfg.Key, log)
	log.Debug("redis store opened", logx.String("addr", opts.Addr), logx.String("key", st.key))
	return st, nil
}

func newRedisWithClient(client setAdder, key string, log logx.Logger) *redisStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisKey
	}
	return &redisStore{client: client, key: key, log: log}
}

func (s *redisStore) InsertIfAbsent(ctx context.Context, url string) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrClosed
	}
	n, err := s.client.SAdd(ctx, s.key, url).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
