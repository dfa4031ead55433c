package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

// Redis stores each session as one JSON string under Key(id) with a TTL that every
// Save refreshes.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

// DialRedis connects and pings so a bad address fails at startup, not on first save.
func DialRedis(ctx context.Context, opts *redis.Options, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedis(rdb, ttl), nil
}

func (r *Redis) Save(ctx context.Context, s *puzzle.Session) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, Key(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", s.ID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, id string) (*puzzle.Session, error) {
	data, err := r.rdb.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", id, err)
	}
	return decode(id, data)
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
