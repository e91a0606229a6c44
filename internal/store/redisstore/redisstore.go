// Package redisstore runs the coordination transactions as Lua scripts on
// Redis. Redis executes each script without interleaving other commands,
// which gives every transaction serial isolation.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gourl/coord/internal/config"
	"github.com/gourl/coord/internal/store"
)

var (
	//go:embed admit.lua
	admitSource string
	//go:embed release.lua
	releaseSource string
	//go:embed renew.lua
	renewSource string

	admitScript   = redis.NewScript(admitSource)
	releaseScript = redis.NewScript(releaseSource)
	renewScript   = redis.NewScript(renewSource)
)

// ErrUnexpectedReply is returned when a script answers with a shape the
// store does not understand.
var ErrUnexpectedReply = errors.New("unexpected script reply")

// Store implements store.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	owned  bool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. Close does not close a client passed here.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Dial connects to Redis, verifies connectivity and loads the scripts.
func Dial(ctx context.Context, cfg *config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := &Store{client: client, owned: true}
	if err := s.LoadScripts(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// LoadScripts preloads every script so the first call on each one does not
// pay for an EVALSHA miss.
func (s *Store) LoadScripts(ctx context.Context) error {
	for _, script := range []*redis.Script{admitScript, releaseScript, renewScript} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return store.Unavailable("script load", err)
		}
	}
	return nil
}

// Admit implements store.Windows.
func (s *Store) Admit(ctx context.Context, key string, req store.WindowRequest) (store.WindowReply, error) {
	res, err := admitScript.Run(ctx, s.client, []string{key},
		req.Now.UnixMilli(),
		req.Window.Milliseconds(),
		req.Limit,
		req.Tag,
	).Slice()
	if err != nil {
		return store.WindowReply{}, store.Unavailable("admit", err)
	}
	if len(res) != 3 {
		return store.WindowReply{}, fmt.Errorf("admit: %w: %v", ErrUnexpectedReply, res)
	}

	allowed, ok1 := res[0].(int64)
	count, ok2 := res[1].(int64)
	oldest, ok3 := res[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return store.WindowReply{}, fmt.Errorf("admit: %w: %v", ErrUnexpectedReply, res)
	}

	reply := store.WindowReply{Allowed: allowed == 1, Count: int(count)}
	if oldest >= 0 {
		reply.Oldest = time.UnixMilli(oldest)
	}
	return reply, nil
}

// Drop implements store.Windows.
func (s *Store) Drop(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return store.Unavailable("drop", err)
	}
	return nil
}

// Claim implements store.Leases with SET NX PX.
func (s *Store) Claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, store.Unavailable("claim", err)
	}
	return ok, nil
}

// Release implements store.Leases.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, store.Unavailable("release", err)
	}
	return n == 1, nil
}

// Renew implements store.Leases.
func (s *Store) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, store.Unavailable("renew", err)
	}
	return n == 1, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

// Close closes the client if Dial created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}
