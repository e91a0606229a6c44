// Package pgstore keeps rate windows and leases in PostgreSQL tables.
//
// Window admissions serialize per key on a transaction-scoped advisory
// lock. Lease transitions are single conditional statements, so the row
// lock taken by the statement is enough. All lease expiry uses the database
// clock.
package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gourl/coord/internal/config"
	"github.com/gourl/coord/internal/database"
	"github.com/gourl/coord/internal/store"
	"github.com/gourl/coord/pkg/logger"
)

// DefaultSweepInterval is used when the configured interval is not positive.
const DefaultSweepInterval = 30 * time.Second

const (
	lockWindowSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	pruneWindowSQL = `DELETE FROM rate_window_entries WHERE window_key = $1 AND recorded_at <= $2`

	countWindowSQL = `SELECT count(*), min(recorded_at) FROM rate_window_entries WHERE window_key = $1`

	insertEntrySQL = `
		INSERT INTO rate_window_entries (window_key, tag, recorded_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (window_key, tag) DO NOTHING`

	dropWindowSQL = `DELETE FROM rate_window_entries WHERE window_key = $1`

	claimSQL = `
		INSERT INTO leases (lease_key, token, expires_at)
		VALUES ($1, $2, clock_timestamp() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (lease_key) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE leases.expires_at <= clock_timestamp()`

	releaseSQL = `
		DELETE FROM leases
		WHERE lease_key = $1 AND token = $2 AND expires_at > clock_timestamp()`

	renewSQL = `
		UPDATE leases
		SET expires_at = clock_timestamp() + $3::bigint * interval '1 millisecond'
		WHERE lease_key = $1 AND token = $2 AND expires_at > clock_timestamp()`

	sweepWindowsSQL = `DELETE FROM rate_window_entries WHERE expires_at <= $1`

	sweepLeasesSQL = `DELETE FROM leases WHERE expires_at <= clock_timestamp()`
)

// Store implements store.Store on a pgx pool.
type Store struct {
	pool  *database.Pool
	owned bool
	log   *logger.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// New uses an existing pool whose schema is already migrated and starts the
// janitor. Close does not close a pool passed here. A nil log discards
// janitor errors.
func New(pool *database.Pool, sweepInterval time.Duration, log *logger.Logger) *Store {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{
		pool: pool,
		log:  log.With("component", "pgstore"),
		done: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.janitor(sweepInterval)

	return s
}

// Open connects, applies pending migrations and returns a Store that owns
// the pool.
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	migrator, err := database.NewMigrator(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if applied > 0 && log != nil {
		log.Info("applied database migrations", "count", applied)
	}

	s := New(pool, cfg.SweepInterval, log)
	s.owned = true
	return s, nil
}

// Admit implements store.Windows.
func (s *Store) Admit(ctx context.Context, key string, req store.WindowRequest) (store.WindowReply, error) {
	var reply store.WindowReply
	now := req.Now.UnixMilli()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockWindowSQL, key); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, pruneWindowSQL, key, req.Cutoff().UnixMilli()); err != nil {
			return err
		}

		var count int64
		var oldest *int64
		if err := tx.QueryRow(ctx, countWindowSQL, key).Scan(&count, &oldest); err != nil {
			return err
		}
		reply.Count = int(count)

		if reply.Count < req.Limit {
			expires := now + req.Window.Milliseconds()
			if _, err := tx.Exec(ctx, insertEntrySQL, key, req.Tag, now, expires); err != nil {
				return err
			}
			reply.Allowed = true
			if oldest == nil || now < *oldest {
				oldest = &now
			}
		}
		if oldest != nil {
			reply.Oldest = time.UnixMilli(*oldest)
		}
		return nil
	})
	if err != nil {
		return store.WindowReply{}, store.Unavailable("admit", err)
	}
	return reply, nil
}

// Drop implements store.Windows.
func (s *Store) Drop(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, dropWindowSQL, key); err != nil {
		return store.Unavailable("drop", err)
	}
	return nil
}

// Claim implements store.Leases.
func (s *Store) Claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.exec(ctx, "claim", claimSQL, key, token, ttl.Milliseconds())
}

// Release implements store.Leases.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	return s.exec(ctx, "release", releaseSQL, key, token)
}

// Renew implements store.Leases.
func (s *Store) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.exec(ctx, "renew", renewSQL, key, token, ttl.Milliseconds())
}

// exec runs a single-row conditional statement and reports whether it
// changed the row.
func (s *Store) exec(ctx context.Context, op, sql string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, store.Unavailable(op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

// Sweep deletes expired entries and leases, reporting how many rows went.
func (s *Store) Sweep(ctx context.Context) (entries, leases int64, err error) {
	tag, err := s.pool.Exec(ctx, sweepWindowsSQL, time.Now().UnixMilli())
	if err != nil {
		return 0, 0, store.Unavailable("sweep", err)
	}
	entries = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, sweepLeasesSQL)
	if err != nil {
		return entries, 0, store.Unavailable("sweep", err)
	}
	return entries, tag.RowsAffected(), nil
}

func (s *Store) janitor(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			entries, leases, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.log.Warn("sweep failed", "error", err)
			} else if entries+leases > 0 {
				s.log.Debug("swept expired rows", "entries", entries, "leases", leases)
			}
		}
	}
}

// Close stops the janitor and closes the pool if Open created it.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.owned {
			s.pool.Close()
		}
	})
	return nil
}
