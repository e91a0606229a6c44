// Package database provides PostgreSQL connectivity and schema migrations
// for the postgres store backend.
package database

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gourl/coord/internal/config"
)

// maxPoolConns bounds configured pool sizes.
const maxPoolConns = 1000

// Pool wraps pgxpool.Pool.
type Pool struct {
	*pgxpool.Pool
}

// Stats represents pool statistics.
type Stats struct {
	MaxConns          int32
	TotalConns        int32
	IdleConns         int32
	AcquiredConns     int32
	AcquireCount      int64
	EmptyAcquireCount int64
}

// NewPool creates a connection pool and verifies connectivity.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxOpenConns > 0 && cfg.MaxOpenConns <= maxPoolConns {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 && cfg.MaxIdleConns <= maxPoolConns {
		poolConfig.MinConns = min(int32(cfg.MaxIdleConns), poolConfig.MaxConns)
	}
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// BuildDSN constructs a PostgreSQL connection URL. Credentials are escaped.
func BuildDSN(cfg *config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.DBName,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

// Stats returns pool statistics.
func (p *Pool) Stats() *Stats {
	s := p.Pool.Stat()
	return &Stats{
		MaxConns:          s.MaxConns(),
		TotalConns:        s.TotalConns(),
		IdleConns:         s.IdleConns(),
		AcquiredConns:     s.AcquiredConns(),
		AcquireCount:      s.AcquireCount(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
	}
}
