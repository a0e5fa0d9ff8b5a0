// Package db opens the Postgres pool and Redis client behind the credential
// and token stores.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPingTimeout = 5 * time.Second

type PostgresOptions struct {
	URL         string
	MaxConns    int32
	PingTimeout time.Duration
}

type RedisOptions struct {
	URL         string
	PoolSize    int
	PingTimeout time.Duration
}

// Connect opens a pool and pings it. An empty URL returns a nil pool.
func Connect(ctx context.Context, o PostgresOptions) (*pgxpool.Pool, error) {
	if o.URL == "" {
		return nil, nil
	}
	pc, err := pgxpool.ParseConfig(o.URL)
	if err != nil {
		return nil, fmt.Errorf("pg config: %w", err)
	}
	if o.MaxConns > 0 {
		pc.MaxConns = o.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout(o.PingTimeout))
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping %s: %w", redactDSN(o.URL), err)
	}
	return pool, nil
}

// ConnectRedis opens a client and pings it. An empty URL returns a nil client.
func ConnectRedis(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	if o.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	cli := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout(o.PingTimeout))
	defer cancel()
	if err := cli.Ping(pctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return cli, nil
}

// MustConnect is Connect that exits the process on failure.
func MustConnect(ctx context.Context, o PostgresOptions, log *zap.SugaredLogger) *pgxpool.Pool {
	pool, err := Connect(ctx, o)
	if err != nil {
		log.Fatalw("postgres unavailable", "err", err)
	}
	if pool != nil {
		log.Infow("postgres ready", "host", redactDSN(o.URL), "max_conns", pool.Config().MaxConns)
	}
	return pool
}

// MustRedis is ConnectRedis that exits the process on failure.
func MustRedis(ctx context.Context, o RedisOptions, log *zap.SugaredLogger) *redis.Client {
	cli, err := ConnectRedis(ctx, o)
	if err != nil {
		log.Fatalw("redis unavailable", "err", err)
	}
	if cli != nil {
		log.Infow("redis ready", "addr", cli.Options().Addr, "pool_size", cli.Options().PoolSize)
	}
	return cli
}

func pingTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultPingTimeout
	}
	return d
}

func redactDSN(dsn string) string {
	if i := strings.LastIndex(dsn, "@"); i > 0 {
		return "***@" + dsn[i+1:]
	}
	return dsn
}
