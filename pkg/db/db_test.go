package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_EmptyURLsAreOptional(t *testing.T) {
	pool, err := Connect(context.Background(), PostgresOptions{})
	require.NoError(t, err)
	assert.Nil(t, pool)

	cli, err := ConnectRedis(context.Background(), RedisOptions{})
	require.NoError(t, err)
	assert.Nil(t, cli)
}

func TestConnectRedis_AppliesPoolSize(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := ConnectRedis(context.Background(), RedisOptions{URL: "redis://" + mr.Addr(), PoolSize: 7})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	assert.Equal(t, 7, cli.Options().PoolSize)
	assert.NoError(t, cli.Set(context.Background(), "k", "v", 0).Err())
}

func TestConnectRedis_PingFailureIsBounded(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	start := time.Now()
	_, err := ConnectRedis(context.Background(), RedisOptions{URL: "redis://" + addr, PingTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnect_RejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), PostgresOptions{URL: "postgres://%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg config")

	_, err = ConnectRedis(context.Background(), RedisOptions{URL: "http://nope"})
	require.Error(t, err)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "***@db:5432/qg", redactDSN("postgres://u:p@ss@db:5432/qg"))
	assert.Equal(t, "db:5432", redactDSN("db:5432"))
}
