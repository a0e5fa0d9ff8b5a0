package token

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

type Grant string

const (
	GrantClientCredentials Grant = "client_credentials"
	GrantPassword          Grant = "password"
	GrantRefresh           Grant = "refresh_token"
)

// CachedToken is the one slot a tenant holds in the token cache.
type CachedToken struct {
	TenantID     string    `json:"tenant_id"`
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Grant        Grant     `json:"grant"`
}

// ExpiresAtEpochMs is ExpiresAt in Unix milliseconds.
func (t CachedToken) ExpiresAtEpochMs() int64 { return t.ExpiresAt.UnixMilli() }

// Fresh reports whether t can still be used at now, treating it as expired
// margin before its literal expiry.
func (t CachedToken) Fresh(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Authorization returns the value for an Authorization header.
func (t CachedToken) Authorization() string {
	typ := t.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// Store holds at most one token per tenant. Set replaces the slot.
type Store interface {
	Get(ctx context.Context, tenant string) (CachedToken, bool, error)
	Set(ctx context.Context, tok CachedToken) error
	Invalidate(ctx context.Context, tenant string) error
}

// MemoryStore keeps tokens in process. Entries outlive the access token's
// expiry by the retention period so a refresh token stays usable.
type MemoryStore struct {
	c *gocache.Cache
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{c: gocache.New(retention, time.Minute)}
}

func (m *MemoryStore) Get(_ context.Context, tenant string) (CachedToken, bool, error) {
	v, ok := m.c.Get(tenant)
	if !ok {
		return CachedToken{}, false, nil
	}
	tok, ok := v.(CachedToken)
	return tok, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, tok CachedToken) error {
	m.c.Set(tok.TenantID, tok, gocache.DefaultExpiration)
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, tenant string) error {
	m.c.Delete(tenant)
	return nil
}

// Sealer encrypts cached tokens before they leave the process.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// RedisStore shares tokens between replicas. Values are JSON sealed by the
// vault under querygate:token:{tenant}.
type RedisStore struct {
	rdb       *redis.Client
	sealer    Sealer
	retention time.Duration
}

const redisKeyPrefix = "querygate:token:"

func NewRedisStore(rdb *redis.Client, sealer Sealer, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, sealer: sealer, retention: retention}
}

func (r *RedisStore) Get(ctx context.Context, tenant string) (CachedToken, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKeyPrefix+tenant).Result()
	if errors.Is(err, redis.Nil) {
		return CachedToken{}, false, nil
	}
	if err != nil {
		return CachedToken{}, false, err
	}
	plain, err := r.sealer.Decrypt(raw)
	if err != nil {
		// unreadable entries (e.g. after a key rotation) are treated as absent
		_ = r.rdb.Del(ctx, redisKeyPrefix+tenant).Err()
		return CachedToken{}, false, nil
	}
	var tok CachedToken
	if err := json.Unmarshal([]byte(plain), &tok); err != nil {
		return CachedToken{}, false, nil
	}
	return tok, true, nil
}

func (r *RedisStore) Set(ctx context.Context, tok CachedToken) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	sealed, err := r.sealer.Encrypt(string(b))
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisKeyPrefix+tok.TenantID, sealed, r.retention).Err()
}

func (r *RedisStore) Invalidate(ctx context.Context, tenant string) error {
	return r.rdb.Del(ctx, redisKeyPrefix+tenant).Err()
}
