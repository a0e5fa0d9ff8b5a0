// Package bootstrap assembles the long-lived components shared by the
// services and the CLI from a config.Config.
package bootstrap

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"querygate/internal/gateway"
	"querygate/internal/policy"
	"querygate/internal/protocol"
	"querygate/internal/token"
	"querygate/internal/vault"
	"querygate/pkg/config"
	"querygate/pkg/db"
	"querygate/pkg/httpx"
	"querygate/pkg/tenants"
)

// TenantStore is a credential store that also keeps registered identities.
type TenantStore interface {
	tenants.Store
	tenants.IdentityStore
}

type Components struct {
	Vault      *vault.Vault
	Store      TenantStore
	Cached     *tenants.CachedStore
	Tokens     *token.Manager
	Guard      *policy.Guard
	Dispatcher *gateway.Dispatcher
	Close      func()
}

// Build wires storage, vault, token manager, policy guard and dispatcher.
// reg receives the metrics; pass nil to skip registration.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, log *zap.SugaredLogger) (*Components, error) {
	v, err := vault.New(vault.Options{
		MasterKey:           cfg.VaultMasterKey,
		Production:          cfg.IsProd(),
		AllowInsecureDevKey: cfg.VaultInsecureDevKey,
	}, log)
	if err != nil {
		return nil, err
	}

	var closers []func()
	c := &Components{Vault: v}
	c.Close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if pool := db.MustConnect(ctx, db.PostgresOptions{URL: cfg.DatabaseURL, MaxConns: int32(cfg.DBMaxConns)}, log); pool != nil {
		closers = append(closers, pool.Close)
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := tenants.EnsureSchema(sctx, pool)
		cancel()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Store = tenants.NewPostgresStore(pool, log)
	} else {
		c.Store = tenants.NewMemoryStore(log)
	}
	if cfg.TenantSeedFile != "" {
		if err := tenants.LoadSeedFile(ctx, cfg.TenantSeedFile, c.Store, c.Store, log); err != nil {
			log.Warnw("tenant seed", "err", err)
		}
	}
	c.Cached = tenants.NewCachedStore(c.Store, cfg.CredentialCacheTTL)

	var store token.Store
	if rdb := db.MustRedis(ctx, db.RedisOptions{URL: cfg.RedisURL, PoolSize: cfg.RedisPoolSize}, log); rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
		store = token.NewRedisStore(rdb, v, cfg.TokenCacheRetention)
	} else {
		store = token.NewMemoryStore(cfg.TokenCacheRetention)
	}

	client := httpx.NewClient(0)
	c.Tokens = token.NewManager(c.Cached, v, store, client, token.Options{
		SafetyMargin: cfg.TokenSafetyMargin,
		DefaultTTL:   cfg.TokenDefaultTTL,
		HTTPTimeout:  cfg.TokenHTTPTimeout,
		Metrics:      token.NewMetrics(reg),
	}, log)

	if c.Guard, err = policy.Load(ctx, cfg.QueryPolicyFile, log); err != nil {
		c.Close()
		return nil, err
	}

	opts := gateway.Options{
		Timeout:      cfg.UpstreamTimeout,
		ServicesPath: cfg.ServicesPath,
		RatePerSec:   cfg.UpstreamRatePerSec,
		Burst:        cfg.UpstreamBurst,
		Audit:        gateway.LogAudit{Log: log},
		Metrics:      gateway.NewMetrics(reg),
	}
	if c.Guard != nil {
		opts.Guard = c.Guard
	}
	c.Dispatcher = gateway.New(c.Cached, c.Tokens, client,
		[]protocol.Translator{protocol.NewSOAP(cfg.SOAPNamespaceBase), protocol.NewOData()},
		opts, log)
	return c, nil
}
