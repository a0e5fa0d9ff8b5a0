package adminapi

import (
	"context"

	"go.uber.org/zap"

	"querygate/pkg/middleware"
	"querygate/pkg/tenants"
)

// Config holds admin-api specific configuration.
type Config struct {
	HTTPAddr     string
	Production   bool
	OIDCIssuer   string
	OIDCAudience string
	JWKSURL      string
	CORSOrigins  []string
	Auth         *middleware.AuthOptions // overrides the OIDC fields (tests)
}

// Provisioner is the credential lifecycle the handlers drive.
type Provisioner interface {
	RegisterIdentity(ctx context.Context, tenant, accessKey, secretKey string) (tenants.IdentityRecord, error)
	Provision(ctx context.Context, in tenants.Input) (tenants.Credential, error)
	PatchCredential(ctx context.Context, tenant string, patch tenants.Patch) (tenants.Credential, error)
	Delete(ctx context.Context, tenant string, force bool) error
}

// Revoker ends a tenant's token session.
type Revoker interface {
	Revoke(ctx context.Context, tenant string) error
}

// App is the admin-api application container.
// Handlers and middleware have methods on this type.
type App struct {
	log    *zap.SugaredLogger
	store  tenants.Store
	prov   Provisioner
	tokens Revoker
	cfg    Config
}

func New(log *zap.SugaredLogger, store tenants.Store, prov Provisioner, tokens Revoker, cfg Config) *App {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3001"}
	}
	return &App{log: log, store: store, prov: prov, tokens: tokens, cfg: cfg}
}

func (a *App) authOptions() middleware.AuthOptions {
	if a.cfg.Auth != nil {
		return *a.cfg.Auth
	}
	return middleware.AuthOptions{
		Prod:     a.cfg.Production,
		Issuer:   a.cfg.OIDCIssuer,
		Audience: a.cfg.OIDCAudience,
		JWKSURL:  a.cfg.JWKSURL,
	}
}
