package tenants

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"querygate/pkg/problems"
)

// ErrActiveSession is returned when deleting credentials that still back a
// cached token.
var ErrActiveSession = errors.New("tenant has an active token session")

// Sealer encrypts secrets before they are stored.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// Sessions exposes the token state of a tenant to the provisioner.
type Sessions interface {
	HasSession(ctx context.Context, tenant string) bool
	Invalidate(ctx context.Context, tenant string) error
}

// Input carries plaintext credential fields as received from an administrator.
type Input struct {
	Tenant           string `json:"-"`
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret"`
	ServiceAccessKey string `json:"service_access_key"`
	ServiceSecretKey string `json:"service_secret_key"`
	IdentityURL      string `json:"identity_url"`
	PortalURL        string `json:"portal_url"`
	TokenURL         string `json:"token_url"`
	AuthorizationURL string `json:"authorization_url"`
	RevokeURL        string `json:"revoke_url"`
	Scope            string `json:"scope"`
	APIVersion       string `json:"api_version"`
	CompanyCode      string `json:"company_code"`
	Identity         string `json:"identity"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	ClientID         *string `json:"client_id"`
	ClientSecret     *string `json:"client_secret"`
	ServiceAccessKey *string `json:"service_access_key"`
	ServiceSecretKey *string `json:"service_secret_key"`
	IdentityURL      *string `json:"identity_url"`
	PortalURL        *string `json:"portal_url"`
	TokenURL         *string `json:"token_url"`
	AuthorizationURL *string `json:"authorization_url"`
	RevokeURL        *string `json:"revoke_url"`
	Scope            *string `json:"scope"`
	APIVersion       *string `json:"api_version"`
	CompanyCode      *string `json:"company_code"`
	Identity         *string `json:"identity"`
}

type Provisioner struct {
	store    Store
	ids      IdentityStore
	sealer   Sealer
	sessions Sessions
	log      *zap.SugaredLogger
}

func NewProvisioner(store Store, ids IdentityStore, sealer Sealer, sessions Sessions, log *zap.SugaredLogger) *Provisioner {
	return &Provisioner{store: store, ids: ids, sealer: sealer, sessions: sessions, log: log}
}

// RegisterIdentity records a service-account key pair that later
// provisioning calls must match. Only a hash of secretKey is kept.
func (p *Provisioner) RegisterIdentity(ctx context.Context, tenant, accessKey, secretKey string) (IdentityRecord, error) {
	const op = "tenants.register_identity"
	if !ValidName(tenant) || accessKey == "" || secretKey == "" {
		return IdentityRecord{}, problems.New(problems.KindInvalidRequest, op, "tenant, access_key and secret_key are required")
	}
	hash, err := HashSecret(DefaultHashParams, secretKey)
	if err != nil {
		return IdentityRecord{}, problems.Wrap(problems.KindInternal, op, "hash secret", err)
	}
	rec := IdentityRecord{Tenant: tenant, AccessKey: accessKey, SecretHash: hash}
	if err := p.ids.PutIdentity(ctx, rec); err != nil {
		return IdentityRecord{}, problems.Wrap(problems.KindInternal, op, "store identity", err)
	}
	p.log.Infow("identity registered", "tenant", tenant, "access_key", accessKey)
	return rec, nil
}

// Provision creates or fully replaces a tenant credential. The service-account
// key pair must match a registered identity of the same tenant.
func (p *Provisioner) Provision(ctx context.Context, in Input) (Credential, error) {
	const op = "tenants.provision"
	if err := p.checkIdentity(ctx, in.Tenant, in.ServiceAccessKey, in.ServiceSecretKey); err != nil {
		return Credential{}, err
	}
	plain := Credential{
		Tenant:           in.Tenant,
		ClientID:         in.ClientID,
		ClientSecret:     in.ClientSecret,
		ServiceAccessKey: in.ServiceAccessKey,
		ServiceSecretKey: in.ServiceSecretKey,
		IdentityURL:      in.IdentityURL,
		PortalURL:        in.PortalURL,
		TokenURL:         in.TokenURL,
		AuthorizationURL: in.AuthorizationURL,
		RevokeURL:        in.RevokeURL,
		Scope:            in.Scope,
		APIVersion:       in.APIVersion,
		CompanyCode:      in.CompanyCode,
		Identity:         in.Identity,
	}
	if err := plain.Validate(); err != nil {
		return Credential{}, problems.Wrap(problems.KindInvalidRequest, op, "invalid credential", err)
	}
	sealed, err := p.seal(plain, true, true, true)
	if err != nil {
		return Credential{}, err
	}
	return p.persist(ctx, op, sealed)
}

// PatchCredential applies a partial update to an existing credential.
// Changing either service-account key requires both, and the new pair must
// match a registered identity.
func (p *Provisioner) PatchCredential(ctx context.Context, tenant string, patch Patch) (Credential, error) {
	const op = "tenants.patch"
	cur, err := p.store.Get(ctx, tenant)
	if err != nil {
		return Credential{}, err
	}
	keysChanged := patch.ServiceAccessKey != nil || patch.ServiceSecretKey != nil
	if keysChanged {
		if patch.ServiceAccessKey == nil || patch.ServiceSecretKey == nil {
			return Credential{}, problems.New(problems.KindInvalidRequest, op, "service_access_key and service_secret_key must be changed together")
		}
		if err := p.checkIdentity(ctx, tenant, *patch.ServiceAccessKey, *patch.ServiceSecretKey); err != nil {
			return Credential{}, err
		}
		cur.ServiceAccessKey, cur.ServiceSecretKey = *patch.ServiceAccessKey, *patch.ServiceSecretKey
	}
	secretChanged := patch.ClientSecret != nil
	if secretChanged {
		cur.ClientSecret = *patch.ClientSecret
	}
	for dst, src := range map[*string]*string{
		&cur.ClientID:         patch.ClientID,
		&cur.IdentityURL:      patch.IdentityURL,
		&cur.PortalURL:        patch.PortalURL,
		&cur.TokenURL:         patch.TokenURL,
		&cur.AuthorizationURL: patch.AuthorizationURL,
		&cur.RevokeURL:        patch.RevokeURL,
		&cur.Scope:            patch.Scope,
		&cur.APIVersion:       patch.APIVersion,
		&cur.CompanyCode:      patch.CompanyCode,
		&cur.Identity:         patch.Identity,
	} {
		if src != nil {
			*dst = *src
		}
	}
	if err := cur.Validate(); err != nil {
		return Credential{}, problems.Wrap(problems.KindInvalidRequest, op, "invalid credential", err)
	}
	sealed, err := p.seal(cur, secretChanged, keysChanged, keysChanged)
	if err != nil {
		return Credential{}, err
	}
	return p.persist(ctx, op, sealed)
}

// Delete removes a tenant credential. It refuses while the tenant holds a
// cached token unless force is set, in which case the token is dropped too.
func (p *Provisioner) Delete(ctx context.Context, tenant string, force bool) error {
	if p.sessions != nil && p.sessions.HasSession(ctx, tenant) {
		if !force {
			return ErrActiveSession
		}
		if err := p.sessions.Invalidate(ctx, tenant); err != nil {
			p.log.Warnw("token invalidate failed", "tenant", tenant, "err", err)
		}
	}
	if err := p.store.Delete(ctx, tenant); err != nil {
		return err
	}
	p.log.Infow("credentials deleted", "tenant", tenant, "forced", force)
	return nil
}

func (p *Provisioner) checkIdentity(ctx context.Context, tenant, accessKey, secretKey string) error {
	const op = "tenants.check_identity"
	if !ValidName(tenant) {
		return problems.New(problems.KindInvalidRequest, op, "invalid tenant name")
	}
	if accessKey == "" || secretKey == "" {
		return problems.New(problems.KindInvalidRequest, op, "service_access_key and service_secret_key are required")
	}
	recs, err := p.ids.Identities(ctx, tenant)
	if err != nil {
		return problems.Wrap(problems.KindInternal, op, "load identities", err)
	}
	if !MatchIdentity(recs, accessKey, secretKey) {
		p.log.Warnw("provisioning rejected: unknown identity", "tenant", tenant, "access_key", accessKey)
		return problems.New(problems.KindForbidden, op, "service account key pair does not match a registered identity")
	}
	return nil
}

// seal encrypts the selected plaintext secret fields of c.
func (p *Provisioner) seal(c Credential, clientSecret, accessKey, secretKey bool) (Credential, error) {
	fields := []struct {
		on  bool
		dst *string
	}{
		{clientSecret, &c.ClientSecret},
		{accessKey, &c.ServiceAccessKey},
		{secretKey, &c.ServiceSecretKey},
	}
	for _, f := range fields {
		if !f.on || *f.dst == "" {
			continue
		}
		enc, err := p.sealer.Encrypt(*f.dst)
		if err != nil {
			return Credential{}, problems.Wrap(problems.KindInternal, "tenants.seal", "encrypt secret", err)
		}
		*f.dst = enc
	}
	return c, nil
}

func (p *Provisioner) persist(ctx context.Context, op string, c Credential) (Credential, error) {
	if err := p.store.Put(ctx, c); err != nil {
		return Credential{}, problems.Wrap(problems.KindInternal, op, "store credential", err)
	}
	if p.sessions != nil {
		if err := p.sessions.Invalidate(ctx, c.Tenant); err != nil {
			p.log.Warnw("token invalidate failed", "tenant", c.Tenant, "err", err)
		}
	}
	p.log.Infow("credentials stored", "tenant", c.Tenant, "op", op)
	return c.Redacted(), nil
}
