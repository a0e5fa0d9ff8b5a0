// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements Store and IdentityStore on PostgreSQL.
type PostgresStore struct {
	dbPool *pgxpool.Pool      // Connection pool to PostgreSQL
	log    *zap.SugaredLogger // Logger for diagnostic output
}

// NewPostgresStore constructs a PostgreSQL-backed credential store.
func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger) *PostgresStore {
	return &PostgresStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenant_credentials (
  tenant text PRIMARY KEY,
  client_id text NOT NULL,
  client_secret_enc text NOT NULL,
  service_access_key_enc text NOT NULL DEFAULT '',
  service_secret_key_enc text NOT NULL DEFAULT '',
  identity_url text NOT NULL DEFAULT '',
  portal_url text NOT NULL,
  token_url text NOT NULL,
  authorization_url text NOT NULL DEFAULT '',
  revoke_url text NOT NULL DEFAULT '',
  scope text NOT NULL DEFAULT '',
  api_version text NOT NULL DEFAULT '',
  company_code text NOT NULL DEFAULT '',
  identity text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tenant_identities (
  id uuid PRIMARY KEY,
  tenant text NOT NULL,
  access_key text NOT NULL,
  secret_hash text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  UNIQUE (tenant, access_key)
);
CREATE INDEX IF NOT EXISTS tenant_identities_tenant_idx ON tenant_identities(tenant);
`)
	return err
}

const credentialColumns = `tenant,client_id,client_secret_enc,service_access_key_enc,service_secret_key_enc,
identity_url,portal_url,token_url,authorization_url,revoke_url,scope,api_version,company_code,identity,updated_at`

// Get fetches the credential row for tenant.
func (p *PostgresStore) Get(ctx context.Context, tenant string) (Credential, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM tenant_credentials WHERE tenant=$1`, tenant)
	var c Credential
	err := row.Scan(&c.Tenant, &c.ClientID, &c.ClientSecret, &c.ServiceAccessKey, &c.ServiceSecretKey,
		&c.IdentityURL, &c.PortalURL, &c.TokenURL, &c.AuthorizationURL, &c.RevokeURL,
		&c.Scope, &c.APIVersion, &c.CompanyCode, &c.Identity, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, notFound(tenant)
	}
	if err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Put upserts the full credential row.
func (p *PostgresStore) Put(ctx context.Context, c Credential) error {
	_, err := p.dbPool.Exec(ctx, `INSERT INTO tenant_credentials(`+credentialColumns+`)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
	  ON CONFLICT (tenant) DO UPDATE SET client_id=EXCLUDED.client_id,client_secret_enc=EXCLUDED.client_secret_enc,
	    service_access_key_enc=EXCLUDED.service_access_key_enc,service_secret_key_enc=EXCLUDED.service_secret_key_enc,
	    identity_url=EXCLUDED.identity_url,portal_url=EXCLUDED.portal_url,token_url=EXCLUDED.token_url,
	    authorization_url=EXCLUDED.authorization_url,revoke_url=EXCLUDED.revoke_url,scope=EXCLUDED.scope,
	    api_version=EXCLUDED.api_version,company_code=EXCLUDED.company_code,identity=EXCLUDED.identity,updated_at=NOW()`,
		c.Tenant, c.ClientID, c.ClientSecret, c.ServiceAccessKey, c.ServiceSecretKey,
		c.IdentityURL, c.PortalURL, c.TokenURL, c.AuthorizationURL, c.RevokeURL,
		c.Scope, c.APIVersion, c.CompanyCode, c.Identity)
	if err != nil {
		p.log.Warnw("credential upsert failed", "tenant", c.Tenant, "err", err)
	}
	return err
}

// Delete removes the credential row for tenant.
func (p *PostgresStore) Delete(ctx context.Context, tenant string) error {
	tag, err := p.dbPool.Exec(ctx, `DELETE FROM tenant_credentials WHERE tenant=$1`, tenant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(tenant)
	}
	return nil
}

// List returns all tenant names in order.
func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT tenant FROM tenant_credentials ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PutIdentity upserts a service-account identity by (tenant, access_key).
func (p *PostgresStore) PutIdentity(ctx context.Context, rec IdentityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := p.dbPool.Exec(ctx, `INSERT INTO tenant_identities(id,tenant,access_key,secret_hash,created_at)
	  VALUES ($1,$2,$3,$4,$5)
	  ON CONFLICT (tenant, access_key) DO UPDATE SET secret_hash=EXCLUDED.secret_hash`,
		rec.ID, rec.Tenant, rec.AccessKey, rec.SecretHash, rec.CreatedAt)
	return err
}

// Identities lists the registered identities of tenant.
func (p *PostgresStore) Identities(ctx context.Context, tenant string) ([]IdentityRecord, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT id::text,tenant,access_key,secret_hash,created_at FROM tenant_identities WHERE tenant=$1`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IdentityRecord
	for rows.Next() {
		var r IdentityRecord
		if err := rows.Scan(&r.ID, &r.Tenant, &r.AccessKey, &r.SecretHash, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
