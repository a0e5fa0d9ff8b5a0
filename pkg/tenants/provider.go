package tenants

import (
	"context"

	"querygate/pkg/problems"
)

// Store holds tenant credentials keyed by tenant name. Get returns a
// problems.KindCredentialNotFound error for unknown tenants.
type Store interface {
	Get(ctx context.Context, tenant string) (Credential, error)
	Put(ctx context.Context, c Credential) error
	Delete(ctx context.Context, tenant string) error
	List(ctx context.Context) ([]string, error)
}

// IdentityStore holds registered service-account identities.
type IdentityStore interface {
	PutIdentity(ctx context.Context, rec IdentityRecord) error
	Identities(ctx context.Context, tenant string) ([]IdentityRecord, error)
}

func notFound(tenant string) error {
	return problems.New(problems.KindCredentialNotFound, "tenants.get", "no credentials for tenant "+tenant)
}
