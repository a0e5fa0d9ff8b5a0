package tenants

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MemoryStore keeps credentials and identities in process memory. It backs
// development setups and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	log        *zap.SugaredLogger
	creds      map[string]Credential
	identities map[string][]IdentityRecord
	now        func() time.Time
}

func NewMemoryStore(log *zap.SugaredLogger) *MemoryStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MemoryStore{
		log:        log,
		creds:      map[string]Credential{},
		identities: map[string][]IdentityRecord{},
		now:        time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, tenant string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[tenant]
	if !ok {
		return Credential{}, notFound(tenant)
	}
	return c, nil
}

func (m *MemoryStore) Put(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now().UTC()
	m.creds[c.Tenant] = c
	m.log.Debugw("credentials stored", "tenant", c.Tenant)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[tenant]; !ok {
		return notFound(tenant)
	}
	delete(m.creds, tenant)
	m.log.Debugw("credentials deleted", "tenant", tenant)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.creds))
	for k := range m.creds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) PutIdentity(_ context.Context, rec IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	list := m.identities[rec.Tenant]
	for i, existing := range list {
		if existing.AccessKey == rec.AccessKey {
			list[i] = rec
			return nil
		}
	}
	m.identities[rec.Tenant] = append(list, rec)
	return nil
}

func (m *MemoryStore) Identities(_ context.Context, tenant string) ([]IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]IdentityRecord(nil), m.identities[tenant]...), nil
}

// Seed is the on-disk layout of TENANT_SEED_FILE. Secret fields are expected
// to be sealed already (see `gatewayctl encrypt`).
type Seed struct {
	Tenants    []Credential     `yaml:"tenants"`
	Identities []IdentityRecord `yaml:"identities"`
}

// LoadSeedFile reads a YAML seed file into s. Invalid entries are skipped with
// a warning.
func LoadSeedFile(ctx context.Context, path string, s Store, ids IdentityStore, log *zap.SugaredLogger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed %s: %w", path, err)
	}
	for _, c := range seed.Tenants {
		if err := c.Validate(); err != nil {
			log.Warnw("seed: skipping tenant", "tenant", c.Tenant, "err", err)
			continue
		}
		if err := s.Put(ctx, c); err != nil {
			return err
		}
	}
	if ids != nil {
		for _, rec := range seed.Identities {
			if err := ids.PutIdentity(ctx, rec); err != nil {
				return err
			}
		}
	}
	log.Infow("tenant seed loaded", "path", path, "tenants", len(seed.Tenants), "identities", len(seed.Identities))
	return nil
}
