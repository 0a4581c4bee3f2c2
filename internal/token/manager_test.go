package token

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tokenbroker/internal/keyring"
	"tokenbroker/internal/model"
	"tokenbroker/internal/store"
	"tokenbroker/pkg/database"
)

type fixture struct {
	db      *gorm.DB
	tenants *store.TenantStore
	audit   *store.AuditLog
	events  *store.LifecycleLog
	ring    *keyring.Ring
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))

	tenants := store.NewTenantStore(db, time.Second)
	keys := store.NewKeyStore(db, time.Second)
	audit := store.NewAuditLog(db, time.Second)
	events := store.NewLifecycleLog(db, time.Second)

	kek, err := keyring.DeriveKEK("test-master-secret", "test-salt")
	require.NoError(t, err)
	ring := keyring.New(keys, kek, time.Hour, zap.NewNop())
	_, err = ring.EnsureActive(context.Background())
	require.NoError(t, err)

	manager := NewManager(tenants, audit, events, ring, time.Minute, zap.NewNop())
	return &fixture{db: db, tenants: tenants, audit: audit, events: events, ring: ring, manager: manager}
}

func installation(tenantID, credential string) Installation {
	return Installation{
		TenantID:          tenantID,
		DisplayName:       "Workspace " + tenantID,
		Credential:        credential,
		InstallerIdentity: "U100",
		GrantedScopes:     []string{"chat:write", "im:read"},
		BotUserID:         "B100",
		AppID:             "A100",
	}
}

func (f *fixture) auditOps(t *testing.T, tenantID string) []model.AuditRecord {
	t.Helper()
	records, err := f.audit.ForTenant(context.Background(), tenantID, 100)
	require.NoError(t, err)
	return records
}

func TestStoreAndGetCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))

	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-AAA", plaintext)

	// Stored form is encrypted, tagged with the active key
	stored, err := f.tenants.Find(ctx, "T100")
	require.NoError(t, err)
	require.NotEqual(t, "xoxb-AAA", stored.EncryptedCredential)
	require.NotContains(t, stored.EncryptedCredential, "xoxb-AAA")
	require.NotEmpty(t, stored.EncryptionKeyID)
	require.Equal(t, model.TenantStatusActive, stored.Status)
	require.NotNil(t, stored.LastActiveAt)
}

func TestStoreInstallationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []Installation{
		{Credential: "xoxb-AAA", InstallerIdentity: "U100"},                      // missing tenant
		{TenantID: "T100", InstallerIdentity: "U100"},                           // missing credential
		{TenantID: "T100", Credential: "xoxb-AAA"},                              // missing installer
		{TenantID: "T100", Credential: "not-a-bot-token", InstallerIdentity: "U100"}, // wrong format
	}
	for _, inst := range cases {
		require.ErrorIs(t, f.manager.StoreInstallation(ctx, inst), ErrValidation)
	}

	// No state was created for the tenant id used in the invalid payloads
	_, err := f.tenants.Find(ctx, "T100")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetCredentialNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.GetCredential(context.Background(), "T404")
	require.ErrorIs(t, err, ErrTenantNotFound)
}

func TestGetCredentialInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))
	changed, err := f.manager.Revoke(ctx, "T100")
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.manager.GetCredential(ctx, "T100")
	require.ErrorIs(t, err, ErrTenantInactive)
}

func TestRevokeInvalidatesCacheImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))

	// Populate the cache
	_, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)

	_, err = f.manager.Revoke(ctx, "T100")
	require.NoError(t, err)

	// Immediately after revoke: no cached plaintext may be served
	_, err = f.manager.GetCredential(ctx, "T100")
	require.ErrorIs(t, err, ErrTenantInactive)
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))

	changed, err := f.manager.Revoke(ctx, "T100")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = f.manager.Revoke(ctx, "T100")
	require.NoError(t, err)
	require.False(t, changed)

	// Both revokes were audited
	var revokes int
	for _, r := range f.auditOps(t, "T100") {
		if r.Operation == model.OpTokenRevoked {
			revokes++
			require.True(t, r.Success)
		}
	}
	require.Equal(t, 2, revokes)
}

func TestCacheServesWithoutStoreRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))
	_, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)

	// Corrupt the stored blob behind the manager's back; a cache hit must
	// still serve the decrypted credential
	require.NoError(t, f.db.Model(&model.Tenant{}).
		Where("external_id = ?", "T100").
		Update("encrypted_credential", "garbage").Error)

	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-AAA", plaintext)
}

func TestRotateTenantPreservesPlaintext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))
	before, err := f.tenants.Find(ctx, "T100")
	require.NoError(t, err)

	newKey, err := f.ring.Rotate(ctx)
	require.NoError(t, err)
	require.NoError(t, f.manager.RotateTenant(ctx, "T100"))

	after, err := f.tenants.Find(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, newKey.ID, after.EncryptionKeyID)
	require.NotEqual(t, before.EncryptedCredential, after.EncryptedCredential)

	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-AAA", plaintext)
}

func TestRotateAllSweepsRetiredKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T1", "xoxb-one")))
	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T2", "xoxb-two")))

	newKey, err := f.ring.Rotate(ctx)
	require.NoError(t, err)

	// T3 installs after the rotation; already on the new key
	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T3", "xoxb-three")))

	rotated, err := f.manager.RotateAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rotated)

	for _, id := range []string{"T1", "T2", "T3"} {
		tenant, ferr := f.tenants.Find(ctx, id)
		require.NoError(t, ferr)
		require.Equal(t, newKey.ID, tenant.EncryptionKeyID)
	}

	plaintext, err := f.manager.GetCredential(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "xoxb-one", plaintext)
}

func TestReinstallReplacesCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))
	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-BBB")))

	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-BBB", plaintext)
}

// faultyTenantStore fails every write, wrapping a real store for reads.
type faultyTenantStore struct {
	*store.TenantStore
	deleted bool
}

var errInjected = errors.New("injected store failure")

func (s *faultyTenantStore) Upsert(ctx context.Context, t *model.Tenant) error {
	return errInjected
}

func (s *faultyTenantStore) Delete(ctx context.Context, externalID string) error {
	s.deleted = true
	return s.TenantStore.Delete(ctx, externalID)
}

func TestStoreInstallationRollsBackNewTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	faulty := &faultyTenantStore{TenantStore: f.tenants}
	manager := NewManager(faulty, f.audit, f.events, f.ring, time.Minute, zap.NewNop())

	err := manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA"))
	require.ErrorIs(t, err, ErrPersistence)
	require.True(t, faulty.deleted)

	// No partial record survives
	_, err = f.tenants.Find(ctx, "T100")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreInstallationFailurePreservesExistingTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))

	faulty := &faultyTenantStore{TenantStore: f.tenants}
	manager := NewManager(faulty, f.audit, f.events, f.ring, time.Minute, zap.NewNop())

	err := manager.StoreInstallation(ctx, installation("T100", "xoxb-BBB"))
	require.ErrorIs(t, err, ErrPersistence)
	require.False(t, faulty.deleted)

	// Prior credential still retrievable
	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-AAA", plaintext)
}

func TestEveryOperationIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))
	_, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	_, err = f.manager.GetCredential(ctx, "T404")
	require.ErrorIs(t, err, ErrTenantNotFound)

	ops := map[string]bool{}
	for _, r := range f.auditOps(t, "T100") {
		ops[r.Operation] = true
	}
	require.True(t, ops[model.OpTokenStored])
	require.True(t, ops[model.OpTokenRetrieved])

	missed := f.auditOps(t, "T404")
	require.NotEmpty(t, missed)
	require.False(t, missed[0].Success)
}

func TestDecryptFailureAuditedCritical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StoreInstallation(ctx, installation("T100", "xoxb-AAA")))

	// Tamper with the stored ciphertext
	require.NoError(t, f.db.Model(&model.Tenant{}).
		Where("external_id = ?", "T100").
		Update("encrypted_credential", "garbage").Error)

	_, err := f.manager.GetCredential(ctx, "T100")
	require.Error(t, err)

	records := f.auditOps(t, "T100")
	var critical *model.AuditRecord
	for i := range records {
		if records[i].Severity == model.SeverityCritical {
			critical = &records[i]
			break
		}
	}
	require.NotNil(t, critical)
	require.False(t, critical.Success)
	require.Equal(t, model.OpTokenRetrieved, critical.Operation)
}

func TestConcurrentTenantsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 16
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("T%03d", i)
		require.NoError(t, f.manager.StoreInstallation(ctx, installation(id, "xoxb-"+id)))
	}

	var g errgroup.Group
	for round := 0; round < 4; round++ {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("T%03d", i)
			g.Go(func() error {
				plaintext, err := f.manager.GetCredential(ctx, id)
				if err != nil {
					return err
				}
				if plaintext != "xoxb-"+id {
					return fmt.Errorf("tenant %s received credential %q", id, plaintext)
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())
}
