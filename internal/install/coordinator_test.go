package install

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tokenbroker/internal/keyring"
	"tokenbroker/internal/model"
	"tokenbroker/internal/store"
	"tokenbroker/internal/token"
	"tokenbroker/pkg/database"
)

type fixture struct {
	tenants     *store.TenantStore
	events      *store.LifecycleLog
	manager     *token.Manager
	coordinator *Coordinator
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

	manager := token.NewManager(tenants, audit, events, ring, time.Minute, zap.NewNop())
	coordinator := NewCoordinator(manager, tenants, events, zap.NewNop())
	return &fixture{tenants: tenants, events: events, manager: manager, coordinator: coordinator}
}

func callback(tenantID, credential, installer string) Callback {
	return Callback{
		TenantExternalID:  tenantID,
		DisplayName:       "Workspace " + tenantID,
		Credential:        credential,
		InstallerIdentity: installer,
		GrantedScopes:     []string{"chat:write"},
		BotUserID:         "B100",
		AppID:             "A100",
	}
}

func (f *fixture) eventTypes(t *testing.T, tenantID string) []string {
	t.Helper()
	records, err := f.events.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)
	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.EventType)
	}
	return types
}

func TestMalformedCallbackCreatesNoState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []Callback{
		callback("", "xoxb-AAA", "U100"),
		callback("T100", "", "U100"),
		callback("T100", "xoxb-AAA", ""),
	}
	for _, cb := range cases {
		_, err := f.coordinator.HandleCallback(ctx, cb)
		require.ErrorIs(t, err, token.ErrValidation)
	}

	_, err := f.tenants.Find(ctx, "T100")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, f.eventTypes(t, "T100"))
}

func TestInstallActivatesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-AAA", "U100"))
	require.NoError(t, err)
	require.False(t, result.Reinstall)
	require.Equal(t, "T100", result.TenantID)

	tenant, err := f.tenants.Find(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, model.TenantStatusActive, tenant.Status)
	require.Equal(t, "U100", tenant.InstallerIdentity)

	require.Equal(t, []string{model.EventInstalled}, f.eventTypes(t, "T100"))
}

func TestUninstallEmitsOneEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-AAA", "U100"))
	require.NoError(t, err)

	// Slack delivers uninstall notifications at least once; duplicates must
	// not produce duplicate events
	require.NoError(t, f.coordinator.HandleUninstall(ctx, "T100"))
	require.NoError(t, f.coordinator.HandleUninstall(ctx, "T100"))

	tenant, err := f.tenants.Find(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, model.TenantStatusInactive, tenant.Status)

	var uninstalls int
	for _, et := range f.eventTypes(t, "T100") {
		if et == model.EventUninstalled {
			uninstalls++
		}
	}
	require.Equal(t, 1, uninstalls)
}

func TestUninstallMissingTenantID(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.coordinator.HandleUninstall(context.Background(), ""), token.ErrValidation)
}

func TestReinstallIssuesFreshCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-AAA", "U100"))
	require.NoError(t, err)
	require.NoError(t, f.coordinator.HandleUninstall(ctx, "T100"))

	result, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-BBB", "U100"))
	require.NoError(t, err)
	require.True(t, result.Reinstall)

	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-BBB", plaintext)

	types := f.eventTypes(t, "T100")
	require.Contains(t, types, model.EventInstalled)
	require.Contains(t, types, model.EventUninstalled)
	require.Contains(t, types, model.EventReinstalled)
}

func TestActiveReinstallByInstallerIsAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-AAA", "U100"))
	require.NoError(t, err)

	// Same installer re-authorizing an active workspace rotates the token
	result, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-BBB", "U100"))
	require.NoError(t, err)
	require.True(t, result.Reinstall)

	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-BBB", plaintext)
}

func TestInstallerConflictRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-AAA", "U100"))
	require.NoError(t, err)

	_, err = f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-BBB", "U999"))
	require.ErrorIs(t, err, ErrTenantConflict)

	// Existing credential untouched
	plaintext, err := f.manager.GetCredential(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "xoxb-AAA", plaintext)
}

func TestConflictClearsAfterUninstall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-AAA", "U100"))
	require.NoError(t, err)
	require.NoError(t, f.coordinator.HandleUninstall(ctx, "T100"))

	// An inactive workspace may be claimed by a different installer
	result, err := f.coordinator.HandleCallback(ctx, callback("T100", "xoxb-BBB", "U999"))
	require.NoError(t, err)
	require.True(t, result.Reinstall)

	tenant, err := f.tenants.Find(ctx, "T100")
	require.NoError(t, err)
	require.Equal(t, "U999", tenant.InstallerIdentity)
}
