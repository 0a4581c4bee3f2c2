package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenbroker/internal/model"
)

// TenantStore persists Tenant records. Every read and write is keyed by the
// tenant's external workspace ID; no cross-tenant query primitive is
// exposed outside the admin listing path.
type TenantStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewTenantStore creates a TenantStore with the given per-call timeout.
func NewTenantStore(db *gorm.DB, timeout time.Duration) *TenantStore {
	return &TenantStore{db: db, timeout: timeout}
}

// Upsert inserts or fully replaces the tenant row for its external ID. The
// record is replaced atomically in a single statement so concurrent upserts
// never interleave partial field updates.
func (s *TenantStore) Upsert(ctx context.Context, t *model.Tenant) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	// Insert without the surrogate PK so the only possible conflict is the
	// external_id unique index, which resolves to a full-row replacement.
	rec := *t
	rec.ID = 0

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "encrypted_credential", "encryption_key_id",
			"status", "installer_identity", "granted_scopes",
			"bot_user_id", "app_id", "credential_expires_at", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ExternalID, translate(err))
	}
	return nil
}

// Find returns the tenant with the given external ID, or ErrNotFound.
func (s *TenantStore) Find(ctx context.Context, externalID string) (*model.Tenant, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var t model.Tenant
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&t).Error; err != nil {
		return nil, fmt.Errorf("find tenant %s: %w", externalID, translate(err))
	}
	return &t, nil
}

// ListActive returns all tenants with status=active, for rotation sweeps
// and admin reporting.
func (s *TenantStore) ListActive(ctx context.Context) ([]model.Tenant, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var tenants []model.Tenant
	if err := s.db.WithContext(ctx).
		Where("status = ?", model.TenantStatusActive).
		Order("external_id").
		Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("list active tenants: %w", translate(err))
	}
	return tenants, nil
}

// MarkStatus updates only the lifecycle status of a tenant.
func (s *TenantStore) MarkStatus(ctx context.Context, externalID, status string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&model.Tenant{}).
		Where("external_id = ?", externalID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("mark tenant %s status: %w", externalID, translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark tenant %s status: %w", externalID, ErrNotFound)
	}
	return nil
}

// TouchLastActive records that the tenant's credential was just served.
func (s *TenantStore) TouchLastActive(ctx context.Context, externalID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()
	err := s.db.WithContext(ctx).Model(&model.Tenant{}).
		Where("external_id = ?", externalID).
		Update("last_active_at", &now).Error
	if err != nil {
		return fmt.Errorf("touch tenant %s: %w", externalID, translate(err))
	}
	return nil
}

// Delete hard-removes a tenant record. Used only to roll back a failed
// first installation; normal uninstalls soft-delete by status instead.
func (s *TenantStore) Delete(ctx context.Context, externalID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(ctx).Unscoped().
		Where("external_id = ?", externalID).
		Delete(&model.Tenant{}).Error
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", externalID, translate(err))
	}
	return nil
}
