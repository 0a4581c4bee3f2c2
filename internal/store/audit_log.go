package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tokenbroker/internal/model"
)

// AuditLog is an append-only record of credential operations. Records are
// write-only from the broker's perspective; retention and purging are an
// external policy concern.
type AuditLog struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewAuditLog creates an AuditLog with the given per-call timeout.
func NewAuditLog(db *gorm.DB, timeout time.Duration) *AuditLog {
	return &AuditLog{db: db, timeout: timeout}
}

// Append inserts a single audit record. There is deliberately no update or
// delete path.
func (l *AuditLog) Append(ctx context.Context, r *model.AuditRecord) error {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("append audit record: %w", translate(err))
	}
	return nil
}

// Recent returns the latest records, newest first, for the admin surface.
func (l *AuditLog) Recent(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []model.AuditRecord
	err := l.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", translate(err))
	}
	return records, nil
}

// ForTenant returns the latest records for one tenant, newest first.
func (l *AuditLog) ForTenant(ctx context.Context, tenantID string, limit int) ([]model.AuditRecord, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []model.AuditRecord
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list audit records for %s: %w", tenantID, translate(err))
	}
	return records, nil
}
