package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tokenbroker/internal/model"
)

// LifecycleLog records install/uninstall/reinstall transitions per tenant.
type LifecycleLog struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewLifecycleLog creates a LifecycleLog with the given per-call timeout.
func NewLifecycleLog(db *gorm.DB, timeout time.Duration) *LifecycleLog {
	return &LifecycleLog{db: db, timeout: timeout}
}

// Append records a lifecycle event with optional free-form metadata.
func (l *LifecycleLog) Append(ctx context.Context, tenantID, eventType string, metadata map[string]any) error {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	var encoded string
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode lifecycle metadata: %w", err)
		}
		encoded = string(raw)
	}

	event := model.LifecycleEvent{
		TenantID:  tenantID,
		EventType: eventType,
		Metadata:  encoded,
	}
	if err := l.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("append lifecycle event: %w", translate(err))
	}
	return nil
}

// ForTenant returns a tenant's lifecycle history, newest first.
func (l *LifecycleLog) ForTenant(ctx context.Context, tenantID string) ([]model.LifecycleEvent, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	var events []model.LifecycleEvent
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list lifecycle events for %s: %w", tenantID, translate(err))
	}
	return events, nil
}
