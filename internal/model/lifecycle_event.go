package model

import "time"

// Lifecycle event types, one per business-level installation transition.
const (
	EventInstalled    = "installed"
	EventUninstalled  = "uninstalled"
	EventReinstalled  = "reinstalled"
	EventTokenRotated = "token_rotated"
)

// LifecycleEvent records an install/uninstall/reinstall transition for a
// tenant. Distinct from AuditRecord, which tracks low-level credential ops.
type LifecycleEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"type:varchar(64);index"`
	EventType string    `json:"event_type" gorm:"type:varchar(32)"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"` // JSON-encoded free-form metadata
	CreatedAt time.Time `json:"created_at"`
}
