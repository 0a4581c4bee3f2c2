package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant lifecycle statuses.
const (
	TenantStatusPending   = "pending"
	TenantStatusActive    = "active"
	TenantStatusInactive  = "inactive"
	TenantStatusSuspended = "suspended"
)

// Tenant represents one installed workspace. There is at most one
// non-deleted record per external workspace ID.
type Tenant struct {
	ID                  uint           `json:"id" gorm:"primaryKey"`
	ExternalID          string         `json:"external_id" gorm:"type:varchar(64);uniqueIndex;not null"`
	DisplayName         string         `json:"display_name" gorm:"type:varchar(255)"`
	EncryptedCredential string         `json:"-"` // Ciphertext blob; plaintext never persisted or logged
	EncryptionKeyID     string         `json:"encryption_key_id" gorm:"type:varchar(64);index"`
	Status              string         `json:"status" gorm:"type:varchar(16);index;default:pending"`
	InstallerIdentity   string         `json:"installer_identity" gorm:"type:varchar(64)"`
	GrantedScopes       string         `json:"granted_scopes" gorm:"type:text"` // Comma-separated list of OAuth scopes
	BotUserID           string         `json:"bot_user_id" gorm:"type:varchar(64)"`
	AppID               string         `json:"app_id" gorm:"type:varchar(64)"`
	CredentialExpiresAt *time.Time     `json:"credential_expires_at,omitempty"`
	LastActiveAt        *time.Time     `json:"last_active_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `json:"-" gorm:"index"`
}

// IsActive reports whether the tenant may be served credentials.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// ScopeList splits the stored scope string back into a slice.
func (t *Tenant) ScopeList() []string {
	return splitStrings(t.GrantedScopes, ",")
}
