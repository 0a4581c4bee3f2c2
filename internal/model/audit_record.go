package model

import (
	"time"

	"gorm.io/gorm"
)

// Audited credential operations.
const (
	OpTokenStored    = "token_stored"
	OpTokenRetrieved = "token_retrieved"
	OpTokenRotated   = "token_rotated"
	OpTokenRevoked   = "token_revoked"
	OpKeyRotated     = "key_rotated"
)

// Audit severities. Cryptographic failures (tamper, corruption, missing
// key) are recorded as critical so they can be escalated.
const (
	SeverityInfo     = "info"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// AuditRecord is an append-only record of a single credential operation.
// ErrorDetail must never contain credential material or key bytes.
type AuditRecord struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TenantID    string    `json:"tenant_id" gorm:"type:varchar(64);index"`
	Operation   string    `json:"operation" gorm:"type:varchar(32)"`
	Success     bool      `json:"success"`
	Severity    string    `json:"severity" gorm:"type:varchar(16)"`
	ErrorDetail string    `json:"error_detail,omitempty" gorm:"type:text"`
	ActorIP     string    `json:"actor_ip,omitempty" gorm:"type:varchar(64)"`
	ActorAgent  string    `json:"actor_agent,omitempty" gorm:"type:varchar(255)"`
	RequestID   string    `json:"request_id,omitempty" gorm:"type:varchar(64)"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate hook will be called before creating a new AuditRecord
func (r *AuditRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = generateSecureID("aud_")
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
	}
	return nil
}
