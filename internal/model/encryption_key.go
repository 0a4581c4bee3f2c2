package model

import (
	"time"

	"gorm.io/gorm"
)

// Encryption key statuses. Exactly one key is active for new encryptions;
// expired and revoked keys are retained because existing ciphertexts may
// still reference them.
const (
	KeyStatusActive  = "active"
	KeyStatusExpired = "expired"
	KeyStatusRevoked = "revoked"
)

// AlgorithmAESGCM tags ciphertexts produced with AES-256-GCM.
const AlgorithmAESGCM = "AES-256-GCM"

// EncryptionKey is a versioned symmetric key. Material is stored wrapped
// under the key-encryption key, never in the clear.
type EncryptionKey struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Material  string    `json:"-"` // Base64 wrapped key material
	Algorithm string    `json:"algorithm" gorm:"type:varchar(32)"`
	Status    string    `json:"status" gorm:"type:varchar(16);index"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook will be called before creating a new EncryptionKey record
func (k *EncryptionKey) BeforeCreate(tx *gorm.DB) (err error) {
	if k.ID == "" {
		k.ID = generateSecureID("key_")
	}
	if k.Algorithm == "" {
		k.Algorithm = AlgorithmAESGCM
	}
	return nil
}
