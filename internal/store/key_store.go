package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tokenbroker/internal/model"
)

// KeyStore persists versioned encryption keys. Keys are never deleted:
// expired and revoked keys must remain fetchable so ciphertexts that still
// reference them stay decryptable until re-encrypted.
type KeyStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewKeyStore creates a KeyStore with the given per-call timeout.
func NewKeyStore(db *gorm.DB, timeout time.Duration) *KeyStore {
	return &KeyStore{db: db, timeout: timeout}
}

// Create inserts a new key record.
func (s *KeyStore) Create(ctx context.Context, k *model.EncryptionKey) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return fmt.Errorf("create encryption key: %w", translate(err))
	}
	return nil
}

// Get returns the key with the given ID regardless of status, or ErrNotFound.
func (s *KeyStore) Get(ctx context.Context, keyID string) (*model.EncryptionKey, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var k model.EncryptionKey
	if err := s.db.WithContext(ctx).Where("id = ?", keyID).First(&k).Error; err != nil {
		return nil, fmt.Errorf("get encryption key %s: %w", keyID, translate(err))
	}
	return &k, nil
}

// Active returns the single key with status=active, or ErrNotFound.
func (s *KeyStore) Active(ctx context.Context) (*model.EncryptionKey, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var k model.EncryptionKey
	err := s.db.WithContext(ctx).
		Where("status = ?", model.KeyStatusActive).
		Order("created_at DESC").
		First(&k).Error
	if err != nil {
		return nil, fmt.Errorf("get active encryption key: %w", translate(err))
	}
	return &k, nil
}

// Swap expires every active key and inserts k as the new active key in a
// single transaction, so the store can never hold two active keys, even
// if the caller dies mid-rotation.
func (s *KeyStore) Swap(ctx context.Context, k *model.EncryptionKey) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.EncryptionKey{}).
			Where("status = ?", model.KeyStatusActive).
			Update("status", model.KeyStatusExpired).Error; err != nil {
			return err
		}
		return tx.Create(k).Error
	})
	if err != nil {
		return fmt.Errorf("swap active key: %w", translate(err))
	}
	return nil
}

// List returns all keys, newest first.
func (s *KeyStore) List(ctx context.Context) ([]model.EncryptionKey, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var keys []model.EncryptionKey
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list encryption keys: %w", translate(err))
	}
	return keys, nil
}

// MarkStatus updates a key's status. Used by rotation to expire the
// previous active key.
func (s *KeyStore) MarkStatus(ctx context.Context, keyID, status string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&model.EncryptionKey{}).
		Where("id = ?", keyID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("mark key %s status: %w", keyID, translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark key %s status: %w", keyID, ErrNotFound)
	}
	return nil
}
