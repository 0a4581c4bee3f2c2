// Package keyring manages versioned symmetric encryption keys: generation,
// lookup by ID, rotation, and expiry. Key material is persisted wrapped
// under a KEK derived from the operator's master secret and is only held
// unwrapped in memory.
package keyring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tokenbroker/internal/model"
	"tokenbroker/internal/store"
)

// ErrNoActiveKey indicates no key is active for new encryptions. This is a
// fatal misconfiguration to resolve operationally, not to retry silently.
var ErrNoActiveKey = errors.New("no active encryption key")

// ErrKeyNotFound indicates the requested key ID is unknown. A tenant whose
// ciphertext references such a key is unrecoverable without operator
// intervention, so this is always surfaced, never swallowed.
var ErrKeyNotFound = errors.New("encryption key not found")

// ErrKeyRevoked indicates the requested key was revoked. Unlike expired
// keys, which still decrypt old ciphertexts, a revoked key must never be
// used again in any direction.
var ErrKeyRevoked = errors.New("encryption key is revoked")

const keyMaterialSize = 32 // AES-256

// Key is an unwrapped encryption key held in memory.
type Key struct {
	ID        string
	Material  []byte
	Algorithm string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Ring holds the versioned key set. The active key is kept in an atomic
// snapshot so credential encryptions never block on a rotation in
// progress; rotations themselves are serialized.
type Ring struct {
	keys   *store.KeyStore
	kek    []byte
	maxAge time.Duration
	log    *zap.Logger

	active atomic.Pointer[Key]

	mu       sync.Mutex // serializes Rotate and EnsureActive
	unlocked sync.Map   // key ID -> *Key, unwrapped cache for decryption of old ciphertexts
}

// New creates a Ring over the given key store. maxAge bounds how old the
// active key may grow before the periodic sweep rotates it.
func New(keys *store.KeyStore, kek []byte, maxAge time.Duration, log *zap.Logger) *Ring {
	return &Ring{keys: keys, kek: kek, maxAge: maxAge, log: log}
}

// EnsureActive loads the current active key from the store, generating one
// if none exists. Called once at startup before the broker serves traffic.
func (r *Ring) EnsureActive(ctx context.Context) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.keys.Active(ctx)
	if err == nil {
		key, uerr := r.unwrap(record)
		if uerr != nil {
			return nil, uerr
		}
		r.install(key)
		return key, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	r.log.Info("no active encryption key found, generating one")
	return r.generate(ctx)
}

// ActiveKey returns the current active key from the snapshot. Reads are
// lock-free; rotation swaps the snapshot atomically.
func (r *Ring) ActiveKey(ctx context.Context) (*Key, error) {
	if key := r.active.Load(); key != nil {
		return key, nil
	}
	// Snapshot empty: the ring was never loaded, or the store had no
	// active key at startup. Surface the misconfiguration.
	return nil, ErrNoActiveKey
}

// Key returns a specific key by ID for decrypting older ciphertexts.
func (r *Ring) Key(ctx context.Context, keyID string) (*Key, error) {
	if cached, ok := r.unlocked.Load(keyID); ok {
		return cached.(*Key), nil
	}
	record, err := r.keys.Get(ctx, keyID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, err
	}
	return r.unwrap(record)
}

// Rotate generates a new active key, expiring the previous one in the
// same store transaction so two active keys can never coexist. The
// snapshot is only swapped after the transaction commits; on failure the
// ring keeps serving the previous key. Rotate does not re-encrypt tenant
// data; that is the token manager's rotation sweep.
func (r *Ring) Rotate(ctx context.Context) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	material, record, err := r.newRecord()
	if err != nil {
		return nil, err
	}
	if err := r.keys.Swap(ctx, record); err != nil {
		return nil, err
	}

	key := keyFromRecord(record, material)
	r.install(key)
	r.log.Info("rotated encryption key", zap.String("key_id", key.ID))
	return key, nil
}

// Revoke marks a key revoked and drops its unwrapped material from the
// cache, so no ciphertext under it can be opened afterwards. The active
// key cannot be revoked; rotate first.
func (r *Ring) Revoke(ctx context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active := r.active.Load(); active != nil && active.ID == keyID {
		return fmt.Errorf("revoke key %s: key is active, rotate first", keyID)
	}
	if err := r.keys.MarkStatus(ctx, keyID, model.KeyStatusRevoked); err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return err
	}
	r.unlocked.Delete(keyID)
	r.log.Warn("revoked encryption key", zap.String("key_id", keyID))
	return nil
}

// ActiveAge returns how long the current active key has existed, and
// whether it exceeds the configured maximum age.
func (r *Ring) ActiveAge() (time.Duration, bool) {
	key := r.active.Load()
	if key == nil {
		return 0, false
	}
	age := time.Since(key.CreatedAt)
	return age, r.maxAge > 0 && age > r.maxAge
}

// generate creates, wraps, and persists a new active key, then installs it
// in the snapshot. Caller holds r.mu.
func (r *Ring) generate(ctx context.Context) (*Key, error) {
	material, record, err := r.newRecord()
	if err != nil {
		return nil, err
	}
	if err := r.keys.Create(ctx, record); err != nil {
		return nil, err
	}
	key := keyFromRecord(record, material)
	r.install(key)
	return key, nil
}

// newRecord builds fresh key material and its wrapped store record. The
// record is not persisted; ID and algorithm are filled by the model's
// create hook.
func (r *Ring) newRecord() ([]byte, *model.EncryptionKey, error) {
	material := make([]byte, keyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, nil, fmt.Errorf("generate key material: %w", err)
	}
	wrapped, err := wrapKey(r.kek, material)
	if err != nil {
		return nil, nil, err
	}
	record := &model.EncryptionKey{
		Material:  wrapped,
		Status:    model.KeyStatusActive,
		ExpiresAt: time.Now().Add(maxAgeOrDefault(r.maxAge)),
	}
	return material, record, nil
}

func keyFromRecord(record *model.EncryptionKey, material []byte) *Key {
	return &Key{
		ID:        record.ID,
		Material:  material,
		Algorithm: record.Algorithm,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}
}

func (r *Ring) install(key *Key) {
	r.active.Store(key)
	r.unlocked.Store(key.ID, key)
}

// unwrap opens a stored key record and caches the material. Revoked
// records never unwrap; expired ones do, since ciphertexts may still
// reference them.
func (r *Ring) unwrap(record *model.EncryptionKey) (*Key, error) {
	if record.Status == model.KeyStatusRevoked {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, record.ID)
	}
	material, err := unwrapKey(r.kek, record.Material)
	if err != nil {
		return nil, fmt.Errorf("unwrap key %s: %w", record.ID, err)
	}
	key := keyFromRecord(record, material)
	r.unlocked.Store(key.ID, key)
	return key, nil
}

func maxAgeOrDefault(maxAge time.Duration) time.Duration {
	if maxAge <= 0 {
		return 90 * 24 * time.Hour
	}
	return maxAge
}
