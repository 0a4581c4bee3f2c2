// Package token orchestrates the credential lifecycle: encryption at rest,
// per-tenant retrieval with caching, key rotation sweeps, and revocation.
// Every operation is audited, success or failure.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tokenbroker/internal/crypto"
	"tokenbroker/internal/keyring"
	"tokenbroker/internal/model"
	"tokenbroker/internal/store"
	"tokenbroker/prometheus"
)

// ErrValidation indicates a malformed installation payload. Never retried,
// no state is mutated.
var ErrValidation = errors.New("invalid installation payload")

// ErrTenantNotFound indicates the workspace was never installed or has
// been purged. Callers should prompt reinstallation, not retry.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrTenantInactive indicates the workspace was uninstalled or suspended.
// The credential is retained encrypted but must not be used.
var ErrTenantInactive = errors.New("tenant is not active")

// ErrPersistence wraps a store failure that survived bounded retries.
var ErrPersistence = errors.New("persistence failure")

const defaultMaxRetries = 3

// TenantStore is the persistence surface the manager needs for tenants.
type TenantStore interface {
	Upsert(ctx context.Context, t *model.Tenant) error
	Find(ctx context.Context, externalID string) (*model.Tenant, error)
	ListActive(ctx context.Context) ([]model.Tenant, error)
	MarkStatus(ctx context.Context, externalID, status string) error
	TouchLastActive(ctx context.Context, externalID string) error
	Delete(ctx context.Context, externalID string) error
}

// AuditSink receives one record per operation outcome.
type AuditSink interface {
	Append(ctx context.Context, r *model.AuditRecord) error
}

// LifecycleSink receives business-level lifecycle events.
type LifecycleSink interface {
	Append(ctx context.Context, tenantID, eventType string, metadata map[string]any) error
}

// KeyRing resolves encryption keys for seal and unseal.
type KeyRing interface {
	ActiveKey(ctx context.Context) (*keyring.Key, error)
	Key(ctx context.Context, keyID string) (*keyring.Key, error)
}

// Installation is the validated payload for storing a tenant credential.
type Installation struct {
	TenantID          string
	DisplayName       string
	Credential        string
	InstallerIdentity string
	GrantedScopes     []string
	BotUserID         string
	AppID             string
}

// Manager exposes the credential lifecycle operations. All methods are
// safe for concurrent use; calls for the same tenant are linearized.
type Manager struct {
	tenants   TenantStore
	audit     AuditSink
	lifecycle LifecycleSink
	ring      KeyRing
	cache     *credentialCache
	locks     *tenantLocks
	log       *zap.Logger
}

// NewManager wires a Manager. cacheTTL bounds how long decrypted
// credentials are served without consulting the store.
func NewManager(tenants TenantStore, audit AuditSink, lifecycle LifecycleSink, ring KeyRing, cacheTTL time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		tenants:   tenants,
		audit:     audit,
		lifecycle: lifecycle,
		ring:      ring,
		cache:     newCredentialCache(cacheTTL),
		locks:     newTenantLocks(),
		log:       log,
	}
}

// StoreInstallation encrypts the credential under the active key and
// upserts the tenant as active. On a persistence failure for a brand-new
// tenant the record is rolled back so no partial state survives; for an
// existing tenant the prior record is left untouched.
func (m *Manager) StoreInstallation(ctx context.Context, inst Installation) error {
	if err := validateInstallation(inst); err != nil {
		m.appendAudit(ctx, inst.TenantID, model.OpTokenStored, false, model.SeverityError, err.Error())
		return err
	}

	unlock := m.locks.lock(inst.TenantID)
	defer unlock()

	existing, err := m.tenants.Find(ctx, inst.TenantID)
	if err != nil && !store.IsNotFound(err) {
		m.appendAudit(ctx, inst.TenantID, model.OpTokenStored, false, model.SeverityError, "lookup failed")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	isNew := existing == nil

	key, err := m.ring.ActiveKey(ctx)
	if err != nil {
		m.appendAudit(ctx, inst.TenantID, model.OpTokenStored, false, model.SeverityCritical, "no active encryption key")
		return err
	}

	blob, err := crypto.Encrypt(key.ID, key.Material, inst.TenantID, inst.Credential)
	if err != nil {
		m.appendAudit(ctx, inst.TenantID, model.OpTokenStored, false, model.SeverityCritical, "encryption failed")
		return err
	}

	tenant := &model.Tenant{
		ExternalID:          inst.TenantID,
		DisplayName:         inst.DisplayName,
		EncryptedCredential: blob,
		EncryptionKeyID:     key.ID,
		Status:              model.TenantStatusActive,
		InstallerIdentity:   inst.InstallerIdentity,
		GrantedScopes:       model.JoinStrings(inst.GrantedScopes, ","),
		BotUserID:           inst.BotUserID,
		AppID:               inst.AppID,
	}

	if err := m.withRetry(ctx, func() error { return m.tenants.Upsert(ctx, tenant) }); err != nil {
		if isNew {
			// Fail closed: a brand-new tenant must not survive a failed
			// provisioning attempt.
			if derr := m.tenants.Delete(ctx, inst.TenantID); derr != nil && !store.IsNotFound(derr) {
				m.log.Error("rollback of partial tenant failed",
					zap.String("tenant_id", inst.TenantID), zap.Error(derr))
			}
		}
		m.appendAudit(ctx, inst.TenantID, model.OpTokenStored, false, model.SeverityError, "store write failed")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.cache.invalidate(inst.TenantID)
	m.appendAudit(ctx, inst.TenantID, model.OpTokenStored, true, model.SeverityInfo, "")
	m.log.Info("stored tenant credential",
		zap.String("tenant_id", inst.TenantID),
		zap.String("key_id", key.ID),
		zap.Bool("reinstall", !isNew))
	return nil
}

// GetCredential returns the tenant's plaintext credential, from cache when
// fresh, otherwise by loading and decrypting the stored blob. Every call
// is audited. Callers must not hold the plaintext beyond the single
// outbound operation they need it for.
func (m *Manager) GetCredential(ctx context.Context, tenantID string) (string, error) {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	if plaintext, ok := m.cache.get(tenantID); ok {
		prometheus.RecordCacheLookup(true)
		m.appendAudit(ctx, tenantID, model.OpTokenRetrieved, true, model.SeverityInfo, "")
		m.touch(ctx, tenantID)
		return plaintext, nil
	}
	prometheus.RecordCacheLookup(false)

	tenant, err := m.loadTenant(ctx, tenantID, model.OpTokenRetrieved)
	if err != nil {
		return "", err
	}
	if !tenant.IsActive() {
		m.cache.invalidate(tenantID)
		m.appendAudit(ctx, tenantID, model.OpTokenRetrieved, false, model.SeverityError,
			"tenant status "+tenant.Status)
		return "", fmt.Errorf("%w: %s", ErrTenantInactive, tenant.Status)
	}

	plaintext, err := m.decrypt(ctx, tenant, model.OpTokenRetrieved)
	if err != nil {
		return "", err
	}

	m.cache.set(tenantID, plaintext)
	m.appendAudit(ctx, tenantID, model.OpTokenRetrieved, true, model.SeverityInfo, "")
	m.touch(ctx, tenantID)
	return plaintext, nil
}

// RotateTenant re-encrypts one tenant's credential under the current
// active key and updates its key reference. Used by the scheduled sweep
// and after a ring rotation.
func (m *Manager) RotateTenant(ctx context.Context, tenantID string) error {
	unlock := m.locks.lock(tenantID)
	defer unlock()
	return m.rotateLocked(ctx, tenantID)
}

func (m *Manager) rotateLocked(ctx context.Context, tenantID string) error {
	tenant, err := m.loadTenant(ctx, tenantID, model.OpTokenRotated)
	if err != nil {
		return err
	}
	if !tenant.IsActive() {
		m.appendAudit(ctx, tenantID, model.OpTokenRotated, false, model.SeverityError,
			"tenant status "+tenant.Status)
		return fmt.Errorf("%w: %s", ErrTenantInactive, tenant.Status)
	}

	plaintext, err := m.decrypt(ctx, tenant, model.OpTokenRotated)
	if err != nil {
		return err
	}

	key, err := m.ring.ActiveKey(ctx)
	if err != nil {
		m.appendAudit(ctx, tenantID, model.OpTokenRotated, false, model.SeverityCritical, "no active encryption key")
		return err
	}
	blob, err := crypto.Encrypt(key.ID, key.Material, tenantID, plaintext)
	if err != nil {
		m.appendAudit(ctx, tenantID, model.OpTokenRotated, false, model.SeverityCritical, "encryption failed")
		return err
	}

	tenant.EncryptedCredential = blob
	tenant.EncryptionKeyID = key.ID
	if err := m.withRetry(ctx, func() error { return m.tenants.Upsert(ctx, tenant) }); err != nil {
		m.appendAudit(ctx, tenantID, model.OpTokenRotated, false, model.SeverityError, "store write failed")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.cache.invalidate(tenantID)
	m.appendAudit(ctx, tenantID, model.OpTokenRotated, true, model.SeverityInfo, "")
	if m.lifecycle != nil {
		if err := m.lifecycle.Append(ctx, tenantID, model.EventTokenRotated,
			map[string]any{"key_id": key.ID}); err != nil {
			m.log.Error("record token_rotated event failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	m.log.Info("rotated tenant credential",
		zap.String("tenant_id", tenantID), zap.String("key_id", key.ID))
	return nil
}

// RotateAll sweeps active tenants whose ciphertext still references a
// non-active key and re-encrypts each under the current active key. It
// continues past per-tenant failures and returns how many were rotated.
func (m *Manager) RotateAll(ctx context.Context) (int, error) {
	key, err := m.ring.ActiveKey(ctx)
	if err != nil {
		return 0, err
	}
	tenants, err := m.tenants.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	rotated := 0
	var errs []error
	for i := range tenants {
		t := &tenants[i]
		// The blob's embedded key id is authoritative. An unparseable blob
		// is never skipped; the rotation attempt surfaces the corruption
		// as a critical audit record.
		blobKeyID, kerr := crypto.KeyID(t.EncryptedCredential)
		if kerr == nil && blobKeyID == key.ID && t.EncryptionKeyID == key.ID {
			continue
		}
		if err := m.RotateTenant(ctx, t.ExternalID); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ExternalID, err))
			continue
		}
		rotated++
	}
	return rotated, errors.Join(errs...)
}

// Revoke marks the tenant inactive and drops its cache entry. Idempotent:
// revoking an already-inactive tenant succeeds without effect. The second
// return reports whether the status actually transitioned, so callers can
// suppress duplicate lifecycle events.
func (m *Manager) Revoke(ctx context.Context, tenantID string) (bool, error) {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	tenant, err := m.loadTenant(ctx, tenantID, model.OpTokenRevoked)
	if err != nil {
		return false, err
	}

	if tenant.Status == model.TenantStatusInactive {
		m.cache.invalidate(tenantID)
		m.appendAudit(ctx, tenantID, model.OpTokenRevoked, true, model.SeverityInfo, "already inactive")
		return false, nil
	}

	err = m.withRetry(ctx, func() error {
		return m.tenants.MarkStatus(ctx, tenantID, model.TenantStatusInactive)
	})
	if err != nil {
		m.appendAudit(ctx, tenantID, model.OpTokenRevoked, false, model.SeverityError, "store write failed")
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.cache.invalidate(tenantID)
	m.appendAudit(ctx, tenantID, model.OpTokenRevoked, true, model.SeverityInfo, "")
	m.log.Info("revoked tenant credential", zap.String("tenant_id", tenantID))
	return true, nil
}

// loadTenant fetches a tenant, translating not-found and store failures
// into the manager's error taxonomy with an audit record.
func (m *Manager) loadTenant(ctx context.Context, tenantID, op string) (*model.Tenant, error) {
	tenant, err := m.tenants.Find(ctx, tenantID)
	if err != nil {
		if store.IsNotFound(err) {
			m.appendAudit(ctx, tenantID, op, false, model.SeverityError, "tenant not found")
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		m.appendAudit(ctx, tenantID, op, false, model.SeverityError, "lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return tenant, nil
}

// decrypt resolves the tenant's key and opens its ciphertext. Key-not-found
// and authentication failures are audited at critical severity; they are
// never retried because retrying cannot succeed.
func (m *Manager) decrypt(ctx context.Context, tenant *model.Tenant, op string) (string, error) {
	key, err := m.ring.Key(ctx, tenant.EncryptionKeyID)
	if err != nil {
		m.appendAudit(ctx, tenant.ExternalID, op, false, model.SeverityCritical,
			"encryption key unavailable")
		return "", err
	}
	plaintext, err := crypto.Decrypt(key.ID, key.Material, tenant.ExternalID, tenant.EncryptedCredential)
	if err != nil {
		prometheus.RecordDecryptFailure()
		m.appendAudit(ctx, tenant.ExternalID, op, false, model.SeverityCritical,
			"ciphertext authentication failed")
		return "", err
	}
	return plaintext, nil
}

func (m *Manager) touch(ctx context.Context, tenantID string) {
	if err := m.tenants.TouchLastActive(ctx, tenantID); err != nil {
		m.log.Warn("touch last_active_at failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// withRetry retries fn with bounded exponential backoff, but only for
// transient store failures. Everything else fails immediately.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if store.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), defaultMaxRetries), ctx)
	return backoff.Retry(operation, policy)
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func validateInstallation(inst Installation) error {
	switch {
	case inst.TenantID == "":
		return fmt.Errorf("%w: missing tenant id", ErrValidation)
	case inst.Credential == "":
		return fmt.Errorf("%w: missing credential", ErrValidation)
	case inst.InstallerIdentity == "":
		return fmt.Errorf("%w: missing installer identity", ErrValidation)
	case !strings.HasPrefix(inst.Credential, "xoxb-"):
		return fmt.Errorf("%w: credential is not a bot token", ErrValidation)
	}
	return nil
}

// appendAudit records one operation outcome. An audit write failure is
// logged but does not fail the operation itself.
func (m *Manager) appendAudit(ctx context.Context, tenantID, op string, success bool, severity, detail string) {
	actor := ActorFromContext(ctx)
	record := &model.AuditRecord{
		TenantID:    tenantID,
		Operation:   op,
		Success:     success,
		Severity:    severity,
		ErrorDetail: detail,
		ActorIP:     actor.IP,
		ActorAgent:  actor.UserAgent,
		RequestID:   actor.RequestID,
	}
	if err := m.audit.Append(ctx, record); err != nil {
		m.log.Error("append audit record failed",
			zap.String("tenant_id", tenantID),
			zap.String("operation", op),
			zap.Error(err))
	}
}
