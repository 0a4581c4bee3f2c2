// Package install drives the workspace installation state machine:
// absent -> pending -> active -> inactive, with reinstall transitions back
// to active. It validates inbound callbacks before any state exists and
// emits one lifecycle event per transition.
package install

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tokenbroker/internal/model"
	"tokenbroker/internal/store"
	"tokenbroker/internal/token"
)

// ErrTenantConflict indicates an installation callback for an existing
// active tenant with a different installer identity. Rejected immediately,
// never retried.
var ErrTenantConflict = errors.New("tenant already installed by a different identity")

// TokenManager is the credential surface the coordinator drives.
type TokenManager interface {
	StoreInstallation(ctx context.Context, inst token.Installation) error
	Revoke(ctx context.Context, tenantID string) (bool, error)
}

// TenantFinder looks up existing tenants to distinguish install from
// reinstall and to detect identity conflicts.
type TenantFinder interface {
	Find(ctx context.Context, externalID string) (*model.Tenant, error)
}

// LifecycleSink records business-level transitions.
type LifecycleSink interface {
	Append(ctx context.Context, tenantID, eventType string, metadata map[string]any) error
}

// Callback is a validated installation callback from the OAuth
// collaborator. Credential is plaintext at this boundary only.
type Callback struct {
	TenantExternalID  string
	DisplayName       string
	Credential        string
	InstallerIdentity string
	GrantedScopes     []string
	BotUserID         string
	AppID             string
	Extra             map[string]any
}

// Result reports what the callback did.
type Result struct {
	TenantID  string `json:"tenant_id"`
	Reinstall bool   `json:"reinstall"`
}

// Coordinator drives install, uninstall, and reinstall transitions.
type Coordinator struct {
	manager   TokenManager
	tenants   TenantFinder
	lifecycle LifecycleSink
	log       *zap.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(manager TokenManager, tenants TenantFinder, lifecycle LifecycleSink, log *zap.Logger) *Coordinator {
	return &Coordinator{manager: manager, tenants: tenants, lifecycle: lifecycle, log: log}
}

// HandleCallback processes an installation callback. A malformed callback
// never creates tenant state; a provisioning failure rolls back so no
// partial record survives. On success the tenant is active and one
// installed/reinstalled lifecycle event is emitted.
func (c *Coordinator) HandleCallback(ctx context.Context, cb Callback) (*Result, error) {
	if err := validateCallback(cb); err != nil {
		c.log.Warn("rejected installation callback", zap.Error(err))
		return nil, err
	}

	existing, err := c.tenants.Find(ctx, cb.TenantExternalID)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %v", token.ErrPersistence, err)
	}
	reinstall := existing != nil

	if reinstall && existing.IsActive() &&
		existing.InstallerIdentity != "" &&
		existing.InstallerIdentity != cb.InstallerIdentity {
		c.log.Warn("installer identity mismatch",
			zap.String("tenant_id", cb.TenantExternalID))
		return nil, ErrTenantConflict
	}

	inst := token.Installation{
		TenantID:          cb.TenantExternalID,
		DisplayName:       cb.DisplayName,
		Credential:        cb.Credential,
		InstallerIdentity: cb.InstallerIdentity,
		GrantedScopes:     cb.GrantedScopes,
		BotUserID:         cb.BotUserID,
		AppID:             cb.AppID,
	}
	if err := c.manager.StoreInstallation(ctx, inst); err != nil {
		return nil, err
	}

	eventType := model.EventInstalled
	if reinstall {
		eventType = model.EventReinstalled
	}
	metadata := map[string]any{
		"installer": cb.InstallerIdentity,
		"scopes":    cb.GrantedScopes,
		"app_id":    cb.AppID,
	}
	for k, v := range cb.Extra {
		metadata[k] = v
	}
	c.emit(ctx, cb.TenantExternalID, eventType, metadata)

	c.log.Info("installation completed",
		zap.String("tenant_id", cb.TenantExternalID),
		zap.Bool("reinstall", reinstall))
	return &Result{TenantID: cb.TenantExternalID, Reinstall: reinstall}, nil
}

// HandleUninstall processes an uninstall or deauthorize notification,
// moving the tenant to inactive. The encrypted credential is retained
// (soft delete); only a genuine transition emits a lifecycle event, which
// makes repeated notifications idempotent.
func (c *Coordinator) HandleUninstall(ctx context.Context, tenantExternalID string) error {
	if tenantExternalID == "" {
		return fmt.Errorf("%w: missing tenant id", token.ErrValidation)
	}

	changed, err := c.manager.Revoke(ctx, tenantExternalID)
	if err != nil {
		return err
	}
	if changed {
		c.emit(ctx, tenantExternalID, model.EventUninstalled, nil)
		c.log.Info("tenant uninstalled", zap.String("tenant_id", tenantExternalID))
	}
	return nil
}

func (c *Coordinator) emit(ctx context.Context, tenantID, eventType string, metadata map[string]any) {
	if err := c.lifecycle.Append(ctx, tenantID, eventType, metadata); err != nil {
		c.log.Error("record lifecycle event failed",
			zap.String("tenant_id", tenantID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func validateCallback(cb Callback) error {
	switch {
	case cb.TenantExternalID == "":
		return fmt.Errorf("%w: missing tenant_external_id", token.ErrValidation)
	case cb.Credential == "":
		return fmt.Errorf("%w: missing credential", token.ErrValidation)
	case cb.InstallerIdentity == "":
		return fmt.Errorf("%w: missing installer_identity", token.ErrValidation)
	}
	return nil
}
