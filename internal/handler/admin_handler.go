package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tokenbroker/pkg/logger"
	"tokenbroker/prometheus"
)

// ListTenants returns all active tenants. Encrypted credentials are
// excluded from the JSON shape by the model.
func ListTenants(c echo.Context) error {
	log := logger.FromContext(c)

	defer prometheus.TrackDBOperation("query")(time.Now())

	tenants, err := deps.Tenants.ListActive(c.Request().Context())
	if err != nil {
		log.Error("Failed to list tenants", zap.Error(err))
		return errorResponse(c, err)
	}

	prometheus.ActiveTenantsGauge.Set(float64(len(tenants)))
	return c.JSON(http.StatusOK, echo.Map{
		"tenants": tenants,
		"count":   len(tenants),
	})
}

// GetCredential serves a tenant's plaintext credential to the messaging
// collaborator. Callers must use it for a single outbound operation and
// never cache it.
func GetCredential(c echo.Context) error {
	log := logger.FromContext(c)

	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Tenant ID is required",
		})
	}

	credential, err := deps.Manager.GetCredential(c.Request().Context(), tenantID)
	if err != nil {
		log.Warn("Credential retrieval failed", zap.String("tenant_id", tenantID), zap.Error(err))
		prometheus.RecordCredentialRequest("error")
		return errorResponse(c, err)
	}

	prometheus.RecordCredentialRequest("ok")
	return c.JSON(http.StatusOK, echo.Map{
		"tenant_id":  tenantID,
		"credential": credential,
	})
}

// RevokeTenant marks a tenant inactive. Idempotent.
func RevokeTenant(c echo.Context) error {
	log := logger.FromContext(c)

	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Tenant ID is required",
		})
	}

	if err := deps.Coordinator.HandleUninstall(c.Request().Context(), tenantID); err != nil {
		log.Error("Revoke failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return errorResponse(c, err)
	}

	prometheus.TokensRevokedCounter.Inc()
	return c.JSON(http.StatusOK, echo.Map{"tenant_id": tenantID, "status": "inactive"})
}

// RotateTenant re-encrypts one tenant's credential under the active key.
func RotateTenant(c echo.Context) error {
	log := logger.FromContext(c)

	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Tenant ID is required",
		})
	}

	if err := deps.Manager.RotateTenant(c.Request().Context(), tenantID); err != nil {
		log.Error("Tenant rotation failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"tenant_id": tenantID, "status": "rotated"})
}

// RotateKey rotates the key ring and sweeps all active tenants onto the
// new key.
func RotateKey(c echo.Context) error {
	log := logger.FromContext(c)
	ctx := c.Request().Context()

	key, err := deps.Ring.Rotate(ctx)
	if err != nil {
		log.Error("Key rotation failed", zap.Error(err))
		return errorResponse(c, err)
	}
	prometheus.KeyRotationCounter.Inc()

	rotated, err := deps.Manager.RotateAll(ctx)
	prometheus.TenantsRotatedGauge.Set(float64(rotated))
	if err != nil {
		// The new key is live; some tenants remain on expired keys and
		// will be retried by the next sweep.
		log.Error("Rotation sweep incomplete", zap.Int("rotated", rotated), zap.Error(err))
		return c.JSON(http.StatusOK, echo.Map{
			"key_id":          key.ID,
			"tenants_rotated": rotated,
			"sweep_complete":  false,
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"key_id":          key.ID,
		"tenants_rotated": rotated,
		"sweep_complete":  true,
	})
}

// RevokeKey marks a retired encryption key revoked. Ciphertexts still
// referencing it become unrecoverable, so this is for confirmed key
// compromise, after a rotation sweep has moved tenants off it.
func RevokeKey(c echo.Context) error {
	log := logger.FromContext(c)

	keyID := c.Param("key_id")
	if keyID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Key ID is required",
		})
	}

	if err := deps.Ring.Revoke(c.Request().Context(), keyID); err != nil {
		log.Error("Key revocation failed", zap.String("key_id", keyID), zap.Error(err))
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"key_id": keyID, "status": "revoked"})
}

// RecentAudit returns recent audit records, optionally filtered by tenant.
func RecentAudit(c echo.Context) error {
	log := logger.FromContext(c)

	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	var err error
	ctx := c.Request().Context()
	if tenantID := c.QueryParam("tenant_id"); tenantID != "" {
		records, ferr := deps.Audit.ForTenant(ctx, tenantID, limit)
		if ferr == nil {
			return c.JSON(http.StatusOK, echo.Map{"records": records})
		}
		err = ferr
	} else {
		records, ferr := deps.Audit.Recent(ctx, limit)
		if ferr == nil {
			return c.JSON(http.StatusOK, echo.Map{"records": records})
		}
		err = ferr
	}

	log.Error("Failed to list audit records", zap.Error(err))
	return errorResponse(c, err)
}

// TenantHistory returns a tenant's lifecycle events.
func TenantHistory(c echo.Context) error {
	log := logger.FromContext(c)

	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Tenant ID is required",
		})
	}

	events, err := deps.Lifecycle.ForTenant(c.Request().Context(), tenantID)
	if err != nil {
		log.Error("Failed to list lifecycle events", zap.String("tenant_id", tenantID), zap.Error(err))
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"tenant_id": tenantID, "events": events})
}
