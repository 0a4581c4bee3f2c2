package main

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"tokenbroker/internal/handler"
	"tokenbroker/internal/install"
	"tokenbroker/internal/keyring"
	"tokenbroker/internal/middleware"
	"tokenbroker/internal/store"
	"tokenbroker/internal/token"
	"tokenbroker/pkg/config"
	"tokenbroker/pkg/database"
	"tokenbroker/pkg/logger"
	"tokenbroker/pkg/slackauth"
	"tokenbroker/prometheus"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting token broker...", zap.String("environment", cfg.Server.Env))

	// Initialize database (includes migrations)
	if err := database.InitDB(cfg, log); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed")

	db := database.GetDB()
	opTimeout := cfg.Database.OpTimeout

	// Persistence layer
	tenants := store.NewTenantStore(db, opTimeout)
	keys := store.NewKeyStore(db, opTimeout)
	audit := store.NewAuditLog(db, opTimeout)
	lifecycle := store.NewLifecycleLog(db, opTimeout)

	// Key ring: derive the KEK and make sure an active key exists before
	// serving traffic
	kek, err := keyring.DeriveKEK(cfg.Crypto.MasterSecret, cfg.Crypto.KDFSalt)
	if err != nil {
		log.Fatal("Failed to derive key-encryption key", zap.Error(err))
	}
	ring := keyring.New(keys, kek, cfg.Crypto.KeyMaxAge, log)
	if _, err := ring.EnsureActive(context.Background()); err != nil {
		log.Fatal("Failed to bootstrap encryption key", zap.Error(err))
	}

	// Credential lifecycle core
	manager := token.NewManager(tenants, audit, lifecycle, ring, cfg.Cache.CredentialTTL, log)
	coordinator := install.NewCoordinator(manager, tenants, lifecycle, log)

	// OAuth collaborator
	stateSigner, err := slackauth.NewStateSigner(cfg.Slack.StateSecret, cfg.Slack.StateTTL)
	if err != nil {
		log.Fatal("Failed to initialize state signer", zap.Error(err))
	}
	slackClient := slackauth.New(cfg)

	handler.Init(handler.Deps{
		Coordinator: coordinator,
		Manager:     manager,
		Tenants:     tenants,
		Audit:       audit,
		Lifecycle:   lifecycle,
		Ring:        ring,
		Slack:       slackClient,
		State:       stateSigner,
	})

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	// Periodic rotation sweep: rotate the ring when the active key is too
	// old, then re-encrypt tenants still on retired keys
	go rotationSweep(ring, manager, cfg.Crypto.SweepInterval, log)

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	// Public routes - no authentication required
	e.GET("/", handler.Hello)
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", prometheus.HandlerFunc())

	// Installation flow
	slack := e.Group("/slack")
	slack.GET("/install", handler.SlackInstall)
	slack.GET("/oauth/callback", handler.OAuthCallback)
	slack.POST("/events", handler.SlackEvents)

	// Admin and internal surface
	adminAuth := middleware.AdminAuthMiddleware(cfg.Admin.APIKeyHash)

	internal := e.Group("/internal", adminAuth)
	internal.GET("/credentials/:tenant_id", handler.GetCredential)

	admin := e.Group("/admin", adminAuth)
	admin.GET("/tenants", handler.ListTenants)
	admin.GET("/tenants/:tenant_id/history", handler.TenantHistory)
	admin.POST("/tenants/:tenant_id/revoke", handler.RevokeTenant)
	admin.POST("/tenants/:tenant_id/rotate", handler.RotateTenant)
	admin.POST("/keys/rotate", handler.RotateKey)
	admin.POST("/keys/:key_id/revoke", handler.RevokeKey)
	admin.GET("/audit", handler.RecentAudit)

	// Start server
	port := cfg.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := e.Start(":" + port); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
}

// rotationSweep periodically ages out the active key and re-encrypts
// tenants whose ciphertexts still reference retired keys.
func rotationSweep(ring *keyring.Ring, manager *token.Manager, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)

		if age, tooOld := ring.ActiveAge(); tooOld {
			log.Info("Active key exceeded maximum age, rotating",
				zap.Duration("age", age))
			if _, err := ring.Rotate(ctx); err != nil {
				log.Error("Scheduled key rotation failed", zap.Error(err))
				cancel()
				continue
			}
			prometheus.KeyRotationCounter.Inc()
		}

		rotated, err := manager.RotateAll(ctx)
		if rotated > 0 || err != nil {
			log.Info("Rotation sweep finished",
				zap.Int("tenants_rotated", rotated), zap.Error(err))
		}
		prometheus.TenantsRotatedGauge.Set(float64(rotated))
		cancel()
	}
}
