package prometheus

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenbroker/pkg/config"
)

var (
	// Installation metrics
	InstallCounter   *prometheus.CounterVec
	UninstallCounter prometheus.Counter

	// Credential metrics
	CredentialRequestCounter *prometheus.CounterVec
	CredentialCacheCounter   *prometheus.CounterVec
	TokensRevokedCounter     prometheus.Counter
	DecryptFailureCounter    prometheus.Counter

	// Key metrics
	KeyRotationCounter  prometheus.Counter
	TenantsRotatedGauge prometheus.Gauge
	ActiveTenantsGauge  prometheus.Gauge

	// Database operation metrics
	DBOperationHistogram *prometheus.HistogramVec

	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec
	APIErrorCounter          *prometheus.CounterVec

	// Namespace prefix for metrics
	namespace string
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics(cfg *config.Config) {
	namespace = cfg.Metrics.Prefix

	InstallCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Total number of completed workspace installations",
		},
		[]string{"kind"}, // install or reinstall
	)

	UninstallCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uninstalls_total",
		Help:      "Total number of workspace uninstalls",
	})

	CredentialRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Total number of credential retrieval requests",
		},
		[]string{"result"},
	)

	CredentialCacheCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_cache_total",
			Help:      "Credential cache lookups by outcome",
		},
		[]string{"outcome"}, // hit or miss
	)

	TokensRevokedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_revoked_total",
		Help:      "Total number of tenant credentials revoked",
	})

	DecryptFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decrypt_failures_total",
		Help:      "Total number of credential decryption failures",
	})

	KeyRotationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_rotations_total",
		Help:      "Total number of encryption key rotations",
	})

	TenantsRotatedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenants_rotated_last_sweep",
		Help:      "Number of tenants re-encrypted during the last rotation sweep",
	})

	ActiveTenantsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tenants",
		Help:      "Number of currently active tenants",
	})

	DBOperationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Duration of database operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RequestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	APIRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path"},
	)

	APIErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of API errors",
		},
		[]string{"method", "path", "status"},
	)
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			APIRequestCounter.With(prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
			}).Inc()

			err := next(c)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(c.Response().Status)
			RequestDurationHistogram.With(prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": status,
			}).Observe(duration)

			if c.Response().Status >= 400 {
				APIErrorCounter.With(prometheus.Labels{
					"method": c.Request().Method,
					"path":   c.Path(),
					"status": status,
				}).Inc()
			}

			return err
		}
	}
}

// HandlerFunc returns a HTTP handler for metrics endpoint
func HandlerFunc() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// TrackDBOperation returns a function that tracks database operation duration
func TrackDBOperation(operation string) func(time.Time) {
	return func(startTime time.Time) {
		duration := time.Since(startTime).Seconds()
		DBOperationHistogram.With(prometheus.Labels{
			"operation": operation,
		}).Observe(duration)
	}
}

// RecordInstall increments the install counter.
func RecordInstall(reinstall bool) {
	kind := "install"
	if reinstall {
		kind = "reinstall"
	}
	InstallCounter.With(prometheus.Labels{"kind": kind}).Inc()
}

// RecordCredentialRequest increments the credential request counter.
func RecordCredentialRequest(result string) {
	CredentialRequestCounter.With(prometheus.Labels{"result": result}).Inc()
}

// RecordCacheLookup increments the credential cache counter. Safe to call
// before InitMetrics; the lookup is simply not recorded.
func RecordCacheLookup(hit bool) {
	if CredentialCacheCounter == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CredentialCacheCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordDecryptFailure increments the decrypt failure counter. Safe to
// call before InitMetrics.
func RecordDecryptFailure() {
	if DecryptFailureCounter == nil {
		return
	}
	DecryptFailureCounter.Inc()
}
