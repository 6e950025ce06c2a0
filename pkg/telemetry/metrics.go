package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jimsync/jim/pkg/engine"
)

// Metrics provides Prometheus metrics for synchronisation passes.
// A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec

	// Object metrics
	objects     *prometheus.CounterVec
	joins       *prometheus.CounterVec
	importError *prometheus.CounterVec
	drift       *prometheus.CounterVec

	// Export metrics
	exports        *prometheus.CounterVec
	pendingExports *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of completed import, sync and export passes",
			},
			[]string{"operation", "connected_system"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of passes in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "connected_system"},
		),

		objects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_total",
				Help:      "Objects processed by passes, by outcome",
			},
			[]string{"operation", "connected_system", "outcome"},
		),
		joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_total",
				Help:      "Connected system objects joined, projected or provisioned",
			},
			[]string{"connected_system", "join_type"},
		),
		importError: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "import_errors_total",
				Help:      "Import records rejected, by error type",
			},
			[]string{"connected_system", "type"},
		),
		drift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_corrections_total",
				Help:      "Pending exports staged to correct drift",
			},
			[]string{"connected_system"},
		),

		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Pending exports by outcome",
			},
			[]string{"connected_system", "outcome"},
		),
		pendingExports: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_exports",
				Help:      "Current number of pending exports by status",
			},
			[]string{"connected_system", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.passes,
		m.passDuration,
		m.objects,
		m.joins,
		m.importError,
		m.drift,
		m.exports,
		m.pendingExports,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Publish records a pass summary. It implements engine.ActivityPublisher.
func (m *Metrics) Publish(_ context.Context, s engine.ActivitySummary) error {
	if m.passes == nil {
		return nil
	}

	m.passes.WithLabelValues(s.Operation, s.SystemID).Inc()
	m.passDuration.WithLabelValues(s.Operation, s.SystemID).Observe(s.Duration.Seconds())

	outcomes := []struct {
		name  string
		count int
	}{
		{"created", s.Created},
		{"updated", s.Updated},
		{"unchanged", s.Unchanged},
		{"obsoleted", s.Obsoleted},
		{"rejected", s.Rejected},
	}
	for _, o := range outcomes {
		addCount(m.objects.WithLabelValues(s.Operation, s.SystemID, o.name), o.count)
	}

	addCount(m.joins.WithLabelValues(s.SystemID, string(engine.JoinTypeJoined)), s.Joins)
	addCount(m.joins.WithLabelValues(s.SystemID, string(engine.JoinTypeProjected)), s.Projections)
	addCount(m.joins.WithLabelValues(s.SystemID, string(engine.JoinTypeProvisioned)), s.Provisions)

	for t, n := range s.ImportErrors {
		addCount(m.importError.WithLabelValues(s.SystemID, string(t)), n)
	}
	addCount(m.drift.WithLabelValues(s.SystemID), s.DriftCorrections)

	exports := []struct {
		name  string
		count int
	}{
		{"staged", s.ExportsStaged},
		{"succeeded", s.ExportsSucceeded},
		{"failed", s.ExportsFailed},
		{"deferred", s.ExportsDeferred},
		{"confirmed", s.ExportsConfirmed},
	}
	for _, e := range exports {
		addCount(m.exports.WithLabelValues(s.SystemID, e.name), e.count)
	}

	return nil
}

// SetPendingExports sets the current number of pending exports in a status.
func (m *Metrics) SetPendingExports(systemID string, status engine.PendingExportStatus, count int) {
	if m.pendingExports == nil {
		return
	}
	m.pendingExports.WithLabelValues(systemID, string(status)).Set(float64(count))
}

// RecordError records an error by class and code. Errors that are not
// engine errors are counted as unclassified.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}

	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		m.errorsByClass.WithLabelValues("unclassified").Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(engineErr.Class)).Inc()
	if engineErr.Code != "" {
		m.errorsByCode.WithLabelValues(engineErr.Code).Inc()
	}
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}

func addCount(c prometheus.Counter, n int) {
	if n > 0 {
		c.Add(float64(n))
	}
}

var _ engine.ActivityPublisher = (*Metrics)(nil)
