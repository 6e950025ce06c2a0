package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimsync/jim/pkg/engine"
)

func enabledMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling rate out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("sync").WithSystem("hr").WithOperation("import").Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "sync", line["component"])
	assert.Equal(t, "hr", line["connected_system"])
	assert.Equal(t, "import", line["operation"])
	assert.Equal(t, "info", line["level"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	// A context without a logger gets one that discards output.
	FromContext(context.Background()).Info("nowhere")
	assert.NotContains(t, buf.String(), "nowhere")
}

func TestMetricsPublish(t *testing.T) {
	m := enabledMetrics(t)

	summary := engine.ActivitySummary{
		Operation:        "sync",
		SystemID:         "hr",
		Duration:         2 * time.Second,
		Processed:        10,
		Created:          4,
		Updated:          3,
		Unchanged:        2,
		Rejected:         1,
		Joins:            2,
		Projections:      3,
		DriftCorrections: 1,
		ExportsStaged:    5,
		ImportErrors:     map[engine.ImportErrorType]int{engine.ImportErrorMissingExternalID: 1},
	}
	require.NoError(t, m.Publish(context.Background(), summary))
	require.NoError(t, m.Publish(context.Background(), summary))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.passes.WithLabelValues("sync", "hr")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.objects.WithLabelValues("sync", "hr", "created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.objects.WithLabelValues("sync", "hr", "rejected")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.joins.WithLabelValues("hr", "projected")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.joins.WithLabelValues("hr", "joined")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.drift.WithLabelValues("hr")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.exports.WithLabelValues("hr", "staged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.importError.WithLabelValues("hr", string(engine.ImportErrorMissingExternalID))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.passDuration))
}

func TestMetricsRecordError(t *testing.T) {
	m := enabledMetrics(t)

	m.RecordError(engine.NewPermanentError("denied", nil).WithCode(engine.ErrCodePolicyDenied))
	m.RecordError(errors.New("plain"))
	m.RecordError(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodePolicyDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("unclassified")))
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	assert.NoError(t, m.Publish(context.Background(), engine.ActivitySummary{Operation: "import", Created: 1}))
	m.SetPendingExports("hr", engine.PendingExportStatusPending, 3)
	m.RecordError(errors.New("ignored"))
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	m := enabledMetrics(t)
	m.SetPendingExports("hr", engine.PendingExportStatusFailed, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jim_pending_exports{connected_system="hr",status="failed"} 2`)
}

type recordingSink struct {
	got []engine.ActivitySummary
	err error
}

func (r *recordingSink) Publish(_ context.Context, s engine.ActivitySummary) error {
	r.got = append(r.got, s)
	return r.err
}

func TestActivityBroadcaster(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	all := &recordingSink{}
	failing := &recordingSink{err: errors.New("sink down")}
	exportsOnly := &recordingSink{}

	b := NewActivityBroadcaster(logger, all, failing)
	b.Subscribe(exportsOnly, FilterByOperation("export"))
	b.Subscribe(nil, nil)

	err := b.Publish(context.Background(), engine.ActivitySummary{Operation: "import", SystemID: "hr", Rejected: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")

	require.NoError(t, func() error {
		failing.err = nil
		return b.Publish(context.Background(), engine.ActivitySummary{Operation: "export", SystemID: "hr"})
	}())

	assert.Len(t, all.got, 2)
	assert.Len(t, failing.got, 2)
	require.Len(t, exportsOnly.got, 1)
	assert.Equal(t, "export", exportsOnly.got[0].Operation)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[0], `"rejected":1`)
	assert.Contains(t, lines[1], `"level":"info"`)
}

func TestFilterBySystem(t *testing.T) {
	f := FilterBySystem("hr")
	assert.True(t, f(engine.ActivitySummary{SystemID: "hr"}))
	assert.False(t, f(engine.ActivitySummary{SystemID: "ldap"}))
}

func TestStartPassWithoutTelemetry(t *testing.T) {
	pass := StartPass(context.Background(), "sync", "hr")
	assert.Nil(t, pass.Span)
	require.NotNil(t, pass.Logger)
	pass.End(nil, errors.New("boom"))
}

func TestStartPassWithTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))

	pass := StartPass(ctx, "export", "hr")
	require.NotNil(t, pass.Span)
	assert.NotEmpty(t, TraceID(pass.Ctx))

	pass.End(&engine.ActivitySummary{Operation: "export"}, engine.NewTransientError("timeout", nil).WithCode(engine.ErrCodeTimeout))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeTimeout)))
}
