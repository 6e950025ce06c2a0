package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jimsync/jim/pkg/engine"
)

// Telemetry bundles the logger, tracer and metrics of a jim process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes pending spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Logger.Close())
}

// Pass is an instrumented import, sync or export pass.
type Pass struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	operation string
	systemID  string
	started   time.Time
	tel       *Telemetry
}

// StartPass begins an instrumented pass with logging and tracing. Without
// telemetry in ctx the pass only carries the context logger.
func StartPass(ctx context.Context, operation, systemID string) *Pass {
	p := &Pass{
		Ctx:       ctx,
		operation: operation,
		systemID:  systemID,
		started:   time.Now(),
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		p.Logger = FromContext(ctx).WithOperation(operation).WithSystem(systemID)
		return p
	}
	p.tel = tel

	spanCtx, span := tel.Tracer.StartPassSpan(ctx, operation, systemID)
	logger := tel.Logger.WithOperation(operation).WithSystem(systemID)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	p.Ctx = logger.WithContext(spanCtx)
	p.Span = span
	p.Logger = logger
	return p
}

// End finishes the pass, recording its summary on the span and any error in
// the error metrics.
func (p *Pass) End(summary *engine.ActivitySummary, err error) {
	elapsed := time.Since(p.started)

	if p.tel != nil && err != nil {
		p.tel.Metrics.RecordError(err)
	}

	if p.Span != nil {
		if summary != nil {
			AddSummaryAttributes(p.Span, *summary)
		}
		if err != nil {
			var engineErr *engine.EngineError
			if errors.As(err, &engineErr) {
				p.Span.SetAttributes(
					AttrErrorClass.String(string(engineErr.Class)),
					AttrErrorCode.String(engineErr.Code),
				)
			}
			RecordError(p.Span, err)
		} else {
			RecordSuccess(p.Span)
		}
		p.Span.End()
	}

	if err != nil {
		p.Logger.zlog.Error().Err(err).Dur("elapsed", elapsed).Msg("pass failed")
		return
	}
	p.Logger.zlog.Debug().Dur("elapsed", elapsed).Msg("pass finished")
}
