// Package telemetry provides logging, tracing and metrics for jim passes.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with OTLP/gRPC
// or stdout exporters, and metrics are Prometheus counters derived from the
// activity summaries the engine publishes after each import, sync and export
// pass.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	_ = tel.Metrics.StartMetricsServer(ctx, tel.Logger)
//
// Engine components take a zerolog.Logger:
//
//	flow := engine.NewFlowEvaluator(exprs, tel.Logger.NewComponentLogger("flow").Zerolog())
//
// # Passes
//
// StartPass wraps a pass in a span and a logger carrying the operation and
// connected system:
//
//	pass := telemetry.StartPass(ctx, "sync", systemID)
//	summary, err := processor.Synchronize(pass.Ctx, systemID)
//	pass.End(&summary, err)
//
// # Activity
//
// ActivityBroadcaster implements engine.ActivityPublisher. It logs each summary
// and forwards it to its sinks:
//
//	publisher := telemetry.NewActivityBroadcaster(logger, tel.Metrics, stores.NewActivityLog(store))
//
// Metrics are exposed via HTTP at /metrics (default :9090).
package telemetry
