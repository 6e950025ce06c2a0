package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/jimsync/jim/pkg/config"
	"github.com/jimsync/jim/pkg/engine"
	"github.com/jimsync/jim/pkg/expression"
	"github.com/jimsync/jim/pkg/policy"
	"github.com/jimsync/jim/pkg/stores"
	"github.com/jimsync/jim/pkg/telemetry"
)

// runtime is the engine wired from the runtime configuration.
type runtime struct {
	ctx    context.Context
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store    *stores.SQLiteStore
	model    *engine.SyncModel
	exports  *engine.PendingExportManager
	importer *engine.ImportProcessor
	syncer   *engine.SyncProcessor
	executor *engine.ExportExecutor
	gate     *policy.Engine
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to load config", Err: err}
	}
	if len(opts.Definitions) > 0 {
		cfg.Definitions = opts.Definitions
	}
	if len(cfg.Definitions) == 0 {
		return nil, &ExitError{Code: ExitCommandError, Message: "no sync definitions given (use --definitions or the config file)"}
	}
	return cfg, nil
}

func telemetryConfig(cfg *config.Config, verbose bool) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = cfg.Logging.Level
	if verbose && cfg.Logging.Level != "trace" {
		tc.Logging.Level = "debug"
	}
	tc.Logging.Format = cfg.Logging.Format
	tc.Logging.Output = cfg.Logging.Output
	tc.Logging.EnableCaller = cfg.Logging.Caller

	tc.Metrics.Enabled = cfg.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Telemetry.Metrics.ListenAddress
	if cfg.Telemetry.Metrics.Namespace != "" {
		tc.Metrics.Namespace = cfg.Telemetry.Metrics.Namespace
	}

	tc.Tracing.Enabled = cfg.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	tc.Tracing.Insecure = cfg.Telemetry.Tracing.Insecure
	tc.Tracing.SamplingRate = cfg.Telemetry.Tracing.SamplingRate
	return tc
}

// openRuntime loads the configuration and definitions, opens the store and
// builds the import, sync and export processors. The caller must close it.
func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, opts.Verbose))
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to initialize telemetry", Err: err}
	}
	rt := &runtime{
		ctx:    tel.WithContext(ctx),
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}
	if err := rt.wire(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context) error {
	cfg := rt.cfg
	tel := rt.tel
	var err error

	rt.model, err = config.NewDefinitionParser().Load(ctx, cfg.Definitions)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "failed to load sync definitions", Err: err}
	}

	rt.store, err = stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	})
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "invalid database config", Err: err}
	}
	if err := rt.store.Init(ctx); err != nil {
		return &ExitError{Code: ExitCommandError, Message: "failed to open database", Err: err}
	}
	if err := rt.store.Migrate(ctx); err != nil {
		return &ExitError{Code: ExitCommandError, Message: "failed to migrate database", Err: err}
	}

	if err := tel.Metrics.StartMetricsServer(rt.ctx, tel.Logger); err != nil {
		return err
	}

	extractor := expression.NewSyntaxExtractor()
	flow := engine.NewFlowEvaluator(expression.NewStarlarkEvaluator(cfg.Expressions.MaxSteps), rt.logger)
	drift := engine.NewDriftDetector(flow, extractor, rt.logger)
	publisher := telemetry.NewActivityBroadcaster(rt.logger, tel.Metrics, stores.NewActivityLog(rt.store))

	rt.exports = engine.NewPendingExportManager(rt.store, cfg.RetryPolicy(), rt.logger, engine.WithObjectTypes(rt.model))
	rt.importer = engine.NewImportProcessor(rt.store, rt.model, rt.exports, rt.logger,
		engine.WithImportPublisher(publisher))
	rt.syncer = engine.NewSyncProcessor(rt.store, rt.model, flow, drift, rt.exports, rt.logger,
		engine.WithSyncPublisher(publisher),
		engine.WithAttributeExtractor(extractor))

	execOpts := []engine.ExecutorOption{
		engine.WithExecutorPublisher(publisher),
		engine.WithDefaultParallelism(cfg.Export.Parallelism),
	}
	if cfg.Policy.Enabled {
		gate, err := policy.NewEngine(rt.logger)
		if err != nil {
			return err
		}
		rt.gate = gate
		if err := rt.gate.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return &ExitError{Code: ExitCommandError, Message: "failed to load policies", Err: err}
		}
		if cfg.Policy.Watch {
			if err := rt.gate.Watch(rt.ctx, cfg.Policy.Paths); err != nil {
				return err
			}
		}
		execOpts = append(execOpts, engine.WithExportGate(rt.gate))
	}
	rt.executor = engine.NewExportExecutor(rt.exports, rt.store, rt.model, rt.logger, execOpts...)
	return nil
}

// refreshPendingGauge publishes the pending export counts of a system.
func (rt *runtime) refreshPendingGauge(systemID string) {
	exports, err := rt.store.ListPendingExports(rt.ctx, systemID)
	if err != nil {
		rt.logger.Warn().Err(err).Str("system", systemID).Msg("Failed to count pending exports")
		return
	}
	counts := map[engine.PendingExportStatus]int{
		engine.PendingExportStatusPending:            0,
		engine.PendingExportStatusExecuting:          0,
		engine.PendingExportStatusExported:           0,
		engine.PendingExportStatusExportNotConfirmed: 0,
		engine.PendingExportStatusFailed:             0,
	}
	for _, pe := range exports {
		counts[pe.Status]++
	}
	for status, n := range counts {
		rt.tel.Metrics.SetPendingExports(systemID, status, n)
	}
}

func (rt *runtime) requireSystem(id string) error {
	if _, ok := rt.model.ConnectedSystem(id); !ok {
		return &ExitError{
			Code:    ExitCommandError,
			Message: "unknown connected system " + id,
			Err:     engine.NewPermanentError("connected system not defined", nil).WithCode(engine.ErrCodeNotFound).WithResource(id),
		}
	}
	return nil
}

// Close releases the store, stops the policy watcher and flushes telemetry.
func (rt *runtime) Close() error {
	var errs []error
	if rt.gate != nil {
		errs = append(errs, rt.gate.StopWatching())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.tel.Shutdown(context.Background()))
	return errors.Join(errs...)
}
