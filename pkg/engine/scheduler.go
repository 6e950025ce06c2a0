package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultExportParallelism is used for connected systems that do not set a limit.
const DefaultExportParallelism = 4

// exportOutcome is the result of one pending export within a pass.
type exportOutcome string

const (
	outcomeSucceeded exportOutcome = "succeeded"
	outcomeFailed    exportOutcome = "failed"
	outcomeDeferred  exportOutcome = "deferred"
)

// ExportExecutor runs due pending exports of a connected system against its
// connector. Exports are released level by level in reference order, running
// independent exports in parallel up to the system's parallelism limit.
type ExportExecutor struct {
	manager     *PendingExportManager
	repo        Repository
	model       *SyncModel
	gate        ExportGate
	publisher   ActivityPublisher
	parallelism int
	logger      zerolog.Logger
	now         func() time.Time
}

// ExecutorOption configures an ExportExecutor.
type ExecutorOption func(*ExportExecutor)

// WithExportGate checks every export against gate before it is sent.
func WithExportGate(gate ExportGate) ExecutorOption {
	return func(e *ExportExecutor) { e.gate = gate }
}

// WithExecutorPublisher publishes the summary of each pass.
func WithExecutorPublisher(p ActivityPublisher) ExecutorOption {
	return func(e *ExportExecutor) { e.publisher = p }
}

// WithDefaultParallelism sets the limit for systems without their own.
func WithDefaultParallelism(n int) ExecutorOption {
	return func(e *ExportExecutor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// NewExportExecutor creates an export executor.
func NewExportExecutor(
	manager *PendingExportManager,
	repo Repository,
	model *SyncModel,
	logger zerolog.Logger,
	opts ...ExecutorOption,
) *ExportExecutor {
	e := &ExportExecutor{
		manager:     manager,
		repo:        repo,
		model:       model,
		parallelism: DefaultExportParallelism,
		logger:      logger.With().Str("component", "export_executor").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one export pass for a connected system. Cancelling ctx stops
// the pass between exports; a connector call in flight is never cancelled.
// Only integrity violations and storage failures are returned as errors.
func (e *ExportExecutor) Execute(ctx context.Context, systemID string, connector Connector) (ActivitySummary, error) {
	summary := ActivitySummary{Operation: "export", SystemID: systemID, StartedAt: e.now()}

	system, ok := e.model.ConnectedSystem(systemID)
	if !ok {
		return summary, NewPermanentError("unknown connected system", nil).
			WithCode(ErrCodeConfiguration).
			WithResource(systemID)
	}
	limit := system.ExportParallelism
	if limit <= 0 {
		limit = e.parallelism
	}

	due, err := e.manager.SelectDue(ctx, systemID)
	if err != nil {
		return summary, err
	}
	if len(due) == 0 {
		e.finish(ctx, &summary)
		return summary, nil
	}

	refs, err := e.loadReferences(ctx, systemID, due)
	if err != nil {
		return summary, err
	}

	for i, pe := range due {
		if !pe.HasUnresolvedReferences {
			continue
		}
		updated, err := e.manager.ResolveReferences(ctx, pe, refs)
		if err != nil {
			return summary, err
		}
		due[i] = updated
	}

	graph, err := NewExportDAGBuilder().BuildGraph(due, refs)
	if err != nil {
		return summary, err
	}
	if len(graph.Blocked) > 0 {
		e.logger.Warn().
			Str("system_id", systemID).
			Str("blocked", formatBlocked(graph.Blocked)).
			Msg("Pending exports reference each other and cannot be released")
	}

	byID := make(map[string]*PendingExport, len(due))
	for _, pe := range due {
		byID[pe.ID] = pe
	}

	var mu sync.Mutex
	outcomes := make(map[string]exportOutcome, len(due))

	e.logger.Info().
		Str("system_id", systemID).
		Int("exports", len(due)).
		Int("levels", graph.Depth()).
		Int("parallelism", limit).
		Msg("Starting export pass")

	for _, level := range graph.Levels {
		if ctx.Err() != nil {
			break
		}

		var created []*ConnectedSystemObject
		g := new(errgroup.Group)
		g.SetLimit(limit)

		for _, id := range level {
			pe := byID[id]
			deps := graph.Dependencies[id]
			g.Go(func() error {
				mu.Lock()
				ready := dependenciesSucceeded(deps, outcomes)
				mu.Unlock()

				outcome, cso, err := e.executeOne(ctx, pe, ready, refs, connector)
				mu.Lock()
				defer mu.Unlock()
				outcomes[pe.ID] = outcome
				if cso != nil {
					created = append(created, cso)
				}
				return err
			})
		}

		if err := g.Wait(); err != nil {
			e.tally(&summary, outcomes, len(due))
			return summary, err
		}
		for _, cso := range created {
			refs.Add(cso)
		}
	}

	e.tally(&summary, outcomes, len(due))
	e.finish(ctx, &summary)
	return summary, nil
}

func dependenciesSucceeded(deps []string, outcomes map[string]exportOutcome) bool {
	for _, dep := range deps {
		if outcomes[dep] != outcomeSucceeded {
			return false
		}
	}
	return true
}

// executeOne runs a single export. It returns the provisioned object when a
// create succeeds so later levels can resolve references to it.
func (e *ExportExecutor) executeOne(
	ctx context.Context,
	pe *PendingExport,
	ready bool,
	refs *ReferenceIndex,
	connector Connector,
) (exportOutcome, *ConnectedSystemObject, error) {
	if ctx.Err() != nil {
		return outcomeDeferred, nil, nil
	}
	log := e.logger.With().Str("pending_export_id", pe.ID).Str("cso_id", pe.ConnectedSystemObjectID).Logger()

	if !ready {
		log.Debug().Msg("Dependency did not export, deferring")
		return outcomeDeferred, nil, nil
	}

	if pe.HasUnresolvedReferences {
		updated, err := e.manager.ResolveReferences(ctx, pe, refs)
		if err != nil {
			return outcomeDeferred, nil, err
		}
		pe = updated
		if pe.HasUnresolvedReferences {
			log.Debug().Msg("References still unresolved, deferring")
			return outcomeDeferred, nil, nil
		}
	}

	cso, err := e.repo.GetConnectedObject(ctx, pe.ConnectedSystemObjectID)
	if err != nil {
		return outcomeDeferred, nil, fmt.Errorf("failed to load object for export %s: %w", pe.ID, err)
	}

	if e.gate != nil {
		if err := e.gate.Check(ctx, pe, cso); err != nil {
			if ctx.Err() != nil {
				return outcomeDeferred, nil, ctx.Err()
			}
			if !IsPermanent(err) {
				err = NewPermanentError("export denied by policy", err).
					WithCode(ErrCodePolicyDenied).
					WithResource(pe.ID)
			}
			log.Warn().Err(err).Msg("Export denied by policy")
			if _, markErr := e.manager.MarkFailed(ctx, pe, err); markErr != nil {
				return outcomeFailed, nil, markErr
			}
			return outcomeFailed, nil, nil
		}
	}

	executing, err := e.manager.MarkExecuting(ctx, pe)
	if err != nil {
		if IsConflict(err) {
			log.Debug().Err(err).Msg("Export changed since selection, skipping")
			return outcomeDeferred, nil, nil
		}
		return outcomeDeferred, nil, err
	}

	changes := executing.UnexportedChanges()
	sent := make([]string, 0, len(changes))
	for _, c := range changes {
		sent = append(sent, c.ID)
	}
	req := ExportRequest{
		PendingExportID: executing.ID,
		Object:          cso,
		ChangeType:      executing.ChangeType,
		Changes:         changes,
	}

	// the connector call must not be abandoned half way
	result, exportErr := connector.Export(context.WithoutCancel(ctx), req)
	if exportErr != nil {
		if _, err := e.manager.MarkFailed(context.WithoutCancel(ctx), executing, exportErr); err != nil {
			return outcomeFailed, nil, err
		}
		return outcomeFailed, nil, nil
	}

	if _, err := e.manager.MarkExported(context.WithoutCancel(ctx), executing, sent, result); err != nil {
		return outcomeFailed, nil, err
	}
	log.Debug().Int("changes", len(sent)).Str("change_type", string(executing.ChangeType)).Msg("Export succeeded")

	if executing.ChangeType != ObjectChangeCreate {
		return outcomeSucceeded, nil, nil
	}
	provisioned, err := e.repo.GetConnectedObject(ctx, executing.ConnectedSystemObjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return outcomeSucceeded, nil, nil
		}
		return outcomeSucceeded, nil, err
	}
	return outcomeSucceeded, provisioned, nil
}

// loadReferences indexes the objects in systemID that unresolved references
// of exports may point at, plus the exported objects themselves.
func (e *ExportExecutor) loadReferences(ctx context.Context, systemID string, exports []*PendingExport) (*ReferenceIndex, error) {
	var mvoIDs, csoIDs []string
	for _, pe := range exports {
		csoIDs = append(csoIDs, pe.ConnectedSystemObjectID)
		for _, c := range pe.AttributeValueChanges {
			if !c.UnresolvedReference {
				continue
			}
			if ref, ok := c.Value.(ReferenceValue); ok && ref.Unresolved != "" {
				mvoIDs = append(mvoIDs, ref.Unresolved)
			}
		}
	}

	refs := NewReferenceIndex()
	own, err := e.repo.ListConnectedObjectsByIDs(ctx, csoIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load exported objects: %w", err)
	}
	for _, o := range own {
		refs.Add(o)
	}
	if len(mvoIDs) == 0 {
		return refs, nil
	}

	joined, err := e.repo.ListConnectedObjectsForMetaverseObjects(ctx, mvoIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load referenced objects: %w", err)
	}
	for _, o := range joined {
		if o.ConnectedSystemID == systemID {
			refs.Add(o)
		}
	}
	return refs, nil
}

func (e *ExportExecutor) tally(summary *ActivitySummary, outcomes map[string]exportOutcome, total int) {
	summary.Processed = total
	for _, o := range outcomes {
		switch o {
		case outcomeSucceeded:
			summary.ExportsSucceeded++
		case outcomeFailed:
			summary.ExportsFailed++
		case outcomeDeferred:
			summary.ExportsDeferred++
		}
	}
	// blocked or abandoned exports never produced an outcome
	summary.ExportsDeferred += total - len(outcomes)
}

func (e *ExportExecutor) finish(ctx context.Context, summary *ActivitySummary) {
	summary.Duration = e.now().Sub(summary.StartedAt)
	e.logger.Info().
		Str("system_id", summary.SystemID).
		Int("succeeded", summary.ExportsSucceeded).
		Int("failed", summary.ExportsFailed).
		Int("deferred", summary.ExportsDeferred).
		Dur("duration", summary.Duration).
		Msg("Export pass completed")

	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, *summary); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to publish export summary")
	}
}
