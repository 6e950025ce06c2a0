package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jimsync/jim/pkg/engine"
)

// ActivityFilter decides whether a sink receives a summary.
type ActivityFilter func(summary engine.ActivitySummary) bool

// ActivityBroadcaster logs every pass summary and forwards it to its sinks,
// such as the metrics collector and the stored activity log.
type ActivityBroadcaster struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	sinks []sinkEntry
}

type sinkEntry struct {
	sink   engine.ActivityPublisher
	filter ActivityFilter
}

// NewActivityBroadcaster creates a broadcaster that forwards to sinks.
func NewActivityBroadcaster(logger zerolog.Logger, sinks ...engine.ActivityPublisher) *ActivityBroadcaster {
	b := &ActivityBroadcaster{logger: logger.With().Str("component", "activity").Logger()}
	for _, s := range sinks {
		b.Subscribe(s, nil)
	}
	return b
}

// Subscribe adds a sink. A nil filter accepts every summary.
func (b *ActivityBroadcaster) Subscribe(sink engine.ActivityPublisher, filter ActivityFilter) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sinkEntry{sink: sink, filter: filter})
}

// Publish implements engine.ActivityPublisher. Every sink is attempted; their
// errors are joined.
func (b *ActivityBroadcaster) Publish(ctx context.Context, summary engine.ActivitySummary) error {
	event := b.logger.Info()
	if summary.Rejected > 0 || summary.ExportsFailed > 0 {
		event = b.logger.Warn()
	}
	event.
		Str("operation", summary.Operation).
		Str("connected_system", summary.SystemID).
		Dur("duration", summary.Duration).
		Int("processed", summary.Processed).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("unchanged", summary.Unchanged).
		Int("obsoleted", summary.Obsoleted).
		Int("rejected", summary.Rejected).
		Int("joins", summary.Joins).
		Int("projections", summary.Projections).
		Int("provisions", summary.Provisions).
		Int("drift_corrections", summary.DriftCorrections).
		Int("exports_staged", summary.ExportsStaged).
		Int("exports_succeeded", summary.ExportsSucceeded).
		Int("exports_failed", summary.ExportsFailed).
		Int("exports_deferred", summary.ExportsDeferred).
		Int("exports_confirmed", summary.ExportsConfirmed).
		Msg("pass completed")

	b.mu.RLock()
	sinks := append([]sinkEntry(nil), b.sinks...)
	b.mu.RUnlock()

	var errs []error
	for _, entry := range sinks {
		if entry.filter != nil && !entry.filter(summary) {
			continue
		}
		if err := entry.sink.Publish(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FilterByOperation accepts summaries of the given operations.
func FilterByOperation(operations ...string) ActivityFilter {
	allowed := make(map[string]bool, len(operations))
	for _, op := range operations {
		allowed[op] = true
	}
	return func(s engine.ActivitySummary) bool {
		return allowed[s.Operation]
	}
}

// FilterBySystem accepts summaries of one connected system.
func FilterBySystem(systemID string) ActivityFilter {
	return func(s engine.ActivitySummary) bool {
		return s.SystemID == systemID
	}
}

var _ engine.ActivityPublisher = (*ActivityBroadcaster)(nil)
