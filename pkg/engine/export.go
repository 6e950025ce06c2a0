package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PendingExportManager owns every state transition of pending exports.
// All mutation for one connected system object is serialized by a per-object
// lock taken inside the repository transaction, and the store rejects a
// second export for the same object.
type PendingExportManager struct {
	repo   Repository
	locks  *keyedMutex
	retry  RetryPolicy
	types  ObjectTypeResolver
	logger zerolog.Logger
	now    func() time.Time
}

// ExportManagerOption configures a PendingExportManager.
type ExportManagerOption func(*PendingExportManager)

// WithObjectTypes resolves object types for connector-assigned attribute values.
// Without it such values are not stored.
func WithObjectTypes(r ObjectTypeResolver) ExportManagerOption {
	return func(m *PendingExportManager) { m.types = r }
}

// NewPendingExportManager creates a pending export manager.
func NewPendingExportManager(repo Repository, retry RetryPolicy, logger zerolog.Logger, opts ...ExportManagerOption) *PendingExportManager {
	m := &PendingExportManager{
		repo:   repo,
		locks:  newKeyedMutex(),
		retry:  retry.withDefaults(),
		logger: logger.With().Str("component", "pending_exports").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StageResult reports what staging did.
type StageResult struct {
	Export  *PendingExport
	Created bool

	// Appended counts the changes added to an existing export.
	Appended int
}

// Load returns the pending export of a connected system object, or nil if there is none.
// More than one stored export for the object is an integrity violation.
func (m *PendingExportManager) Load(ctx context.Context, csoID string) (*PendingExport, error) {
	return loadPendingExport(ctx, m.repo, csoID)
}

func loadPendingExport(ctx context.Context, repo Repository, csoID string) (*PendingExport, error) {
	exports, err := repo.ListPendingExportsForObject(ctx, csoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending exports for %s: %w", csoID, err)
	}
	switch len(exports) {
	case 0:
		return nil, nil
	case 1:
		return exports[0], nil
	default:
		return nil, DuplicatePendingExportError(csoID, len(exports)).WithOperation("load")
	}
}

// Create stores a new pending export. It fails with an integrity violation if
// the object already has one.
func (m *PendingExportManager) Create(ctx context.Context, pe *PendingExport) error {
	return m.repo.Atomically(ctx, func(repo Repository) error {
		unlock := m.locks.Lock(pe.ConnectedSystemObjectID)
		defer unlock()

		existing, err := repo.ListPendingExportsForObject(ctx, pe.ConnectedSystemObjectID)
		if err != nil {
			return fmt.Errorf("failed to check existing pending exports: %w", err)
		}
		if len(existing) > 0 {
			return DuplicatePendingExportError(pe.ConnectedSystemObjectID, len(existing)).WithOperation("create")
		}

		m.prepare(pe)
		return repo.CreatePendingExport(ctx, pe)
	})
}

// Stage creates a pending export from candidate, or appends its changes to the
// object's existing export.
func (m *PendingExportManager) Stage(ctx context.Context, candidate *PendingExport) (StageResult, error) {
	var result StageResult
	err := m.repo.Atomically(ctx, func(repo Repository) error {
		var err error
		result, err = m.StageIn(ctx, repo, candidate)
		return err
	})
	return result, err
}

// StageIn is Stage within a transaction the caller already holds.
func (m *PendingExportManager) StageIn(ctx context.Context, repo Repository, candidate *PendingExport) (StageResult, error) {
	unlock := m.locks.Lock(candidate.ConnectedSystemObjectID)
	defer unlock()

	existing, err := loadPendingExport(ctx, repo, candidate.ConnectedSystemObjectID)
	if err != nil {
		return StageResult{}, err
	}

	if existing == nil {
		pe := candidate.Clone()
		m.prepare(pe)
		if err := repo.CreatePendingExport(ctx, pe); err != nil {
			return StageResult{}, err
		}
		m.logger.Debug().
			Str("pending_export_id", pe.ID).
			Str("cso_id", pe.ConnectedSystemObjectID).
			Str("change_type", string(pe.ChangeType)).
			Int("changes", len(pe.AttributeValueChanges)).
			Msg("Staged new pending export")
		return StageResult{Export: pe, Created: true}, nil
	}

	appended := mergeInto(existing, candidate)
	if appended == 0 {
		return StageResult{Export: existing}, nil
	}

	now := m.now()
	if existing.Status == PendingExportStatusExported || existing.Status == PendingExportStatusExportNotConfirmed {
		existing.Status = PendingExportStatusPending
	}
	if existing.Status == PendingExportStatusFailed {
		m.logger.Warn().
			Str("pending_export_id", existing.ID).
			Msg("Appending changes to a failed pending export, it stays failed until retried")
	}
	existing.refreshUnresolvedFlag()
	existing.UpdatedAt = now

	if err := repo.UpdatePendingExport(ctx, existing); err != nil {
		return StageResult{}, err
	}
	m.logger.Debug().
		Str("pending_export_id", existing.ID).
		Int("appended", appended).
		Msg("Appended changes to pending export")
	return StageResult{Export: existing, Appended: appended}, nil
}

func (m *PendingExportManager) prepare(pe *PendingExport) {
	now := m.now()
	if pe.ID == "" {
		pe.ID = uuid.NewString()
	}
	if pe.Status == "" {
		pe.Status = PendingExportStatusPending
	}
	if pe.ChangeType == "" {
		pe.ChangeType = ObjectChangeUpdate
	}
	if pe.MaxRetries <= 0 {
		pe.MaxRetries = m.retry.MaxRetries
	}
	if pe.CreatedAt.IsZero() {
		pe.CreatedAt = now
	}
	pe.UpdatedAt = now
	for i := range pe.AttributeValueChanges {
		if pe.AttributeValueChanges[i].ID == "" {
			pe.AttributeValueChanges[i].ID = uuid.NewString()
		}
	}
	pe.refreshUnresolvedFlag()
}

// mergeInto appends the changes of candidate to pe and returns how many were
// added. Only changes not yet exported are merged against: a repeated change
// is skipped, an opposite add/remove of the same value cancels out, and an
// update replaces an earlier update of the same attribute.
func mergeInto(pe, candidate *PendingExport) int {
	if candidate.ChangeType == ObjectChangeDelete && pe.ChangeType != ObjectChangeDelete {
		pe.ChangeType = ObjectChangeDelete
		pe.LastExportedAt = nil
		kept := pe.AttributeValueChanges[:0]
		for _, c := range pe.AttributeValueChanges {
			if c.ExportedAt != nil {
				kept = append(kept, c)
			}
		}
		pe.AttributeValueChanges = kept
		return 1
	}
	if pe.ChangeType == ObjectChangeDelete {
		return 0
	}

	added := 0
	for _, c := range candidate.AttributeValueChanges {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}

		if c.ChangeType == ValueChangeUpdate {
			same := false
			kept := pe.AttributeValueChanges[:0]
			for _, e := range pe.AttributeValueChanges {
				if e.ExportedAt == nil && e.AttributeID == c.AttributeID && e.ChangeType == ValueChangeUpdate {
					if ValuesEqual(e.Value, c.Value, true) {
						same = true
						kept = append(kept, e)
					}
					continue
				}
				kept = append(kept, e)
			}
			pe.AttributeValueChanges = kept
			if !same {
				pe.AttributeValueChanges = append(pe.AttributeValueChanges, c)
				added++
			}
			continue
		}

		key := ValueKey(c.Value, true)
		match := -1
		for i, e := range pe.AttributeValueChanges {
			if e.ExportedAt == nil && e.AttributeID == c.AttributeID &&
				e.ChangeType != ValueChangeUpdate && ValueKey(e.Value, true) == key {
				match = i
				break
			}
		}
		switch {
		case match < 0:
			pe.AttributeValueChanges = append(pe.AttributeValueChanges, c)
			added++
		case pe.AttributeValueChanges[match].ChangeType != c.ChangeType:
			pe.AttributeValueChanges = append(pe.AttributeValueChanges[:match], pe.AttributeValueChanges[match+1:]...)
			added++
		}
	}
	return added
}

// SelectDue returns the exports of a system that are eligible for execution
// and still have work to send, oldest first.
func (m *PendingExportManager) SelectDue(ctx context.Context, systemID string) ([]*PendingExport, error) {
	now := m.now()
	exports, err := m.repo.ListDuePendingExports(ctx, systemID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due pending exports: %w", err)
	}

	seen := make(map[string]string, len(exports))
	due := make([]*PendingExport, 0, len(exports))
	for _, pe := range exports {
		if other, dup := seen[pe.ConnectedSystemObjectID]; dup {
			return nil, DuplicatePendingExportError(pe.ConnectedSystemObjectID, 2).
				WithOperation("select").
				WithDetail("pending_export_ids", []string{other, pe.ID})
		}
		seen[pe.ConnectedSystemObjectID] = pe.ID
		if pe.IsEligibleForExecution(now) && pe.HasUnexportedWork() {
			due = append(due, pe)
		}
	}

	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}

// transition reloads the export of csoID under its lock, checks it is still
// pe, applies fn and stores the result. fn may return errSkipUpdate to leave
// the stored export untouched.
func (m *PendingExportManager) transition(
	ctx context.Context,
	pe *PendingExport,
	fn func(repo Repository, current *PendingExport) error,
) (*PendingExport, error) {
	var current *PendingExport
	err := m.repo.Atomically(ctx, func(repo Repository) error {
		unlock := m.locks.Lock(pe.ConnectedSystemObjectID)
		defer unlock()

		var err error
		current, err = loadPendingExport(ctx, repo, pe.ConnectedSystemObjectID)
		if err != nil {
			return err
		}
		if current == nil || current.ID != pe.ID {
			return fmt.Errorf("pending export %s: %w", pe.ID, ErrNotFound)
		}

		if err := fn(repo, current); err != nil {
			if errors.Is(err, errSkipUpdate) {
				return nil
			}
			return err
		}
		current.UpdatedAt = m.now()
		return repo.UpdatePendingExport(ctx, current)
	})
	return current, err
}

var errSkipUpdate = errors.New("skip update")

// MarkExecuting moves an eligible export to Executing.
func (m *PendingExportManager) MarkExecuting(ctx context.Context, pe *PendingExport) (*PendingExport, error) {
	return m.transition(ctx, pe, func(_ Repository, current *PendingExport) error {
		now := m.now()
		if !current.IsEligibleForExecution(now) {
			return NewConflictError("pending export is no longer eligible for execution", nil).
				WithResource(current.ID).
				WithCode(ErrCodeConflict).
				WithDetail("status", string(current.Status))
		}
		current.Status = PendingExportStatusExecuting
		current.LastAttemptedAt = &now
		return nil
	})
}

// MarkExported records that the connector accepted the changes with the given IDs.
// A successful create moves the object out of PendingProvisioning; a
// successful delete removes the export and obsoletes the object.
func (m *PendingExportManager) MarkExported(ctx context.Context, pe *PendingExport, sent []string, result *ExportResult) (*PendingExport, error) {
	sentSet := make(map[string]bool, len(sent))
	for _, id := range sent {
		sentSet[id] = true
	}

	var deleted bool
	current, err := m.transition(ctx, pe, func(repo Repository, current *PendingExport) error {
		now := m.now()
		for i := range current.AttributeValueChanges {
			c := &current.AttributeValueChanges[i]
			if sentSet[c.ID] && c.ExportedAt == nil {
				c.ExportedAt = &now
			}
		}
		if current.ChangeType != ObjectChangeUpdate {
			current.LastExportedAt = &now
		}
		current.NextRetryAt = nil
		current.LastError = ""
		current.refreshUnresolvedFlag()
		if current.HasUnexportedWork() {
			current.Status = PendingExportStatusPending
		} else {
			current.Status = PendingExportStatusExported
		}

		if current.ChangeType == ObjectChangeUpdate {
			return nil
		}

		cso, err := repo.GetConnectedObject(ctx, current.ConnectedSystemObjectID)
		if err != nil {
			return fmt.Errorf("failed to load exported object: %w", err)
		}
		switch current.ChangeType {
		case ObjectChangeCreate:
			if cso.Status == ObjectStatusPendingProvisioning {
				cso.Status = ObjectStatusNormal
			}
			if result != nil && result.ExternalID != "" {
				cso.ExternalID = result.ExternalID
			}
		case ObjectChangeDelete:
			cso.Status = ObjectStatusObsolete
			deleted = true
		}
		if result != nil && len(result.Attributes) > 0 {
			m.applyAssignedAttributes(cso, result.Attributes)
		}
		cso.UpdatedAt = now
		if err := repo.SaveConnectedObject(ctx, cso); err != nil {
			return err
		}
		if deleted {
			if err := repo.DeletePendingExport(ctx, current.ID); err != nil {
				return err
			}
			return errSkipUpdate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}
	return current, nil
}

// applyAssignedAttributes stores connector-assigned values on cso. Values
// that do not fit the attribute definition are logged and left out.
func (m *PendingExportManager) applyAssignedAttributes(cso *ConnectedSystemObject, assigned map[string]Value) {
	log := m.logger.With().Str("cso_id", cso.ID).Logger()
	if m.types == nil {
		log.Warn().Int("attributes", len(assigned)).Msg("No object types available, dropping assigned attribute values")
		return
	}
	objectType, ok := m.types.ObjectTypeFor(cso)
	if !ok {
		log.Warn().Str("object_type_id", cso.ObjectTypeID).Msg("Object type not defined, dropping assigned attribute values")
		return
	}
	if cso.Attributes == nil {
		cso.Attributes = make(AttributeSet)
	}

	names := make([]string, 0, len(assigned))
	for name := range assigned {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := objectType.AttributeByName(name)
		if !ok {
			log.Warn().Str("attribute", name).Msg("Connector assigned an undefined attribute")
			continue
		}
		if err := setConnectorValues(cso.Attributes, def, []Value{assigned[name]}); err != nil {
			log.Warn().Err(err).Str("attribute", name).Msg("Connector assigned an invalid attribute value")
		}
	}
}

// MarkFailed records a failed execution and schedules a retry per the retry policy.
func (m *PendingExportManager) MarkFailed(ctx context.Context, pe *PendingExport, cause error) (*PendingExport, error) {
	return m.transition(ctx, pe, func(_ Repository, current *PendingExport) error {
		m.retry.RecordFailure(current, cause, m.now())
		ev := m.logger.Warn()
		if current.Status == PendingExportStatusFailed {
			ev = m.logger.Error()
		}
		ev.Err(cause).
			Str("pending_export_id", current.ID).
			Int("error_count", current.ErrorCount).
			Int("max_retries", current.MaxRetries).
			Str("status", string(current.Status)).
			Msg("Pending export failed")
		return nil
	})
}

// Defer returns an Executing export to Pending without counting a failure.
func (m *PendingExportManager) Defer(ctx context.Context, pe *PendingExport, reason string) (*PendingExport, error) {
	return m.transition(ctx, pe, func(_ Repository, current *PendingExport) error {
		if current.Status != PendingExportStatusExecuting {
			return errSkipUpdate
		}
		current.Status = PendingExportStatusPending
		m.logger.Debug().Str("pending_export_id", current.ID).Str("reason", reason).Msg("Deferred pending export")
		return nil
	})
}

// ResolveReferences fills in references that can now be resolved against
// the target system and clears their unresolved flag.
func (m *PendingExportManager) ResolveReferences(ctx context.Context, pe *PendingExport, refs *ReferenceIndex) (*PendingExport, error) {
	return m.transition(ctx, pe, func(_ Repository, current *PendingExport) error {
		changed := false
		for i := range current.AttributeValueChanges {
			c := &current.AttributeValueChanges[i]
			if !c.UnresolvedReference || c.ExportedAt != nil {
				continue
			}
			if v, ok := refs.toTargetSpace(c.Value, current.ConnectedSystemID); ok {
				c.Value = v
				c.UnresolvedReference = false
				changed = true
			}
		}
		if !changed {
			return errSkipUpdate
		}
		current.refreshUnresolvedFlag()
		return nil
	})
}

// Retry resets a failed export so automatic execution picks it up again.
func (m *PendingExportManager) Retry(ctx context.Context, id string) (*PendingExport, error) {
	pe, err := m.repo.GetPendingExport(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.transition(ctx, pe, func(_ Repository, current *PendingExport) error {
		current.Status = PendingExportStatusPending
		current.ErrorCount = 0
		current.NextRetryAt = nil
		return nil
	})
}

// Confirm reconciles the export of cso against the object's freshly imported
// state. Exported changes the import observed are removed. When nothing is
// left the export is deleted. Exported changes that were not observed are
// queued for re-sending and the export moves to ExportNotConfirmed with a
// retry delay, or to Failed once retries are exhausted.
func (m *PendingExportManager) Confirm(ctx context.Context, repo Repository, cso *ConnectedSystemObject) (confirmed bool, err error) {
	unlock := m.locks.Lock(cso.ID)
	defer unlock()

	pe, err := loadPendingExport(ctx, repo, cso.ID)
	if err != nil || pe == nil {
		return false, err
	}
	if pe.Status == PendingExportStatusExecuting {
		return false, nil
	}
	exported := pe.LastExportedAt != nil
	for _, c := range pe.AttributeValueChanges {
		exported = exported || c.ExportedAt != nil
	}
	if !exported {
		return false, nil
	}

	var remaining []PendingExportAttributeValueChange
	unconfirmed := 0
	for _, c := range pe.AttributeValueChanges {
		if c.ExportedAt == nil {
			remaining = append(remaining, c)
			continue
		}
		if changeObserved(c, cso) {
			continue
		}
		c.ExportedAt = nil
		remaining = append(remaining, c)
		unconfirmed++
	}

	if pe.ChangeType == ObjectChangeCreate && pe.LastExportedAt != nil {
		pe.ChangeType = ObjectChangeUpdate
	}

	now := m.now()
	pe.AttributeValueChanges = remaining
	pe.UpdatedAt = now

	if len(remaining) == 0 && pe.ChangeType == ObjectChangeUpdate {
		m.logger.Debug().Str("pending_export_id", pe.ID).Str("cso_id", cso.ID).Msg("Pending export confirmed")
		return true, repo.DeletePendingExport(ctx, pe.ID)
	}

	if unconfirmed > 0 {
		pe.ErrorCount++
		pe.LastError = fmt.Sprintf("%d exported changes not observed by confirming import", unconfirmed)
		if pe.ErrorCount >= pe.MaxRetries {
			pe.Status = PendingExportStatusFailed
			pe.NextRetryAt = nil
		} else {
			next := now.Add(m.retry.Delay(pe.ErrorCount))
			pe.NextRetryAt = &next
			pe.Status = PendingExportStatusExportNotConfirmed
		}
		m.logger.Warn().
			Str("pending_export_id", pe.ID).
			Int("unconfirmed", unconfirmed).
			Int("error_count", pe.ErrorCount).
			Msg("Export not confirmed by import")
	} else if pe.Status != PendingExportStatusFailed {
		pe.Status = PendingExportStatusPending
	}
	pe.refreshUnresolvedFlag()
	return false, repo.UpdatePendingExport(ctx, pe)
}

// changeObserved reports whether cso shows the effect of c.
func changeObserved(c PendingExportAttributeValueChange, cso *ConnectedSystemObject) bool {
	values := cso.Attributes.Get(c.AttributeID)
	switch c.ChangeType {
	case ValueChangeUpdate:
		if c.Value == nil {
			return len(values) == 0
		}
		return len(values) == 1 && ValuesEqual(values[0], c.Value, true)
	case ValueChangeAdd:
		for _, v := range values {
			if ValuesEqual(v, c.Value, true) {
				return true
			}
		}
		return false
	case ValueChangeRemove:
		for _, v := range values {
			if ValuesEqual(v, c.Value, true) {
				return false
			}
		}
		return true
	}
	return false
}

// List returns the exports of a system, or of every system when systemID is empty.
func (m *PendingExportManager) List(ctx context.Context, systemID string) ([]*PendingExport, error) {
	return m.repo.ListPendingExports(ctx, systemID)
}
