package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ImportSource yields the records of one import run.
type ImportSource interface {
	// Next returns the next record, or io.EOF once the source is exhausted.
	Next(ctx context.Context) (*ImportObject, error)
}

// SliceImportSource serves records from memory.
type SliceImportSource struct {
	objects []ImportObject
	pos     int
}

// NewSliceImportSource creates a source over objects.
func NewSliceImportSource(objects ...ImportObject) *SliceImportSource {
	return &SliceImportSource{objects: objects}
}

// Next implements ImportSource.
func (s *SliceImportSource) Next(ctx context.Context) (*ImportObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.objects) {
		return nil, io.EOF
	}
	obj := s.objects[s.pos]
	s.pos++
	return &obj, nil
}

// ImportOptions controls one import run.
type ImportOptions struct {
	// Full marks objects the run did not see as obsolete.
	Full bool
}

// ImportProcessor materializes connected system objects from import records
// and confirms pending exports against what the records show.
type ImportProcessor struct {
	repo      Repository
	model     *SyncModel
	exports   *PendingExportManager
	publisher ActivityPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// ImportOption configures an ImportProcessor.
type ImportOption func(*ImportProcessor)

// WithImportPublisher publishes the summary of each import run.
func WithImportPublisher(p ActivityPublisher) ImportOption {
	return func(ip *ImportProcessor) { ip.publisher = p }
}

// NewImportProcessor creates an import processor.
func NewImportProcessor(
	repo Repository,
	model *SyncModel,
	exports *PendingExportManager,
	logger zerolog.Logger,
	opts ...ImportOption,
) *ImportProcessor {
	ip := &ImportProcessor{
		repo:    repo,
		model:   model,
		exports: exports,
		logger:  logger.With().Str("component", "importer").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ip)
	}
	return ip
}

type recordOutcome int

const (
	recordUnchanged recordOutcome = iota
	recordCreated
	recordUpdated
	recordObsoleted
)

// Import processes every record of source for a connected system. A record
// with a data error is rejected and counted; the run continues. Storage
// failures and integrity violations stop the run.
func (p *ImportProcessor) Import(ctx context.Context, systemID string, source ImportSource, opts ImportOptions) (ActivitySummary, error) {
	summary := ActivitySummary{Operation: "import", SystemID: systemID, StartedAt: p.now()}

	system, ok := p.model.ConnectedSystem(systemID)
	if !ok {
		return summary, NewPermanentError("unknown connected system", nil).
			WithCode(ErrCodeConfiguration).
			WithResource(systemID)
	}

	seen := make(map[string]bool)
	var unresolved []string

	for {
		obj, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read import record: %w", err)
		}
		summary.Processed++

		var (
			cso       *ConnectedSystemObject
			outcome   recordOutcome
			confirmed bool
		)
		err = p.repo.Atomically(ctx, func(repo Repository) error {
			var err error
			cso, outcome, err = p.processRecord(ctx, repo, system, obj)
			if err != nil || cso == nil {
				return err
			}
			confirmed, err = p.exports.Confirm(ctx, repo, cso)
			return err
		})

		var importErr *ImportError
		if errors.As(err, &importErr) {
			p.logger.Warn().
				Str("system_id", systemID).
				Str("object_type", obj.ObjectType).
				Str("error_type", string(importErr.Type)).
				Msg(importErr.Message)
			summary.recordImportError(importErr.Type)
			continue
		}
		if err != nil {
			return summary, err
		}
		if cso == nil {
			summary.Unchanged++
			continue
		}

		seen[cso.ID] = true
		if hasUnresolvedReferences(cso) {
			unresolved = append(unresolved, cso.ID)
		}
		if confirmed {
			summary.ExportsConfirmed++
		}
		switch outcome {
		case recordCreated:
			summary.Created++
		case recordUpdated:
			summary.Updated++
		case recordObsoleted:
			summary.Obsoleted++
		default:
			summary.Unchanged++
		}
	}

	if err := p.resolveReferences(ctx, system, unresolved); err != nil {
		return summary, err
	}

	if opts.Full {
		if summary.Rejected > 0 {
			p.logger.Warn().
				Str("system_id", systemID).
				Int("rejected", summary.Rejected).
				Msg("Skipping obsoletion of unseen objects because records were rejected")
		} else {
			n, err := p.MarkUnseenObsolete(ctx, systemID, seen)
			if err != nil {
				return summary, err
			}
			summary.Obsoleted += n
		}
	}

	summary.Duration = p.now().Sub(summary.StartedAt)
	p.logger.Info().
		Str("system_id", systemID).
		Int("processed", summary.Processed).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("obsoleted", summary.Obsoleted).
		Int("rejected", summary.Rejected).
		Int("confirmed", summary.ExportsConfirmed).
		Dur("duration", summary.Duration).
		Msg("Import completed")

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, summary); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish import summary")
		}
	}
	return summary, nil
}

// processRecord creates, updates or obsoletes the object described by obj.
func (p *ImportProcessor) processRecord(
	ctx context.Context,
	repo Repository,
	system *ConnectedSystem,
	obj *ImportObject,
) (*ConnectedSystemObject, recordOutcome, error) {
	if obj.Error != nil {
		return nil, recordUnchanged, newImportError(ImportErrorConnector, "%s: %s", obj.Error.Type, obj.Error.Message)
	}

	objectType, ok := system.ObjectTypeByName(obj.ObjectType)
	if !ok {
		return nil, recordUnchanged, newImportError(ImportErrorCouldNotDetermineObjectType,
			"object type %q is not defined for connected system %s", obj.ObjectType, system.Name)
	}
	if len(objectType.ExternalIDAttributes) == 0 {
		return nil, recordUnchanged, newImportError(ImportErrorConfiguration,
			"object type %s has no external id attributes", objectType.Name)
	}

	attrs, err := parseAttributes(objectType, obj)
	if err != nil {
		return nil, recordUnchanged, err
	}
	externalID, err := externalIDOf(objectType, attrs)
	if err != nil {
		return nil, recordUnchanged, err
	}
	if err := resolveImportReferences(ctx, repo, system, attrs); err != nil {
		return nil, recordUnchanged, err
	}

	existing, err := repo.FindConnectedObjectByExternalID(ctx, system.ID, objectType.ID, externalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, recordUnchanged, fmt.Errorf("failed to look up object %s: %w", externalID, err)
	}
	if errors.Is(err, ErrNotFound) {
		existing = nil
	}

	now := p.now()

	if obj.ChangeType == ImportChangeDelete {
		if existing == nil || existing.Status == ObjectStatusObsolete {
			return existing, recordUnchanged, nil
		}
		existing.Status = ObjectStatusObsolete
		existing.LastSeenAt = &now
		existing.UpdatedAt = now
		if err := repo.SaveConnectedObject(ctx, existing); err != nil {
			return nil, recordUnchanged, err
		}
		return existing, recordObsoleted, nil
	}

	if existing == nil {
		cso := &ConnectedSystemObject{
			ID:                uuid.NewString(),
			ConnectedSystemID: system.ID,
			ObjectTypeID:      objectType.ID,
			Status:            ObjectStatusNormal,
			JoinType:          JoinTypeNotJoined,
			ExternalID:        externalID,
			Attributes:        attrs,
			LastSeenAt:        &now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := repo.SaveConnectedObject(ctx, cso); err != nil {
			return nil, recordUnchanged, err
		}
		return cso, recordCreated, nil
	}

	outcome := recordUnchanged
	if existing.Status != ObjectStatusNormal || !attributeSetsEqual(existing.Attributes, attrs) {
		outcome = recordUpdated
		existing.Status = ObjectStatusNormal
		existing.Attributes = attrs
		existing.UpdatedAt = now
	}
	existing.LastSeenAt = &now
	if err := repo.SaveConnectedObject(ctx, existing); err != nil {
		return nil, recordUnchanged, err
	}
	return existing, outcome, nil
}

// parseAttributes converts the record's values to the declared attribute types.
// Attributes the object type does not define are ignored.
func parseAttributes(objectType *ObjectType, obj *ImportObject) (AttributeSet, error) {
	attrs := make(AttributeSet, len(obj.Attributes))
	for _, a := range obj.Attributes {
		def, ok := objectType.AttributeByName(a.Name)
		if !ok {
			continue
		}
		if err := setConnectorValues(attrs, def, a.Values); err != nil {
			return nil, newImportError(ImportErrorAttributeValueParse, "%v", err)
		}
	}
	return attrs, nil
}

// setConnectorValues converts values reported by a connector to the declared
// type of def and stores them in attrs.
func setConnectorValues(attrs AttributeSet, def AttributeDefinition, raw []Value) error {
	values := make([]Value, 0, len(raw))
	for _, r := range raw {
		v, err := ConvertValue(r, def.Type)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", def.Name, err)
		}
		if ref, ok := v.(ReferenceValue); ok && ref.ObjectID != "" && ref.Unresolved == "" {
			// connectors address references by the target's external id
			v = ReferenceValue{Unresolved: ref.ObjectID}
		}
		values = append(values, v)
	}
	return attrs.SetValues(def, values)
}

// externalIDSeparator joins the values of composite external ids.
const externalIDSeparator = "|"

// externalIDOf builds the external id from the object type's external id attributes.
func externalIDOf(objectType *ObjectType, attrs AttributeSet) (string, error) {
	parts := make([]string, 0, len(objectType.ExternalIDAttributes))
	for _, id := range objectType.ExternalIDAttributes {
		v := attrs.First(id)
		if v == nil || v.String() == "" {
			name := id
			if def, ok := objectType.Attribute(id); ok {
				name = def.Name
			}
			return "", newImportError(ImportErrorMissingExternalID, "external id attribute %s has no value", name)
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, externalIDSeparator), nil
}

// resolveImportReferences resolves raw references against the external ids
// of objects already stored in the same system. References that cannot be
// resolved yet keep their raw value.
func resolveImportReferences(ctx context.Context, repo Repository, system *ConnectedSystem, attrs AttributeSet) error {
	for id, values := range attrs {
		for i, v := range values {
			ref, ok := v.(ReferenceValue)
			if !ok || ref.IsResolved() {
				continue
			}
			target, err := findByExternalID(ctx, repo, system, ref.Unresolved)
			if err != nil {
				return err
			}
			if target != nil {
				values[i] = ReferenceValue{ObjectID: target.ID}
			}
		}
		attrs[id] = values
	}
	return nil
}

// findByExternalID searches every object type of system. Returns nil if absent.
func findByExternalID(ctx context.Context, repo Repository, system *ConnectedSystem, externalID string) (*ConnectedSystemObject, error) {
	for _, t := range system.ObjectTypes {
		o, err := repo.FindConnectedObjectByExternalID(ctx, system.ID, t.ID, externalID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve reference %s: %w", externalID, err)
		}
		return o, nil
	}
	return nil, nil
}

func hasUnresolvedReferences(cso *ConnectedSystemObject) bool {
	for _, values := range cso.Attributes {
		for _, v := range values {
			if ref, ok := v.(ReferenceValue); ok && !ref.IsResolved() {
				return true
			}
		}
	}
	return false
}

// resolveReferences retries reference resolution for objects imported before
// the objects they point at.
func (p *ImportProcessor) resolveReferences(ctx context.Context, system *ConnectedSystem, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.repo.Atomically(ctx, func(repo Repository) error {
		objects, err := repo.ListConnectedObjectsByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load objects with unresolved references: %w", err)
		}
		for _, cso := range objects {
			before := cso.Attributes.Clone()
			if err := resolveImportReferences(ctx, repo, system, cso.Attributes); err != nil {
				return err
			}
			if attributeSetsEqual(before, cso.Attributes) {
				p.logger.Debug().Str("cso_id", cso.ID).Msg("References still unresolved after import")
				continue
			}
			cso.UpdatedAt = p.now()
			if err := repo.SaveConnectedObject(ctx, cso); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkUnseenObsolete obsoletes every normal object of a system whose ID is not in seen.
// Objects awaiting provisioning are left alone. It returns the number obsoleted.
func (p *ImportProcessor) MarkUnseenObsolete(ctx context.Context, systemID string, seen map[string]bool) (int, error) {
	count := 0
	err := p.repo.Atomically(ctx, func(repo Repository) error {
		objects, err := repo.ListConnectedObjects(ctx, systemID)
		if err != nil {
			return fmt.Errorf("failed to list objects of %s: %w", systemID, err)
		}
		now := p.now()
		for _, cso := range objects {
			if seen[cso.ID] || cso.Status != ObjectStatusNormal {
				continue
			}
			cso.Status = ObjectStatusObsolete
			cso.UpdatedAt = now
			if err := repo.SaveConnectedObject(ctx, cso); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		p.logger.Info().Str("system_id", systemID).Int("obsoleted", count).Msg("Obsoleted objects missing from full import")
	}
	return count, nil
}

// attributeSetsEqual compares two sets attribute by attribute, case-sensitively.
func attributeSetsEqual(a, b AttributeSet) bool {
	for id, values := range a {
		if !ValueSetsEqual(values, b[id], true) {
			return false
		}
	}
	for id, values := range b {
		if _, ok := a[id]; !ok && len(values) > 0 {
			return false
		}
	}
	return true
}
