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

// ObjectSyncResult reports what synchronizing one connected system object did.
type ObjectSyncResult struct {
	MetaverseObjectID string

	Joined       bool
	Projected    bool
	Disconnected bool

	// MetaverseUpdated is set when import flows changed the metaverse object.
	MetaverseUpdated bool

	// Provisioned counts connected system objects created for the metaverse object.
	Provisioned int

	// ExportsStaged counts pending exports created or extended by export evaluation.
	ExportsStaged int

	Drift DriftResult

	// DriftCorrections counts pending exports created or extended by drift detection.
	DriftCorrections int
}

// SyncProcessor joins connected system objects to the metaverse, flows their
// attributes in, flows metaverse changes out to other systems and corrects
// drift. Work for one metaverse object is serialized.
type SyncProcessor struct {
	repo        Repository
	model       *SyncModel
	flow        *FlowEvaluator
	joiner      *Joiner
	drift       *DriftDetector
	exports     *PendingExportManager
	extractor   AttributeReferenceExtractor
	importIndex *ImportMappingIndex
	publisher   ActivityPublisher
	locks       *keyedMutex
	logger      zerolog.Logger
	now         func() time.Time
}

// SyncOption configures a SyncProcessor.
type SyncOption func(*SyncProcessor)

// WithSyncPublisher publishes the summary of each sync pass.
func WithSyncPublisher(p ActivityPublisher) SyncOption {
	return func(s *SyncProcessor) { s.publisher = p }
}

// WithAttributeExtractor sets how expression sources are inspected for the
// metaverse attributes they read.
func WithAttributeExtractor(e AttributeReferenceExtractor) SyncOption {
	return func(s *SyncProcessor) {
		if e != nil {
			s.extractor = e
		}
	}
}

// NewSyncProcessor creates a sync processor.
func NewSyncProcessor(
	repo Repository,
	model *SyncModel,
	flow *FlowEvaluator,
	drift *DriftDetector,
	exports *PendingExportManager,
	logger zerolog.Logger,
	opts ...SyncOption,
) *SyncProcessor {
	s := &SyncProcessor{
		repo:        repo,
		model:       model,
		flow:        flow,
		joiner:      NewJoiner(model, flow, logger),
		drift:       drift,
		exports:     exports,
		extractor:   NewRegexAttributeExtractor(),
		importIndex: BuildImportMappingIndex(model.Rules()),
		locks:       newKeyedMutex(),
		logger:      logger.With().Str("component", "sync").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synchronize runs a sync pass over every object of a connected system.
// Configuration problems with a single object, such as an ambiguous match,
// are logged and counted; storage failures and integrity violations stop
// the pass. Cancelling ctx stops the pass between objects.
func (s *SyncProcessor) Synchronize(ctx context.Context, systemID string) (ActivitySummary, error) {
	summary := ActivitySummary{Operation: "sync", SystemID: systemID, StartedAt: s.now()}
	if _, ok := s.model.ConnectedSystem(systemID); !ok {
		return summary, NewPermanentError("unknown connected system", nil).
			WithCode(ErrCodeConfiguration).
			WithResource(systemID)
	}

	objects, err := s.repo.ListConnectedObjects(ctx, systemID)
	if err != nil {
		return summary, fmt.Errorf("failed to list objects of %s: %w", systemID, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })

	for _, cso := range objects {
		if ctx.Err() != nil {
			s.logger.Warn().Str("system_id", systemID).Msg("Sync pass cancelled")
			break
		}
		summary.Processed++

		res, err := s.SynchronizeObject(ctx, cso.ID)
		if err != nil {
			if IsIntegrityViolation(err) || !isObjectConfigurationError(err) {
				return summary, err
			}
			s.logger.Error().Err(err).Str("cso_id", cso.ID).Msg("Could not synchronize object")
			summary.recordImportError(ImportErrorConfiguration)
			continue
		}

		switch {
		case res.Joined:
			summary.Joins++
		case res.Projected:
			summary.Projections++
		}
		if res.Disconnected {
			summary.Obsoleted++
		}
		if res.MetaverseUpdated {
			summary.Updated++
		} else {
			summary.Unchanged++
		}
		summary.Provisions += res.Provisioned
		summary.ExportsStaged += res.ExportsStaged
		summary.DriftCorrections += res.DriftCorrections
	}

	summary.Duration = s.now().Sub(summary.StartedAt)
	s.logger.Info().
		Str("system_id", systemID).
		Int("processed", summary.Processed).
		Int("joins", summary.Joins).
		Int("projections", summary.Projections).
		Int("provisions", summary.Provisions).
		Int("exports_staged", summary.ExportsStaged).
		Int("drift_corrections", summary.DriftCorrections).
		Int("rejected", summary.Rejected).
		Dur("duration", summary.Duration).
		Msg("Sync pass completed")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, summary); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish sync summary")
		}
	}
	return summary, nil
}

// isObjectConfigurationError reports whether err only affects the object being synchronized.
func isObjectConfigurationError(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeAmbiguousMatch, ErrCodeConfiguration, ErrCodeConflict:
		return true
	}
	return false
}

// SynchronizeObject synchronizes one connected system object. Every change it
// makes, including staged pending exports, commits atomically.
func (s *SyncProcessor) SynchronizeObject(ctx context.Context, csoID string) (ObjectSyncResult, error) {
	var result ObjectSyncResult
	err := s.repo.Atomically(ctx, func(repo Repository) error {
		result = ObjectSyncResult{}
		return s.synchronize(ctx, repo, csoID, &result)
	})
	return result, err
}

func (s *SyncProcessor) synchronize(ctx context.Context, repo Repository, csoID string, result *ObjectSyncResult) error {
	cso, err := repo.GetConnectedObject(ctx, csoID)
	if err != nil {
		return fmt.Errorf("failed to load object %s: %w", csoID, err)
	}

	switch cso.Status {
	case ObjectStatusPendingProvisioning:
		return nil
	case ObjectStatusObsolete:
		if cso.IsJoined() {
			result.Disconnected = true
			return s.disconnect(ctx, repo, cso)
		}
		return nil
	}

	csType, ok := s.model.ObjectTypeFor(cso)
	if !ok {
		return NewPermanentError("object type is not defined for its connected system", nil).
			WithCode(ErrCodeConfiguration).
			WithResource(cso.ID).
			WithDetail("object_type_id", cso.ObjectTypeID)
	}

	refs, err := s.referenceIndex(ctx, repo, cso.Attributes)
	if err != nil {
		return err
	}

	now := s.now()
	mvo, unlock, err := s.resolveMetaverseObject(ctx, repo, cso, csType, refs, result)
	if err != nil {
		return err
	}
	if mvo == nil {
		return nil
	}
	defer unlock()

	if result.Joined || result.Projected {
		cso.MetaverseObjectID = mvo.ID
		cso.DateJoined = &now
		cso.UpdatedAt = now
		mvo.addConnectedObject(cso.ID)
		if err := repo.SaveConnectedObject(ctx, cso); err != nil {
			return err
		}
		refs.Add(cso)
	}
	result.MetaverseObjectID = mvo.ID

	s.model.Materialize(mvo)
	if mvo.Type == nil {
		s.logger.Warn().
			Str("cso_id", cso.ID).
			Str("mvo_id", mvo.ID).
			Str("mvo_type_id", mvo.TypeID).
			Msg("Metaverse object type not loaded, skipping attribute flow")
		if result.Joined || result.Projected {
			return repo.SaveMetaverseObject(ctx, mvo)
		}
		return nil
	}

	changed := s.applyImportFlows(cso, csType, mvo, refs)
	result.MetaverseUpdated = len(changed) > 0

	if err := s.addMetaverseReferences(ctx, repo, refs, mvo); err != nil {
		return err
	}

	full := result.Joined || result.Projected
	if full || len(changed) > 0 {
		if err := s.evaluateExports(ctx, repo, mvo, changed, full, refs, result); err != nil {
			return err
		}
	}
	if full || len(changed) > 0 || result.Provisioned > 0 {
		mvo.UpdatedAt = now
		if err := repo.SaveMetaverseObject(ctx, mvo); err != nil {
			return err
		}
	}

	return s.correctDrift(ctx, repo, cso, csType, mvo, refs, result)
}

// resolveMetaverseObject returns the metaverse object cso is, or becomes,
// joined to, with its lock held. It returns nil when the object stays unjoined.
func (s *SyncProcessor) resolveMetaverseObject(
	ctx context.Context,
	repo Repository,
	cso *ConnectedSystemObject,
	csType *ObjectType,
	refs *ReferenceIndex,
	result *ObjectSyncResult,
) (*MetaverseObject, func(), error) {
	if cso.IsJoined() {
		unlock := s.locks.Lock(cso.MetaverseObjectID)
		mvo, err := repo.GetMetaverseObject(ctx, cso.MetaverseObjectID)
		if err != nil {
			unlock()
			if errors.Is(err, ErrNotFound) {
				return nil, nil, NewIntegrityError("joined metaverse object does not exist", ErrMissingNavigationData).
					WithCode(ErrCodeMissingNavigation).
					WithResource(cso.ID).
					WithDetail("metaverse_object_id", cso.MetaverseObjectID)
			}
			return nil, nil, fmt.Errorf("failed to load metaverse object: %w", err)
		}
		return mvo, unlock, nil
	}

	match, err := s.joiner.Match(ctx, repo, cso, csType, refs)
	if err != nil {
		return nil, nil, err
	}

	if match.MetaverseObject != nil {
		unlock := s.locks.Lock(match.MetaverseObject.ID)
		mvo, err := repo.GetMetaverseObject(ctx, match.MetaverseObject.ID)
		if err != nil {
			unlock()
			return nil, nil, fmt.Errorf("failed to load matched metaverse object: %w", err)
		}
		if err := checkJoinable(ctx, repo, cso, mvo); err != nil {
			unlock()
			return nil, nil, err
		}
		cso.JoinType = JoinTypeJoined
		result.Joined = true
		s.logger.Info().Str("cso_id", cso.ID).Str("mvo_id", mvo.ID).Msg("Joined object to metaverse")
		return mvo, unlock, nil
	}

	rule := s.projectionRule(cso)
	if rule == nil {
		return nil, nil, nil
	}
	now := s.now()
	mvo := &MetaverseObject{
		ID:         uuid.NewString(),
		TypeID:     rule.MetaverseObjectTypeID,
		Attributes: make(AttributeSet),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	unlock := s.locks.Lock(mvo.ID)
	cso.JoinType = JoinTypeProjected
	result.Projected = true
	s.logger.Info().
		Str("cso_id", cso.ID).
		Str("mvo_id", mvo.ID).
		Str("sync_rule", rule.Name).
		Msg("Projected object to metaverse")
	return mvo, unlock, nil
}

// projectionRule returns the first import rule that projects objects of cso's type.
func (s *SyncProcessor) projectionRule(cso *ConnectedSystemObject) *SyncRule {
	for _, r := range s.model.ImportRules(cso.ConnectedSystemID, cso.ObjectTypeID) {
		if !r.ProjectToMetaverse {
			continue
		}
		if _, ok := s.model.MetaverseType(r.MetaverseObjectTypeID); ok {
			return r
		}
	}
	return nil
}

// disconnect breaks the join of an obsolete object.
func (s *SyncProcessor) disconnect(ctx context.Context, repo Repository, cso *ConnectedSystemObject) error {
	unlock := s.locks.Lock(cso.MetaverseObjectID)
	defer unlock()

	mvo, err := repo.GetMetaverseObject(ctx, cso.MetaverseObjectID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load metaverse object: %w", err)
	default:
		mvo.removeConnectedObject(cso.ID)
		mvo.UpdatedAt = s.now()
		if err := repo.SaveMetaverseObject(ctx, mvo); err != nil {
			return err
		}
	}

	s.logger.Info().Str("cso_id", cso.ID).Str("mvo_id", cso.MetaverseObjectID).Msg("Disconnected obsolete object")
	cso.JoinType = JoinTypeNotJoined
	cso.MetaverseObjectID = ""
	cso.DateJoined = nil
	cso.UpdatedAt = s.now()
	return repo.SaveConnectedObject(ctx, cso)
}

// applyImportFlows evaluates the import rules of cso into mvo and returns the
// IDs of the metaverse attributes that changed.
func (s *SyncProcessor) applyImportFlows(
	cso *ConnectedSystemObject,
	csType *ObjectType,
	mvo *MetaverseObject,
	refs *ReferenceIndex,
) []string {
	source := FlowContext{
		Namespace:  NamespaceConnectedSystem,
		Attributes: cso.Attributes,
		ObjectType: csType,
		References: refs,
	}

	var changed []string
	seen := make(map[string]bool)
	for _, rule := range s.model.ImportRules(cso.ConnectedSystemID, cso.ObjectTypeID) {
		if rule.MetaverseObjectTypeID != mvo.TypeID {
			continue
		}
		for _, mapping := range rule.Mappings {
			target, ok := mvo.Type.Attribute(mapping.TargetAttributeID)
			if !ok {
				s.logger.Warn().
					Str("sync_rule", rule.Name).
					Str("attribute_id", mapping.TargetAttributeID).
					Msg("Import mapping targets an attribute the metaverse type does not define")
				continue
			}

			values := s.flow.Evaluate(mapping, target, source).Values
			if ValueSetsEqual(values, mvo.Attributes.Get(target.ID), true) {
				continue
			}
			if err := mvo.Attributes.SetValues(target, values); err != nil {
				s.logger.Warn().Err(err).Str("attribute", target.Name).Msg("Could not set metaverse attribute")
				continue
			}
			if !seen[target.ID] {
				seen[target.ID] = true
				changed = append(changed, target.ID)
			}
		}
	}
	return changed
}

// evaluateExports flows metaverse values out through export rules. With full
// set every mapping is evaluated; otherwise only mappings reading a changed
// attribute. Mappings reading an attribute the target system itself writes
// are skipped.
func (s *SyncProcessor) evaluateExports(
	ctx context.Context,
	repo Repository,
	mvo *MetaverseObject,
	changed []string,
	full bool,
	refs *ReferenceIndex,
	result *ObjectSyncResult,
) error {
	rules := s.model.ExportRules(mvo.TypeID)
	if len(rules) == 0 {
		return nil
	}

	joined, err := repo.ListConnectedObjectsForMetaverseObjects(ctx, []string{mvo.ID})
	if err != nil {
		return fmt.Errorf("failed to load joined objects: %w", err)
	}
	changedSet := make(map[string]bool, len(changed))
	for _, id := range changed {
		changedSet[id] = true
	}
	source := FlowContext{Namespace: NamespaceMetaverse, Attributes: mvo.Attributes, ObjectType: mvo.Type}

	for _, rule := range rules {
		system, ok := s.model.ConnectedSystem(rule.ConnectedSystemID)
		if !ok {
			continue
		}
		csType, ok := system.ObjectType(rule.ObjectTypeID)
		if !ok {
			continue
		}

		target := findJoined(joined, rule.ConnectedSystemID, rule.ObjectTypeID)
		create := false
		if target == nil {
			if !rule.ProvisionToConnectedSystem {
				continue
			}
			target = s.provision(mvo, rule, csType, source)
			if err := repo.SaveConnectedObject(ctx, target); err != nil {
				return err
			}
			mvo.addConnectedObject(target.ID)
			joined = append(joined, target)
			refs.Add(target)
			create = true
			result.Provisioned++
		}

		var changes []PendingExportAttributeValueChange
		for _, mapping := range rule.Mappings {
			if s.mappingContributed(mapping, rule.ConnectedSystemID, mvo.Type) {
				continue
			}
			if !full && !create && !s.readsAny(mapping, changedSet, mvo.Type) {
				continue
			}
			def, ok := csType.Attribute(mapping.TargetAttributeID)
			if !ok {
				continue
			}
			expected := s.flow.Evaluate(mapping, def, source).Values
			diff := diffAttribute(def, expected, target.Attributes.Get(def.ID), rule.CaseSensitive, refs)
			if diff.empty() {
				continue
			}
			c, _ := diff.changes(def, rule.ConnectedSystemID, refs)
			changes = append(changes, c...)
		}

		if len(changes) == 0 && !create {
			continue
		}
		candidate := &PendingExport{
			ConnectedSystemID:       rule.ConnectedSystemID,
			ConnectedSystemObjectID: target.ID,
			ChangeType:              ObjectChangeUpdate,
			AttributeValueChanges:   changes,
			SyncRuleID:              rule.ID,
			SourceMetaverseObjectID: mvo.ID,
			MaxRetries:              system.MaxRetries,
		}
		if create {
			candidate.ChangeType = ObjectChangeCreate
		}
		staged, err := s.exports.StageIn(ctx, repo, candidate)
		if err != nil {
			return err
		}
		if staged.Created || staged.Appended > 0 {
			result.ExportsStaged++
		}
	}
	return nil
}

// provision builds a new connected system object for mvo awaiting its create export.
func (s *SyncProcessor) provision(mvo *MetaverseObject, rule *SyncRule, csType *ObjectType, source FlowContext) *ConnectedSystemObject {
	now := s.now()
	cso := &ConnectedSystemObject{
		ID:                uuid.NewString(),
		ConnectedSystemID: rule.ConnectedSystemID,
		ObjectTypeID:      csType.ID,
		Status:            ObjectStatusPendingProvisioning,
		JoinType:          JoinTypeProvisioned,
		MetaverseObjectID: mvo.ID,
		DateJoined:        &now,
		Attributes:        make(AttributeSet),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// the external id is known up front when the rule computes it
	ids := make(AttributeSet)
	for _, mapping := range rule.Mappings {
		def, ok := csType.Attribute(mapping.TargetAttributeID)
		if !ok {
			continue
		}
		for _, id := range csType.ExternalIDAttributes {
			if id == def.ID {
				ids[def.ID] = s.flow.Evaluate(mapping, def, source).Values
			}
		}
	}
	if externalID, err := externalIDOf(csType, ids); err == nil {
		cso.ExternalID = externalID
	}

	s.logger.Info().
		Str("mvo_id", mvo.ID).
		Str("cso_id", cso.ID).
		Str("system_id", rule.ConnectedSystemID).
		Str("sync_rule", rule.Name).
		Msg("Provisioning object to connected system")
	return cso
}

func findJoined(objects []*ConnectedSystemObject, systemID, objectTypeID string) *ConnectedSystemObject {
	for _, o := range objects {
		if o.ConnectedSystemID == systemID && o.ObjectTypeID == objectTypeID && o.Status != ObjectStatusObsolete {
			return o
		}
	}
	return nil
}

func (s *SyncProcessor) mappingContributed(mapping SyncRuleMapping, systemID string, mvType *ObjectType) bool {
	for _, src := range mapping.Sources {
		if sourceContributes(src, systemID, mvType, s.importIndex, s.extractor) {
			return true
		}
	}
	return false
}

// readsAny reports whether mapping reads any of the given metaverse attributes.
func (s *SyncProcessor) readsAny(mapping SyncRuleMapping, attributeIDs map[string]bool, mvType *ObjectType) bool {
	for _, src := range mapping.Sources {
		if !src.IsExpression() {
			if attributeIDs[src.AttributeID] {
				return true
			}
			continue
		}
		for _, name := range s.extractor.ReferencedAttributes(src.Expression, NamespaceMetaverse) {
			if def, ok := mvType.AttributeByName(name); ok && attributeIDs[def.ID] {
				return true
			}
		}
	}
	return false
}

// correctDrift detects drift on cso and stages one corrective export per rule.
func (s *SyncProcessor) correctDrift(
	ctx context.Context,
	repo Repository,
	cso *ConnectedSystemObject,
	csType *ObjectType,
	mvo *MetaverseObject,
	refs *ReferenceIndex,
	result *ObjectSyncResult,
) error {
	result.Drift = s.drift.Detect(DriftInput{
		Object:          cso,
		ObjectType:      csType,
		MetaverseObject: mvo,
		ExportRules:     s.model.ExportRulesForSystem(cso.ConnectedSystemID),
		ImportMappings:  s.importIndex,
		References:      refs,
	})

	for _, candidate := range result.Drift.PendingExports {
		staged, err := s.exports.StageIn(ctx, repo, candidate)
		if err != nil {
			return err
		}
		if staged.Created || staged.Appended > 0 {
			result.DriftCorrections++
		}
	}
	return nil
}

// DetectDrift reports the drift of one connected system object without staging anything.
func (s *SyncProcessor) DetectDrift(ctx context.Context, csoID string) (DriftResult, error) {
	cso, err := s.repo.GetConnectedObject(ctx, csoID)
	if err != nil {
		return DriftResult{}, fmt.Errorf("failed to load object %s: %w", csoID, err)
	}
	if !cso.IsJoined() {
		return DriftResult{SkipReason: DriftSkipNotJoined}, nil
	}
	csType, _ := s.model.ObjectTypeFor(cso)

	mvo, err := s.repo.GetMetaverseObject(ctx, cso.MetaverseObjectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return DriftResult{}, fmt.Errorf("failed to load metaverse object: %w", err)
	}
	if mvo != nil {
		s.model.Materialize(mvo)
	}

	refs, err := s.referenceIndex(ctx, s.repo, cso.Attributes)
	if err != nil {
		return DriftResult{}, err
	}
	if mvo != nil {
		if err := s.addMetaverseReferences(ctx, s.repo, refs, mvo); err != nil {
			return DriftResult{}, err
		}
	}

	return s.drift.Detect(DriftInput{
		Object:          cso,
		ObjectType:      csType,
		MetaverseObject: mvo,
		ExportRules:     s.model.ExportRulesForSystem(cso.ConnectedSystemID),
		ImportMappings:  s.importIndex,
		References:      refs,
	}), nil
}

// referenceIndex indexes the connected system objects that attrs reference.
func (s *SyncProcessor) referenceIndex(ctx context.Context, repo Repository, attrs AttributeSet) (*ReferenceIndex, error) {
	var ids []string
	for _, values := range attrs {
		for _, v := range values {
			if ref, ok := v.(ReferenceValue); ok && ref.ObjectID != "" {
				ids = append(ids, ref.ObjectID)
			}
		}
	}
	refs := NewReferenceIndex()
	if len(ids) == 0 {
		return refs, nil
	}
	objects, err := repo.ListConnectedObjectsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load referenced objects: %w", err)
	}
	for _, o := range objects {
		refs.Add(o)
	}
	return refs, nil
}

// addMetaverseReferences indexes the objects joined to the metaverse objects mvo references.
func (s *SyncProcessor) addMetaverseReferences(ctx context.Context, repo Repository, refs *ReferenceIndex, mvo *MetaverseObject) error {
	var ids []string
	for _, values := range mvo.Attributes {
		for _, v := range values {
			if ref, ok := v.(ReferenceValue); ok && ref.ObjectID != "" {
				ids = append(ids, ref.ObjectID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	objects, err := repo.ListConnectedObjectsForMetaverseObjects(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load objects joined to referenced metaverse objects: %w", err)
	}
	for _, o := range objects {
		refs.Add(o)
	}
	return nil
}
