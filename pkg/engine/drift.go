package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DriftInput is everything drift detection needs for one connected system object.
type DriftInput struct {
	// Object is the just-imported or synchronized connected system object.
	Object *ConnectedSystemObject

	// ObjectType is the connected system object type of Object.
	ObjectType *ObjectType

	// MetaverseObject is the object Object is joined to, with Type materialized.
	MetaverseObject *MetaverseObject

	// ExportRules are candidate export rules. Rules that do not enforce state or
	// do not target the object are ignored.
	ExportRules []*SyncRule

	// ImportMappings identifies attributes the object's system legitimately writes.
	ImportMappings *ImportMappingIndex

	// References covers every object Object's reference attributes point at,
	// and every object in Object's system joined to metaverse objects that
	// the metaverse object's reference attributes point at.
	References *ReferenceIndex
}

// AttributeDrift records one attribute whose live value differs from the expected value.
type AttributeDrift struct {
	SyncRuleID  string
	AttributeID string
	MultiValued bool

	// Expected is in metaverse-id space for references.
	Expected []Value

	// Actual is the object's current value, in metaverse-id space for references.
	Actual []Value
}

// DriftResult is the outcome of drift detection for one object.
type DriftResult struct {
	// SkipReason is set when detection did not run.
	SkipReason string

	// Drifts lists every drifted attribute in rule order.
	Drifts []AttributeDrift

	// PendingExports holds one corrective export candidate per export rule with drift.
	// Candidates are not persisted.
	PendingExports []*PendingExport
}

// HasDrift returns true if any attribute drifted.
func (r DriftResult) HasDrift() bool {
	return len(r.Drifts) > 0
}

// Drift skip reasons.
const (
	DriftSkipNotJoined           = "not_joined"
	DriftSkipPendingProvisioning = "pending_provisioning"
	DriftSkipObsolete            = "obsolete"
	DriftSkipNoMetaverseObject   = "no_metaverse_object"
	DriftSkipMetaverseTypeAbsent = "metaverse_type_not_loaded"
	DriftSkipObjectTypeAbsent    = "object_type_not_loaded"
	DriftSkipNoRules             = "no_enforcing_rules"
)

// DriftDetector compares a connected system object's live state to the state
// its enforcing export rules dictate.
type DriftDetector struct {
	flow      *FlowEvaluator
	extractor AttributeReferenceExtractor
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDriftDetector creates a drift detector. A nil extractor defaults to the
// regular-expression heuristic.
func NewDriftDetector(flow *FlowEvaluator, extractor AttributeReferenceExtractor, logger zerolog.Logger) *DriftDetector {
	if extractor == nil {
		extractor = NewRegexAttributeExtractor()
	}
	return &DriftDetector{
		flow:      flow,
		extractor: extractor,
		logger:    logger.With().Str("component", "drift").Logger(),
		now:       time.Now,
	}
}

// Detect computes drift for one object. It never mutates its inputs.
func (d *DriftDetector) Detect(in DriftInput) DriftResult {
	cso, mvo := in.Object, in.MetaverseObject

	switch {
	case cso == nil || !cso.IsJoined():
		return DriftResult{SkipReason: DriftSkipNotJoined}
	case cso.Status == ObjectStatusPendingProvisioning:
		return DriftResult{SkipReason: DriftSkipPendingProvisioning}
	case cso.Status == ObjectStatusObsolete:
		return DriftResult{SkipReason: DriftSkipObsolete}
	case mvo == nil:
		return DriftResult{SkipReason: DriftSkipNoMetaverseObject}
	case mvo.Type == nil:
		d.logger.Warn().
			Str("cso_id", cso.ID).
			Str("mvo_id", mvo.ID).
			Str("mvo_type_id", mvo.TypeID).
			Msg("Metaverse object type not loaded, skipping drift detection")
		return DriftResult{SkipReason: DriftSkipMetaverseTypeAbsent}
	case in.ObjectType == nil:
		d.logger.Warn().Str("cso_id", cso.ID).Msg("Connected system object type not loaded, skipping drift detection")
		return DriftResult{SkipReason: DriftSkipObjectTypeAbsent}
	}

	rules := enforcingRules(in.ExportRules, cso, mvo)
	if len(rules) == 0 {
		return DriftResult{SkipReason: DriftSkipNoRules}
	}

	var result DriftResult
	source := FlowContext{
		Namespace:  NamespaceMetaverse,
		Attributes: mvo.Attributes,
		ObjectType: mvo.Type,
	}

	for _, rule := range rules {
		var changes []PendingExportAttributeValueChange
		unresolved := false

		for _, mapping := range rule.Mappings {
			if d.isContributed(mapping, cso.ConnectedSystemID, mvo.Type, in.ImportMappings) {
				d.logger.Debug().
					Str("cso_id", cso.ID).
					Str("attribute_id", mapping.TargetAttributeID).
					Msg("Connected system contributes this attribute, not drift")
				continue
			}

			target, ok := in.ObjectType.Attribute(mapping.TargetAttributeID)
			if !ok {
				d.logger.Warn().
					Str("sync_rule", rule.Name).
					Str("attribute_id", mapping.TargetAttributeID).
					Msg("Export mapping targets an attribute the object type does not define")
				continue
			}

			expected := d.flow.Evaluate(mapping, target, source).Values
			actual := cso.Attributes.Get(target.ID)
			diff := diffAttribute(target, expected, actual, rule.CaseSensitive, in.References)
			if diff.empty() {
				continue
			}

			result.Drifts = append(result.Drifts, AttributeDrift{
				SyncRuleID:  rule.ID,
				AttributeID: target.ID,
				MultiValued: target.IsMultiValued(),
				Expected:    expected,
				Actual:      diff.actual,
			})

			c, u := diff.changes(target, cso.ConnectedSystemID, in.References)
			changes = append(changes, c...)
			unresolved = unresolved || u
		}

		if len(changes) == 0 {
			continue
		}

		now := d.now()
		result.PendingExports = append(result.PendingExports, &PendingExport{
			ConnectedSystemID:       cso.ConnectedSystemID,
			ConnectedSystemObjectID: cso.ID,
			ChangeType:              ObjectChangeUpdate,
			Status:                  PendingExportStatusPending,
			AttributeValueChanges:   changes,
			HasUnresolvedReferences: unresolved,
			SyncRuleID:              rule.ID,
			SourceMetaverseObjectID: mvo.ID,
			CreatedAt:               now,
			UpdatedAt:               now,
		})
	}

	if result.HasDrift() {
		d.logger.Info().
			Str("cso_id", cso.ID).
			Int("attributes", len(result.Drifts)).
			Int("pending_exports", len(result.PendingExports)).
			Msg("Drift detected")
	}
	return result
}

func (d *DriftDetector) isContributed(mapping SyncRuleMapping, systemID string, mvType *ObjectType, index *ImportMappingIndex) bool {
	for _, src := range mapping.Sources {
		if sourceContributes(src, systemID, mvType, index, d.extractor) {
			return true
		}
	}
	return false
}

// enforcingRules filters rules to enabled, state-enforcing export rules that
// target the object's system, object type and metaverse type.
func enforcingRules(rules []*SyncRule, cso *ConnectedSystemObject, mvo *MetaverseObject) []*SyncRule {
	var out []*SyncRule
	for _, r := range rules {
		if r.Enabled && r.EnforceState && r.Direction == SyncRuleDirectionExport &&
			r.Targets(cso.ConnectedSystemID, cso.ObjectTypeID, mvo.TypeID) {
			out = append(out, r)
		}
	}
	return out
}

// attributeDiff is the difference between the expected and actual values of
// one attribute. Comparison happens in metaverse-id space.
type attributeDiff struct {
	multi bool

	// update is set for a single-valued attribute whose value differs.
	update   bool
	expected Value

	toAdd    []Value
	toRemove []Value

	// actual is the actual value in metaverse-id space.
	actual []Value
}

func (d attributeDiff) empty() bool {
	return !d.update && len(d.toAdd) == 0 && len(d.toRemove) == 0
}

// diffAttribute compares expected (metaverse-id space) with the raw actual
// values of a connected system object. Removals carry the raw actual value.
func diffAttribute(def AttributeDefinition, expected, actual []Value, caseSensitive bool, refs *ReferenceIndex) attributeDiff {
	diff := attributeDiff{multi: def.IsMultiValued()}

	// several raw values may fold to one key when comparison ignores case
	raw := make(map[string][]Value, len(actual))
	for _, v := range actual {
		mv, ok := refs.toMetaverseSpace(v, true)
		if !ok {
			continue
		}
		diff.actual = append(diff.actual, mv)
		key := ValueKey(mv, caseSensitive)
		raw[key] = append(raw[key], v)
	}

	if !diff.multi {
		var exp, act Value
		if len(expected) > 0 {
			exp = expected[0]
		}
		if len(diff.actual) > 0 {
			act = diff.actual[0]
		}
		if !ValuesEqual(exp, act, caseSensitive) {
			diff.update = true
			diff.expected = exp
		}
		return diff
	}

	add, remove := DiffValueSets(expected, diff.actual, caseSensitive)
	diff.toAdd = add
	for _, v := range remove {
		diff.toRemove = append(diff.toRemove, raw[ValueKey(v, caseSensitive)]...)
	}
	return diff
}

// changes renders the diff as pending export changes in target-system space.
// The second result is true if any change carries an unresolved reference.
func (d attributeDiff) changes(def AttributeDefinition, systemID string, refs *ReferenceIndex) ([]PendingExportAttributeValueChange, bool) {
	var out []PendingExportAttributeValueChange
	unresolved := false

	emit := func(ct ValueChangeType, v Value, translate bool) {
		c := PendingExportAttributeValueChange{
			ID:          uuid.NewString(),
			AttributeID: def.ID,
			ChangeType:  ct,
			Value:       v,
		}
		if translate && v != nil {
			tv, ok := refs.toTargetSpace(v, systemID)
			c.Value = tv
			if !ok {
				c.UnresolvedReference = true
				unresolved = true
			}
		}
		out = append(out, c)
	}

	if d.update {
		emit(ValueChangeUpdate, d.expected, true)
	}
	for _, v := range d.toAdd {
		emit(ValueChangeAdd, v, true)
	}
	for _, v := range d.toRemove {
		emit(ValueChangeRemove, v, false)
	}
	return out, unresolved
}
