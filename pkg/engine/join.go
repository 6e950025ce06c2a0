package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// MatchResult is the outcome of evaluating matching rules for one object.
type MatchResult struct {
	// MetaverseObject is the single matched object, or nil when no rule matched.
	MetaverseObject *MetaverseObject

	// Rule is the matching rule that produced the match.
	Rule *MatchingRule
}

// Joiner finds the metaverse object a connected system object belongs to.
type Joiner struct {
	model  *SyncModel
	flow   *FlowEvaluator
	logger zerolog.Logger
}

// NewJoiner creates a joiner.
func NewJoiner(model *SyncModel, flow *FlowEvaluator, logger zerolog.Logger) *Joiner {
	return &Joiner{
		model:  model,
		flow:   flow,
		logger: logger.With().Str("component", "joiner").Logger(),
	}
}

// Match evaluates the ordered matching rules of the object's type. The first
// rule that finds exactly one metaverse object wins. A rule finding none
// falls through to the next. A rule finding more than one fails with
// ErrAmbiguousMatch; that is a configuration problem and is never resolved
// by picking one.
func (j *Joiner) Match(
	ctx context.Context,
	repo Repository,
	cso *ConnectedSystemObject,
	csType *ObjectType,
	refs *ReferenceIndex,
) (MatchResult, error) {
	rules := j.model.MatchingRules(cso.ConnectedSystemID, cso.ObjectTypeID)
	source := FlowContext{
		Namespace:  NamespaceConnectedSystem,
		Attributes: cso.Attributes,
		ObjectType: csType,
		References: refs,
	}

	for i := range rules {
		rule := &rules[i]
		mvType, ok := j.model.MetaverseType(rule.MetaverseObjectTypeID)
		if !ok {
			return MatchResult{}, NewPermanentError("matching rule targets unknown metaverse object type", nil).
				WithCode(ErrCodeConfiguration).
				WithResource(rule.ID).
				WithDetail("metaverse_object_type_id", rule.MetaverseObjectTypeID)
		}
		target, ok := mvType.Attribute(rule.TargetAttributeID)
		if !ok {
			return MatchResult{}, NewPermanentError("matching rule targets unknown metaverse attribute", nil).
				WithCode(ErrCodeConfiguration).
				WithResource(rule.ID).
				WithDetail("attribute_id", rule.TargetAttributeID)
		}

		values := j.flow.EvaluateSources(rule.Sources, target, source).Values
		if len(values) == 0 {
			continue
		}

		candidates, err := j.candidates(ctx, repo, mvType.ID, target.ID, values, rule.CaseSensitive)
		if err != nil {
			return MatchResult{}, err
		}

		switch len(candidates) {
		case 0:
			continue
		case 1:
			j.logger.Debug().
				Str("cso_id", cso.ID).
				Str("mvo_id", candidates[0].ID).
				Str("matching_rule", rule.ID).
				Msg("Matched metaverse object")
			return MatchResult{MetaverseObject: candidates[0], Rule: rule}, nil
		default:
			ids := make([]string, 0, len(candidates))
			for _, c := range candidates {
				ids = append(ids, c.ID)
			}
			return MatchResult{}, NewPermanentError(
				fmt.Sprintf("matching rule found %d metaverse objects", len(candidates)), ErrAmbiguousMatch).
				WithCode(ErrCodeAmbiguousMatch).
				WithResource(cso.ID).
				WithOperation("join").
				WithDetail("matching_rule_id", rule.ID).
				WithDetail("metaverse_object_ids", ids)
		}
	}
	return MatchResult{}, nil
}

// candidates returns the distinct metaverse objects holding any of values, sorted by ID.
func (j *Joiner) candidates(
	ctx context.Context,
	repo Repository,
	typeID, attributeID string,
	values []Value,
	caseSensitive bool,
) ([]*MetaverseObject, error) {
	byID := make(map[string]*MetaverseObject)
	for _, v := range values {
		found, err := repo.FindMetaverseObjectsByAttribute(ctx, typeID, attributeID, v, caseSensitive)
		if err != nil {
			return nil, fmt.Errorf("failed to search metaverse objects: %w", err)
		}
		for _, mvo := range found {
			byID[mvo.ID] = mvo
		}
	}

	out := make([]*MetaverseObject, 0, len(byID))
	for _, mvo := range byID {
		out = append(out, mvo)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// checkJoinable returns a conflict error when mvo is already joined to a
// different live object in the same connected system and object type.
func checkJoinable(ctx context.Context, repo Repository, cso *ConnectedSystemObject, mvo *MetaverseObject) error {
	joined, err := repo.ListConnectedObjectsForMetaverseObjects(ctx, []string{mvo.ID})
	if err != nil {
		return fmt.Errorf("failed to load joined objects: %w", err)
	}
	for _, other := range joined {
		if other.ID == cso.ID || other.ConnectedSystemID != cso.ConnectedSystemID ||
			other.ObjectTypeID != cso.ObjectTypeID || other.Status == ObjectStatusObsolete {
			continue
		}
		return NewConflictError("metaverse object is already joined to another object in this system", nil).
			WithCode(ErrCodeConflict).
			WithResource(cso.ID).
			WithOperation("join").
			WithDetail("metaverse_object_id", mvo.ID).
			WithDetail("joined_object_id", other.ID)
	}
	return nil
}
