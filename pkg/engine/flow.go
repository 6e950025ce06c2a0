package engine

import (
	"github.com/rs/zerolog"
)

// Expression namespaces.
const (
	NamespaceMetaverse       = "mv"
	NamespaceConnectedSystem = "cs"
)

// FlowContext is the source side of an attribute flow.
type FlowContext struct {
	// Namespace is NamespaceMetaverse for export mappings and
	// NamespaceConnectedSystem for import mappings and matching rules.
	Namespace string

	// Attributes are the source object's values.
	Attributes AttributeSet

	// ObjectType is the source object's type, used to resolve source
	// definitions and expression attribute names.
	ObjectType *ObjectType

	// References translates connected system references to metaverse IDs.
	// Only consulted in the connected system namespace.
	References *ReferenceIndex
}

// FlowResult is the outcome of evaluating one mapping.
type FlowResult struct {
	// Values holds at most one value for single-valued targets and a
	// duplicate-free set for multi-valued targets.
	Values []Value

	// Dropped counts source values that could not be converted to the target type.
	Dropped int

	// ExpressionErrors counts expression sources that failed to evaluate.
	ExpressionErrors int
}

// First returns the single value of the result, or nil.
func (r FlowResult) First() Value {
	if len(r.Values) == 0 {
		return nil
	}
	return r.Values[0]
}

// FlowEvaluator computes target attribute values from ordered mapping sources.
// It never fails: conversion and expression errors are logged and counted.
type FlowEvaluator struct {
	expressions ExpressionEvaluator
	logger      zerolog.Logger
}

// NewFlowEvaluator creates a flow evaluator. expressions may be nil, in which
// case expression sources always evaluate to null.
func NewFlowEvaluator(expressions ExpressionEvaluator, logger zerolog.Logger) *FlowEvaluator {
	return &FlowEvaluator{
		expressions: expressions,
		logger:      logger.With().Str("component", "flow").Logger(),
	}
}

// Evaluate computes the value(s) mapping yields for target from the source context.
func (f *FlowEvaluator) Evaluate(mapping SyncRuleMapping, target AttributeDefinition, fc FlowContext) FlowResult {
	return f.EvaluateSources(mapping.Sources, target, fc)
}

// EvaluateSources computes the value(s) the ordered sources yield for target.
// A single-valued target takes the first non-null converted value across sources.
// A multi-valued target takes the union of every converted value.
func (f *FlowEvaluator) EvaluateSources(sources []SyncRuleMappingSource, target AttributeDefinition, fc FlowContext) FlowResult {
	var result FlowResult
	set := newValueSet(true, nil)

	for _, src := range orderedSources(sources) {
		raw, ok := f.sourceValues(src, fc)
		if !ok {
			result.ExpressionErrors++
			continue
		}

		for _, v := range raw {
			converted, ok := f.convert(v, target, fc)
			if !ok {
				result.Dropped++
				continue
			}
			if converted == nil {
				continue
			}
			if !target.IsMultiValued() {
				result.Values = []Value{converted}
				return result
			}
			set.add(converted, true)
		}
	}

	if target.IsMultiValued() {
		result.Values = set.list()
	}
	return result
}

// sourceValues returns the raw values of one source. The second result is
// false when an expression failed.
func (f *FlowEvaluator) sourceValues(src SyncRuleMappingSource, fc FlowContext) ([]Value, bool) {
	if !src.IsExpression() {
		return fc.Attributes.Get(src.AttributeID), true
	}

	if f.expressions == nil {
		f.logger.Warn().Str("expression", src.Expression).Msg("No expression evaluator configured, treating result as null")
		return nil, false
	}

	input := ExpressionInput{
		Namespace:   fc.Namespace,
		Attributes:  fc.Attributes.ByName(fc.ObjectType),
		MultiValued: make(map[string]bool),
	}
	if fc.ObjectType != nil {
		for _, def := range fc.ObjectType.Attributes {
			if def.IsMultiValued() {
				input.MultiValued[def.Name] = true
			}
		}
	}

	values, err := f.expressions.Evaluate(src.Expression, input)
	if err != nil {
		f.logger.Warn().Err(err).Str("expression", src.Expression).Msg("Expression evaluation failed, treating result as null")
		return nil, false
	}
	return values, true
}

// convert translates references into metaverse space when needed and converts
// v to the target type. The second result is false when the value was dropped.
func (f *FlowEvaluator) convert(v Value, target AttributeDefinition, fc FlowContext) (Value, bool) {
	if v == nil {
		return nil, true
	}

	if fc.Namespace == NamespaceConnectedSystem && v.DataType() == AttributeDataTypeReference {
		mv, ok := fc.References.toMetaverseSpace(v, false)
		if !ok {
			f.logger.Debug().
				Str("attribute", target.Name).
				Str("reference", v.String()).
				Msg("Dropping reference to an object that is not joined")
			return nil, false
		}
		v = mv
	}

	converted, err := ConvertValue(v, target.Type)
	if err != nil {
		f.logger.Warn().Err(err).
			Str("attribute", target.Name).
			Str("value", v.String()).
			Msg("Dropping value that does not convert to the target type")
		return nil, false
	}
	return converted, true
}
