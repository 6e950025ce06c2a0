package expression

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/jimsync/jim/pkg/engine"
)

// DefaultMaxSteps bounds the work a single expression may do.
const DefaultMaxSteps = 100000

// StarlarkEvaluator evaluates attribute-flow expressions written as Starlark
// expressions. Attributes are exposed as a dict under the flow's namespace
// ("mv" or "cs"): single-valued attributes as a scalar or None, multi-valued
// attributes as a list. Unset attributes are present as None or [].
type StarlarkEvaluator struct {
	maxSteps uint64
	builtins starlark.StringDict
}

// NewStarlarkEvaluator creates an evaluator. maxSteps of zero uses DefaultMaxSteps.
func NewStarlarkEvaluator(maxSteps uint64) *StarlarkEvaluator {
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &StarlarkEvaluator{
		maxSteps: maxSteps,
		builtins: starlark.StringDict{
			"struct":   starlarkstruct.Default,
			"first":    starlark.NewBuiltin("first", builtinFirst),
			"coalesce": starlark.NewBuiltin("coalesce", builtinCoalesce),
			"upper":    starlark.NewBuiltin("upper", builtinUpper),
			"lower":    starlark.NewBuiltin("lower", builtinLower),
		},
	}
}

// Evaluate implements engine.ExpressionEvaluator.
func (se *StarlarkEvaluator) Evaluate(expression string, input engine.ExpressionInput) ([]engine.Value, error) {
	thread := &starlark.Thread{
		Name: "jim-expression",
		Print: func(_ *starlark.Thread, _ string) {
			// expressions have no output
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	attrs, err := attributeDict(input)
	if err != nil {
		return nil, err
	}

	env := make(starlark.StringDict, len(se.builtins)+1)
	for k, v := range se.builtins {
		env[k] = v
	}
	env[input.Namespace] = attrs

	result, err := starlark.Eval(thread, "expression", expression, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q failed: %w", expression, err)
	}
	return fromStarlarkValue(result)
}

// attributeDict exposes the input attributes as a frozen dict.
func attributeDict(input engine.ExpressionInput) (*starlark.Dict, error) {
	names := make([]string, 0, len(input.Attributes))
	for name := range input.Attributes {
		names = append(names, name)
	}
	for name := range input.MultiValued {
		if _, ok := input.Attributes[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	dict := starlark.NewDict(len(names))
	for _, name := range names {
		values := input.Attributes[name]
		var v starlark.Value = starlark.None
		if input.MultiValued[name] {
			items := make([]starlark.Value, 0, len(values))
			for _, av := range values {
				sv, err := toStarlarkValue(av)
				if err != nil {
					return nil, fmt.Errorf("attribute %s: %w", name, err)
				}
				items = append(items, sv)
			}
			v = starlark.NewList(items)
		} else if len(values) > 0 {
			sv, err := toStarlarkValue(values[0])
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", name, err)
			}
			v = sv
		}
		if err := dict.SetKey(starlark.String(name), v); err != nil {
			return nil, err
		}
	}
	dict.Freeze()
	return dict, nil
}

// toStarlarkValue converts an attribute value to a Starlark value.
func toStarlarkValue(v engine.Value) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case engine.TextValue:
		return starlark.String(val), nil
	case engine.IntValue:
		return starlark.MakeInt64(int64(val)), nil
	case engine.LongValue:
		return starlark.MakeInt64(int64(val)), nil
	case engine.BoolValue:
		return starlark.Bool(val), nil
	case engine.TimeValue:
		return starlark.String(time.Time(val).UTC().Format(time.RFC3339Nano)), nil
	case engine.GUIDValue, engine.ReferenceValue:
		return starlark.String(val.String()), nil
	case engine.BinaryValue:
		return starlark.Bytes(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// fromStarlarkValue converts an expression result to attribute values.
// None yields no value and a list or tuple one value per item.
func fromStarlarkValue(v starlark.Value) ([]engine.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.List:
		return fromIterable(val)
	case starlark.Tuple:
		return fromIterable(val)
	}
	sv, err := fromStarlarkScalar(v)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, nil
	}
	return []engine.Value{sv}, nil
}

func fromIterable(it starlark.Iterable) ([]engine.Value, error) {
	iter := it.Iterate()
	defer iter.Done()

	var out []engine.Value
	var x starlark.Value
	for iter.Next(&x) {
		sv, err := fromStarlarkScalar(x)
		if err != nil {
			return nil, err
		}
		if sv != nil {
			out = append(out, sv)
		}
	}
	return out, nil
}

func fromStarlarkScalar(v starlark.Value) (engine.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return engine.TextValue(val), nil
	case starlark.Bool:
		return engine.BoolValue(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return engine.IntValue(i), nil
		}
		return engine.LongValue(i), nil
	case starlark.Float:
		if float64(val) != math.Trunc(float64(val)) {
			return nil, fmt.Errorf("non-integral number %v", float64(val))
		}
		return fromStarlarkScalar(starlark.MakeInt64(int64(val)))
	case starlark.Bytes:
		return engine.BinaryValue([]byte(val)), nil
	default:
		return nil, fmt.Errorf("unsupported result type: %s", v.Type())
	}
}

// Built-in functions

// builtinFirst returns the first item of a list, or None for an empty list or None.
func builtinFirst(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	if x == starlark.None {
		return starlark.None, nil
	}
	if seq, ok := x.(starlark.Indexable); ok {
		if seq.Len() == 0 {
			return starlark.None, nil
		}
		if _, isString := x.(starlark.String); !isString {
			return seq.Index(0), nil
		}
	}
	return x, nil
}

// builtinCoalesce returns the first argument that is neither None nor empty.
func builtinCoalesce(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("coalesce: unexpected keyword arguments")
	}
	for _, a := range args {
		if a == starlark.None {
			continue
		}
		if s, ok := a.(starlark.Sequence); ok && s.Len() == 0 {
			continue
		}
		if s, ok := a.(starlark.String); ok && s.Len() == 0 {
			continue
		}
		return a, nil
	}
	return starlark.None, nil
}

func builtinUpper(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return mapString(b, args, kwargs, strings.ToUpper)
}

func builtinLower(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return mapString(b, args, kwargs, strings.ToLower)
}

// mapString applies fn to a string argument. None passes through.
func mapString(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, fn func(string) string) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	switch s := x.(type) {
	case starlark.NoneType:
		return starlark.None, nil
	case starlark.String:
		return starlark.String(fn(string(s))), nil
	default:
		return nil, fmt.Errorf("%s: want string, got %s", b.Name(), x.Type())
	}
}

var _ engine.ExpressionEvaluator = (*StarlarkEvaluator)(nil)
