// Package expression evaluates attribute-flow expressions with Starlark.
//
// An expression is a single Starlark expression evaluated against the
// attributes of the object a mapping reads from. Attributes are looked up by
// name in a dict named after the flow's namespace:
//
//	"CN=" + mv["displayName"]
//	coalesce(cs["nickname"], cs["givenName"])
//	[c.upper() for c in mv["colors"]]
//
// Single-valued attributes are a scalar or None; multi-valued attributes are
// a list. A string, int or bool result becomes one value; a list becomes one
// value per item; None becomes no value. Every evaluation runs on its own
// thread with a step budget, so an evaluator is safe for concurrent use and a
// runaway expression fails instead of stalling a sync pass.
//
// SyntaxExtractor parses expressions to find the attribute names they read,
// which drift detection uses to tell whether an expression depends on values
// the target system contributes itself.
package expression
