package expression

import (
	"sort"

	"go.starlark.net/syntax"

	"github.com/jimsync/jim/pkg/engine"
)

// SyntaxExtractor finds attribute lookups by parsing the expression. It
// recognizes ns["name"] and ns.get("name") with a string literal name.
// Expressions that fail to parse yield no names.
type SyntaxExtractor struct{}

// NewSyntaxExtractor creates an extractor.
func NewSyntaxExtractor() *SyntaxExtractor {
	return &SyntaxExtractor{}
}

// ReferencedAttributes implements engine.AttributeReferenceExtractor.
func (SyntaxExtractor) ReferencedAttributes(expression, namespace string) []string {
	expr, err := syntax.ParseExpr("expression", expression, 0)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	syntax.Walk(expr, func(n syntax.Node) bool {
		switch node := n.(type) {
		case *syntax.IndexExpr:
			if isIdent(node.X, namespace) {
				if name, ok := stringLiteral(node.Y); ok {
					seen[name] = true
				}
			}
		case *syntax.CallExpr:
			dot, ok := node.Fn.(*syntax.DotExpr)
			if ok && dot.Name.Name == "get" && isIdent(dot.X, namespace) && len(node.Args) > 0 {
				if name, ok := stringLiteral(node.Args[0]); ok {
					seen[name] = true
				}
			}
		}
		return true
	})

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isIdent(e syntax.Expr, name string) bool {
	id, ok := e.(*syntax.Ident)
	return ok && id.Name == name
}

func stringLiteral(e syntax.Expr) (string, bool) {
	lit, ok := e.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

var _ engine.AttributeReferenceExtractor = SyntaxExtractor{}
