package engine

import (
	"regexp"
	"sync"
)

// ImportMappingRef points at one import mapping that writes a metaverse attribute.
type ImportMappingRef struct {
	SyncRuleID string
	MappingID  string
}

type contributorKey struct {
	systemID    string
	attributeID string
}

// ImportMappingIndex answers whether a connected system already writes a
// metaverse attribute through an import rule.
type ImportMappingIndex struct {
	entries map[contributorKey][]ImportMappingRef
}

// BuildImportMappingIndex indexes the import mappings of every enabled import rule
// by (connected system ID, target metaverse attribute ID).
func BuildImportMappingIndex(rules []*SyncRule) *ImportMappingIndex {
	idx := &ImportMappingIndex{entries: make(map[contributorKey][]ImportMappingRef)}
	for _, r := range rules {
		if !r.Enabled || r.Direction != SyncRuleDirectionImport {
			continue
		}
		for _, m := range r.Mappings {
			key := contributorKey{systemID: r.ConnectedSystemID, attributeID: m.TargetAttributeID}
			idx.entries[key] = append(idx.entries[key], ImportMappingRef{SyncRuleID: r.ID, MappingID: m.ID})
		}
	}
	return idx
}

// Mappings returns the import mappings through which systemID writes attributeID.
func (i *ImportMappingIndex) Mappings(systemID, attributeID string) []ImportMappingRef {
	if i == nil {
		return nil
	}
	return i.entries[contributorKey{systemID: systemID, attributeID: attributeID}]
}

// IsContributor returns true if systemID writes attributeID through an import mapping.
func (i *ImportMappingIndex) IsContributor(systemID, attributeID string) bool {
	return len(i.Mappings(systemID, attributeID)) > 0
}

// RegexAttributeExtractor finds attribute lookups of the form ns["Name"] or
// ns['Name'] in an expression. It is a textual heuristic: lookups built
// dynamically are not found.
type RegexAttributeExtractor struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewRegexAttributeExtractor creates a regex-based extractor.
func NewRegexAttributeExtractor() *RegexAttributeExtractor {
	return &RegexAttributeExtractor{patterns: make(map[string]*regexp.Regexp)}
}

// ReferencedAttributes implements AttributeReferenceExtractor.
func (e *RegexAttributeExtractor) ReferencedAttributes(expression, namespace string) []string {
	re := e.pattern(namespace)
	seen := make(map[string]bool)
	var names []string
	for _, m := range re.FindAllStringSubmatch(expression, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func (e *RegexAttributeExtractor) pattern(namespace string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.patterns[namespace]; ok {
		return re
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(namespace) + `\s*\[\s*(?:"([^"]+)"|'([^']+)')\s*\]`)
	e.patterns[namespace] = re
	return re
}

// sourceContributes reports whether a mapping source reads a metaverse attribute
// that systemID already writes through an import mapping.
func sourceContributes(
	src SyncRuleMappingSource,
	systemID string,
	mvType *ObjectType,
	index *ImportMappingIndex,
	extractor AttributeReferenceExtractor,
) bool {
	if !src.IsExpression() {
		return index.IsContributor(systemID, src.AttributeID)
	}
	if extractor == nil {
		return false
	}
	for _, name := range extractor.ReferencedAttributes(src.Expression, NamespaceMetaverse) {
		def, ok := mvType.AttributeByName(name)
		if !ok {
			continue
		}
		if index.IsContributor(systemID, def.ID) {
			return true
		}
	}
	return false
}
