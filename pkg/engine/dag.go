package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ExportGraph orders pending exports so that an export referencing an object
// being created runs after that object's create export.
type ExportGraph struct {
	// Levels holds export IDs by topological level. Exports on one level are independent.
	Levels [][]string

	// Dependencies maps an export ID to the export IDs it waits for.
	Dependencies map[string][]string

	// Dependents maps an export ID to the export IDs waiting for it.
	Dependents map[string][]string

	// Blocked lists exports caught in a reference cycle. They are never released.
	Blocked []string
}

// Depth returns the number of levels.
func (g *ExportGraph) Depth() int {
	return len(g.Levels)
}

// ExportDAGBuilder builds an ExportGraph from a batch of pending exports.
type ExportDAGBuilder struct {
	// exports maps export IDs to their exports
	exports map[string]*PendingExport

	// adjacencyList maps export IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps export IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unfinished dependencies of each export
	inDegree map[string]int
}

// NewExportDAGBuilder creates a new builder.
func NewExportDAGBuilder() *ExportDAGBuilder {
	return &ExportDAGBuilder{
		exports:              make(map[string]*PendingExport),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// BuildGraph computes dependencies and levels for exports. refs must cover
// the objects referenced by unresolved changes.
func (b *ExportDAGBuilder) BuildGraph(exports []*PendingExport, refs *ReferenceIndex) (*ExportGraph, error) {
	graph := &ExportGraph{
		Dependencies: make(map[string][]string),
		Dependents:   make(map[string][]string),
	}
	if len(exports) == 0 {
		return graph, nil
	}

	if err := b.initialize(exports, refs); err != nil {
		return nil, err
	}

	graph.Levels, graph.Blocked = b.computeLevels()
	for id := range b.exports {
		graph.Dependencies[id] = b.reverseAdjacencyList[id]
		graph.Dependents[id] = b.adjacencyList[id]
	}
	return graph, nil
}

// initialize indexes exports and adds an edge from each create export to every
// export with an unresolved reference to the object being created.
func (b *ExportDAGBuilder) initialize(exports []*PendingExport, refs *ReferenceIndex) error {
	createsByObject := make(map[string]string)
	for _, pe := range exports {
		if pe.ID == "" {
			return NewPermanentError("pending export has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.exports[pe.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate pending export ID: %s", pe.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.exports[pe.ID] = pe
		b.adjacencyList[pe.ID] = make([]string, 0)
		b.reverseAdjacencyList[pe.ID] = make([]string, 0)
		b.inDegree[pe.ID] = 0
		if pe.ChangeType == ObjectChangeCreate {
			createsByObject[pe.ConnectedSystemObjectID] = pe.ID
		}
	}

	ids := b.sortedIDs()
	for _, id := range ids {
		pe := b.exports[id]
		seen := make(map[string]bool)
		for _, c := range pe.AttributeValueChanges {
			if !c.UnresolvedReference || c.ExportedAt != nil {
				continue
			}
			target := referencedObjectID(c.Value, pe.ConnectedSystemID, refs)
			depID, ok := createsByObject[target]
			if !ok || depID == id || seen[depID] {
				continue
			}
			seen[depID] = true

			// dependency must complete before the referencing export can start
			b.adjacencyList[depID] = append(b.adjacencyList[depID], id)
			b.reverseAdjacencyList[id] = append(b.reverseAdjacencyList[id], depID)
			b.inDegree[id]++
		}
	}
	return nil
}

// referencedObjectID returns the connected system object an unresolved reference points at.
func referencedObjectID(v Value, systemID string, refs *ReferenceIndex) string {
	ref, ok := v.(ReferenceValue)
	if !ok {
		return ""
	}
	if ref.ObjectID != "" {
		return ref.ObjectID
	}
	if o, ok := refs.ObjectFor(systemID, ref.Unresolved); ok {
		return o.ID
	}
	return ""
}

func (b *ExportDAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.exports))
	for id := range b.exports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// computeLevels assigns levels with Kahn's algorithm. Exports left with
// unfinished dependencies are part of, or wait on, a cycle.
func (b *ExportDAGBuilder) computeLevels() ([][]string, []string) {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	var levels [][]string
	processed := make(map[string]bool, len(b.exports))
	for len(currentLevel) > 0 {
		levels = append(levels, currentLevel)
		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			processed[id] = true
			for _, dependent := range b.adjacencyList[id] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	var blocked []string
	for _, id := range b.sortedIDs() {
		if !processed[id] {
			blocked = append(blocked, id)
		}
	}
	return levels, blocked
}

// formatBlocked describes the blocked exports of a graph for logs.
func formatBlocked(blocked []string) string {
	return strings.Join(blocked, ", ")
}
