package engine

import (
	"reflect"
	"testing"
	"time"
)

func exportFor(id, csoID string, ct ObjectChangeType, changes ...PendingExportAttributeValueChange) *PendingExport {
	return &PendingExport{
		ID:                      id,
		ConnectedSystemID:       "ad",
		ConnectedSystemObjectID: csoID,
		ChangeType:              ct,
		Status:                  PendingExportStatusPending,
		MaxRetries:              3,
		AttributeValueChanges:   changes,
	}
}

func unresolvedRef(attributeID, csoID, mvoID string) PendingExportAttributeValueChange {
	return PendingExportAttributeValueChange{
		ID:                  attributeID + "-" + mvoID,
		AttributeID:         attributeID,
		ChangeType:          ValueChangeUpdate,
		Value:               ReferenceValue{ObjectID: csoID, Unresolved: mvoID},
		UnresolvedReference: true,
	}
}

func TestExportDAGBuilder_EmptyExports(t *testing.T) {
	graph, err := NewExportDAGBuilder().BuildGraph(nil, NewReferenceIndex())
	if err != nil {
		t.Fatalf("Expected no error for empty exports, got: %v", err)
	}
	if graph.Depth() != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth())
	}
	if len(graph.Blocked) != 0 {
		t.Errorf("Expected no blocked exports, got %v", graph.Blocked)
	}
}

func TestExportDAGBuilder_IndependentExports(t *testing.T) {
	exports := []*PendingExport{
		exportFor("pe-b", "b", ObjectChangeUpdate),
		exportFor("pe-a", "a", ObjectChangeUpdate),
		exportFor("pe-c", "c", ObjectChangeCreate),
	}

	graph, err := NewExportDAGBuilder().BuildGraph(exports, NewReferenceIndex())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if graph.Depth() != 1 {
		t.Fatalf("Expected depth 1, got %d", graph.Depth())
	}
	want := []string{"pe-a", "pe-b", "pe-c"}
	if !reflect.DeepEqual(graph.Levels[0], want) {
		t.Errorf("Expected level %v, got %v", want, graph.Levels[0])
	}
}

func TestExportDAGBuilder_ReferenceWaitsForCreate(t *testing.T) {
	manager := &ConnectedSystemObject{
		ID: "boss", ConnectedSystemID: "ad", Status: ObjectStatusPendingProvisioning,
		JoinType: JoinTypeProvisioned, MetaverseObjectID: "mvo-boss",
	}
	refs := NewReferenceIndex(manager)

	exports := []*PendingExport{
		exportFor("pe-report", "report", ObjectChangeUpdate, unresolvedRef(adManager, "", "mvo-boss")),
		exportFor("pe-boss", "boss", ObjectChangeCreate),
		exportFor("pe-other", "other", ObjectChangeUpdate),
	}

	graph, err := NewExportDAGBuilder().BuildGraph(exports, refs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if graph.Depth() != 2 {
		t.Fatalf("Expected depth 2, got %d: %v", graph.Depth(), graph.Levels)
	}
	if !reflect.DeepEqual(graph.Levels[0], []string{"pe-boss", "pe-other"}) {
		t.Errorf("Unexpected first level: %v", graph.Levels[0])
	}
	if !reflect.DeepEqual(graph.Levels[1], []string{"pe-report"}) {
		t.Errorf("Unexpected second level: %v", graph.Levels[1])
	}
	if !reflect.DeepEqual(graph.Dependencies["pe-report"], []string{"pe-boss"}) {
		t.Errorf("Expected pe-report to depend on pe-boss, got %v", graph.Dependencies["pe-report"])
	}
	if !reflect.DeepEqual(graph.Dependents["pe-boss"], []string{"pe-report"}) {
		t.Errorf("Expected pe-boss to release pe-report, got %v", graph.Dependents["pe-boss"])
	}
}

func TestExportDAGBuilder_ChainOfCreates(t *testing.T) {
	exports := []*PendingExport{
		exportFor("pe-3", "c3", ObjectChangeCreate, unresolvedRef(adManager, "c2", "m2")),
		exportFor("pe-2", "c2", ObjectChangeCreate, unresolvedRef(adManager, "c1", "m1")),
		exportFor("pe-1", "c1", ObjectChangeCreate),
	}

	graph, err := NewExportDAGBuilder().BuildGraph(exports, NewReferenceIndex())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := [][]string{{"pe-1"}, {"pe-2"}, {"pe-3"}}
	if !reflect.DeepEqual(graph.Levels, want) {
		t.Errorf("Expected levels %v, got %v", want, graph.Levels)
	}
}

func TestExportDAGBuilder_CycleIsBlocked(t *testing.T) {
	exports := []*PendingExport{
		exportFor("pe-a", "a", ObjectChangeCreate, unresolvedRef(adManager, "b", "mb")),
		exportFor("pe-b", "b", ObjectChangeCreate, unresolvedRef(adManager, "a", "ma")),
		exportFor("pe-c", "c", ObjectChangeUpdate),
	}

	graph, err := NewExportDAGBuilder().BuildGraph(exports, NewReferenceIndex())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(graph.Levels, [][]string{{"pe-c"}}) {
		t.Errorf("Expected only pe-c to be released, got %v", graph.Levels)
	}
	if !reflect.DeepEqual(graph.Blocked, []string{"pe-a", "pe-b"}) {
		t.Errorf("Expected pe-a and pe-b to be blocked, got %v", graph.Blocked)
	}
	if got := formatBlocked(graph.Blocked); got != "pe-a, pe-b" {
		t.Errorf("Unexpected blocked description %q", got)
	}
}

func TestExportDAGBuilder_ExportedChangesDoNotCreateEdges(t *testing.T) {
	exportedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := unresolvedRef(adManager, "c1", "m1")
	c.ExportedAt = &exportedAt

	exports := []*PendingExport{
		exportFor("pe-1", "c1", ObjectChangeCreate),
		exportFor("pe-2", "c2", ObjectChangeUpdate, c),
	}

	graph, err := NewExportDAGBuilder().BuildGraph(exports, NewReferenceIndex())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if graph.Depth() != 1 {
		t.Errorf("Expected a single level, got %v", graph.Levels)
	}
}

func TestExportDAGBuilder_RejectsDuplicateIDs(t *testing.T) {
	exports := []*PendingExport{
		exportFor("pe-1", "a", ObjectChangeUpdate),
		exportFor("pe-1", "b", ObjectChangeUpdate),
	}
	if _, err := NewExportDAGBuilder().BuildGraph(exports, NewReferenceIndex()); err == nil {
		t.Fatal("Expected an error for duplicate export IDs")
	}
}
