package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func importHR(t *testing.T, e *testEngine, opts ImportOptions, records ...ImportObject) ActivitySummary {
	t.Helper()
	summary, err := e.importer.Import(context.Background(), "hr", NewSliceImportSource(records...), opts)
	require.NoError(t, err)
	return summary
}

func hrObjectByExternalID(t *testing.T, e *testEngine, externalID string) *ConnectedSystemObject {
	t.Helper()
	o, err := e.repo.FindConnectedObjectByExternalID(context.Background(), "hr", "hr-person", externalID)
	require.NoError(t, err)
	return o
}

func TestImportProcessor_CreatesObjects(t *testing.T) {
	e := newTestEngine(testModel())

	summary := importHR(t, e, ImportOptions{},
		hrRecord("E1", "Alice", textAttr("colors", "blue", "green")),
		hrRecord("E2", "Bob"),
	)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Created)
	assert.Zero(t, summary.Rejected)
	assert.Equal(t, "import", e.publisher.last().Operation)

	alice := hrObjectByExternalID(t, e, "E1")
	assert.Equal(t, ObjectStatusNormal, alice.Status)
	assert.Equal(t, JoinTypeNotJoined, alice.JoinType)
	assert.Equal(t, []Value{TextValue("Alice")}, alice.Attributes.Get(hrName))
	assert.Equal(t, []Value{TextValue("blue"), TextValue("green")}, alice.Attributes.Get(hrColors))
	assert.NotNil(t, alice.LastSeenAt)
}

func TestImportProcessor_ReimportIsUnchanged(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	before := hrObjectByExternalID(t, e, "E1")

	summary := importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	assert.Equal(t, 1, summary.Unchanged)
	assert.Zero(t, summary.Created)
	assert.Zero(t, summary.Updated)

	after := hrObjectByExternalID(t, e, "E1")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Attributes, after.Attributes)

	summary = importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice Smith"))
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, []Value{TextValue("Alice Smith")}, hrObjectByExternalID(t, e, "E1").Attributes.Get(hrName))
}

func TestImportProcessor_ReimportStagesNoExports(t *testing.T) {
	e := newTestEngine(joinOnlyModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice", textAttr("colors", "blue")))
	syncSystem(t, e, "hr")
	mvoBefore := e.repo.mvo(hrObjectByExternalID(t, e, "E1").MetaverseObjectID)

	summary := importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice", textAttr("colors", "blue")))
	assert.Equal(t, 1, summary.Unchanged)

	synced := syncSystem(t, e, "hr")
	assert.Equal(t, 1, synced.Unchanged)
	assert.Zero(t, synced.Updated)
	assert.Empty(t, e.repo.allExports())
	assert.Equal(t, mvoBefore.Attributes, e.repo.mvo(mvoBefore.ID).Attributes)
}

func TestImportProcessor_ReimportLeavesStagedExportsAlone(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	syncSystem(t, e, "hr")

	staged := e.repo.allExports()
	require.Len(t, staged, 1)
	changesBefore := len(staged[0].AttributeValueChanges)

	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	synced := syncSystem(t, e, "hr")

	assert.Zero(t, synced.Provisions)
	assert.Zero(t, synced.ExportsStaged)
	assert.Zero(t, synced.DriftCorrections)
	after := e.repo.allExports()
	require.Len(t, after, 1)
	assert.Equal(t, staged[0].ID, after[0].ID)
	assert.Len(t, after[0].AttributeValueChanges, changesBefore)
}

func TestImportProcessor_RejectsBadRecordsAndContinues(t *testing.T) {
	e := newTestEngine(testModel())

	badManager := hrRecord("E2", "Bob")
	badManager.Attributes = append(badManager.Attributes, ImportObjectAttribute{Name: "manager", Values: []Value{IntValue(7)}})

	unknownType := hrRecord("E3", "Carol")
	unknownType.ObjectType = "printer"

	missingID := ImportObject{ObjectType: "person", ChangeType: ImportChangeAdd, Attributes: []ImportObjectAttribute{textAttr("name", "Dan")}}

	connectorError := ImportObject{ObjectType: "person", Error: &ImportObjectError{Type: "timeout", Message: "row unreadable"}}

	summary := importHR(t, e, ImportOptions{},
		hrRecord("E1", "Alice"),
		badManager,
		unknownType,
		missingID,
		connectorError,
		hrRecord("E5", "Eve"),
	)

	assert.Equal(t, 6, summary.Processed)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 4, summary.Rejected)
	assert.Equal(t, map[ImportErrorType]int{
		ImportErrorAttributeValueParse:         1,
		ImportErrorCouldNotDetermineObjectType: 1,
		ImportErrorMissingExternalID:           1,
		ImportErrorConnector:                   1,
	}, summary.ImportErrors)
	assert.Len(t, e.repo.objectsOf("hr"), 2)
}

func TestImportProcessor_DeleteMarksObsolete(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))

	del := hrRecord("E1", "Alice")
	del.ChangeType = ImportChangeDelete
	summary := importHR(t, e, ImportOptions{}, del)
	assert.Equal(t, 1, summary.Obsoleted)
	assert.Equal(t, ObjectStatusObsolete, hrObjectByExternalID(t, e, "E1").Status)

	// deleting an object never seen is a no-op
	unknown := hrRecord("E9", "Nobody")
	unknown.ChangeType = ImportChangeDelete
	summary = importHR(t, e, ImportOptions{}, unknown)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Len(t, e.repo.objectsOf("hr"), 1)
}

func TestImportProcessor_FullImportObsoletesUnseen(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"), hrRecord("E2", "Bob"))

	summary := importHR(t, e, ImportOptions{Full: true}, hrRecord("E1", "Alice"))
	assert.Equal(t, 1, summary.Obsoleted)
	assert.Equal(t, ObjectStatusNormal, hrObjectByExternalID(t, e, "E1").Status)
	assert.Equal(t, ObjectStatusObsolete, hrObjectByExternalID(t, e, "E2").Status)

	// an object coming back is revived
	summary = importHR(t, e, ImportOptions{Full: true}, hrRecord("E1", "Alice"), hrRecord("E2", "Bob"))
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, ObjectStatusNormal, hrObjectByExternalID(t, e, "E2").Status)
}

func TestImportProcessor_FullImportWithRejectsKeepsUnseen(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"), hrRecord("E2", "Bob"))

	bad := hrRecord("E2", "Bob")
	bad.ObjectType = "printer"
	summary := importHR(t, e, ImportOptions{Full: true}, hrRecord("E1", "Alice"), bad)

	assert.Equal(t, 1, summary.Rejected)
	assert.Zero(t, summary.Obsoleted)
	assert.Equal(t, ObjectStatusNormal, hrObjectByExternalID(t, e, "E2").Status)
	assert.Contains(t, e.logs.String(), "Skipping obsoletion of unseen objects")
}

func TestImportProcessor_ResolvesForwardReferences(t *testing.T) {
	e := newTestEngine(testModel())

	// the report arrives before its manager
	importHR(t, e, ImportOptions{},
		hrRecord("E2", "Bob", textAttr("manager", "E1")),
		hrRecord("E1", "Alice"),
	)

	alice := hrObjectByExternalID(t, e, "E1")
	bob := hrObjectByExternalID(t, e, "E2")
	assert.Equal(t, []Value{ReferenceValue{ObjectID: alice.ID}}, bob.Attributes.Get(hrManager))

	// a reference to an object that never arrives stays unresolved
	importHR(t, e, ImportOptions{}, hrRecord("E3", "Carol", textAttr("manager", "E404")))
	carol := hrObjectByExternalID(t, e, "E3")
	assert.Equal(t, []Value{ReferenceValue{Unresolved: "E404"}}, carol.Attributes.Get(hrManager))
}

func TestImportProcessor_ConfirmsExportedChanges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(testModel())
	plantObject(t, e, adUser("u1", AttributeSet{adDN: {TextValue("CN=u1")}, adEmployeeID: {TextValue("E1")}}))

	pe := plantExport(t, e, &PendingExport{
		ConnectedSystemID:       "ad",
		ConnectedSystemObjectID: "u1",
		AttributeValueChanges: []PendingExportAttributeValueChange{
			displayNameChange("Alice"),
			{AttributeID: adColors, ChangeType: ValueChangeAdd, Value: TextValue("blue")},
		},
	})
	executing, err := e.exports.MarkExecuting(ctx, pe)
	require.NoError(t, err)
	var sent []string
	for _, c := range executing.AttributeValueChanges {
		sent = append(sent, c.ID)
	}
	_, err = e.exports.MarkExported(ctx, executing, sent, nil)
	require.NoError(t, err)

	// the directory took the display name but dropped the color
	summary, err := e.importer.Import(ctx, "ad", NewSliceImportSource(
		adRecord("CN=u1", "E1", textAttr("displayName", "Alice")),
	), ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.ExportsConfirmed)
	assert.Equal(t, 1, summary.Updated)

	remaining := e.repo.exportsFor("u1")
	require.Len(t, remaining, 1)
	assert.Equal(t, PendingExportStatusExportNotConfirmed, remaining[0].Status)
	require.Len(t, remaining[0].AttributeValueChanges, 1)
	assert.Equal(t, adColors, remaining[0].AttributeValueChanges[0].AttributeID)
	assert.Nil(t, remaining[0].AttributeValueChanges[0].ExportedAt)

	// once the directory shows the color the export is gone
	require.NoError(t, e.repo.Atomically(ctx, func(repo Repository) error {
		current := remaining[0]
		current.NextRetryAt = nil
		current.Status = PendingExportStatusPending
		return repo.UpdatePendingExport(ctx, current)
	}))
	current := e.repo.exportsFor("u1")[0]
	executing, err = e.exports.MarkExecuting(ctx, current)
	require.NoError(t, err)
	_, err = e.exports.MarkExported(ctx, executing, []string{executing.AttributeValueChanges[0].ID}, nil)
	require.NoError(t, err)

	summary, err = e.importer.Import(ctx, "ad", NewSliceImportSource(
		adRecord("CN=u1", "E1", textAttr("displayName", "Alice"), textAttr("colors", "blue")),
	), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExportsConfirmed)
	assert.Empty(t, e.repo.exportsFor("u1"))
}

func TestImportProcessor_UnknownSystem(t *testing.T) {
	e := newTestEngine(testModel())
	_, err := e.importer.Import(context.Background(), "nope", NewSliceImportSource(), ImportOptions{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestAttributeSetsEqual(t *testing.T) {
	a := AttributeSet{"x": {TextValue("1")}}
	assert.True(t, attributeSetsEqual(a, AttributeSet{"x": {TextValue("1")}}))
	assert.True(t, attributeSetsEqual(a, AttributeSet{"x": {TextValue("1")}, "y": nil}))
	assert.False(t, attributeSetsEqual(a, AttributeSet{"x": {TextValue("2")}}))
	assert.False(t, attributeSetsEqual(a, AttributeSet{"x": {TextValue("1")}, "y": {TextValue("2")}}))
	assert.False(t, attributeSetsEqual(a, AttributeSet{}))
}
