package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func importAD(t *testing.T, e *testEngine, opts ImportOptions, records ...ImportObject) ActivitySummary {
	t.Helper()
	summary, err := e.importer.Import(context.Background(), "ad", NewSliceImportSource(records...), opts)
	require.NoError(t, err)
	return summary
}

func syncSystem(t *testing.T, e *testEngine, systemID string) ActivitySummary {
	t.Helper()
	summary, err := e.sync.Synchronize(context.Background(), systemID)
	require.NoError(t, err)
	return summary
}

// joinOnlyModel has no export rule, so nothing is provisioned.
func joinOnlyModel() *SyncModel {
	return NewSyncModel(
		[]*ConnectedSystem{hrSystem(), adSystem()},
		[]*ObjectType{personType()},
		[]*SyncRule{hrImportRule(), adImportRule()},
	)
}

func onlyObject(t *testing.T, e *testEngine, systemID string) *ConnectedSystemObject {
	t.Helper()
	objects := e.repo.objectsOf(systemID)
	require.Len(t, objects, 1)
	return objects[0]
}

func changedAttributes(pe *PendingExport) map[string]PendingExportAttributeValueChange {
	out := make(map[string]PendingExportAttributeValueChange, len(pe.AttributeValueChanges))
	for _, c := range pe.AttributeValueChanges {
		out[c.AttributeID] = c
	}
	return out
}

// provisionAlice projects an HR person, exports the provisioned directory
// user and confirms it with a directory import.
func provisionAlice(t *testing.T) (*testEngine, *ConnectedSystemObject) {
	t.Helper()
	ctx := context.Background()
	e := newTestEngine(testModel())

	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice", textAttr("colors", "blue")))
	syncSystem(t, e, "hr")

	_, err := newTestExecutor(e).Execute(ctx, "ad", &fakeConnector{})
	require.NoError(t, err)

	summary := importAD(t, e, ImportOptions{},
		adRecord("CN=E1", "E1", textAttr("displayName", "Alice"), textAttr("colors", "blue")),
	)
	require.Equal(t, 1, summary.ExportsConfirmed)
	return e, onlyObject(t, e, "ad")
}

func TestSyncProcessor_ProjectsAndProvisions(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice", textAttr("colors", "blue")))

	summary := syncSystem(t, e, "hr")
	assert.Equal(t, 1, summary.Projections)
	assert.Equal(t, 1, summary.Provisions)
	assert.Equal(t, 1, summary.ExportsStaged)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, "sync", e.publisher.last().Operation)

	hr := onlyObject(t, e, "hr")
	assert.Equal(t, JoinTypeProjected, hr.JoinType)
	require.NotEmpty(t, hr.MetaverseObjectID)

	mvo := e.repo.mvo(hr.MetaverseObjectID)
	require.NotNil(t, mvo)
	assert.Equal(t, "person", mvo.TypeID)
	assert.Equal(t, []Value{TextValue("E1")}, mvo.Attributes.Get(mvEmployeeID))
	assert.Equal(t, []Value{TextValue("Alice")}, mvo.Attributes.Get(mvDisplayName))
	assert.Equal(t, []Value{TextValue("blue")}, mvo.Attributes.Get(mvColors))

	ad := onlyObject(t, e, "ad")
	assert.Equal(t, ObjectStatusPendingProvisioning, ad.Status)
	assert.Equal(t, JoinTypeProvisioned, ad.JoinType)
	assert.Equal(t, mvo.ID, ad.MetaverseObjectID)
	assert.Equal(t, "CN=E1", ad.ExternalID)

	exports := e.repo.exportsFor(ad.ID)
	require.Len(t, exports, 1)
	pe := exports[0]
	assert.Equal(t, ObjectChangeCreate, pe.ChangeType)
	assert.Equal(t, "ad-export", pe.SyncRuleID)
	assert.Equal(t, mvo.ID, pe.SourceMetaverseObjectID)

	changes := changedAttributes(pe)
	assert.Equal(t, TextValue("CN=E1"), changes[adDN].Value)
	assert.Equal(t, TextValue("E1"), changes[adEmployeeID].Value)
	assert.Equal(t, TextValue("Alice"), changes[adDisplayName].Value)
	assert.Equal(t, ValueChangeAdd, changes[adColors].ChangeType)
	assert.NotContains(t, changes, adMail, "the directory owns mail")

	// a second pass over the same data changes nothing
	summary = syncSystem(t, e, "hr")
	assert.Zero(t, summary.Projections)
	assert.Zero(t, summary.Provisions)
	assert.Zero(t, summary.ExportsStaged)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Len(t, e.repo.objectsOf("ad"), 1)
}

func TestSyncProcessor_PendingProvisioningIsSkipped(t *testing.T) {
	e := newTestEngine(testModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	syncSystem(t, e, "hr")

	ad := onlyObject(t, e, "ad")
	res, err := e.sync.SynchronizeObject(context.Background(), ad.ID)
	require.NoError(t, err)
	assert.Equal(t, ObjectSyncResult{}, res)
}

func TestSyncProcessor_RoundTripLeavesNoDrift(t *testing.T) {
	e, ad := provisionAlice(t)

	assert.Equal(t, ObjectStatusNormal, ad.Status)
	assert.Empty(t, e.repo.allExports())

	summary := syncSystem(t, e, "ad")
	assert.Zero(t, summary.DriftCorrections)
	assert.Zero(t, summary.ExportsStaged)
	assert.Empty(t, e.repo.allExports())
}

func TestSyncProcessor_CorrectsDrift(t *testing.T) {
	e, ad := provisionAlice(t)

	// someone renamed the user in the directory
	importAD(t, e, ImportOptions{}, adRecord("CN=E1", "E1", textAttr("displayName", "Mallory"), textAttr("colors", "blue", "red")))

	drift, err := e.sync.DetectDrift(context.Background(), ad.ID)
	require.NoError(t, err)
	assert.True(t, drift.HasDrift())
	assert.Empty(t, e.repo.allExports(), "detection alone stages nothing")

	summary := syncSystem(t, e, "ad")
	assert.Equal(t, 1, summary.DriftCorrections)

	exports := e.repo.exportsFor(ad.ID)
	require.Len(t, exports, 1)
	assert.Equal(t, ObjectChangeUpdate, exports[0].ChangeType)

	changes := changedAttributes(exports[0])
	assert.Equal(t, ValueChangeUpdate, changes[adDisplayName].ChangeType)
	assert.Equal(t, TextValue("Alice"), changes[adDisplayName].Value)
	assert.Equal(t, ValueChangeRemove, changes[adColors].ChangeType)
	assert.Equal(t, TextValue("red"), changes[adColors].Value)

	// detecting again appends nothing new
	summary = syncSystem(t, e, "ad")
	assert.Zero(t, summary.DriftCorrections)
	assert.Len(t, e.repo.exportsFor(ad.ID)[0].AttributeValueChanges, 2)
}

func TestSyncProcessor_MetaverseChangeFlowsOut(t *testing.T) {
	e, ad := provisionAlice(t)

	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice Smith", textAttr("colors", "blue")))
	summary := syncSystem(t, e, "hr")
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.ExportsStaged)

	exports := e.repo.exportsFor(ad.ID)
	require.Len(t, exports, 1)
	require.Len(t, exports[0].AttributeValueChanges, 1)
	c := exports[0].AttributeValueChanges[0]
	assert.Equal(t, adDisplayName, c.AttributeID)
	assert.Equal(t, TextValue("Alice Smith"), c.Value)
}

func TestSyncProcessor_JoinsByMatchingRule(t *testing.T) {
	e := newTestEngine(joinOnlyModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	syncSystem(t, e, "hr")
	hr := onlyObject(t, e, "hr")

	importAD(t, e, ImportOptions{}, adRecord("CN=alice", "E1", textAttr("mail", "alice@example.com")))
	summary := syncSystem(t, e, "ad")
	assert.Equal(t, 1, summary.Joins)
	assert.Equal(t, 1, summary.Updated)

	ad := onlyObject(t, e, "ad")
	assert.Equal(t, JoinTypeJoined, ad.JoinType)
	assert.Equal(t, hr.MetaverseObjectID, ad.MetaverseObjectID)
	assert.NotNil(t, ad.DateJoined)

	mvo := e.repo.mvo(hr.MetaverseObjectID)
	assert.Equal(t, []Value{TextValue("alice@example.com")}, mvo.Attributes.Get(mvMail))
	assert.Equal(t, []Value{TextValue("Alice")}, mvo.Attributes.Get(mvDisplayName))
}

func TestSyncProcessor_UnmatchedObjectStaysUnjoined(t *testing.T) {
	e := newTestEngine(joinOnlyModel())
	importAD(t, e, ImportOptions{}, adRecord("CN=stray", "E9"))

	summary := syncSystem(t, e, "ad")
	assert.Zero(t, summary.Joins)
	assert.Zero(t, summary.Projections)
	assert.Equal(t, 1, summary.Unchanged)
	assert.False(t, onlyObject(t, e, "ad").IsJoined())
}

func TestSyncProcessor_AmbiguousMatchIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(joinOnlyModel())
	for _, id := range []string{"mvo-a", "mvo-b"} {
		require.NoError(t, e.repo.SaveMetaverseObject(ctx, &MetaverseObject{
			ID:         id,
			TypeID:     "person",
			Attributes: AttributeSet{mvEmployeeID: {TextValue("E1")}},
		}))
	}
	importAD(t, e, ImportOptions{}, adRecord("CN=alice", "E1"))

	summary := syncSystem(t, e, "ad")
	assert.Zero(t, summary.Joins)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.ImportErrors[ImportErrorConfiguration])
	assert.False(t, onlyObject(t, e, "ad").IsJoined())
	assert.Contains(t, e.logs.String(), "Could not synchronize object")

	_, err := e.sync.SynchronizeObject(ctx, onlyObject(t, e, "ad").ID)
	require.ErrorIs(t, err, ErrAmbiguousMatch)
}

func TestSyncProcessor_SecondObjectCannotJoinSameIdentity(t *testing.T) {
	e := newTestEngine(joinOnlyModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	syncSystem(t, e, "hr")

	importAD(t, e, ImportOptions{}, adRecord("CN=a", "E1"), adRecord("CN=b", "E1"))
	summary := syncSystem(t, e, "ad")
	assert.Equal(t, 1, summary.Joins)
	assert.Equal(t, 1, summary.Rejected)

	joined := 0
	for _, o := range e.repo.objectsOf("ad") {
		if o.IsJoined() {
			joined++
		}
	}
	assert.Equal(t, 1, joined)
}

func TestSyncProcessor_ObsoleteObjectIsDisconnected(t *testing.T) {
	e := newTestEngine(joinOnlyModel())
	importHR(t, e, ImportOptions{}, hrRecord("E1", "Alice"))
	syncSystem(t, e, "hr")
	importAD(t, e, ImportOptions{}, adRecord("CN=alice", "E1"))
	syncSystem(t, e, "ad")

	summary := importAD(t, e, ImportOptions{Full: true})
	require.Equal(t, 1, summary.Obsoleted)

	summary = syncSystem(t, e, "ad")
	assert.Equal(t, 1, summary.Obsoleted)

	ad := onlyObject(t, e, "ad")
	assert.Equal(t, ObjectStatusObsolete, ad.Status)
	assert.False(t, ad.IsJoined())
	assert.Empty(t, ad.MetaverseObjectID)
}

func TestSyncProcessor_MissingMetaverseObjectIsIntegrityViolation(t *testing.T) {
	e := newTestEngine(testModel())
	plantObject(t, e, adUser("ghost", AttributeSet{adDN: {TextValue("CN=ghost")}}))

	_, err := e.sync.Synchronize(context.Background(), "ad")
	require.Error(t, err)
	assert.True(t, IsIntegrityViolation(err))
	assert.ErrorIs(t, err, ErrMissingNavigationData)
}

func TestSyncProcessor_UnknownSystem(t *testing.T) {
	e := newTestEngine(testModel())
	_, err := e.sync.Synchronize(context.Background(), "nope")
	require.Error(t, err)
}
