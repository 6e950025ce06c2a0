package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adUser(id string, attrs AttributeSet) *ConnectedSystemObject {
	return &ConnectedSystemObject{
		ID:                id,
		ConnectedSystemID: "ad",
		ObjectTypeID:      "ad-user",
		Status:            ObjectStatusNormal,
		JoinType:          JoinTypeJoined,
		MetaverseObjectID: "mvo-" + id,
		ExternalID:        "CN=" + id,
		Attributes:        attrs,
	}
}

func person(id string, attrs AttributeSet) *MetaverseObject {
	return &MetaverseObject{ID: id, TypeID: "person", Type: personType(), Attributes: attrs}
}

func driftInput(model *SyncModel, cso *ConnectedSystemObject, mvo *MetaverseObject, refs *ReferenceIndex) DriftInput {
	csType, _ := model.ObjectTypeFor(cso)
	return DriftInput{
		Object:          cso,
		ObjectType:      csType,
		MetaverseObject: mvo,
		ExportRules:     model.ExportRulesForSystem(cso.ConnectedSystemID),
		ImportMappings:  BuildImportMappingIndex(model.Rules()),
		References:      refs,
	}
}

func TestDriftDetector_MultiValuedAddAndRemove(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=E1")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("Alice")},
		adColors:      {TextValue("green"), TextValue("red")},
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
		mvColors:      {TextValue("blue"), TextValue("green")},
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))

	require.True(t, result.HasDrift())
	require.Len(t, result.Drifts, 1)
	assert.Equal(t, adColors, result.Drifts[0].AttributeID)
	assert.True(t, result.Drifts[0].MultiValued)

	require.Len(t, result.PendingExports, 1)
	pe := result.PendingExports[0]
	assert.Equal(t, ObjectChangeUpdate, pe.ChangeType)
	assert.Equal(t, PendingExportStatusPending, pe.Status)
	assert.Equal(t, "ad-export", pe.SyncRuleID)
	assert.Equal(t, "mvo-u1", pe.SourceMetaverseObjectID)

	var adds, removes []Value
	for _, c := range pe.AttributeValueChanges {
		switch c.ChangeType {
		case ValueChangeAdd:
			adds = append(adds, c.Value)
		case ValueChangeRemove:
			removes = append(removes, c.Value)
		}
	}
	assert.Equal(t, []Value{TextValue("blue")}, adds)
	assert.Equal(t, []Value{TextValue("red")}, removes)
}

func texts(vs ...string) []Value {
	out := make([]Value, 0, len(vs))
	for _, v := range vs {
		out = append(out, TextValue(v))
	}
	return out
}

func TestDiffAttribute_MultiValuedChangesRoundTrip(t *testing.T) {
	def := multi(adColors, "colors", AttributeDataTypeText)

	tests := []struct {
		name          string
		expected      []Value
		actual        []Value
		caseSensitive bool
		adds, removes int
	}{
		{"disjoint", texts("blue", "green"), texts("green", "red"), true, 1, 1},
		{"equal in any order", texts("a", "b", "c"), texts("c", "a", "b"), true, 0, 0},
		{"empty actual", texts("a", "b"), nil, true, 2, 0},
		{"empty expected", nil, texts("a", "b"), true, 0, 2},
		{"case variants all removed", texts("blue"), texts("Red", "RED"), false, 1, 2},
		{"case variants kept when folded equal", texts("red"), texts("Red", "RED"), false, 0, 0},
		{"case-sensitive replaces variant", texts("red"), texts("Red"), true, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := diffAttribute(def, tt.expected, tt.actual, tt.caseSensitive, NewReferenceIndex())
			changes, unresolved := diff.changes(def, "ad", NewReferenceIndex())
			assert.False(t, unresolved)

			applied := AttributeSet{}
			require.NoError(t, applied.SetValues(def, tt.actual))
			var adds, removes int
			for _, c := range changes {
				switch c.ChangeType {
				case ValueChangeRemove:
					removes++
					assert.True(t, applied.RemoveValue(def, c.Value, true), "remove %v", c.Value)
				case ValueChangeAdd:
					adds++
					_, err := applied.AddValue(def, c.Value)
					require.NoError(t, err)
				default:
					t.Fatalf("unexpected change type %s", c.ChangeType)
				}
			}

			assert.Equal(t, tt.adds, adds)
			assert.Equal(t, tt.removes, removes)
			toAdd, toRemove := DiffValueSets(tt.expected, applied.Get(def.ID), tt.caseSensitive)
			assert.Empty(t, toAdd, "applying the changes must yield the expected set")
			assert.Empty(t, toRemove, "applying the changes must yield the expected set")
		})
	}
}

func TestDriftDetector_CaseInsensitiveRemovesEveryVariant(t *testing.T) {
	export := adExportRule()
	export.CaseSensitive = false
	model := NewSyncModel(
		[]*ConnectedSystem{hrSystem(), adSystem()},
		[]*ObjectType{personType()},
		[]*SyncRule{hrImportRule(), adImportRule(), export},
	)
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=E1")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("Alice")},
		adColors:      texts("Red", "RED"),
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
		mvColors:      texts("blue"),
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))

	require.Len(t, result.PendingExports, 1)
	var adds, removes []Value
	for _, c := range result.PendingExports[0].AttributeValueChanges {
		switch c.ChangeType {
		case ValueChangeAdd:
			adds = append(adds, c.Value)
		case ValueChangeRemove:
			removes = append(removes, c.Value)
		}
	}
	assert.Equal(t, texts("blue"), adds)
	assert.ElementsMatch(t, texts("Red", "RED"), removes)
}

func TestDriftDetector_SingleValuedUpdate(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=E1")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("alice")},
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))

	require.Len(t, result.PendingExports, 1)
	changes := result.PendingExports[0].AttributeValueChanges
	require.Len(t, changes, 1)
	assert.Equal(t, adDisplayName, changes[0].AttributeID)
	assert.Equal(t, ValueChangeUpdate, changes[0].ChangeType)
	assert.Equal(t, TextValue("Alice"), changes[0].Value)
}

func TestDriftDetector_ContributorIsNeverDrift(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	// the directory writes mail itself, so a differing value is its own, newer state
	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=E1")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("Alice")},
		adMail:        {TextValue("new@example.com")},
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
		mvMail:        {TextValue("old@example.com")},
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))
	assert.False(t, result.HasDrift())
	assert.Empty(t, result.PendingExports)
}

func TestDriftDetector_ExpressionContributorIsNeverDrift(t *testing.T) {
	model := testModel()
	// the directory now writes employeeId, which the dn expression reads
	rules := model.Rules()
	rules[1].Mappings = append(rules[1].Mappings, mapping(mvEmployeeID, direct(1, adEmployeeID)))
	model = NewSyncModel([]*ConnectedSystem{hrSystem(), adSystem()}, []*ObjectType{personType()}, rules)

	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())
	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=Somebody Else")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("Alice")},
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))
	assert.False(t, result.HasDrift())
}

func TestDriftDetector_MissingMetaverseTypeWarnsAndSkips(t *testing.T) {
	model := testModel()
	logger, logs := newTestLogger()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, logger), nil, logger)

	cso := adUser("u1", AttributeSet{adColors: {TextValue("red")}})
	mvo := person("mvo-u1", AttributeSet{mvColors: {TextValue("blue")}})
	mvo.Type = nil

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))

	assert.False(t, result.HasDrift())
	assert.Empty(t, result.PendingExports)
	assert.Equal(t, DriftSkipMetaverseTypeAbsent, result.SkipReason)
	assert.Contains(t, logs.String(), "Metaverse object type not loaded")
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestDriftDetector_SkipReasons(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())
	mvo := person("mvo-u1", AttributeSet{mvColors: {TextValue("blue")}})

	tests := []struct {
		name   string
		mutate func(*ConnectedSystemObject)
		want   string
	}{
		{"not joined", func(o *ConnectedSystemObject) { o.JoinType = JoinTypeNotJoined; o.MetaverseObjectID = "" }, DriftSkipNotJoined},
		{"pending provisioning", func(o *ConnectedSystemObject) { o.Status = ObjectStatusPendingProvisioning }, DriftSkipPendingProvisioning},
		{"obsolete", func(o *ConnectedSystemObject) { o.Status = ObjectStatusObsolete }, DriftSkipObsolete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cso := adUser("u1", AttributeSet{adColors: {TextValue("red")}})
			tt.mutate(cso)
			result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))
			assert.Equal(t, tt.want, result.SkipReason)
			assert.False(t, result.HasDrift())
		})
	}

	t.Run("no enforcing rules", func(t *testing.T) {
		cso := adUser("u1", AttributeSet{adColors: {TextValue("red")}})
		in := driftInput(model, cso, mvo, NewReferenceIndex(cso))
		rule := *in.ExportRules[0]
		rule.EnforceState = false
		in.ExportRules = []*SyncRule{&rule}
		assert.Equal(t, DriftSkipNoRules, detector.Detect(in).SkipReason)
	})
}

func TestDriftDetector_ReferencesCompareInMetaverseSpace(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	boss := adUser("boss", AttributeSet{})
	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=E1")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("Alice")},
		adManager:     {ReferenceValue{ObjectID: "boss"}},
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
		mvManager:     {ReferenceValue{ObjectID: "mvo-boss"}},
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso, boss)))
	assert.False(t, result.HasDrift(), "same referenced identity is not drift")
}

func TestDriftDetector_ReferenceToUnconfirmedObjectIsUnresolved(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	newBoss := adUser("new-boss", AttributeSet{})
	newBoss.Status = ObjectStatusPendingProvisioning
	newBoss.JoinType = JoinTypeProvisioned
	cso := adUser("u1", AttributeSet{
		adDN:          {TextValue("CN=E1")},
		adEmployeeID:  {TextValue("E1")},
		adDisplayName: {TextValue("Alice")},
	})
	mvo := person("mvo-u1", AttributeSet{
		mvEmployeeID:  {TextValue("E1")},
		mvDisplayName: {TextValue("Alice")},
		mvManager:     {ReferenceValue{ObjectID: "mvo-new-boss"}},
	})

	result := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso, newBoss)))

	require.Len(t, result.PendingExports, 1)
	pe := result.PendingExports[0]
	assert.True(t, pe.HasUnresolvedReferences)
	require.Len(t, pe.AttributeValueChanges, 1)
	c := pe.AttributeValueChanges[0]
	assert.True(t, c.UnresolvedReference)
	assert.Equal(t, ReferenceValue{ObjectID: "new-boss", Unresolved: "mvo-new-boss"}, c.Value)
}

func TestDriftDetector_DoesNotMutateInputs(t *testing.T) {
	model := testModel()
	detector := NewDriftDetector(NewFlowEvaluator(stubExpressions{}, zerolog.Nop()), nil, zerolog.Nop())

	cso := adUser("u1", AttributeSet{adColors: {TextValue("red")}})
	mvo := person("mvo-u1", AttributeSet{mvColors: {TextValue("blue")}})
	csoBefore, mvoBefore := cso.Clone(), mvo.Clone()

	first := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))
	second := detector.Detect(driftInput(model, cso, mvo, NewReferenceIndex(cso)))

	assert.Equal(t, csoBefore, cso)
	assert.Equal(t, mvoBefore.Attributes, mvo.Attributes)
	assert.Equal(t, first.Drifts, second.Drifts)
}
