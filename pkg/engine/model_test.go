package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncModel_Validate(t *testing.T) {
	require.NoError(t, testModel().Validate())

	broken := adExportRule()
	broken.Mappings = append(broken.Mappings,
		mapping("ad-missing", direct(1, mvDisplayName)),
		mapping(adMail, direct(1, "mv-missing")),
		SyncRuleMapping{ID: "empty", TargetAttributeID: adDisplayName},
	)
	orphan := hrImportRule()
	orphan.ConnectedSystemID = "payroll"

	model := NewSyncModel(
		[]*ConnectedSystem{hrSystem(), adSystem()},
		[]*ObjectType{personType()},
		[]*SyncRule{broken, orphan},
	)
	err := model.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target attribute ad-missing")
	assert.Contains(t, err.Error(), "unknown source attribute mv-missing")
	assert.Contains(t, err.Error(), "has no sources")
	assert.Contains(t, err.Error(), "unknown connected system payroll")
}

func TestSyncModel_MatchingRulesFromSyncRules(t *testing.T) {
	system := adSystem()
	system.MatchingRuleMode = MatchingRuleModeSyncRule

	rule := adImportRule()
	rule.MatchingRules = []MatchingRule{
		{ID: "by-mail", Order: 2, Sources: []SyncRuleMappingSource{direct(1, adMail)}, TargetAttributeID: mvMail},
		{ID: "by-employee-id", Order: 1, Sources: []SyncRuleMappingSource{direct(1, adEmployeeID)}, TargetAttributeID: mvEmployeeID},
	}
	model := NewSyncModel([]*ConnectedSystem{system}, []*ObjectType{personType()}, []*SyncRule{rule})

	rules := model.MatchingRules("ad", "ad-user")
	require.Len(t, rules, 2)
	assert.Equal(t, "by-employee-id", rules[0].ID)
	assert.Equal(t, "by-mail", rules[1].ID)
	assert.Equal(t, "person", rules[0].MetaverseObjectTypeID, "rules inherit the sync rule's metaverse type")

	// object type rules are ignored in this mode
	assert.NotContains(t, []string{rules[0].ID, rules[1].ID}, "ad-match-employee-id")
}

func TestSyncModel_MatchingRulesFromObjectType(t *testing.T) {
	rules := testModel().MatchingRules("ad", "ad-user")
	require.Len(t, rules, 1)
	assert.Equal(t, "ad-match-employee-id", rules[0].ID)

	assert.Empty(t, testModel().MatchingRules("nope", "ad-user"))
}

func TestSyncModel_RuleLookups(t *testing.T) {
	model := testModel()

	disabled := adImportRule()
	disabled.ID = "disabled"
	disabled.Enabled = false
	model = NewSyncModel([]*ConnectedSystem{hrSystem(), adSystem()}, []*ObjectType{personType()},
		append(model.Rules(), disabled))

	imports := model.ImportRules("ad", "ad-user")
	require.Len(t, imports, 1)
	assert.Equal(t, "ad-import", imports[0].ID)

	require.Len(t, model.ExportRules("person"), 1)
	require.Len(t, model.ExportRulesForSystem("ad"), 1)
	assert.Empty(t, model.ExportRulesForSystem("hr"))
	assert.Equal(t, []string{"ad", "hr"}, model.ConnectedSystemIDs())

	mvo := &MetaverseObject{ID: "m", TypeID: "person"}
	model.Materialize(mvo)
	require.NotNil(t, mvo.Type)
	assert.Equal(t, "person", mvo.Type.ID)

	mvo.TypeID = "device"
	model.Materialize(mvo)
	assert.Nil(t, mvo.Type)
}
