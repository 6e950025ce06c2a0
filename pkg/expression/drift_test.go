package expression

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimsync/jim/pkg/engine"
)

func nicknameModel() *engine.SyncModel {
	text := func(id, name string) engine.AttributeDefinition {
		return engine.AttributeDefinition{ID: id, Name: name, Type: engine.AttributeDataTypeText, Plurality: engine.AttributePluralitySingle}
	}
	person := &engine.ObjectType{
		ID:   "person",
		Name: "person",
		Attributes: []engine.AttributeDefinition{
			text("mv-nickname", "nickname"),
			text("mv-given-name", "givenName"),
		},
	}
	directory := &engine.ConnectedSystem{
		ID:   "ad",
		Name: "Directory",
		ObjectTypes: []engine.ObjectType{{
			ID:                   "ad-user",
			Name:                 "user",
			Attributes:           []engine.AttributeDefinition{text("ad-display", "displayName")},
			ExternalIDAttributes: []string{"ad-display"},
		}},
	}
	rule := &engine.SyncRule{
		ID:                    "ad-out",
		Name:                  "Directory out",
		Direction:             engine.SyncRuleDirectionExport,
		ConnectedSystemID:     "ad",
		ObjectTypeID:          "ad-user",
		MetaverseObjectTypeID: "person",
		Enabled:               true,
		EnforceState:          true,
		CaseSensitive:         true,
		Mappings: []engine.SyncRuleMapping{{
			ID:                "map-display",
			TargetAttributeID: "ad-display",
			Sources: []engine.SyncRuleMappingSource{{
				Order:      1,
				Expression: `coalesce(mv["nickname"], mv["givenName"])`,
			}},
		}},
	}
	return engine.NewSyncModel([]*engine.ConnectedSystem{directory}, []*engine.ObjectType{person}, []*engine.SyncRule{rule})
}

func TestDriftDetector_UnsetExpressionAttributeFallsBack(t *testing.T) {
	model := nicknameModel()
	detector := engine.NewDriftDetector(
		engine.NewFlowEvaluator(NewStarlarkEvaluator(0), zerolog.Nop()),
		NewSyntaxExtractor(),
		zerolog.Nop(),
	)
	mvType, ok := model.MetaverseType("person")
	require.True(t, ok)

	detect := func(display string, mvAttrs engine.AttributeSet) engine.DriftResult {
		cso := &engine.ConnectedSystemObject{
			ID:                "u1",
			ConnectedSystemID: "ad",
			ObjectTypeID:      "ad-user",
			Status:            engine.ObjectStatusNormal,
			JoinType:          engine.JoinTypeJoined,
			MetaverseObjectID: "mvo-1",
			ExternalID:        display,
			Attributes:        engine.AttributeSet{"ad-display": {engine.TextValue(display)}},
		}
		mvo := &engine.MetaverseObject{ID: "mvo-1", TypeID: "person", Type: mvType, Attributes: mvAttrs}
		csType, _ := model.ObjectTypeFor(cso)
		return detector.Detect(engine.DriftInput{
			Object:          cso,
			ObjectType:      csType,
			MetaverseObject: mvo,
			ExportRules:     model.ExportRulesForSystem("ad"),
			ImportMappings:  engine.BuildImportMappingIndex(model.Rules()),
			References:      engine.NewReferenceIndex(cso),
		})
	}

	inSync := detect("Alice", engine.AttributeSet{"mv-given-name": {engine.TextValue("Alice")}})
	assert.False(t, inSync.HasDrift())
	assert.Empty(t, inSync.PendingExports)

	drifted := detect("Bob", engine.AttributeSet{"mv-given-name": {engine.TextValue("Alice")}})
	require.Len(t, drifted.PendingExports, 1)
	changes := drifted.PendingExports[0].AttributeValueChanges
	require.Len(t, changes, 1)
	assert.Equal(t, engine.ValueChangeUpdate, changes[0].ChangeType)
	assert.Equal(t, engine.TextValue("Alice"), changes[0].Value)
}
