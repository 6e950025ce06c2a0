package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Attribute IDs of the test model.
const (
	mvDisplayName = "mv-display-name"
	mvEmployeeID  = "mv-employee-id"
	mvColors      = "mv-colors"
	mvManager     = "mv-manager"
	mvMail        = "mv-mail"

	hrEmployeeID = "hr-employee-id"
	hrName       = "hr-name"
	hrColors     = "hr-colors"
	hrManager    = "hr-manager"

	adDN          = "ad-dn"
	adEmployeeID  = "ad-employee-id"
	adDisplayName = "ad-display-name"
	adColors      = "ad-colors"
	adManager     = "ad-manager"
	adMail        = "ad-mail"
)

func single(id, name string, t AttributeDataType) AttributeDefinition {
	return AttributeDefinition{ID: id, Name: name, Type: t, Plurality: AttributePluralitySingle}
}

func multi(id, name string, t AttributeDataType) AttributeDefinition {
	return AttributeDefinition{ID: id, Name: name, Type: t, Plurality: AttributePluralityMulti}
}

func direct(order int, attributeID string) SyncRuleMappingSource {
	return SyncRuleMappingSource{Order: order, AttributeID: attributeID}
}

func mapping(target string, sources ...SyncRuleMappingSource) SyncRuleMapping {
	return SyncRuleMapping{ID: "map-" + target, TargetAttributeID: target, Sources: sources}
}

func personType() *ObjectType {
	return &ObjectType{
		ID:   "person",
		Name: "person",
		Attributes: []AttributeDefinition{
			single(mvDisplayName, "displayName", AttributeDataTypeText),
			single(mvEmployeeID, "employeeId", AttributeDataTypeText),
			multi(mvColors, "colors", AttributeDataTypeText),
			single(mvManager, "manager", AttributeDataTypeReference),
			single(mvMail, "mail", AttributeDataTypeText),
		},
	}
}

func hrSystem() *ConnectedSystem {
	return &ConnectedSystem{
		ID:   "hr",
		Name: "HR",
		ObjectTypes: []ObjectType{{
			ID:   "hr-person",
			Name: "person",
			Attributes: []AttributeDefinition{
				single(hrEmployeeID, "employeeId", AttributeDataTypeText),
				single(hrName, "name", AttributeDataTypeText),
				multi(hrColors, "colors", AttributeDataTypeText),
				single(hrManager, "manager", AttributeDataTypeReference),
			},
			ExternalIDAttributes: []string{hrEmployeeID},
			MatchingRules: []MatchingRule{{
				ID:                    "hr-match-employee-id",
				Order:                 1,
				MetaverseObjectTypeID: "person",
				Sources:               []SyncRuleMappingSource{direct(1, hrEmployeeID)},
				TargetAttributeID:     mvEmployeeID,
			}},
		}},
		MatchingRuleMode:  MatchingRuleModeConnectedSystem,
		ExportParallelism: 2,
	}
}

func adSystem() *ConnectedSystem {
	return &ConnectedSystem{
		ID:   "ad",
		Name: "Directory",
		ObjectTypes: []ObjectType{{
			ID:   "ad-user",
			Name: "user",
			Attributes: []AttributeDefinition{
				single(adDN, "dn", AttributeDataTypeText),
				single(adEmployeeID, "employeeId", AttributeDataTypeText),
				single(adDisplayName, "displayName", AttributeDataTypeText),
				multi(adColors, "colors", AttributeDataTypeText),
				single(adManager, "manager", AttributeDataTypeReference),
				single(adMail, "mail", AttributeDataTypeText),
			},
			ExternalIDAttributes: []string{adDN},
			MatchingRules: []MatchingRule{{
				ID:                    "ad-match-employee-id",
				Order:                 1,
				MetaverseObjectTypeID: "person",
				Sources:               []SyncRuleMappingSource{direct(1, adEmployeeID)},
				TargetAttributeID:     mvEmployeeID,
			}},
		}},
		MatchingRuleMode:  MatchingRuleModeConnectedSystem,
		ExportParallelism: 2,
	}
}

func hrImportRule() *SyncRule {
	return &SyncRule{
		ID:                    "hr-import",
		Name:                  "HR people in",
		Direction:             SyncRuleDirectionImport,
		ConnectedSystemID:     "hr",
		ObjectTypeID:          "hr-person",
		MetaverseObjectTypeID: "person",
		Enabled:               true,
		ProjectToMetaverse:    true,
		Mappings: []SyncRuleMapping{
			mapping(mvEmployeeID, direct(1, hrEmployeeID)),
			mapping(mvDisplayName, direct(1, hrName)),
			mapping(mvColors, direct(1, hrColors)),
			mapping(mvManager, direct(1, hrManager)),
		},
	}
}

func adImportRule() *SyncRule {
	return &SyncRule{
		ID:                    "ad-import",
		Name:                  "Directory mail in",
		Direction:             SyncRuleDirectionImport,
		ConnectedSystemID:     "ad",
		ObjectTypeID:          "ad-user",
		MetaverseObjectTypeID: "person",
		Enabled:               true,
		Mappings: []SyncRuleMapping{
			mapping(mvMail, direct(1, adMail)),
		},
	}
}

func adExportRule() *SyncRule {
	return &SyncRule{
		ID:                         "ad-export",
		Name:                       "Directory users out",
		Direction:                  SyncRuleDirectionExport,
		ConnectedSystemID:          "ad",
		ObjectTypeID:               "ad-user",
		MetaverseObjectTypeID:      "person",
		Enabled:                    true,
		EnforceState:               true,
		CaseSensitive:              true,
		ProvisionToConnectedSystem: true,
		Mappings: []SyncRuleMapping{
			mapping(adDN, SyncRuleMappingSource{Order: 1, Expression: `"CN=" + mv["employeeId"]`}),
			mapping(adEmployeeID, direct(1, mvEmployeeID)),
			mapping(adDisplayName, direct(1, mvDisplayName)),
			mapping(adColors, direct(1, mvColors)),
			mapping(adManager, direct(1, mvManager)),
			mapping(adMail, direct(1, mvMail)),
		},
	}
}

func testModel() *SyncModel {
	return NewSyncModel(
		[]*ConnectedSystem{hrSystem(), adSystem()},
		[]*ObjectType{personType()},
		[]*SyncRule{hrImportRule(), adImportRule(), adExportRule()},
	)
}

// stubExpressions evaluates the handful of expressions used in tests.
type stubExpressions struct{}

func (stubExpressions) Evaluate(expression string, input ExpressionInput) ([]Value, error) {
	switch expression {
	case `"CN=" + mv["employeeId"]`:
		vs := input.Attributes["employeeId"]
		if len(vs) == 0 {
			return nil, nil
		}
		return []Value{TextValue("CN=" + vs[0].String())}, nil
	case `upper(cs["name"])`:
		vs := input.Attributes["name"]
		if len(vs) == 0 {
			return nil, nil
		}
		return []Value{TextValue(strings.ToUpper(vs[0].String()))}, nil
	}
	return nil, fmt.Errorf("unsupported expression %q", expression)
}

// logBuffer captures log output for assertions.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (zerolog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

// recordingPublisher keeps every published summary.
type recordingPublisher struct {
	mu        sync.Mutex
	summaries []ActivitySummary
}

func (p *recordingPublisher) Publish(_ context.Context, s ActivitySummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
	return nil
}

func (p *recordingPublisher) last() ActivitySummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.summaries) == 0 {
		return ActivitySummary{}
	}
	return p.summaries[len(p.summaries)-1]
}

// testEngine wires every engine component over a memRepo.
type testEngine struct {
	repo      *memRepo
	model     *SyncModel
	flow      *FlowEvaluator
	drift     *DriftDetector
	exports   *PendingExportManager
	importer  *ImportProcessor
	sync      *SyncProcessor
	publisher *recordingPublisher
	logs      *logBuffer
}

func newTestEngine(model *SyncModel) *testEngine {
	logger, logs := newTestLogger()
	repo := newMemRepo()
	publisher := &recordingPublisher{}
	flow := NewFlowEvaluator(stubExpressions{}, logger)
	drift := NewDriftDetector(flow, nil, logger)
	exports := NewPendingExportManager(repo, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, logger, WithObjectTypes(model))
	return &testEngine{
		repo:      repo,
		model:     model,
		flow:      flow,
		drift:     drift,
		exports:   exports,
		importer:  NewImportProcessor(repo, model, exports, logger, WithImportPublisher(publisher)),
		sync:      NewSyncProcessor(repo, model, flow, drift, exports, logger, WithSyncPublisher(publisher)),
		publisher: publisher,
		logs:      logs,
	}
}

func textAttr(name string, values ...string) ImportObjectAttribute {
	a := ImportObjectAttribute{Name: name}
	for _, v := range values {
		a.Values = append(a.Values, TextValue(v))
	}
	return a
}

func hrRecord(employeeID, name string, extra ...ImportObjectAttribute) ImportObject {
	return ImportObject{
		ObjectType: "person",
		ChangeType: ImportChangeAdd,
		Attributes: append([]ImportObjectAttribute{
			textAttr("employeeId", employeeID),
			textAttr("name", name),
		}, extra...),
	}
}

func adRecord(dn, employeeID string, extra ...ImportObjectAttribute) ImportObject {
	return ImportObject{
		ObjectType: "user",
		ChangeType: ImportChangeAdd,
		Attributes: append([]ImportObjectAttribute{
			textAttr("dn", dn),
			textAttr("employeeId", employeeID),
		}, extra...),
	}
}
