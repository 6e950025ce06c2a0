package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/jimsync/jim/pkg/engine"
)

// DefinitionsConfig is the decoded form of the sync definition files.
// Systems, object types and rules are keyed by ID; an ID inside the value
// overrides the key.
type DefinitionsConfig struct {
	Metaverse        MetaverseConfig                  `json:"metaverse"`
	ConnectedSystems map[string]ConnectedSystemConfig `json:"connected_systems" validate:"dive"`
	SyncRules        map[string]SyncRuleConfig        `json:"sync_rules" validate:"dive"`
}

// MetaverseConfig declares the metaverse object types.
type MetaverseConfig struct {
	ObjectTypes map[string]ObjectTypeConfig `json:"object_types" validate:"dive"`
}

// ObjectTypeConfig declares a metaverse or connected system object type.
type ObjectTypeConfig struct {
	ID                   string               `json:"id,omitempty"`
	Name                 string               `json:"name" validate:"required"`
	Attributes           []AttributeConfig    `json:"attributes" validate:"dive"`
	ExternalIDAttributes []string             `json:"external_id_attributes,omitempty" validate:"dive,required"`
	MatchingRules        []MatchingRuleConfig `json:"matching_rules,omitempty" validate:"dive"`
}

// AttributeConfig declares one attribute.
type AttributeConfig struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Type      string `json:"type" validate:"required,oneof=text number long_number datetime boolean guid binary reference"`
	Plurality string `json:"plurality" validate:"required,oneof=single multi"`
}

// ConnectedSystemConfig declares a connected system.
type ConnectedSystemConfig struct {
	ID                string                      `json:"id,omitempty"`
	Name              string                      `json:"name" validate:"required"`
	MatchingRuleMode  string                      `json:"matching_rule_mode" validate:"required,oneof=connected_system sync_rule"`
	ExportParallelism int                         `json:"export_parallelism" validate:"gte=0,lte=256"`
	MaxRetries        int                         `json:"max_retries,omitempty" validate:"gte=0"`
	ObjectTypes       map[string]ObjectTypeConfig `json:"object_types" validate:"required,dive"`
}

// SyncRuleConfig declares a sync rule.
type SyncRuleConfig struct {
	ID                         string               `json:"id,omitempty"`
	Name                       string               `json:"name" validate:"required"`
	Direction                  string               `json:"direction" validate:"required,oneof=import export"`
	ConnectedSystem            string               `json:"connected_system" validate:"required"`
	ObjectType                 string               `json:"object_type" validate:"required"`
	MetaverseObjectType        string               `json:"metaverse_object_type" validate:"required"`
	Enabled                    bool                 `json:"enabled"`
	EnforceState               bool                 `json:"enforce_state"`
	CaseSensitive              bool                 `json:"case_sensitive"`
	ProjectToMetaverse         bool                 `json:"project_to_metaverse"`
	ProvisionToConnectedSystem bool                 `json:"provision_to_connected_system"`
	Mappings                   []MappingConfig      `json:"mappings" validate:"dive"`
	MatchingRules              []MatchingRuleConfig `json:"matching_rules,omitempty" validate:"dive"`
}

// MappingConfig declares how one target attribute is computed.
type MappingConfig struct {
	ID              string         `json:"id,omitempty"`
	TargetAttribute string         `json:"target_attribute" validate:"required"`
	Sources         []SourceConfig `json:"sources" validate:"required,min=1,dive"`
}

// SourceConfig is a direct attribute source or an expression.
type SourceConfig struct {
	Order      int    `json:"order"`
	Attribute  string `json:"attribute,omitempty" validate:"required_without=Expression,excluded_with=Expression"`
	Expression string `json:"expression,omitempty" validate:"required_without=Attribute"`
}

// MatchingRuleConfig declares an object matching rule.
type MatchingRuleConfig struct {
	ID                  string         `json:"id" validate:"required"`
	Order               int            `json:"order"`
	MetaverseObjectType string         `json:"metaverse_object_type,omitempty"`
	Sources             []SourceConfig `json:"sources" validate:"required,min=1,dive"`
	TargetAttribute     string         `json:"target_attribute" validate:"required"`
	CaseSensitive       bool           `json:"case_sensitive"`
}

// ValidationError represents a definition error with its source location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "sync_rules.ad-export.mappings").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.File != "" && ve.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", ve.File, ve.Line, ve.Column, ve.Message)
	}
	if ve.Path != "" {
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	}
	return ve.Message
}

// ParsedDefinitions is the result of parsing sync definition sources.
type ParsedDefinitions struct {
	Definitions DefinitionsConfig `json:"definitions"`

	// SourceFiles lists the files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors are the problems found. A non-empty list means Definitions is incomplete.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ToModel converts the definitions into an engine sync model. Map entries
// are emitted in key order.
func (d *DefinitionsConfig) ToModel() *engine.SyncModel {
	var mvTypes []*engine.ObjectType
	for _, key := range sortedKeys(d.Metaverse.ObjectTypes) {
		t := d.Metaverse.ObjectTypes[key].toObjectType(key)
		mvTypes = append(mvTypes, &t)
	}

	var systems []*engine.ConnectedSystem
	for _, key := range sortedKeys(d.ConnectedSystems) {
		sc := d.ConnectedSystems[key]
		system := &engine.ConnectedSystem{
			ID:                idOr(sc.ID, key),
			Name:              sc.Name,
			MatchingRuleMode:  engine.MatchingRuleMode(sc.MatchingRuleMode),
			ExportParallelism: sc.ExportParallelism,
			MaxRetries:        sc.MaxRetries,
		}
		for _, typeKey := range sortedKeys(sc.ObjectTypes) {
			system.ObjectTypes = append(system.ObjectTypes, sc.ObjectTypes[typeKey].toObjectType(typeKey))
		}
		systems = append(systems, system)
	}

	var rules []*engine.SyncRule
	for _, key := range sortedKeys(d.SyncRules) {
		rules = append(rules, d.SyncRules[key].toSyncRule(key))
	}

	return engine.NewSyncModel(systems, mvTypes, rules)
}

func (c ObjectTypeConfig) toObjectType(key string) engine.ObjectType {
	t := engine.ObjectType{
		ID:                   idOr(c.ID, key),
		Name:                 c.Name,
		ExternalIDAttributes: append([]string(nil), c.ExternalIDAttributes...),
	}
	for _, a := range c.Attributes {
		t.Attributes = append(t.Attributes, engine.AttributeDefinition{
			ID:        a.ID,
			Name:      a.Name,
			Type:      engine.AttributeDataType(a.Type),
			Plurality: engine.AttributePlurality(a.Plurality),
		})
	}
	for _, m := range c.MatchingRules {
		t.MatchingRules = append(t.MatchingRules, m.toMatchingRule())
	}
	return t
}

func (c SyncRuleConfig) toSyncRule(key string) *engine.SyncRule {
	rule := &engine.SyncRule{
		ID:                         idOr(c.ID, key),
		Name:                       c.Name,
		Direction:                  engine.SyncRuleDirection(c.Direction),
		ConnectedSystemID:          c.ConnectedSystem,
		ObjectTypeID:               c.ObjectType,
		MetaverseObjectTypeID:      c.MetaverseObjectType,
		Enabled:                    c.Enabled,
		EnforceState:               c.EnforceState,
		CaseSensitive:              c.CaseSensitive,
		ProjectToMetaverse:         c.ProjectToMetaverse,
		ProvisionToConnectedSystem: c.ProvisionToConnectedSystem,
	}
	for i, m := range c.Mappings {
		rule.Mappings = append(rule.Mappings, engine.SyncRuleMapping{
			ID:                idOr(m.ID, fmt.Sprintf("%s.%d", rule.ID, i+1)),
			TargetAttributeID: m.TargetAttribute,
			Sources:           toSources(m.Sources),
		})
	}
	for _, m := range c.MatchingRules {
		rule.MatchingRules = append(rule.MatchingRules, m.toMatchingRule())
	}
	return rule
}

func (c MatchingRuleConfig) toMatchingRule() engine.MatchingRule {
	return engine.MatchingRule{
		ID:                    c.ID,
		Order:                 c.Order,
		MetaverseObjectTypeID: c.MetaverseObjectType,
		Sources:               toSources(c.Sources),
		TargetAttributeID:     c.TargetAttribute,
		CaseSensitive:         c.CaseSensitive,
	}
}

func toSources(sources []SourceConfig) []engine.SyncRuleMappingSource {
	out := make([]engine.SyncRuleMappingSource, 0, len(sources))
	for _, s := range sources {
		out = append(out, engine.SyncRuleMappingSource{
			Order:       s.Order,
			AttributeID: s.Attribute,
			Expression:  s.Expression,
		})
	}
	return out
}

func idOr(id, key string) string {
	if id != "" {
		return id
	}
	return key
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
