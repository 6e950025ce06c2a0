package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AttributeDefinition describes one attribute of an object type.
type AttributeDefinition struct {
	// ID is the unique identifier of the attribute.
	ID string `json:"id"`

	// Name is the attribute name used by connectors and expressions.
	Name string `json:"name"`

	// Type is the declared data type of every value of this attribute.
	Type AttributeDataType `json:"type"`

	// Plurality is whether the attribute is single- or multi-valued.
	Plurality AttributePlurality `json:"plurality"`
}

// IsMultiValued returns true if the attribute holds a set of values.
func (d AttributeDefinition) IsMultiValued() bool {
	return d.Plurality == AttributePluralityMulti
}

// ObjectType describes a metaverse object type or a connected system object type.
type ObjectType struct {
	// ID is the unique identifier of the object type.
	ID string `json:"id"`

	// Name is the object type label, e.g. "person" or "group".
	Name string `json:"name"`

	// Attributes are the attribute definitions of this type.
	Attributes []AttributeDefinition `json:"attributes"`

	// ExternalIDAttributes are the ordered attribute IDs whose values identify
	// an object across imports. Only used on connected system object types.
	ExternalIDAttributes []string `json:"external_id_attributes,omitempty"`

	// MatchingRules are the object matching rules used when the owning
	// connected system is in connected-system matching mode.
	MatchingRules []MatchingRule `json:"matching_rules,omitempty"`
}

// Attribute returns the definition with the given ID.
func (t *ObjectType) Attribute(id string) (AttributeDefinition, bool) {
	if t == nil {
		return AttributeDefinition{}, false
	}
	for _, a := range t.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return AttributeDefinition{}, false
}

// AttributeByName returns the definition with the given name.
func (t *ObjectType) AttributeByName(name string) (AttributeDefinition, bool) {
	if t == nil {
		return AttributeDefinition{}, false
	}
	for _, a := range t.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeDefinition{}, false
}

// ConnectedSystem is an external system JIM synchronizes with.
type ConnectedSystem struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// ObjectTypes are the object types this system exposes.
	ObjectTypes []ObjectType `json:"object_types"`

	// MatchingRuleMode selects whether joins use object type or sync rule matching rules.
	MatchingRuleMode MatchingRuleMode `json:"matching_rule_mode"`

	// ExportParallelism bounds concurrent export calls to this system.
	ExportParallelism int `json:"export_parallelism"`

	// MaxRetries overrides the default retry limit for pending exports. Zero uses the default.
	MaxRetries int `json:"max_retries,omitempty"`
}

// ObjectType returns the object type with the given ID.
func (s *ConnectedSystem) ObjectType(id string) (*ObjectType, bool) {
	for i := range s.ObjectTypes {
		if s.ObjectTypes[i].ID == id {
			return &s.ObjectTypes[i], true
		}
	}
	return nil, false
}

// ObjectTypeByName returns the object type with the given name.
func (s *ConnectedSystem) ObjectTypeByName(name string) (*ObjectType, bool) {
	for i := range s.ObjectTypes {
		if strings.EqualFold(s.ObjectTypes[i].Name, name) {
			return &s.ObjectTypes[i], true
		}
	}
	return nil, false
}

// ConnectedSystemObject is one object as seen in one connected system.
type ConnectedSystemObject struct {
	ID                string       `json:"id"`
	ConnectedSystemID string       `json:"connected_system_id"`
	ObjectTypeID      string       `json:"object_type_id"`
	Status            ObjectStatus `json:"status"`
	JoinType          JoinType     `json:"join_type"`

	// MetaverseObjectID links the object to its metaverse object, if joined.
	MetaverseObjectID string `json:"metaverse_object_id,omitempty"`

	// DateJoined is when the object was linked to its metaverse object.
	DateJoined *time.Time `json:"date_joined,omitempty"`

	// ExternalID is the composite value of the object type's external id attributes.
	ExternalID string `json:"external_id"`

	Attributes AttributeSet `json:"attributes"`

	// LastSeenAt is when an import last observed the object.
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsJoined returns true if the object is linked to a metaverse object.
func (o *ConnectedSystemObject) IsJoined() bool {
	return o.MetaverseObjectID != "" && o.JoinType.IsJoined()
}

// Clone returns a deep copy of the object.
func (o *ConnectedSystemObject) Clone() *ConnectedSystemObject {
	c := *o
	c.Attributes = o.Attributes.Clone()
	if o.DateJoined != nil {
		t := *o.DateJoined
		c.DateJoined = &t
	}
	if o.LastSeenAt != nil {
		t := *o.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}

// MetaverseObject is the canonical identity record.
type MetaverseObject struct {
	ID     string `json:"id"`
	TypeID string `json:"type_id"`

	// Type is the materialized object type. Nil means it was not loaded.
	Type *ObjectType `json:"-"`

	Attributes AttributeSet `json:"attributes"`

	// ConnectedObjectIDs are the IDs of every connected system object joined to this one.
	ConnectedObjectIDs []string `json:"connected_object_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the object. Type is shared.
func (o *MetaverseObject) Clone() *MetaverseObject {
	c := *o
	c.Attributes = o.Attributes.Clone()
	c.ConnectedObjectIDs = append([]string(nil), o.ConnectedObjectIDs...)
	return &c
}

func (o *MetaverseObject) addConnectedObject(csoID string) {
	for _, id := range o.ConnectedObjectIDs {
		if id == csoID {
			return
		}
	}
	o.ConnectedObjectIDs = append(o.ConnectedObjectIDs, csoID)
}

func (o *MetaverseObject) removeConnectedObject(csoID string) {
	ids := o.ConnectedObjectIDs[:0]
	for _, id := range o.ConnectedObjectIDs {
		if id != csoID {
			ids = append(ids, id)
		}
	}
	o.ConnectedObjectIDs = ids
}

// SyncRule maps attributes between one connected system object type and one
// metaverse object type in one direction.
type SyncRule struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Direction             SyncRuleDirection `json:"direction"`
	ConnectedSystemID     string            `json:"connected_system_id"`
	ObjectTypeID          string            `json:"object_type_id"`
	MetaverseObjectTypeID string            `json:"metaverse_object_type_id"`
	Enabled               bool              `json:"enabled"`

	// EnforceState makes the rule drive drift detection. Export rules only.
	EnforceState bool `json:"enforce_state"`

	// CaseSensitive selects ordinal text comparison; otherwise text compares case-folded.
	CaseSensitive bool `json:"case_sensitive"`

	// ProjectToMetaverse creates a metaverse object when no match is found. Import rules only.
	ProjectToMetaverse bool `json:"project_to_metaverse"`

	// ProvisionToConnectedSystem creates connected system objects for metaverse
	// objects with no presence in the system. Export rules only.
	ProvisionToConnectedSystem bool `json:"provision_to_connected_system"`

	Mappings []SyncRuleMapping `json:"mappings"`

	// MatchingRules are used when the connected system is in sync-rule matching mode.
	MatchingRules []MatchingRule `json:"matching_rules,omitempty"`
}

// Targets returns true if the rule applies to the given system and object types.
func (r *SyncRule) Targets(systemID, objectTypeID, metaverseTypeID string) bool {
	return r.ConnectedSystemID == systemID && r.ObjectTypeID == objectTypeID &&
		r.MetaverseObjectTypeID == metaverseTypeID
}

// SyncRuleMapping computes one target attribute from ordered sources.
type SyncRuleMapping struct {
	ID string `json:"id"`

	// TargetAttributeID is a metaverse attribute for import rules and a
	// connected system attribute for export rules.
	TargetAttributeID string `json:"target_attribute_id"`

	Sources []SyncRuleMappingSource `json:"sources"`
}

// SyncRuleMappingSource is either a direct attribute reference or an expression.
type SyncRuleMappingSource struct {
	Order       int    `json:"order"`
	AttributeID string `json:"attribute_id,omitempty"`
	Expression  string `json:"expression,omitempty"`
}

// IsExpression returns true if the source is evaluated as an expression.
func (s SyncRuleMappingSource) IsExpression() bool {
	return s.Expression != ""
}

// orderedSources returns the mapping sources sorted by ascending order.
func orderedSources(sources []SyncRuleMappingSource) []SyncRuleMappingSource {
	out := append([]SyncRuleMappingSource(nil), sources...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// MatchingRule compares connected system attributes to one metaverse attribute.
type MatchingRule struct {
	ID                    string                  `json:"id"`
	Order                 int                     `json:"order"`
	MetaverseObjectTypeID string                  `json:"metaverse_object_type_id"`
	Sources               []SyncRuleMappingSource `json:"sources"`
	TargetAttributeID     string                  `json:"target_attribute_id"`
	CaseSensitive         bool                    `json:"case_sensitive"`
}

// PendingExport is the outbound work for one connected system object.
type PendingExport struct {
	ID                      string                              `json:"id"`
	ConnectedSystemID       string                              `json:"connected_system_id"`
	ConnectedSystemObjectID string                              `json:"connected_system_object_id"`
	ChangeType              ObjectChangeType                    `json:"change_type"`
	Status                  PendingExportStatus                 `json:"status"`
	AttributeValueChanges   []PendingExportAttributeValueChange `json:"attribute_value_changes"`

	ErrorCount  int        `json:"error_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	// HasUnresolvedReferences is set while any change references an object
	// whose own export has not been confirmed.
	HasUnresolvedReferences bool `json:"has_unresolved_references"`

	// SyncRuleID is the export rule that produced the changes, if any.
	SyncRuleID string `json:"sync_rule_id,omitempty"`

	// SourceMetaverseObjectID is the metaverse object the changes flowed from.
	SourceMetaverseObjectID string `json:"source_metaverse_object_id,omitempty"`

	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	LastExportedAt  *time.Time `json:"last_exported_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsEligibleForExecution reports whether the export can be selected at now.
func (p *PendingExport) IsEligibleForExecution(now time.Time) bool {
	if !p.Status.IsSelectable() {
		return false
	}
	if p.NextRetryAt != nil && p.NextRetryAt.After(now) {
		return false
	}
	return p.ErrorCount < p.MaxRetries
}

// HasUnexportedWork returns true if anything in the export still needs sending.
func (p *PendingExport) HasUnexportedWork() bool {
	if p.ChangeType != ObjectChangeUpdate && p.LastExportedAt == nil {
		return true
	}
	for _, c := range p.AttributeValueChanges {
		if c.ExportedAt == nil {
			return true
		}
	}
	return false
}

// UnexportedChanges returns the changes not yet accepted by the connector.
func (p *PendingExport) UnexportedChanges() []PendingExportAttributeValueChange {
	out := make([]PendingExportAttributeValueChange, 0, len(p.AttributeValueChanges))
	for _, c := range p.AttributeValueChanges {
		if c.ExportedAt == nil {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy of the export.
func (p *PendingExport) Clone() *PendingExport {
	c := *p
	c.AttributeValueChanges = append([]PendingExportAttributeValueChange(nil), p.AttributeValueChanges...)
	return &c
}

func (p *PendingExport) refreshUnresolvedFlag() {
	p.HasUnresolvedReferences = false
	for _, c := range p.AttributeValueChanges {
		if c.UnresolvedReference && c.ExportedAt == nil {
			p.HasUnresolvedReferences = true
			return
		}
	}
}

// PendingExportAttributeValueChange is one typed value change on one attribute.
type PendingExportAttributeValueChange struct {
	ID          string          `json:"id"`
	AttributeID string          `json:"attribute_id"`
	ChangeType  ValueChangeType `json:"change_type"`

	// Value is the new value for Add and Update, the removed value for Remove.
	// A nil Update clears the attribute.
	Value Value `json:"-"`

	// UnresolvedReference is set when Value refers to an object that is not yet
	// present in the target system.
	UnresolvedReference bool `json:"unresolved_reference,omitempty"`

	// ExportedAt is when the connector accepted this change.
	ExportedAt *time.Time `json:"exported_at,omitempty"`
}

type changeJSON struct {
	ID                  string          `json:"id"`
	AttributeID         string          `json:"attribute_id"`
	ChangeType          ValueChangeType `json:"change_type"`
	Value               json.RawMessage `json:"value"`
	UnresolvedReference bool            `json:"unresolved_reference,omitempty"`
	ExportedAt          *time.Time      `json:"exported_at,omitempty"`
}

// MarshalJSON encodes the change with its value envelope.
func (c PendingExportAttributeValueChange) MarshalJSON() ([]byte, error) {
	raw, err := MarshalValue(c.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(changeJSON{
		ID:                  c.ID,
		AttributeID:         c.AttributeID,
		ChangeType:          c.ChangeType,
		Value:               raw,
		UnresolvedReference: c.UnresolvedReference,
		ExportedAt:          c.ExportedAt,
	})
}

// UnmarshalJSON decodes a change encoded by MarshalJSON.
func (c *PendingExportAttributeValueChange) UnmarshalJSON(data []byte) error {
	var aux changeJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v, err := UnmarshalValue(aux.Value)
	if err != nil {
		return fmt.Errorf("change %s: %w", aux.ID, err)
	}
	*c = PendingExportAttributeValueChange{
		ID:                  aux.ID,
		AttributeID:         aux.AttributeID,
		ChangeType:          aux.ChangeType,
		Value:               v,
		UnresolvedReference: aux.UnresolvedReference,
		ExportedAt:          aux.ExportedAt,
	}
	return nil
}

// ImportObject is one record produced by a connector during import.
type ImportObject struct {
	ObjectType string                  `json:"object_type"`
	ChangeType ImportChangeType        `json:"change_type"`
	Attributes []ImportObjectAttribute `json:"attributes"`
	Error      *ImportObjectError      `json:"error,omitempty"`
}

// Attribute returns the attribute with the given name.
func (o *ImportObject) Attribute(name string) (ImportObjectAttribute, bool) {
	for _, a := range o.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return ImportObjectAttribute{}, false
}

// ImportObjectAttribute is a named attribute on an import record.
type ImportObjectAttribute struct {
	Name   string  `json:"name"`
	Values []Value `json:"-"`
}

// ImportObjectError is an error the connector reported while reading a row.
type ImportObjectError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ExportRequest is sent to a connector to apply one pending export.
type ExportRequest struct {
	PendingExportID string                              `json:"pending_export_id"`
	Object          *ConnectedSystemObject              `json:"object"`
	ChangeType      ObjectChangeType                    `json:"change_type"`
	Changes         []PendingExportAttributeValueChange `json:"changes"`
}

// ExportResult is the connector's report for one export request.
type ExportResult struct {
	// ExternalID is set when the connector assigned an identifier on create.
	ExternalID string `json:"external_id,omitempty"`

	// Attributes are connector-assigned attribute values to store on the
	// object, keyed by attribute name.
	Attributes map[string]Value `json:"-"`
}

// ActivitySummary carries the counts produced by one pass.
type ActivitySummary struct {
	Operation   string        `json:"operation"`
	SystemID    string        `json:"system_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Processed   int           `json:"processed"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Obsoleted   int           `json:"obsoleted"`
	Rejected    int           `json:"rejected"`
	Joins       int           `json:"joins"`
	Projections int           `json:"projections"`
	Provisions  int           `json:"provisions"`

	// DriftCorrections counts pending exports staged by drift detection.
	DriftCorrections int `json:"drift_corrections"`

	// ExportsStaged counts pending exports staged by export evaluation.
	ExportsStaged    int `json:"exports_staged"`
	ExportsSucceeded int `json:"exports_succeeded"`
	ExportsFailed    int `json:"exports_failed"`
	ExportsDeferred  int `json:"exports_deferred"`
	ExportsConfirmed int `json:"exports_confirmed"`

	// ImportErrors counts rejected records by error type.
	ImportErrors map[ImportErrorType]int `json:"import_errors,omitempty"`
}

func (s *ActivitySummary) recordImportError(t ImportErrorType) {
	if s.ImportErrors == nil {
		s.ImportErrors = make(map[ImportErrorType]int)
	}
	s.ImportErrors[t]++
	s.Rejected++
}

// Add accumulates the counts of other into s.
func (s *ActivitySummary) Add(other ActivitySummary) {
	s.Processed += other.Processed
	s.Created += other.Created
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	s.Obsoleted += other.Obsoleted
	s.Rejected += other.Rejected
	s.Joins += other.Joins
	s.Projections += other.Projections
	s.Provisions += other.Provisions
	s.DriftCorrections += other.DriftCorrections
	s.ExportsStaged += other.ExportsStaged
	s.ExportsSucceeded += other.ExportsSucceeded
	s.ExportsFailed += other.ExportsFailed
	s.ExportsDeferred += other.ExportsDeferred
	s.ExportsConfirmed += other.ExportsConfirmed
	for t, n := range other.ImportErrors {
		if s.ImportErrors == nil {
			s.ImportErrors = make(map[ImportErrorType]int)
		}
		s.ImportErrors[t] += n
	}
}
