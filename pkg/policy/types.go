package policy

import (
	"slices"
	"time"

	"github.com/jimsync/jim/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the export.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the export.
	SeverityError Severity = "error"

	// SeverityCritical blocks the export.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the export.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy module. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// ConnectedSystems limits the policy to exports for these systems.
	// Empty applies it to every system.
	ConnectedSystems []string `json:"connected_systems,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// AppliesTo reports whether the policy evaluates exports for systemID.
func (p *Policy) AppliesTo(systemID string) bool {
	return len(p.ConnectedSystems) == 0 || slices.Contains(p.ConnectedSystems, systemID)
}

// Violation represents a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating all enabled policies for one export.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// ExportInput is the document policies see as input.
type ExportInput struct {
	Operation             string         `json:"operation"`
	Timestamp             time.Time      `json:"timestamp"`
	PendingExport         ExportDocument `json:"pending_export"`
	ConnectedSystemObject ObjectDocument `json:"connected_system_object"`
}

// ExportDocument describes the pending export under evaluation.
type ExportDocument struct {
	ID                      string           `json:"id"`
	ConnectedSystem         string           `json:"connected_system"`
	ChangeType              string           `json:"change_type"`
	ErrorCount              int              `json:"error_count"`
	SyncRule                string           `json:"sync_rule,omitempty"`
	SourceMetaverseObjectID string           `json:"source_metaverse_object_id,omitempty"`
	Changes                 []ChangeDocument `json:"changes"`
}

// ChangeDocument is one attribute value change. Value is empty when an update
// clears the attribute.
type ChangeDocument struct {
	Attribute  string `json:"attribute"`
	ChangeType string `json:"change_type"`
	Value      string `json:"value"`
	DataType   string `json:"data_type,omitempty"`
	Cleared    bool   `json:"cleared"`
}

// ObjectDocument describes the target connected system object.
type ObjectDocument struct {
	ID                string              `json:"id"`
	ObjectType        string              `json:"object_type"`
	ExternalID        string              `json:"external_id"`
	Status            string              `json:"status"`
	JoinType          string              `json:"join_type"`
	MetaverseObjectID string              `json:"metaverse_object_id,omitempty"`
	Attributes        map[string][]string `json:"attributes"`
}

// NewExportInput builds the policy input for an export about to be sent.
// Only changes not yet exported are included.
func NewExportInput(pe *engine.PendingExport, cso *engine.ConnectedSystemObject, now time.Time) *ExportInput {
	in := &ExportInput{
		Operation: "export",
		Timestamp: now,
	}

	if pe != nil {
		changes := pe.UnexportedChanges()
		doc := ExportDocument{
			ID:                      pe.ID,
			ConnectedSystem:         pe.ConnectedSystemID,
			ChangeType:              string(pe.ChangeType),
			ErrorCount:              pe.ErrorCount,
			SyncRule:                pe.SyncRuleID,
			SourceMetaverseObjectID: pe.SourceMetaverseObjectID,
			Changes:                 make([]ChangeDocument, 0, len(changes)),
		}
		for _, c := range changes {
			cd := ChangeDocument{
				Attribute:  c.AttributeID,
				ChangeType: string(c.ChangeType),
			}
			if c.Value == nil {
				cd.Cleared = true
			} else {
				cd.Value = c.Value.String()
				cd.DataType = string(c.Value.DataType())
			}
			doc.Changes = append(doc.Changes, cd)
		}
		in.PendingExport = doc
	}

	if cso != nil {
		doc := ObjectDocument{
			ID:                cso.ID,
			ObjectType:        cso.ObjectTypeID,
			ExternalID:        cso.ExternalID,
			Status:            string(cso.Status),
			JoinType:          string(cso.JoinType),
			MetaverseObjectID: cso.MetaverseObjectID,
			Attributes:        make(map[string][]string, len(cso.Attributes)),
		}
		for name, values := range cso.Attributes {
			strs := make([]string, 0, len(values))
			for _, v := range values {
				if v != nil {
					strs = append(strs, v.String())
				}
			}
			doc.Attributes[name] = strs
		}
		in.ConnectedSystemObject = doc
	}

	return in
}
