package engine

import (
	"encoding/json"
	"fmt"
)

// ObjectStatus represents the lifecycle status of a connected system object.
type ObjectStatus string

const (
	// ObjectStatusNormal indicates the object is present in the connected system.
	ObjectStatusNormal ObjectStatus = "normal"

	// ObjectStatusObsolete indicates the object was not seen in the latest full import.
	ObjectStatusObsolete ObjectStatus = "obsolete"

	// ObjectStatusPendingProvisioning indicates the object was created from a metaverse
	// object and the connector has not yet confirmed it exists.
	ObjectStatusPendingProvisioning ObjectStatus = "pending_provisioning"
)

// Validate checks if the object status is valid.
func (s ObjectStatus) Validate() error {
	switch s {
	case ObjectStatusNormal, ObjectStatusObsolete, ObjectStatusPendingProvisioning:
		return nil
	default:
		return fmt.Errorf("invalid object status: %s", s)
	}
}

// JoinType records how a connected system object became linked to a metaverse object.
type JoinType string

const (
	// JoinTypeNotJoined indicates the object has no metaverse object.
	JoinTypeNotJoined JoinType = "not_joined"

	// JoinTypeProjected indicates a new metaverse object was created from this object.
	JoinTypeProjected JoinType = "projected"

	// JoinTypeProvisioned indicates this object was created from a metaverse object.
	JoinTypeProvisioned JoinType = "provisioned"

	// JoinTypeJoined indicates this object was matched to an existing metaverse object.
	JoinTypeJoined JoinType = "joined"
)

// IsJoined returns true if the object is linked to a metaverse object.
func (j JoinType) IsJoined() bool {
	return j == JoinTypeProjected || j == JoinTypeProvisioned || j == JoinTypeJoined
}

// Validate checks if the join type is valid.
func (j JoinType) Validate() error {
	switch j {
	case JoinTypeNotJoined, JoinTypeProjected, JoinTypeProvisioned, JoinTypeJoined:
		return nil
	default:
		return fmt.Errorf("invalid join type: %s", j)
	}
}

// PendingExportStatus represents the state of a pending export.
type PendingExportStatus string

const (
	// PendingExportStatusPending indicates the export is waiting to be executed.
	PendingExportStatusPending PendingExportStatus = "pending"

	// PendingExportStatusExecuting indicates the export is being sent to the connector.
	PendingExportStatusExecuting PendingExportStatus = "executing"

	// PendingExportStatusExported indicates the connector accepted the changes and
	// a confirming import has not yet observed them.
	PendingExportStatusExported PendingExportStatus = "exported"

	// PendingExportStatusExportNotConfirmed indicates a confirming import did not
	// observe every exported change.
	PendingExportStatusExportNotConfirmed PendingExportStatus = "export_not_confirmed"

	// PendingExportStatusFailed indicates automatic retries are exhausted or the
	// failure is permanent. Requires operator intervention.
	PendingExportStatusFailed PendingExportStatus = "failed"
)

// IsSelectable returns true if exports in this status may be picked for execution.
// Failed and Executing are never selected.
func (s PendingExportStatus) IsSelectable() bool {
	return s == PendingExportStatusPending || s == PendingExportStatusExported ||
		s == PendingExportStatusExportNotConfirmed
}

// Validate checks if the pending export status is valid.
func (s PendingExportStatus) Validate() error {
	switch s {
	case PendingExportStatusPending, PendingExportStatusExecuting, PendingExportStatusExported,
		PendingExportStatusExportNotConfirmed, PendingExportStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid pending export status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PendingExportStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PendingExportStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PendingExportStatus(str)
	return s.Validate()
}

// ObjectChangeType is the kind of change a pending export makes to its object.
type ObjectChangeType string

const (
	// ObjectChangeCreate creates the object in the connected system.
	ObjectChangeCreate ObjectChangeType = "create"

	// ObjectChangeUpdate modifies attributes of an existing object.
	ObjectChangeUpdate ObjectChangeType = "update"

	// ObjectChangeDelete removes the object from the connected system.
	ObjectChangeDelete ObjectChangeType = "delete"
)

// Validate checks if the object change type is valid.
func (c ObjectChangeType) Validate() error {
	switch c {
	case ObjectChangeCreate, ObjectChangeUpdate, ObjectChangeDelete:
		return nil
	default:
		return fmt.Errorf("invalid object change type: %s", c)
	}
}

// ValueChangeType is the kind of change applied to one attribute value.
type ValueChangeType string

const (
	// ValueChangeAdd adds a value to a multi-valued attribute.
	ValueChangeAdd ValueChangeType = "add"

	// ValueChangeRemove removes a value from a multi-valued attribute.
	ValueChangeRemove ValueChangeType = "remove"

	// ValueChangeUpdate replaces the value of a single-valued attribute.
	// A nil value clears it.
	ValueChangeUpdate ValueChangeType = "update"
)

// Validate checks if the value change type is valid.
func (c ValueChangeType) Validate() error {
	switch c {
	case ValueChangeAdd, ValueChangeRemove, ValueChangeUpdate:
		return nil
	default:
		return fmt.Errorf("invalid value change type: %s", c)
	}
}

// SyncRuleDirection is the direction attributes flow through a sync rule.
type SyncRuleDirection string

const (
	// SyncRuleDirectionImport flows connected system attributes into the metaverse.
	SyncRuleDirectionImport SyncRuleDirection = "import"

	// SyncRuleDirectionExport flows metaverse attributes out to a connected system.
	SyncRuleDirectionExport SyncRuleDirection = "export"
)

// Validate checks if the direction is valid.
func (d SyncRuleDirection) Validate() error {
	switch d {
	case SyncRuleDirectionImport, SyncRuleDirectionExport:
		return nil
	default:
		return fmt.Errorf("invalid sync rule direction: %s", d)
	}
}

// AttributePlurality is whether an attribute holds one value or a set.
type AttributePlurality string

const (
	// AttributePluralitySingle holds at most one value.
	AttributePluralitySingle AttributePlurality = "single"

	// AttributePluralityMulti holds a duplicate-free set of values.
	AttributePluralityMulti AttributePlurality = "multi"
)

// Validate checks if the plurality is valid.
func (p AttributePlurality) Validate() error {
	switch p {
	case AttributePluralitySingle, AttributePluralityMulti:
		return nil
	default:
		return fmt.Errorf("invalid attribute plurality: %s", p)
	}
}

// ImportChangeType is the change a connector reports for an import record.
type ImportChangeType string

const (
	// ImportChangeNotSet is reported by full imports that carry no delta information.
	ImportChangeNotSet ImportChangeType = "not_set"

	// ImportChangeAdd indicates a new object.
	ImportChangeAdd ImportChangeType = "add"

	// ImportChangeUpdate indicates a modified object.
	ImportChangeUpdate ImportChangeType = "update"

	// ImportChangeDelete indicates the object was removed from the connected system.
	ImportChangeDelete ImportChangeType = "delete"
)

// Validate checks if the import change type is valid.
func (c ImportChangeType) Validate() error {
	switch c {
	case ImportChangeNotSet, ImportChangeAdd, ImportChangeUpdate, ImportChangeDelete:
		return nil
	default:
		return fmt.Errorf("invalid import change type: %s", c)
	}
}

// MatchingRuleMode selects where object matching rules are read from.
type MatchingRuleMode string

const (
	// MatchingRuleModeConnectedSystem uses rules on the connected system's object type.
	MatchingRuleModeConnectedSystem MatchingRuleMode = "connected_system"

	// MatchingRuleModeSyncRule uses rules on each import sync rule.
	MatchingRuleModeSyncRule MatchingRuleMode = "sync_rule"
)

// Validate checks if the matching rule mode is valid.
func (m MatchingRuleMode) Validate() error {
	switch m {
	case MatchingRuleModeConnectedSystem, MatchingRuleModeSyncRule:
		return nil
	default:
		return fmt.Errorf("invalid matching rule mode: %s", m)
	}
}
