// Package protocol defines the JSON-lines feed format jim reads import
// records from and writes export requests to.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jimsync/jim/pkg/engine"
)

// MessageType represents the type of message in a feed.
type MessageType string

const (
	// MessageTypeObject carries one import record
	MessageTypeObject MessageType = "OBJECT"
	// MessageTypeExport carries one export request
	MessageTypeExport MessageType = "EXPORT"
	// MessageTypeResult acknowledges an export request
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError reports a failed export or a failed feed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeEnd marks the end of a feed
	MessageTypeEnd MessageType = "END"
)

// Validate checks if the message type is valid.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeObject, MessageTypeExport, MessageTypeResult, MessageTypeError, MessageTypeEnd:
		return nil
	default:
		return fmt.Errorf("invalid message type: %q", t)
	}
}

// Message is the envelope of every line in a feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ObjectMessage is an import record.
type ObjectMessage struct {
	ObjectType string                  `json:"object_type"`
	ChangeType engine.ImportChangeType `json:"change_type,omitempty"`
	Attributes []AttributeMessage      `json:"attributes"`

	// Error is set when the system could not read the object.
	Error *engine.ImportObjectError `json:"error,omitempty"`
}

// AttributeMessage holds the values of one attribute. Each value is either a
// plain JSON scalar or a {"type", "value"} envelope.
type AttributeMessage struct {
	Name   string            `json:"name"`
	Values []json.RawMessage `json:"values"`
}

// Validate checks the record has what an import needs to route it.
func (m *ObjectMessage) Validate() error {
	if m.Error != nil {
		return nil
	}
	if m.ObjectType == "" {
		return fmt.Errorf("object_type is required")
	}
	if m.ChangeType != "" {
		if err := m.ChangeType.Validate(); err != nil {
			return err
		}
	}
	for i, a := range m.Attributes {
		if a.Name == "" {
			return fmt.Errorf("attribute %d has no name", i)
		}
	}
	return nil
}

// ExportMessage asks a connected system to apply one pending export.
type ExportMessage struct {
	PendingExportID string                                     `json:"pending_export_id"`
	ConnectedSystem string                                     `json:"connected_system"`
	ObjectType      string                                     `json:"object_type"`
	ObjectID        string                                     `json:"object_id"`
	ExternalID      string                                     `json:"external_id,omitempty"`
	ChangeType      engine.ObjectChangeType                    `json:"change_type"`
	Changes         []engine.PendingExportAttributeValueChange `json:"changes"`
}

// Validate checks if the export message is valid.
func (m *ExportMessage) Validate() error {
	if m.PendingExportID == "" {
		return fmt.Errorf("pending_export_id is required")
	}
	if m.ObjectID == "" {
		return fmt.Errorf("object_id is required")
	}
	return m.ChangeType.Validate()
}

// ResultMessage acknowledges an applied export.
type ResultMessage struct {
	PendingExportID string `json:"pending_export_id"`

	// ExternalID is the identifier the system assigned on create.
	ExternalID string `json:"external_id,omitempty"`

	// Attributes are system-assigned values to store on the object.
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// ErrorMessage reports that an export, or the whole feed, failed.
type ErrorMessage struct {
	PendingExportID string `json:"pending_export_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	RetryAfter      int    `json:"retry_after,omitempty"` // seconds
}

// EndMessage closes a feed.
type EndMessage struct {
	// Count is the number of records the producer wrote, if known.
	Count int `json:"count,omitempty"`
}
