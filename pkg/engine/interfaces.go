package engine

import (
	"context"
	"time"
)

// ExpressionInput is the named-attribute context an expression is evaluated against.
type ExpressionInput struct {
	// Namespace is the name the attributes are exposed under, "mv" or "cs".
	Namespace string

	// Attributes maps attribute names to their values. Every attribute of the
	// object type is present, with no values when unset.
	Attributes map[string][]Value

	// MultiValued lists the attribute names that are multi-valued.
	// Single-valued attributes are exposed as a scalar.
	MultiValued map[string]bool
}

// ExpressionEvaluator evaluates an expression string against attribute values.
// Implementations must be synchronous, must not perform I/O, and must be safe
// for concurrent use.
type ExpressionEvaluator interface {
	// Evaluate returns the typed result of the expression. A scalar result is a
	// one-element slice, a list result one element per item, and no result nil.
	Evaluate(expression string, input ExpressionInput) ([]Value, error)
}

// AttributeReferenceExtractor finds the attribute names an expression reads.
type AttributeReferenceExtractor interface {
	// ReferencedAttributes returns the names looked up in the given namespace.
	ReferencedAttributes(expression, namespace string) []string
}

// ObjectTypeResolver finds the object type of a connected system object.
// *SyncModel implements it.
type ObjectTypeResolver interface {
	ObjectTypeFor(cso *ConnectedSystemObject) (*ObjectType, bool)
}

// ConnectedObjectStore persists connected system objects.
type ConnectedObjectStore interface {
	// GetConnectedObject retrieves an object by ID. Returns ErrNotFound if absent.
	GetConnectedObject(ctx context.Context, id string) (*ConnectedSystemObject, error)

	// FindConnectedObjectByExternalID retrieves an object by its external id.
	// Returns ErrNotFound if absent.
	FindConnectedObjectByExternalID(ctx context.Context, systemID, objectTypeID, externalID string) (*ConnectedSystemObject, error)

	// ListConnectedObjects lists every object of a connected system.
	ListConnectedObjects(ctx context.Context, systemID string) ([]*ConnectedSystemObject, error)

	// ListConnectedObjectsByIDs lists the objects with the given IDs. Unknown IDs are skipped.
	ListConnectedObjectsByIDs(ctx context.Context, ids []string) ([]*ConnectedSystemObject, error)

	// ListConnectedObjectsForMetaverseObjects lists objects joined to any of the given metaverse objects.
	ListConnectedObjectsForMetaverseObjects(ctx context.Context, metaverseIDs []string) ([]*ConnectedSystemObject, error)

	// SaveConnectedObject inserts or replaces an object.
	SaveConnectedObject(ctx context.Context, cso *ConnectedSystemObject) error
}

// MetaverseObjectStore persists metaverse objects.
type MetaverseObjectStore interface {
	// GetMetaverseObject retrieves an object by ID. Type is not materialized.
	// Returns ErrNotFound if absent.
	GetMetaverseObject(ctx context.Context, id string) (*MetaverseObject, error)

	// FindMetaverseObjectsByAttribute lists objects of a type holding value in an attribute.
	FindMetaverseObjectsByAttribute(ctx context.Context, typeID, attributeID string, value Value, caseSensitive bool) ([]*MetaverseObject, error)

	// SaveMetaverseObject inserts or replaces an object.
	SaveMetaverseObject(ctx context.Context, mvo *MetaverseObject) error
}

// PendingExportStore persists pending exports.
type PendingExportStore interface {
	// GetPendingExport retrieves an export by ID. Returns ErrNotFound if absent.
	GetPendingExport(ctx context.Context, id string) (*PendingExport, error)

	// ListPendingExportsForObject lists every export stored for a connected system object.
	ListPendingExportsForObject(ctx context.Context, csoID string) ([]*PendingExport, error)

	// ListPendingExports lists exports of a connected system, or of all systems when systemID is empty.
	ListPendingExports(ctx context.Context, systemID string) ([]*PendingExport, error)

	// ListDuePendingExports lists exports of a system that are eligible for execution at now.
	ListDuePendingExports(ctx context.Context, systemID string, now time.Time) ([]*PendingExport, error)

	// CreatePendingExport inserts a new export. Returns an integrity violation
	// if an export already exists for the same connected system object.
	CreatePendingExport(ctx context.Context, pe *PendingExport) error

	// UpdatePendingExport replaces an existing export.
	UpdatePendingExport(ctx context.Context, pe *PendingExport) error

	// DeletePendingExport removes an export.
	DeletePendingExport(ctx context.Context, id string) error
}

// Repository is the persistence boundary of the engine.
type Repository interface {
	ConnectedObjectStore
	MetaverseObjectStore
	PendingExportStore

	// Atomically runs fn against a repository whose writes commit together or not at all.
	Atomically(ctx context.Context, fn func(repo Repository) error) error
}

// Connector applies pending exports to a connected system.
type Connector interface {
	// Export applies the changes in req. A returned error is classified with
	// the EngineError helpers; unclassified errors are treated as transient.
	Export(ctx context.Context, req ExportRequest) (*ExportResult, error)
}

// ExportGate decides whether a pending export may be sent to its connected system.
type ExportGate interface {
	// Check returns an error if the export must not be executed.
	Check(ctx context.Context, pe *PendingExport, cso *ConnectedSystemObject) error
}

// ActivityPublisher receives the summary of each import, sync and export pass.
type ActivityPublisher interface {
	// Publish publishes a pass summary.
	Publish(ctx context.Context, summary ActivitySummary) error
}
