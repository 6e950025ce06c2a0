package stores

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jimsync/jim/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or ":memory:" for a private in-memory database.
	Path string

	// MaxOpenConns bounds the connection pool. SQLite has a single writer, so
	// the default is one.
	MaxOpenConns int

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	ConnMaxLifetime time.Duration
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnectedObject(row rowScanner) (*engine.ConnectedSystemObject, error) {
	var (
		cso                     engine.ConnectedSystemObject
		status, joinType, attrs string
		metaverseID             sql.NullString
		dateJoined, lastSeen    sql.NullInt64
		createdAt, updatedAt    int64
	)
	err := row.Scan(
		&cso.ID,
		&cso.ConnectedSystemID,
		&cso.ObjectTypeID,
		&status,
		&joinType,
		&metaverseID,
		&dateJoined,
		&cso.ExternalID,
		&attrs,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cso.Status = engine.ObjectStatus(status)
	cso.JoinType = engine.JoinType(joinType)
	cso.MetaverseObjectID = metaverseID.String
	cso.DateJoined = timePtr(dateJoined)
	cso.LastSeenAt = timePtr(lastSeen)
	cso.CreatedAt = fromUnixNanos(createdAt)
	cso.UpdatedAt = fromUnixNanos(updatedAt)
	if err := json.Unmarshal([]byte(attrs), &cso.Attributes); err != nil {
		return nil, fmt.Errorf("object %s: failed to decode attributes: %w", cso.ID, err)
	}
	if cso.Attributes == nil {
		cso.Attributes = engine.AttributeSet{}
	}
	return &cso, nil
}

func scanMetaverseObject(row rowScanner) (*engine.MetaverseObject, error) {
	var (
		mvo                  engine.MetaverseObject
		attrs, connected     string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&mvo.ID, &mvo.TypeID, &attrs, &connected, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	mvo.CreatedAt = fromUnixNanos(createdAt)
	mvo.UpdatedAt = fromUnixNanos(updatedAt)
	if err := json.Unmarshal([]byte(attrs), &mvo.Attributes); err != nil {
		return nil, fmt.Errorf("object %s: failed to decode attributes: %w", mvo.ID, err)
	}
	if mvo.Attributes == nil {
		mvo.Attributes = engine.AttributeSet{}
	}
	if err := json.Unmarshal([]byte(connected), &mvo.ConnectedObjectIDs); err != nil {
		return nil, fmt.Errorf("object %s: failed to decode connected objects: %w", mvo.ID, err)
	}
	if len(mvo.ConnectedObjectIDs) == 0 {
		mvo.ConnectedObjectIDs = nil
	}
	return &mvo, nil
}

func scanPendingExport(row rowScanner) (*engine.PendingExport, error) {
	var (
		pe                                     engine.PendingExport
		changeType, status, changes            string
		nextRetry, lastAttempted, lastExported sql.NullInt64
		createdAt, updatedAt                   int64
	)
	err := row.Scan(
		&pe.ID,
		&pe.ConnectedSystemID,
		&pe.ConnectedSystemObjectID,
		&changeType,
		&status,
		&changes,
		&pe.ErrorCount,
		&pe.MaxRetries,
		&nextRetry,
		&pe.LastError,
		&pe.HasUnresolvedReferences,
		&pe.SyncRuleID,
		&pe.SourceMetaverseObjectID,
		&lastAttempted,
		&lastExported,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	pe.ChangeType = engine.ObjectChangeType(changeType)
	pe.Status = engine.PendingExportStatus(status)
	pe.NextRetryAt = timePtr(nextRetry)
	pe.LastAttemptedAt = timePtr(lastAttempted)
	pe.LastExportedAt = timePtr(lastExported)
	pe.CreatedAt = fromUnixNanos(createdAt)
	pe.UpdatedAt = fromUnixNanos(updatedAt)
	if err := json.Unmarshal([]byte(changes), &pe.AttributeValueChanges); err != nil {
		return nil, fmt.Errorf("pending export %s: failed to decode changes: %w", pe.ID, err)
	}
	return &pe, nil
}

func marshalChanges(changes []engine.PendingExportAttributeValueChange) (string, error) {
	if changes == nil {
		changes = []engine.PendingExportAttributeValueChange{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("failed to encode attribute value changes: %w", err)
	}
	return string(raw), nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(raw), nil
}

// Times are stored as UTC unix nanoseconds.

func unixNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
