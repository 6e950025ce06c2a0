package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jimsync/jim/pkg/engine"
)

// ActivityRecord is a stored pass summary.
type ActivityRecord struct {
	ID      string                 `json:"id"`
	Summary engine.ActivitySummary `json:"summary"`
}

// RecordActivity appends a pass summary to the activity log.
func (s *SQLiteStore) RecordActivity(ctx context.Context, summary engine.ActivitySummary) (string, error) {
	raw, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode activity summary: %w", err)
	}

	id := uuid.NewString()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO activities (id, operation, connected_system_id, started_at, duration_ms, summary)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, summary.Operation, summary.SystemID, unixNanos(summary.StartedAt), summary.Duration.Milliseconds(), string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to record activity: %w", err)
	}
	return id, nil
}

// ListActivities lists the most recent pass summaries, newest first.
// An empty systemID lists every system.
func (s *SQLiteStore) ListActivities(ctx context.Context, systemID string, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, summary FROM activities`
	args := []any{}
	if systemID != "" {
		query += ` WHERE connected_system_id = ?`
		args = append(args, systemID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var records []ActivityRecord
	for rows.Next() {
		var (
			record ActivityRecord
			raw    string
		)
		if err := rows.Scan(&record.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &record.Summary); err != nil {
			return nil, fmt.Errorf("activity %s: failed to decode summary: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}
	return records, nil
}

// ActivityLog publishes pass summaries into the store's activity log.
type ActivityLog struct {
	store *SQLiteStore
}

// NewActivityLog creates a publisher backed by store.
func NewActivityLog(store *SQLiteStore) *ActivityLog {
	return &ActivityLog{store: store}
}

// Publish implements engine.ActivityPublisher.
func (l *ActivityLog) Publish(ctx context.Context, summary engine.ActivitySummary) error {
	_, err := l.store.RecordActivity(ctx, summary)
	return err
}

var _ engine.ActivityPublisher = (*ActivityLog)(nil)
