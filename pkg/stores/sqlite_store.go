package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/jimsync/jim/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements engine.Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	q   queryer
	cfg Config

	// inTx is set on the store handed to Atomically callbacks.
	inTx bool
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := fmt.Sprintf("file:%s?%s", s.cfg.Path, strings.Join(pragmas, "&"))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection, so it must keep exactly one.
	maxOpen := s.cfg.MaxOpenConns
	if s.cfg.Path == ":memory:" {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.cfg.Path == ":memory:" {
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.q = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil && !s.inTx {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.q.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Atomically runs fn in a transaction. Calls nested inside fn join the outer
// transaction.
func (s *SQLiteStore) Atomically(ctx context.Context, fn func(repo engine.Repository) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &SQLiteStore{db: s.db, q: tx, cfg: s.cfg, inTx: true}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Connected system objects

const csoColumns = `id, connected_system_id, object_type_id, status, join_type, metaverse_object_id,
	date_joined, external_id, attributes, last_seen_at, created_at, updated_at`

// GetConnectedObject retrieves a connected system object by ID.
func (s *SQLiteStore) GetConnectedObject(ctx context.Context, id string) (*engine.ConnectedSystemObject, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+csoColumns+` FROM connected_system_objects WHERE id = ?`, id)
	cso, err := scanConnectedObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connected system object %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connected system object: %w", err)
	}
	return cso, nil
}

// FindConnectedObjectByExternalID retrieves an object by its external id.
func (s *SQLiteStore) FindConnectedObjectByExternalID(ctx context.Context, systemID, objectTypeID, externalID string) (*engine.ConnectedSystemObject, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+csoColumns+` FROM connected_system_objects
		WHERE connected_system_id = ? AND object_type_id = ? AND external_id = ?
		ORDER BY id LIMIT 1`, systemID, objectTypeID, externalID)
	cso, err := scanConnectedObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("external id %s: %w", externalID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find connected system object: %w", err)
	}
	return cso, nil
}

// ListConnectedObjects lists every object of a connected system.
func (s *SQLiteStore) ListConnectedObjects(ctx context.Context, systemID string) ([]*engine.ConnectedSystemObject, error) {
	return s.queryConnectedObjects(ctx, `SELECT `+csoColumns+` FROM connected_system_objects
		WHERE connected_system_id = ? ORDER BY id`, systemID)
}

// ListConnectedObjectsByIDs lists the objects with the given IDs.
func (s *SQLiteStore) ListConnectedObjectsByIDs(ctx context.Context, ids []string) ([]*engine.ConnectedSystemObject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + csoColumns + ` FROM connected_system_objects WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	return s.queryConnectedObjects(ctx, query, stringArgs(ids)...)
}

// ListConnectedObjectsForMetaverseObjects lists objects joined to any of the given metaverse objects.
func (s *SQLiteStore) ListConnectedObjectsForMetaverseObjects(ctx context.Context, metaverseIDs []string) ([]*engine.ConnectedSystemObject, error) {
	if len(metaverseIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + csoColumns + ` FROM connected_system_objects
		WHERE metaverse_object_id IN (` + placeholders(len(metaverseIDs)) + `) ORDER BY id`
	return s.queryConnectedObjects(ctx, query, stringArgs(metaverseIDs)...)
}

// SaveConnectedObject inserts or replaces a connected system object.
func (s *SQLiteStore) SaveConnectedObject(ctx context.Context, cso *engine.ConnectedSystemObject) error {
	attrs, err := cso.Attributes.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode attributes of %s: %w", cso.ID, err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO connected_system_objects (`+csoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			connected_system_id = excluded.connected_system_id,
			object_type_id = excluded.object_type_id,
			status = excluded.status,
			join_type = excluded.join_type,
			metaverse_object_id = excluded.metaverse_object_id,
			date_joined = excluded.date_joined,
			external_id = excluded.external_id,
			attributes = excluded.attributes,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`,
		cso.ID,
		cso.ConnectedSystemID,
		cso.ObjectTypeID,
		cso.Status,
		cso.JoinType,
		nullString(cso.MetaverseObjectID),
		nullTime(cso.DateJoined),
		cso.ExternalID,
		string(attrs),
		nullTime(cso.LastSeenAt),
		unixNanos(cso.CreatedAt),
		unixNanos(cso.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save connected system object: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryConnectedObjects(ctx context.Context, query string, args ...any) ([]*engine.ConnectedSystemObject, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected system objects: %w", err)
	}
	defer rows.Close()

	var objects []*engine.ConnectedSystemObject
	for rows.Next() {
		cso, err := scanConnectedObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connected system object: %w", err)
		}
		objects = append(objects, cso)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connected system objects: %w", err)
	}
	return objects, nil
}

// Metaverse objects

// GetMetaverseObject retrieves a metaverse object by ID.
func (s *SQLiteStore) GetMetaverseObject(ctx context.Context, id string) (*engine.MetaverseObject, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, type_id, attributes, connected_object_ids, created_at, updated_at
		FROM metaverse_objects WHERE id = ?`, id)
	mvo, err := scanMetaverseObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metaverse object %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metaverse object: %w", err)
	}
	return mvo, nil
}

// FindMetaverseObjectsByAttribute lists objects of a type holding value in an attribute.
func (s *SQLiteStore) FindMetaverseObjectsByAttribute(ctx context.Context, typeID, attributeID string, value engine.Value, caseSensitive bool) ([]*engine.MetaverseObject, error) {
	if value == nil {
		return nil, nil
	}

	column, key := "value_key", engine.ValueKey(value, true)
	if !caseSensitive {
		column, key = "folded_key", engine.ValueKey(value, false)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.type_id, m.attributes, m.connected_object_ids, m.created_at, m.updated_at
		FROM metaverse_objects m
		JOIN metaverse_attribute_values v ON v.metaverse_object_id = m.id
		WHERE m.type_id = ? AND v.attribute_id = ? AND v.`+column+` = ?
		ORDER BY m.id
	`, typeID, attributeID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find metaverse objects: %w", err)
	}
	defer rows.Close()

	var objects []*engine.MetaverseObject
	for rows.Next() {
		mvo, err := scanMetaverseObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metaverse object: %w", err)
		}
		// keys narrow the search; the final comparison uses engine equality
		for _, v := range mvo.Attributes.Get(attributeID) {
			if engine.ValuesEqual(v, value, caseSensitive) {
				objects = append(objects, mvo)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metaverse objects: %w", err)
	}
	return objects, nil
}

// SaveMetaverseObject inserts or replaces a metaverse object and its lookup keys.
func (s *SQLiteStore) SaveMetaverseObject(ctx context.Context, mvo *engine.MetaverseObject) error {
	attrs, err := mvo.Attributes.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode attributes of %s: %w", mvo.ID, err)
	}
	connected, err := marshalStrings(mvo.ConnectedObjectIDs)
	if err != nil {
		return err
	}

	return s.Atomically(ctx, func(repo engine.Repository) error {
		tx := repo.(*SQLiteStore)
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO metaverse_objects (id, type_id, attributes, connected_object_ids, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type_id = excluded.type_id,
				attributes = excluded.attributes,
				connected_object_ids = excluded.connected_object_ids,
				updated_at = excluded.updated_at
		`, mvo.ID, mvo.TypeID, string(attrs), connected, unixNanos(mvo.CreatedAt), unixNanos(mvo.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to save metaverse object: %w", err)
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM metaverse_attribute_values WHERE metaverse_object_id = ?`, mvo.ID); err != nil {
			return fmt.Errorf("failed to clear lookup keys: %w", err)
		}
		for _, attributeID := range mvo.Attributes.AttributeIDs() {
			for _, v := range mvo.Attributes.Get(attributeID) {
				if v == nil {
					continue
				}
				_, err := tx.q.ExecContext(ctx, `
					INSERT INTO metaverse_attribute_values (metaverse_object_id, attribute_id, value_key, folded_key)
					VALUES (?, ?, ?, ?)
				`, mvo.ID, attributeID, engine.ValueKey(v, true), engine.ValueKey(v, false))
				if err != nil {
					return fmt.Errorf("failed to store lookup key: %w", err)
				}
			}
		}
		return nil
	})
}

// Pending exports

const peColumns = `id, connected_system_id, connected_system_object_id, change_type, status,
	attribute_value_changes, error_count, max_retries, next_retry_at, last_error,
	has_unresolved_references, sync_rule_id, source_metaverse_object_id,
	last_attempted_at, last_exported_at, created_at, updated_at`

// GetPendingExport retrieves a pending export by ID.
func (s *SQLiteStore) GetPendingExport(ctx context.Context, id string) (*engine.PendingExport, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+peColumns+` FROM pending_exports WHERE id = ?`, id)
	pe, err := scanPendingExport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending export %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending export: %w", err)
	}
	return pe, nil
}

// ListPendingExportsForObject lists every export stored for a connected system object.
func (s *SQLiteStore) ListPendingExportsForObject(ctx context.Context, csoID string) ([]*engine.PendingExport, error) {
	return s.queryPendingExports(ctx, `SELECT `+peColumns+` FROM pending_exports
		WHERE connected_system_object_id = ? ORDER BY id`, csoID)
}

// ListPendingExports lists exports of a connected system, or of all systems when systemID is empty.
func (s *SQLiteStore) ListPendingExports(ctx context.Context, systemID string) ([]*engine.PendingExport, error) {
	if systemID == "" {
		return s.queryPendingExports(ctx, `SELECT `+peColumns+` FROM pending_exports ORDER BY id`)
	}
	return s.queryPendingExports(ctx, `SELECT `+peColumns+` FROM pending_exports
		WHERE connected_system_id = ? ORDER BY id`, systemID)
}

// ListDuePendingExports lists exports of a system that are eligible for execution at now.
func (s *SQLiteStore) ListDuePendingExports(ctx context.Context, systemID string, now time.Time) ([]*engine.PendingExport, error) {
	candidates, err := s.queryPendingExports(ctx, `SELECT `+peColumns+` FROM pending_exports
		WHERE connected_system_id = ?
		  AND status IN (?, ?, ?)
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND error_count < max_retries
		ORDER BY id`,
		systemID,
		engine.PendingExportStatusPending,
		engine.PendingExportStatusExported,
		engine.PendingExportStatusExportNotConfirmed,
		unixNanos(now),
	)
	if err != nil {
		return nil, err
	}

	due := candidates[:0]
	for _, pe := range candidates {
		if pe.IsEligibleForExecution(now) {
			due = append(due, pe)
		}
	}
	return due, nil
}

// CreatePendingExport inserts a new pending export.
func (s *SQLiteStore) CreatePendingExport(ctx context.Context, pe *engine.PendingExport) error {
	changes, err := marshalChanges(pe.AttributeValueChanges)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `INSERT INTO pending_exports (`+peColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pe.ID,
		pe.ConnectedSystemID,
		pe.ConnectedSystemObjectID,
		pe.ChangeType,
		pe.Status,
		changes,
		pe.ErrorCount,
		pe.MaxRetries,
		nullTime(pe.NextRetryAt),
		pe.LastError,
		pe.HasUnresolvedReferences,
		pe.SyncRuleID,
		pe.SourceMetaverseObjectID,
		nullTime(pe.LastAttemptedAt),
		nullTime(pe.LastExportedAt),
		unixNanos(pe.CreatedAt),
		unixNanos(pe.UpdatedAt),
	)
	if isUniqueViolation(err) {
		existing, countErr := s.countPendingExports(ctx, pe.ConnectedSystemObjectID)
		if countErr != nil {
			existing = 1
		}
		return engine.DuplicatePendingExportError(pe.ConnectedSystemObjectID, existing).WithOperation("insert")
	}
	if err != nil {
		return fmt.Errorf("failed to create pending export: %w", err)
	}
	return nil
}

// UpdatePendingExport replaces an existing pending export.
func (s *SQLiteStore) UpdatePendingExport(ctx context.Context, pe *engine.PendingExport) error {
	changes, err := marshalChanges(pe.AttributeValueChanges)
	if err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE pending_exports SET
			connected_system_id = ?,
			connected_system_object_id = ?,
			change_type = ?,
			status = ?,
			attribute_value_changes = ?,
			error_count = ?,
			max_retries = ?,
			next_retry_at = ?,
			last_error = ?,
			has_unresolved_references = ?,
			sync_rule_id = ?,
			source_metaverse_object_id = ?,
			last_attempted_at = ?,
			last_exported_at = ?,
			updated_at = ?
		WHERE id = ?
	`,
		pe.ConnectedSystemID,
		pe.ConnectedSystemObjectID,
		pe.ChangeType,
		pe.Status,
		changes,
		pe.ErrorCount,
		pe.MaxRetries,
		nullTime(pe.NextRetryAt),
		pe.LastError,
		pe.HasUnresolvedReferences,
		pe.SyncRuleID,
		pe.SourceMetaverseObjectID,
		nullTime(pe.LastAttemptedAt),
		nullTime(pe.LastExportedAt),
		unixNanos(pe.UpdatedAt),
		pe.ID,
	)
	if isUniqueViolation(err) {
		return engine.DuplicatePendingExportError(pe.ConnectedSystemObjectID, 1).WithOperation("update")
	}
	if err != nil {
		return fmt.Errorf("failed to update pending export: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pending export %s: %w", pe.ID, engine.ErrNotFound)
	}
	return nil
}

// DeletePendingExport removes a pending export. Deleting an absent export is not an error.
func (s *SQLiteStore) DeletePendingExport(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM pending_exports WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending export: %w", err)
	}
	return nil
}

func (s *SQLiteStore) countPendingExports(ctx context.Context, csoID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_exports WHERE connected_system_object_id = ?`, csoID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) queryPendingExports(ctx context.Context, query string, args ...any) ([]*engine.PendingExport, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending exports: %w", err)
	}
	defer rows.Close()

	var exports []*engine.PendingExport
	for rows.Next() {
		pe, err := scanPendingExport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending export: %w", err)
		}
		exports = append(exports, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending exports: %w", err)
	}
	return exports, nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary key constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ engine.Repository = (*SQLiteStore)(nil)
