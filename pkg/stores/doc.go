// Package stores persists the identity-sync state in SQLite.
//
// SQLiteStore implements engine.Repository: connected system objects,
// metaverse objects with an attribute-value index for matching rules, and
// pending exports with at most one row per connected system object. The schema
// is managed with embedded golang-migrate migrations and file databases run in
// WAL mode. Activity summaries of import, sync and export passes are kept in
// the same database.
package stores
