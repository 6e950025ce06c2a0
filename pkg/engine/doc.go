// Package engine implements the JIM identity synchronization engine.
//
// # Overview
//
// JIM keeps identities consistent across connected systems (directories, HR
// systems, databases) through a central metaverse. Each pass works on one
// connected system:
//
//  1. Import - Materialize connected system objects from connector records (ImportProcessor)
//  2. Sync - Join or project objects into the metaverse and flow attributes in (SyncProcessor)
//  3. Export evaluation - Flow metaverse changes out, provisioning new objects where rules ask for it
//  4. Drift - Compare live objects to what enforcing export rules dictate (DriftDetector)
//  5. Export - Send pending exports to the connector in dependency order (ExportExecutor)
//  6. Confirm - Reconcile pending exports against the next import (PendingExportManager.Confirm)
//
// # Core Domain Types
//
//   - Value: A typed attribute value (text, number, long, datetime, boolean, guid, binary, reference)
//   - ConnectedSystemObject: One object as seen in one connected system
//   - MetaverseObject: The canonical identity record
//   - SyncRule: Attribute mappings between a connected system object type and a metaverse type
//   - PendingExport: The outbound work for one connected system object
//   - ActivitySummary: The counts produced by one pass
//
// # Reference Spaces
//
// Reference values are compared in metaverse-id space: a connected system
// reference is rewritten to the metaverse object its target is joined to
// before it is compared. Pending export changes carry references in the
// target system's space; a reference to an object that is not yet confirmed
// in that system is flagged unresolved and resolved when the export runs.
//
// # Pending Export Invariants
//
// At most one pending export exists per connected system object. Staging
// appends to it, serialized by a per-object lock taken inside the repository
// transaction, and the store rejects a second export for the same object.
// Finding two is an integrity violation that is never retried.
//
// # Concurrency
//
// Work on one metaverse object is serialized by the sync processor. Exports
// run in parallel up to each connected system's limit, level by level, so an
// export referencing an object being created waits for that create. A pass
// can be cancelled between items; connector calls already in flight finish.
package engine
