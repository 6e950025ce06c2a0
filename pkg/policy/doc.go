// Package policy gates exports with Open Policy Agent (OPA) Rego policies.
//
// Before the export executor sends a pending export to its connected system
// it asks the policy Engine whether the export may proceed. Each enabled
// policy contributes violations through a deny set:
//
//	package jim.policies.hr
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.pending_export.change_type == "delete"
//	    input.connected_system_object.object_type == "manager"
//	    violation := {
//	        "message": "managers are never deleted automatically",
//	        "severity": "error",
//	    }
//	}
//
// Violations of severity "error" or "critical" block the export, which then
// fails permanently with code POLICY_DENIED. "warning" and "info" violations
// are logged only. A violation without a severity takes the policy's default,
// which is "error" for policies loaded from files.
//
// # Input
//
// Policies see the export and its target object:
//
//	{
//	  "operation": "export",
//	  "timestamp": "2025-01-01T00:00:00Z",
//	  "pending_export": {
//	    "id": "...", "connected_system": "ad", "change_type": "update",
//	    "error_count": 0, "sync_rule": "ad-out",
//	    "changes": [{"attribute": "mail", "change_type": "update",
//	                 "value": "jo@example.com", "data_type": "text", "cleared": false}]
//	  },
//	  "connected_system_object": {
//	    "id": "...", "object_type": "user", "external_id": "CN=Jo",
//	    "status": "normal", "join_type": "provisioned",
//	    "attributes": {"mail": ["old@example.com"]}
//	  }
//	}
//
// Only changes not yet accepted by the connector are included.
//
// # Usage
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadPolicies(ctx, []string{"/etc/jim/policies"}); err != nil {
//	    return err
//	}
//	_ = gate.Watch(ctx, []string{"/etc/jim/policies"})
//
//	executor := engine.NewExportExecutor(manager, repo, model, logger, engine.WithExportGate(gate))
//
// Files ending in .rego are loaded as policies named after the file; .json
// files hold a Policy document. Watch reloads all files when any of them
// changes. A reload that fails to compile leaves the previous set in place.
//
// # Built-in Policies
//
//   - create-requires-attributes: create exports must carry attribute values (error)
//   - update-external-id: updates and deletes should target an addressable object (warning)
//   - delete-protection: only provisioned objects may be deleted (error, disabled by default)
//   - repeated-failures: flags exports that failed three or more times (warning)
package policy
