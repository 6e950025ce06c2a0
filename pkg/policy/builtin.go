package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		createRequiresAttributesPolicy(),
		externalIDPolicy(),
		deleteProtectionPolicy(),
		repeatedFailuresPolicy(),
	}
}

// createRequiresAttributesPolicy rejects provisioning exports that carry no
// attribute values.
func createRequiresAttributesPolicy() Policy {
	return Policy{
		Name:        "create-requires-attributes",
		Description: "Create exports must carry at least one attribute value",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"provisioning"},
		Rego: `package jim.policies.create

import rego.v1

deny contains violation if {
	input.pending_export.change_type == "create"
	count(input.pending_export.changes) == 0
	violation := {
		"message": sprintf("create export %s has no attribute values", [input.pending_export.id]),
		"severity": "error",
		"resource": input.pending_export.id,
	}
}
`,
	}
}

// externalIDPolicy warns about updates to objects the connected system cannot
// address.
func externalIDPolicy() Policy {
	return Policy{
		Name:        "update-external-id",
		Description: "Update and delete exports should target an object with an external id",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"addressing"},
		Rego: `package jim.policies.addressing

import rego.v1

deny contains violation if {
	input.pending_export.change_type in {"update", "delete"}
	input.connected_system_object.external_id == ""
	violation := {
		"message": sprintf("%s export %s targets object %s without an external id", [
			input.pending_export.change_type,
			input.pending_export.id,
			input.connected_system_object.id,
		]),
		"severity": "warning",
		"resource": input.connected_system_object.id,
	}
}
`,
	}
}

// deleteProtectionPolicy blocks deleting objects that existed in the connected
// system before they were joined. Disabled unless enabled by configuration.
func deleteProtectionPolicy() Policy {
	return Policy{
		Name:        "delete-protection",
		Description: "Only objects provisioned by jim may be deleted",
		Severity:    SeverityError,
		Enabled:     false,
		Tags:        []string{"deprovisioning", "safety"},
		Rego: `package jim.policies.deletes

import rego.v1

deny contains violation if {
	input.pending_export.change_type == "delete"
	input.connected_system_object.join_type != "provisioned"
	violation := {
		"message": sprintf("object %s (%s) was not provisioned by jim and must not be deleted", [
			input.connected_system_object.external_id,
			input.connected_system_object.join_type,
		]),
		"severity": "error",
		"resource": input.connected_system_object.id,
	}
}
`,
	}
}

// repeatedFailuresPolicy flags exports that keep failing.
func repeatedFailuresPolicy() Policy {
	return Policy{
		Name:        "repeated-failures",
		Description: "Warns when an export has failed several times",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"operations"},
		Rego: `package jim.policies.failures

import rego.v1

deny contains violation if {
	input.pending_export.error_count >= 3
	violation := {
		"message": sprintf("export %s has failed %d times", [
			input.pending_export.id,
			input.pending_export.error_count,
		]),
		"severity": "warning",
		"resource": input.pending_export.id,
	}
}
`,
	}
}
