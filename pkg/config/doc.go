// Package config loads the two kinds of configuration jim runs from.
//
// # Runtime configuration
//
// Config is a YAML file holding process settings: database location, logging,
// export retry policy, expression limits, the export policy gate and telemetry.
// Load applies the defaults, the file and then the JIM_* environment overrides,
// and validates the result with go-playground/validator struct tags.
//
//	database:
//	  path: /var/lib/jim/jim.db
//	logging:
//	  level: debug
//	  format: json
//	export:
//	  max_retries: 5
//	  base_delay: 30s
//	  max_delay: 1h
//
// # Sync definitions
//
// Connected systems, metaverse object types and sync rules are written in CUE.
// DefinitionParser unifies the given files and directories, checks them against
// the built-in #Definitions schema (which supplies defaults such as plurality
// "single" and enabled rules), decodes them into DefinitionsConfig and converts
// that into an engine.SyncModel. Errors carry file, line and column.
//
//	metaverse: object_types: person: {
//		name: "Person"
//		attributes: [
//			{id: "employee_id", name: "Employee ID", type: "text"},
//			{id: "display_name", name: "Display Name", type: "text"},
//		]
//	}
//
//	connected_systems: hr: {
//		name: "HR"
//		object_types: employee: {
//			name: "Employee"
//			attributes: [
//				{id: "emp_no", name: "Employee Number", type: "text"},
//				{id: "first", name: "First Name", type: "text"},
//			]
//			external_id_attributes: ["emp_no"]
//		}
//	}
//
//	sync_rules: "hr-in": {
//		name:                  "HR inbound"
//		direction:             "import"
//		connected_system:      "hr"
//		object_type:           "employee"
//		metaverse_object_type: "person"
//		project_to_metaverse:  true
//		mappings: [
//			{target_attribute: "employee_id", sources: [{attribute: "emp_no"}]},
//			{target_attribute: "display_name", sources: [{expression: #"cs["first"][0]"#}]},
//		]
//	}
//
// Usage:
//
//	parser := config.NewDefinitionParser()
//	model, err := parser.Load(ctx, cfg.Definitions)
//	if err != nil {
//	    return err
//	}
package config
