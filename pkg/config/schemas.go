package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// DefinitionsSchema is the name of the schema the definition files are checked against.
const DefinitionsSchema = "definitions"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry creates a registry whose values can be unified with other
// values built by ctx.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(DefinitionsSchema, builtinDefinitionsSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns the #Name definition of a registered schema.
func (sr *SchemaRegistry) Definition(schemaName, definition string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition %s", schemaName, definition)
	}
	return def, nil
}

// ValidateAgainstSchema validates data against a definition of a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName, definition string, data interface{}) error {
	def, err := sr.Definition(schemaName, definition)
	if err != nil {
		return err
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinDefinitionsSchema = `
#ID: string & =~"^[A-Za-z0-9][A-Za-z0-9_.:-]*$"

#DataType: "text" | "number" | "long_number" | "datetime" | "boolean" | "guid" | "binary" | "reference"

#Attribute: {
	id:        #ID
	name:      string & !=""
	type:      #DataType
	plurality: *"single" | "multi"
}

// A source reads one attribute or evaluates one expression.
#Source: {
	order: *1 | int & >=0
	attribute?:  #ID
	expression?: string & !=""
}

#Mapping: {
	id?:              #ID
	target_attribute: #ID
	sources: [#Source, ...#Source]
}

#MatchingRule: {
	id:                     #ID
	order:                  *1 | int & >=0
	metaverse_object_type?: #ID
	sources: [#Source, ...#Source]
	target_attribute: #ID
	case_sensitive:   *false | bool
}

#ObjectType: {
	id?:  #ID
	name: string & !=""
	attributes: [...#Attribute]
	external_id_attributes?: [...#ID]
	matching_rules?: [...#MatchingRule]
}

#ConnectedSystem: {
	id?:                #ID
	name:               string & !=""
	matching_rule_mode: *"connected_system" | "sync_rule"
	export_parallelism: *4 | int & >=1 & <=256
	max_retries?:       int & >=0
	object_types: {[#ID]: #ObjectType}
}

#SyncRule: {
	id?:                           #ID
	name:                          string & !=""
	direction:                     "import" | "export"
	connected_system:              #ID
	object_type:                   #ID
	metaverse_object_type:         #ID
	enabled:                       *true | bool
	enforce_state:                 *false | bool
	case_sensitive:                *false | bool
	project_to_metaverse:          *false | bool
	provision_to_connected_system: *false | bool
	mappings: [...#Mapping]
	matching_rules?: [...#MatchingRule]
}

#Definitions: {
	metaverse?: object_types: {[#ID]: #ObjectType}
	connected_systems?: {[#ID]: #ConnectedSystem}
	sync_rules?: {[#ID]: #SyncRule}
}
`
