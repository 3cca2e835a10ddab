package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in configuration schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the named definition within it.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("invalid definition %s in schema %s: %w", definition, name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
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

// ValidateAgainstSchema validates data against a named schema. Schema violations are
// returned as ValidationErrors.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	// a cue.Context is not safe for concurrent use
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		path := documentPath(e.Path())
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		key := path + "\x00" + msg
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ValidationError{Path: path, Message: msg})
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// documentPath drops the definition selector CUE prefixes to error paths.
func documentPath(selectors []string) string {
	if len(selectors) > 0 && strings.HasPrefix(selectors[0], "#") {
		selectors = selectors[1:]
	}
	return strings.Join(selectors, ".")
}

const builtinConfigSchema = `
#Channel: "" | =~"^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+){0,2}$"

#Settings: {[string]: string | number | bool}

#Provider: {
	enable?:                  bool
	bootstrap?:               bool
	"model-defaults"?:        #Settings | null
	"bootstrap-constraints"?: #Settings | null
}

#Juju: {
	disable?:                 bool
	channel?:                 #Channel
	"agent-version"?:         string
	"model-defaults"?:        #Settings | null
	"bootstrap-constraints"?: #Settings | null
	"extra-bootstrap-args"?:  string
}

#LXD: {
	#Provider
	channel?: #Channel
}

#Google: {
	#Provider
	"credentials-file"?: string
}

#MicroK8s: {
	#Provider
	channel?: #Channel
	addons?: [...string]
}

#K8s: {
	#Provider
	channel?: #Channel
	features?: {[string]: #Settings | null}
}

#Providers: {
	lxd?:      #LXD | null
	google?:   #Google | null
	microk8s?: #MicroK8s | null
	k8s?:      #K8s | null
}

#Snap: {
	channel?: #Channel
	classic?: bool
	connections?: [...string]
}

#Host: {
	packages?: [...string]
	snaps?: {[=~"^[a-z0-9][a-z0-9-]*$"]: #Snap | null}
}

#Config: {
	juju?:      #Juju | null
	providers?: #Providers | null
	host?:      #Host | null
}
`
