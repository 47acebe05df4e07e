// Package validation checks run inputs and resume payloads against JSON
// Schema Draft 2020-12. Schemas arrive as raw bytes on the workflow
// definition; compiled forms are cached per schema document.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles and caches JSON Schemas for payload validation.
// Safe for concurrent use.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateResume validates a resume payload against a step's resume schema.
// An empty schema accepts anything.
func (v *SchemaValidator) ValidateResume(payload json.RawMessage, resumeSchema json.RawMessage) error {
	return v.validate(payload, resumeSchema, "resume payload")
}

// ValidateInput validates run input against a workflow's input schema.
// An empty schema accepts anything.
func (v *SchemaValidator) ValidateInput(input json.RawMessage, inputSchema json.RawMessage) error {
	return v.validate(input, inputSchema, "input")
}

func (v *SchemaValidator) validate(doc json.RawMessage, schemaBytes json.RawMessage, what string) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s schema", what).WithCause(err)
	}

	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}

	// Round-trip through the library decoder so numbers arrive as
	// json.Number, which the validator requires.
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is not valid JSON", what).WithCause(err)
	}

	if err := compiled.Validate(value); err != nil {
		return toEngineError(err, what)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Unique URL per schema to avoid compiler resource collisions.
	url := fmt.Sprintf("stepflow://schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toEngineError flattens a jsonschema.ValidationError tree into one
// EngineError whose details carry every leaf violation.
func toEngineError(err error, what string) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("%s validation failed with %d errors", what, len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the error tree and returns leaf messages with
// their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
