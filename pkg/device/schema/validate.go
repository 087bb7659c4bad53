// Package schema validates JSON request bodies against JSON Schema documents.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// BusSettingsPatch describes a partial update to the bus tuning. The bounds
// keep a single poll cycle well under a second on a healthy bus.
var BusSettingsPatch = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"retry_count": {"type": "integer", "minimum": 1, "maximum": 50},
		"retry_delay_ms": {"type": "integer", "minimum": 0, "maximum": 1000},
		"wait_delay_ms": {"type": "integer", "minimum": 0, "maximum": 1000},
		"poll_interval_ms": {"type": "integer", "minimum": 10, "maximum": 60000}
	},
	"additionalProperties": false,
	"minProperties": 1
}`)

// Validator validates payloads against JSON Schema documents, caching
// compiled schemas keyed by their raw bytes.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a new Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate validates payload against schemaDoc. An empty document accepts
// anything.
func (v *Validator) Validate(schemaDoc json.RawMessage, payload map[string]any) error {
	if len(schemaDoc) == 0 || string(schemaDoc) == "{}" || string(schemaDoc) == "null" {
		return nil
	}

	compiled, err := v.compile(schemaDoc)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	return compiled.Validate(payload)
}

// ValidateJSON decodes raw and validates it. Numbers are decoded as
// json.Number so integer constraints see the literal value.
func (v *Validator) ValidateJSON(schemaDoc json.RawMessage, raw []byte) (map[string]any, error) {
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, errors.New("expected a JSON object")
	}
	if err := v.Validate(schemaDoc, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (v *Validator) compile(schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaDoc)

	v.mu.RLock()
	if s, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}
