// internal/schema/validator.go
// Package schema provides JSON schema validation for configuration documents.
// It ensures origins, mappings, and policies are well formed before they are
// persisted and can reach a serving index.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document kinds accepted by the validator.
const (
	KindOrigin  = "origin"
	KindMapping = "mapping"
	KindPolicy  = "policy"
)

// Validator validates configuration documents against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of document kind to compiled schema
}

// NewValidator creates a new configuration document validator.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

// loadSchemas compiles the JSON schemas for all supported document kinds.
func (v *Validator) loadSchemas() error {
	// Origin schema - upstream endpoint plus optional fetch headers
	originSchema := `{
		"type": "object",
		"required": ["name", "domain"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 128},
			"domain": {"type": "string", "minLength": 1},
			"basePath": {"type": "string"},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"cacheTtl": {"type": "integer", "minimum": 0}
		}
	}`
	if err := v.loadSchema(KindOrigin, originSchema); err != nil {
		return fmt.Errorf("failed to load origin schema: %w", err)
	}

	// Mapping schema - pattern plus origin reference and optional policy
	mappingSchema := `{
		"type": "object",
		"required": ["matchKind", "pattern", "originId"],
		"properties": {
			"matchKind": {"type": "string", "enum": ["HOST_MAPPING", "PATH_MAPPING"]},
			"pattern": {"type": "string", "minLength": 1},
			"originId": {"type": "string", "minLength": 1},
			"policyId": {"type": "string"}
		}
	}`
	if err := v.loadSchema(KindMapping, mappingSchema); err != nil {
		return fmt.Errorf("failed to load mapping schema: %w", err)
	}

	// Policy schema - conditional transformation steps and output directives.
	// The operation enum mirrors the executor's closed variant set.
	policySchema := `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 128},
			"isDefault": {"type": "boolean"},
			"cacheTtl": {"type": "integer", "minimum": 0},
			"transformations": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["operation"],
					"properties": {
						"operation": {
							"type": "string",
							"enum": ["resize", "rotate", "flip", "flop", "blur", "sharpen",
							         "grayscale", "tint", "smartcrop", "extract", "convolve",
							         "overlay", "strip", "animated"]
						},
						"value": {"type": "object"},
						"condition": {
							"type": "object",
							"required": ["field"],
							"properties": {
								"field": {"type": "string", "enum": ["format", "dpr", "viewport", "host"]},
								"value": {"type": "string"},
								"values": {"type": "array", "items": {"type": "string"}, "minItems": 1}
							}
						}
					}
				}
			},
			"outputs": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["type"],
					"properties": {
						"type": {"type": "string", "enum": ["quality", "format", "autosize"]},
						"value": {"type": "string"},
						"tiers": {
							"type": "array",
							"items": {
								"type": "object",
								"required": ["low", "high", "multiplier"],
								"properties": {
									"low": {"type": "number", "minimum": 0},
									"high": {"type": "number", "minimum": 0},
									"multiplier": {"type": "number", "exclusiveMinimum": 0}
								}
							}
						},
						"widths": {"type": "array", "items": {"type": "integer", "minimum": 1}}
					}
				}
			}
		}
	}`
	if err := v.loadSchema(KindPolicy, policySchema); err != nil {
		return fmt.Errorf("failed to load policy schema: %w", err)
	}

	return nil
}

// loadSchema compiles a single schema for a document kind.
func (v *Validator) loadSchema(kind, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// Validate validates a configuration document against the schema for its kind.
// Returns nil if valid, or an error listing every violation.
func (v *Validator) Validate(kind string, document any) error {
	schema, exists := v.schemas[kind]
	if !exists {
		return fmt.Errorf("unsupported document kind: %s", kind)
	}

	docJSON, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
