package manifest

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/manifest.schema.json
var schemaDocument string

const schemaURL = "manifest.schema.json"

// SchemaValidator checks manifests against the embedded JSON Schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded manifest schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	schema, err := jsonschema.CompileString(schemaURL, schemaDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate returns one message per failing schema leaf. The input must come
// from JSON decoding (see Parse).
func (s *SchemaValidator) Validate(raw map[string]any) []string {
	err := s.schema.Validate(any(raw))
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{"schema: " + err.Error()}
	}

	var msgs []string
	collectLeaves(ve, &msgs)
	return msgs
}

func collectLeaves(ve *jsonschema.ValidationError, msgs *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*msgs = append(*msgs, fmt.Sprintf("schema: %s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, msgs)
	}
}
