package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// MaxSpecBytes bounds the encoded size of a spec accepted by the parsers.
const MaxSpecBytes = 4 << 20

const schemaURL = "https://decision-gate.schemas.local/scenario.schema.json"

//go:embed schema/scenario.schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func specSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("scenario schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("scenario schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ParseJSON checks data against the scenario JSON Schema and decodes it,
// rejecting unknown fields. The result is not yet validated; call Validate.
func ParseJSON(data []byte) (*Spec, error) {
	if len(data) > MaxSpecBytes {
		return nil, fmt.Errorf("%w: spec is %d bytes, limit %d", ErrInvalidSpec, len(data), MaxSpecBytes)
	}
	schema, err := specSchema()
	if err != nil {
		return nil, err
	}
	raw := json.NewDecoder(bytes.NewReader(data))
	raw.UseNumber()
	var doc any
	if err := raw.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if raw.More() {
		return nil, fmt.Errorf("%w: trailing data after spec document", ErrInvalidSpec)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrInvalidSpec, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return &s, nil
}

// ParseYAML accepts the YAML authoring form by converting it to JSON and
// parsing that.
func ParseYAML(data []byte) (*Spec, error) {
	if len(data) > MaxSpecBytes {
		return nil, fmt.Errorf("%w: spec is %d bytes, limit %d", ErrInvalidSpec, len(data), MaxSpecBytes)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidSpec, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: yaml is not representable as json: %v", ErrInvalidSpec, err)
	}
	return ParseJSON(raw)
}
