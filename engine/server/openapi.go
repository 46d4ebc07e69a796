package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

//go:embed openapi.yaml
var openapiYAML []byte

// loadAPISpec parses and validates the embedded OpenAPI document.
func loadAPISpec() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	spec, err := loader.LoadFromData(openapiYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := spec.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("OpenAPI spec is invalid: %w", err)
	}
	return spec, nil
}

// validateBody checks a JSON request body against a component schema.
// Failures wrap mywant.ErrInvalidSpec.
func (s *Server) validateBody(schemaName string, body []byte) error {
	ref := s.spec.Components.Schemas[schemaName]
	if ref == nil || ref.Value == nil {
		return fmt.Errorf("schema %s not found in OpenAPI spec", schemaName)
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("invalid JSON: %v: %w", err, mywant.ErrInvalidSpec)
	}
	if err := ref.Value.VisitJSON(value); err != nil {
		return fmt.Errorf("%v: %w", err, mywant.ErrInvalidSpec)
	}
	return nil
}
