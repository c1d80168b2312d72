// Package schemas validates step results against the JSON Schemas embedded in results/.
package schemas

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed results/*.json
var resultSchemas embed.FS

var (
	compiled   = make(map[string]*gojsonschema.Schema)
	compiledMu sync.Mutex
)

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Schema string
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func (ve *ValidationError) Error() string {
	parts := make([]string, 0, len(ve.Errors))
	for _, err := range ve.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	if ve.Schema != "" {
		return fmt.Sprintf("%s result failed validation: %s", ve.Schema, strings.Join(parts, "; "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasSchema reports whether a result schema exists for stepKey
func HasSchema(stepKey string) bool {
	_, err := resultSchemas.ReadFile(schemaPath(stepKey))
	return err == nil
}

// ValidateResult validates a step result against its embedded schema. Steps
// without a schema always pass.
func ValidateResult(stepKey string, result map[string]any) error {
	schema, err := loadResultSchema(stepKey)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	if result == nil {
		result = map[string]any{}
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(result))
	if err != nil {
		return fmt.Errorf("failed to validate %s result: %w", stepKey, err)
	}
	return toValidationError(stepKey, res)
}

func schemaPath(stepKey string) string {
	return "results/" + stepKey + ".json"
}

func loadResultSchema(stepKey string) (*gojsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()

	if s, ok := compiled[stepKey]; ok {
		return s, nil
	}
	data, err := resultSchemas.ReadFile(schemaPath(stepKey))
	if err != nil {
		compiled[stepKey] = nil
		return nil, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &SchemaLoadError{Path: schemaPath(stepKey), Message: "invalid schema", Cause: err}
	}
	compiled[stepKey] = s
	return s, nil
}

// ValidateJSONString validates JSON string content against schema string content
func ValidateJSONString(schemaContent, jsonContent string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaContent)
	documentLoader := gojsonschema.NewStringLoader(jsonContent)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{
			Path:    "(string schema)",
			Message: "schema validation failed during load",
			Cause:   err,
		}
	}
	return toValidationError("", result)
}

// ValidateValue marshals v and validates it against the result schema of stepKey
func ValidateValue(stepKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s value: %w", stepKey, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%s value is not a JSON object: %w", stepKey, err)
	}
	return ValidateResult(stepKey, m)
}

func toValidationError(schema string, result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Schema: schema,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
