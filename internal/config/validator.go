package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

//go:embed schema/job-schema.json
var embeddedSchema []byte

const jobSchemaURL = "https://annotask.dev/schemas/job/v1/job-schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaInitErr  error
)

// JobSchema returns the embedded job schema.
func JobSchema() []byte {
	return embeddedSchema
}

// getCompiledSchema compiles the embedded schema on first use.
func getCompiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var schemaDoc interface{}
		if err := json.Unmarshal(embeddedSchema, &schemaDoc); err != nil {
			schemaInitErr = fmt.Errorf("failed to parse embedded schema: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(jobSchemaURL, schemaDoc); err != nil {
			schemaInitErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}

		var err error
		compiledSchema, err = compiler.Compile(jobSchemaURL)
		if err != nil {
			schemaInitErr = fmt.Errorf("failed to compile schema: %w", err)
		}
	})

	if schemaInitErr != nil {
		return nil, schemaInitErr
	}
	return compiledSchema, nil
}

// ValidateJob validates a parsed job document against the job schema.
func ValidateJob(data map[string]interface{}) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if len(data) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "/",
			Type:    "required",
			Message: "job document is empty",
		})
		return result
	}

	schema, err := getCompiledSchema()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "/",
			Type:    "schema",
			Message: fmt.Sprintf("failed to load schema: %v", err),
		})
		return result
	}

	if err := schema.Validate(data); err != nil {
		result.Valid = false
		var detailed *jsonschema.ValidationError
		if errors.As(err, &detailed) {
			result.Errors = convertValidationErrors(detailed)
		}
		if len(result.Errors) == 0 {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "/",
				Type:    "validation",
				Message: err.Error(),
			})
		}
	}
	return result
}

// convertValidationErrors flattens the error tree into its leaves. Group
// nodes (oneOf, $ref, allOf) only carry their causes.
func convertValidationErrors(err *jsonschema.ValidationError) []ValidationError {
	if len(err.Causes) > 0 {
		var out []ValidationError
		for _, cause := range err.Causes {
			out = append(out, convertValidationErrors(cause)...)
		}
		return out
	}

	path := formatInstanceLocation(err.InstanceLocation)
	return []ValidationError{{
		Path:    path,
		Type:    errorType(err.ErrorKind),
		Message: leafMessage(err.Error()),
	}}
}

// leafMessage drops the "at '<path>': " prefix; the path is reported separately.
func leafMessage(msg string) string {
	if strings.HasPrefix(msg, "at ") {
		if i := strings.Index(msg, ": "); i >= 0 {
			return msg[i+2:]
		}
	}
	return msg
}

func formatInstanceLocation(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}

func errorType(k jsonschema.ErrorKind) string {
	switch k.(type) {
	case *kind.Required:
		return "required"
	case *kind.Type:
		return "type"
	case *kind.Enum, *kind.Const:
		return "enum"
	case *kind.Pattern:
		return "pattern"
	case *kind.Minimum, *kind.Maximum, *kind.ExclusiveMinimum, *kind.ExclusiveMaximum,
		*kind.MinLength, *kind.MaxLength, *kind.MinItems, *kind.MaxItems:
		return "range"
	case *kind.AdditionalProperties:
		return "additionalProperties"
	case *kind.OneOf, *kind.AnyOf, *kind.Not, *kind.FalseSchema:
		return "combination"
	default:
		return "validation"
	}
}
