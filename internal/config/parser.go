package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// decoder turns document content into a generic value.
type decoder func(content string) (interface{}, error)

var decoders = map[string]decoder{
	FormatJSON: func(content string) (interface{}, error) {
		var data interface{}
		err := json.Unmarshal([]byte(content), &data)
		return data, err
	},
	FormatYAML: func(content string) (interface{}, error) {
		var data interface{}
		err := yaml.Unmarshal([]byte(content), &data)
		return data, err
	},
	FormatTOML: func(content string) (interface{}, error) {
		var data map[string]interface{}
		if err := toml.Unmarshal([]byte(content), &data); err != nil {
			return nil, err
		}
		return data, nil
	},
}

// ParseJSONString parses JSON content from a string.
func ParseJSONString(content string) *ParseResult {
	return parseString(content, FormatJSON)
}

// ParseYAMLString parses YAML content from a string.
func ParseYAMLString(content string) *ParseResult {
	return parseString(content, FormatYAML)
}

// ParseTOMLString parses TOML content from a string.
func ParseTOMLString(content string) *ParseResult {
	return parseString(content, FormatTOML)
}

// ParseFile parses a document file, choosing the format by extension and
// falling back to content sniffing for unknown extensions.
func ParseFile(filepath string) *ParseResult {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return &ParseResult{
			FilePath: filepath,
			Format:   DetectFormat(filepath),
			Errors: []ParseError{{
				Path:    filepath,
				Message: fmt.Sprintf("failed to read file: %v", err),
				Type:    ErrorTypeIO,
			}},
		}
	}

	format := DetectFormat(filepath)
	if format == "" {
		format = sniffFormat(string(content))
	}
	var result *ParseResult
	if format == "" {
		result = &ParseResult{Errors: []ParseError{{
			Message: "unable to detect document format: not valid JSON, YAML or TOML",
			Type:    ErrorTypeFormat,
		}}}
	} else {
		result = parseString(string(content), format)
	}

	result.FilePath = filepath
	for i := range result.Errors {
		if result.Errors[i].Path == "" {
			result.Errors[i].Path = filepath
		}
	}
	return result
}

func parseString(content, format string) *ParseResult {
	result := &ParseResult{Format: format}

	decode, ok := decoders[format]
	if !ok {
		result.Errors = append(result.Errors, ParseError{
			Message: fmt.Sprintf("unsupported format: %s", format),
			Type:    ErrorTypeFormat,
		})
		return result
	}

	if strings.TrimSpace(content) == "" {
		result.Errors = append(result.Errors, ParseError{
			Message: fmt.Sprintf("empty content: expected %s document", strings.ToUpper(format)),
			Type:    ErrorTypeSyntax,
		})
		return result
	}

	data, err := decode(content)
	if err != nil {
		result.Errors = append(result.Errors, decodeError(format, err, content))
		return result
	}
	if data == nil {
		// null document or comments only: valid syntax but nothing to validate
		return result
	}

	dataMap, ok := data.(map[string]interface{})
	if !ok {
		result.Errors = append(result.Errors, ParseError{
			Message: fmt.Sprintf("invalid job document: expected an object, got %T", data),
			Type:    ErrorTypeFormat,
		})
		return result
	}
	result.Data = dataMap
	return result
}

// decodeError extracts location information from a decoder error.
func decodeError(format string, err error, content string) ParseError {
	parseErr := ParseError{Message: err.Error(), Type: ErrorTypeSyntax}

	switch format {
	case FormatJSON:
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			parseErr.Offset = syntaxErr.Offset
			parseErr.Line, parseErr.Column = offsetToLineColumn(content, syntaxErr.Offset)
			parseErr.Message = fmt.Sprintf("JSON syntax error at offset %d: %s", syntaxErr.Offset, syntaxErr.Error())
		}
	case FormatYAML:
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			parseErr.Message = fmt.Sprintf("YAML type error: %s", strings.Join(typeErr.Errors, "; "))
		}
		// yaml.v3 reports "yaml: line X: ..."
		var line int
		if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
			parseErr.Line = line
		}
	case FormatTOML:
		var decErr *toml.DecodeError
		if errors.As(err, &decErr) {
			parseErr.Line, parseErr.Column = decErr.Position()
		}
	}
	return parseErr
}

// offsetToLineColumn converts a byte offset to line and column numbers (1-based).
func offsetToLineColumn(content string, offset int64) (line, column int) {
	if offset <= 0 {
		return 1, 1
	}

	line = 1
	column = 1
	for i := int64(0); i < offset && i < int64(len(content)); i++ {
		if content[i] == '\n' {
			line++
			column = 1
		} else {
			column++
		}
	}
	return line, column
}

// DetectFormat detects the document format from the file extension.
// Returns "json", "yaml", "toml", or empty string if unknown.
func DetectFormat(filepath string) string {
	switch strings.ToLower(path.Ext(filepath)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return ""
	}
}

// sniffFormat guesses the format of content without a known extension.
// JSON is tried first because it is also valid YAML.
func sniffFormat(content string) string {
	switch {
	case IsJSON(content) && json.Valid([]byte(content)):
		return FormatJSON
	case IsTOML(content):
		return FormatTOML
	case IsYAML(content):
		return FormatYAML
	case IsJSON(content):
		// report the JSON syntax error rather than an unknown format
		return FormatJSON
	default:
		return ""
	}
}

// IsJSON checks if the content appears to be JSON format.
func IsJSON(content string) bool {
	content = strings.TrimSpace(content)
	return strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[")
}

// IsYAML checks if the content parses as a non-empty YAML document.
// JSON is also valid YAML, so this may return true for JSON content.
func IsYAML(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	var data interface{}
	err := yaml.Unmarshal([]byte(content), &data)
	return err == nil && data != nil
}

// IsTOML checks if the content parses as TOML with at least one table header.
// Plain "key = value" content is ambiguous with YAML and is left to IsYAML.
func IsTOML(content string) bool {
	if !strings.Contains(content, "[") {
		return false
	}
	var data map[string]interface{}
	return toml.Unmarshal([]byte(content), &data) == nil && len(data) > 0
}

// ============================================================================
// Job documents
// ============================================================================

// ParseJobFile parses and validates a job file.
func ParseJobFile(filepath string) *Result {
	return validated(ParseFile(filepath))
}

// ParseJobString parses and validates job content. If format is empty it
// is detected from the content.
func ParseJobString(content, format string) *Result {
	if format == "" {
		format = sniffFormat(content)
		if format == "" {
			return &Result{ParseErrors: []ParseError{{
				Message: "unable to detect document format: not valid JSON, YAML or TOML",
				Type:    ErrorTypeFormat,
			}}}
		}
	}
	return validated(parseString(content, format))
}

func validated(parsed *ParseResult) *Result {
	result := &Result{
		Data:        parsed.Data,
		ParseErrors: parsed.Errors,
		FilePath:    parsed.FilePath,
		Format:      parsed.Format,
	}
	if !parsed.IsValid() {
		return result
	}
	result.ValidationErrors = ValidateJob(parsed.Data).Errors
	return result
}
