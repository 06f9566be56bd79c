// Package template expands placeholders in upload targets and comments, so a
// destination can be named after the batch or task it receives:
//
//	s3://datasets/{{batch_id}}/{{task_id}}
//	s3://datasets/{{date}}/{{label | default: "unlabeled"}}
package template

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
)

// Template syntax constants
const (
	Prefix = "{{"
	Suffix = "}}"
)

// Error messages for template syntax problems
const (
	ErrMsgInvalidTemplateSyntax = "invalid template syntax"
	ErrMsgEmptyVariablePath     = "empty variable name"
)

// varRegex matches {{name}} or {{name | default: "value"}}.
// Group 1 is the name, group 2 the whole default clause, group 3 the default.
var varRegex = regexp.MustCompile(`\{\{\s*([^|}]+?)(\s*\|\s*default:\s*"([^"]*)")?\s*\}\}`)

var emptyBracesRegex = regexp.MustCompile(`\{\{\s*\}\}`)

// keyUnsafe matches characters that are replaced when a value lands in an
// object key.
var keyUnsafe = regexp.MustCompile(`[^A-Za-z0-9._:=@+-]+`)

// Variable is one parsed placeholder.
type Variable struct {
	FullMatch    string
	Name         string
	DefaultValue string
	HasDefault   bool
}

// HasVariables reports whether s contains placeholders.
func HasVariables(s string) bool {
	return strings.Contains(s, Prefix) && strings.Contains(s, Suffix)
}

// ParseVariables returns the placeholders of s in order of appearance.
func ParseVariables(s string) []Variable {
	matches := varRegex.FindAllStringSubmatch(s, -1)
	vars := make([]Variable, 0, len(matches))
	for _, m := range matches {
		v := Variable{FullMatch: m[0], Name: strings.TrimSpace(m[1])}
		if m[2] != "" {
			v.DefaultValue = m[3]
			v.HasDefault = true
		}
		vars = append(vars, v)
	}
	return vars
}

// ValidateSyntax checks that every {{ and }} belongs to a well formed placeholder.
func ValidateSyntax(s string) error {
	open, closing := strings.Count(s, Prefix), strings.Count(s, Suffix)
	if open != closing {
		return fmt.Errorf("%s: unmatched template delimiters (found %d '{{' and %d '}}')",
			ErrMsgInvalidTemplateSyntax, open, closing)
	}
	if open == 0 {
		return nil
	}
	if emptyBracesRegex.MatchString(s) {
		return fmt.Errorf("%s: %s", ErrMsgInvalidTemplateSyntax, ErrMsgEmptyVariablePath)
	}
	// "}}{{" balances but pairs nothing
	if rest := varRegex.ReplaceAllString(s, ""); strings.Contains(rest, Prefix) || strings.Contains(rest, Suffix) {
		return fmt.Errorf("%s: stray '{{' or '}}'", ErrMsgInvalidTemplateSyntax)
	}
	return nil
}

// Expand replaces every placeholder of s with its value from vars. A name
// that is missing or empty in vars falls back to its default; without one
// Expand fails with a ConfigError rather than produce a half-named target.
func Expand(s string, vars map[string]string) (string, error) {
	return expand(s, vars, func(v string) string { return v })
}

// ExpandKey is Expand for object keys and URIs: substituted values have
// runs of characters outside [A-Za-z0-9._:=@+-] replaced by "-", so a value
// can never add a path segment. Literal text is kept as written.
func ExpandKey(s string, vars map[string]string) (string, error) {
	return expand(s, vars, SanitizeKeySegment)
}

// SanitizeKeySegment makes v safe to use as a single object key segment.
// Values made only of dots become empty.
func SanitizeKeySegment(v string) string {
	v = strings.Trim(keyUnsafe.ReplaceAllString(v, "-"), "-")
	if strings.Trim(v, ".") == "" {
		return ""
	}
	return v
}

func expand(s string, vars map[string]string, clean func(string) string) (string, error) {
	if !HasVariables(s) {
		return s, nil
	}
	if err := ValidateSyntax(s); err != nil {
		return "", errhandling.NewConfigError(fmt.Sprintf("template %q", s), err)
	}

	out := s
	for _, v := range ParseVariables(s) {
		value := clean(vars[v.Name])
		if value == "" {
			if !v.HasDefault {
				return "", errhandling.NewConfigError(fmt.Sprintf("template %q: no value for %s", s, v.Name), nil)
			}
			logger.Debug("template variable using default",
				slog.String("name", v.Name),
				slog.String("default", v.DefaultValue))
			value = v.DefaultValue
		}
		out = strings.Replace(out, v.FullMatch, value, 1)
	}
	return out, nil
}
