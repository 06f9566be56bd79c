package codec

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

//go:embed schema/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://annotask.local/schemas/"

var (
	schemaMu       sync.Mutex
	compiledByName = make(map[dataset.Format]*jsonschema.Schema)
)

func schemaFile(f dataset.Format) string {
	return "coco-" + f.String() + ".json"
}

// compiledSchema returns the compiled schema for a format, compiling it on first use.
func compiledSchema(f dataset.Format) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if s, ok := compiledByName[f]; ok {
		return s, nil
	}

	name := schemaFile(f)
	raw, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, fmt.Errorf("no schema for format %s: %w", f, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded schema %s: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	url := schemaBaseURL + name
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	compiledByName[f] = s
	return s, nil
}

// validateDocument checks raw annotation JSON against the format's schema.
// The returned error lists at most a handful of leaf violations.
func validateDocument(f dataset.Format, raw []byte) error {
	s, err := compiledSchema(f)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	leaves := leafViolations(verr, nil)
	const maxShown = 5
	if len(leaves) > maxShown {
		extra := len(leaves) - maxShown
		leaves = append(leaves[:maxShown], fmt.Sprintf("(+%d more)", extra))
	}
	return fmt.Errorf("does not match %s schema: %s", f, strings.Join(leaves, "; "))
}

func leafViolations(err *jsonschema.ValidationError, out []string) []string {
	if len(err.Causes) == 0 {
		loc := "/" + strings.Join(err.InstanceLocation, "/")
		return append(out, loc+": "+leafMessage(err.Error()))
	}
	for _, c := range err.Causes {
		out = leafViolations(c, out)
	}
	return out
}

// leafMessage keeps only the last line of a validation error and drops its location prefix.
func leafMessage(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	last = strings.TrimPrefix(last, "- ")
	if strings.HasPrefix(last, "at '") {
		if i := strings.Index(last, "': "); i >= 0 {
			last = last[i+3:]
		}
	}
	return last
}
