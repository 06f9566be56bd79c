// Package cli formats command results and errors for the terminal.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/ccomkhj/datumaro-gui/internal/config"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
)

// Exit codes shared by all commands.
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitParseError      = 2
	ExitRuntimeError    = 3
)

// PrintParseErrors prints job parse errors.
func PrintParseErrors(w io.Writer, errs []config.ParseError, verbose bool) {
	fmt.Fprintln(w, "✗ Parse errors:")
	for _, err := range errs {
		printSingleParseError(w, err, verbose)
	}
}

func printSingleParseError(w io.Writer, err config.ParseError, verbose bool) {
	if location := formatErrorLocation(err.Path, err.Line, err.Column); location != "" {
		fmt.Fprintf(w, "  %s: %s\n", location, err.Message)
	} else {
		fmt.Fprintf(w, "  %s\n", err.Message)
	}
	if verbose && err.Type != "" {
		fmt.Fprintf(w, "    Type: %s\n", err.Type)
	}
}

// formatErrorLocation formats path:line:column, omitting unknown parts.
func formatErrorLocation(path string, line, column int) string {
	if path == "" {
		return ""
	}
	location := path
	if line > 0 {
		location += fmt.Sprintf(":%d", line)
		if column > 0 {
			location += fmt.Sprintf(":%d", column)
		}
	}
	return location
}

// PrintValidationErrors prints job schema violations.
func PrintValidationErrors(w io.Writer, errs []config.ValidationError, verbose, quiet bool) {
	fmt.Fprintln(w, "✗ Validation errors:")
	for _, err := range errs {
		path := err.Path
		if path == "" {
			path = "/"
		}
		if verbose {
			fmt.Fprintf(w, "  %s:\n", path)
			fmt.Fprintf(w, "    Message: %s\n", err.Message)
			if err.Type != "" {
				fmt.Fprintf(w, "    Type: %s\n", err.Type)
			}
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", path, truncate(err.Message, 80))
	}
	if !quiet && !verbose {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Hint: Use --verbose for detailed error information")
	}
}

// PrintRunError prints a pipeline or storage failure with its stage and category.
func PrintRunError(w io.Writer, err error) {
	fmt.Fprintln(w, "✗ Run failed")
	var se *runtime.StageError
	if errors.As(err, &se) {
		fmt.Fprintf(w, "  Stage: %s\n", se.Stage)
		fmt.Fprintf(w, "  Code: %s\n", se.Code)
	}
	if cat := errhandling.GetErrorCategory(err); cat != errhandling.CategoryUnknown {
		fmt.Fprintf(w, "  Category: %s\n", cat)
	}
	fmt.Fprintf(w, "  Error: %s\n", err)
}

// ExitCodeFor maps an error to a process exit code. Configuration problems
// count as validation failures, everything else as runtime failures.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errhandling.IsCategory(err, errhandling.CategoryConfig):
		return ExitValidationError
	default:
		return ExitRuntimeError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
