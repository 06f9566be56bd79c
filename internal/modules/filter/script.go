package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/pathutil"
)

// Error codes for the JavaScript predicate
const (
	ErrCodeScriptEmpty          = "SCRIPT_EMPTY"
	ErrCodeScriptTooLong        = "SCRIPT_TOO_LONG"
	ErrCodeCompilationFailed    = "COMPILATION_FAILED"
	ErrCodeMissingFilter        = "MISSING_FILTER"
	ErrCodeExecutionFailed      = "EXECUTION_FAILED"
	ErrCodeInvalidScriptFile    = "INVALID_SCRIPT_FILE"
	ErrCodeScriptFileReadFailed = "SCRIPT_FILE_READ_FAILED"
)

// MaxScriptLength is the maximum allowed script length in bytes (100KB)
const MaxScriptLength = 100 * 1024

var (
	// ErrScriptEmpty is returned when the script is empty or whitespace-only
	ErrScriptEmpty = errors.New("script cannot be empty")
	// ErrScriptTooLong is returned when the script exceeds MaxScriptLength
	ErrScriptTooLong = errors.New("script exceeds maximum length")
	// ErrMissingFilterFunc is returned when the script doesn't define a filter function
	ErrMissingFilterFunc = errors.New("filter function not found in script")
)

// ScriptError carries structured context for script failures.
type ScriptError struct {
	Code       string
	Message    string
	StackTrace string
	Err        error
}

func (e *ScriptError) Error() string {
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

func newScriptError(code, message, stackTrace string, err error) *ScriptError {
	return &ScriptError{Code: code, Message: message, StackTrace: stackTrace, Err: err}
}

// ScriptPredicate runs a JavaScript filter(item) function inside a goja runtime.
// The runtime has no host bindings, so scripts cannot reach the filesystem,
// network or process. The script is compiled once; every call evaluates it in
// a fresh runtime, so globals never carry state from one item to the next.
type ScriptPredicate struct {
	program *goja.Program
}

// NewScriptPredicate compiles a script given inline or by file.
// Exactly one of script and scriptFile must be set.
func NewScriptPredicate(script, scriptFile string) (*ScriptPredicate, error) {
	source, err := resolveScriptSource(script, scriptFile)
	if err != nil {
		return nil, err
	}
	if err := validateScript(source); err != nil {
		return nil, err
	}

	program, err := goja.Compile("filter.js", source, false)
	if err != nil {
		return nil, newScriptError(ErrCodeCompilationFailed, fmt.Sprintf("script compilation failed: %v", err), "", err)
	}
	p := &ScriptPredicate{program: program}
	// evaluate once so top-level errors and a missing filter surface now
	if _, _, err := p.instantiate(); err != nil {
		return nil, err
	}

	logger.Debug("javascript predicate compiled",
		slog.Int("script_length", len(source)),
		slog.Bool("from_file", scriptFile != ""),
	)
	return p, nil
}

// instantiate evaluates the program in a new runtime and returns its filter function.
func (p *ScriptPredicate) instantiate() (*goja.Runtime, goja.Callable, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(p.program); err != nil {
		return nil, nil, newScriptError(ErrCodeCompilationFailed, fmt.Sprintf("script evaluation failed: %v", err), "", err)
	}
	fnVal := vm.Get("filter")
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil, nil, newScriptError(ErrCodeMissingFilter, "filter function not found in script", "", ErrMissingFilterFunc)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, nil, newScriptError(ErrCodeMissingFilter, "filter is not a function", "", ErrMissingFilterFunc)
	}
	return vm, fn, nil
}

// Match calls filter(item). Context cancellation interrupts a running script.
func (p *ScriptPredicate) Match(ctx context.Context, item *ItemView) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	vm, fn, err := p.instantiate()
	if err != nil {
		return false, err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err().Error())
		case <-done:
		}
	}()

	result, err := fn(goja.Undefined(), vm.ToValue(item.toJS()))
	close(done)
	<-stopped
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, handleJSError(err)
	}

	b, ok := result.Export().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %s", ErrNotBoolean, describeJSValue(result))
	}
	return b, nil
}

// handleJSError converts a JavaScript exception to a ScriptError with its stack.
func handleJSError(err error) error {
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) {
		stackTrace := ""
		if obj, ok := jsErr.Value().(*goja.Object); ok {
			if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				stackTrace = stack.String()
			}
		}
		return newScriptError(ErrCodeExecutionFailed, fmt.Sprintf("script raised: %v", jsErr.Value()), stackTrace, err)
	}
	return newScriptError(ErrCodeExecutionFailed, fmt.Sprintf("script execution failed: %v", err), "", err)
}

func describeJSValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	return fmt.Sprintf("%T", v.Export())
}

// resolveScriptSource returns the script source, either inline or read from file.
func resolveScriptSource(script, scriptFile string) (string, error) {
	if script != "" && scriptFile != "" {
		return "", newScriptError(ErrCodeInvalidScriptFile, "cannot specify both 'script' and 'scriptFile' - use only one", "", nil)
	}
	if script != "" {
		return script, nil
	}
	if scriptFile == "" {
		return "", newScriptError(ErrCodeScriptEmpty, "either 'script' or 'scriptFile' must be provided", "", ErrScriptEmpty)
	}

	if err := pathutil.ValidateFilePath(scriptFile); err != nil {
		return "", newScriptError(ErrCodeInvalidScriptFile, err.Error(), "", err)
	}
	if filepath.IsAbs(scriptFile) {
		logger.Warn("scriptFile uses absolute path", slog.String("path", scriptFile))
	}

	file, err := os.Open(scriptFile)
	if err != nil {
		return "", newScriptError(ErrCodeScriptFileReadFailed, fmt.Sprintf("failed to open script file %q: %v", scriptFile, err), "", err)
	}
	defer func() { _ = file.Close() }()

	// Read one byte past the limit so oversized files are detected without loading them whole.
	content, err := io.ReadAll(io.LimitReader(file, MaxScriptLength+1))
	if err != nil {
		return "", newScriptError(ErrCodeScriptFileReadFailed, fmt.Sprintf("failed to read script file %q: %v", scriptFile, err), "", err)
	}
	if len(content) > MaxScriptLength {
		return "", newScriptError(ErrCodeScriptTooLong, fmt.Sprintf("script file %q is larger than %d bytes", scriptFile, MaxScriptLength), "", ErrScriptTooLong)
	}
	return string(content), nil
}

// validateScript validates the script is non-empty and within length limits.
func validateScript(script string) error {
	if strings.TrimSpace(script) == "" {
		return newScriptError(ErrCodeScriptEmpty, "script cannot be empty", "", ErrScriptEmpty)
	}
	if len(script) > MaxScriptLength {
		return newScriptError(ErrCodeScriptTooLong, fmt.Sprintf("script exceeds maximum length: %d bytes exceeds maximum %d bytes", len(script), MaxScriptLength), "", ErrScriptTooLong)
	}
	return nil
}
