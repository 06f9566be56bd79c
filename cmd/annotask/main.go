// Package main provides the annotask command line: stage annotation
// uploads, filter and split them, inspect statistics and push results to S3.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ccomkhj/datumaro-gui/internal/audit"
	"github.com/ccomkhj/datumaro-gui/internal/cli"
	"github.com/ccomkhj/datumaro-gui/internal/config"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/staging"
	"github.com/ccomkhj/datumaro-gui/internal/storage"
)

var (
	// Build information (set via ldflags during build)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// app holds the global flags and the settings loaded before every command.
type app struct {
	settingsPath string
	verbose      bool
	quiet        bool

	settings config.Settings
	stdout   io.Writer
	stderr   io.Writer
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// errReported marks failures whose details were already printed.
var errReported = errors.New("reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	logger.CloseLogFile()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return cli.ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !errors.Is(ee.err, errReported) {
			fmt.Fprintf(stderr, "✗ %v\n", ee.err)
		}
		return ee.code
	}
	if errors.Is(err, errReported) {
		return cli.ExitRuntimeError
	}
	cli.PrintRunError(stderr, err)
	return cli.ExitCodeFor(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "annotask",
		Short: "annotask - annotation dataset staging, filtering and splitting",
		Long: `annotask prepares COCO annotation datasets for training.

It stages uploaded images and annotation files into timestamped batches,
filters items with expr or JavaScript predicates, splits them into
train/val subsets, reports per-category statistics and uploads the
result to S3.

Examples:
  # Keep only wide images and split them 80/20
  annotask filter --images a.jpg,b.jpg --annotation instances.json --expr "width > 2048" --split

  # Run a job file
  annotask run job.yaml

  # Serve the session API
  annotask serve --bind 127.0.0.1:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			s, err := config.LoadSettings(a.settingsPath)
			if err != nil {
				return &exitError{code: cli.ExitValidationError, err: err}
			}
			a.settings = s
			return a.configureLogging()
		},
	}

	root.PersistentFlags().StringVarP(&a.settingsPath, "config", "c", "", "settings file (.yaml or .toml), default "+config.DefaultSettingsFile)
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Suppress non-error output")

	root.AddCommand(
		newRegisterCmd(a),
		newFilterCmd(a),
		newSplitCmd(a),
		newRunCmd(a),
		newValidateCmd(a),
		newStatsCmd(a),
		newUploadCmd(a),
		newDownloadCmd(a),
		newServeCmd(a),
		newHistoryCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) configureLogging() error {
	level := logger.ParseLevel(a.settings.Log.Level)
	switch {
	case a.verbose:
		level = slog.LevelDebug
	case a.quiet:
		level = slog.LevelError
	}
	format := logger.ParseFormat(a.settings.Log.Format)
	if a.settings.Log.File != "" {
		if err := logger.SetLogFile(a.settings.Log.File, level, format); err != nil {
			return &exitError{code: cli.ExitValidationError, err: fmt.Errorf("log file: %w", err)}
		}
		return nil
	}
	logger.SetLevelAndFormat(level, format)
	return nil
}

func (a *app) outputOptions() cli.OutputOptions {
	return cli.OutputOptions{Verbose: a.verbose, Quiet: a.quiet}
}

func (a *app) printf(format string, args ...any) {
	if !a.quiet {
		fmt.Fprintf(a.stdout, format, args...)
	}
}

// orchestrator builds the orchestrator from settings. The returned close
// function releases the history database, if one was opened.
func (a *app) orchestrator() (*runtime.Orchestrator, func()) {
	orch := runtime.New(a.settings.RuntimeOptions())
	store := a.openHistory()
	if store == nil {
		return orch, func() {}
	}
	return orch.WithRecorder(store), func() { _ = store.Close() }
}

// openHistory opens the audit database. History is best effort: failures
// are logged and nil is returned.
func (a *app) openHistory() *audit.Store {
	if a.settings.Paths.AuditDB == "" {
		return nil
	}
	store, err := audit.Open(a.settings.Paths.AuditDB)
	if err != nil {
		logger.Warn("history disabled",
			slog.String("path", a.settings.Paths.AuditDB),
			slog.String("error", err.Error()))
		return nil
	}
	return store
}

func (a *app) stager() *staging.Stager {
	return staging.New(a.settings.Paths.UploadDir)
}

func (a *app) gateway() *storage.Gateway {
	return storage.NewGateway(a.settings.Storage)
}
