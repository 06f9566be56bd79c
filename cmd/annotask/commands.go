package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccomkhj/datumaro-gui/internal/audit"
	"github.com/ccomkhj/datumaro-gui/internal/cli"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/server"
	"github.com/ccomkhj/datumaro-gui/internal/stats"
)

func newStatsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats <annotation-file|export-dir>",
		Short: "Count annotations per category",
		Long: `Stats counts annotations per category. Given a directory it merges every
annotation file under <dir>/annotations by category name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return errhandling.NewIOError(fmt.Sprintf("stats %s", args[0]), err)
			}
			var report *stats.Report
			if info.IsDir() {
				report, err = stats.SummarizeDir(args[0])
			} else {
				report, err = stats.Summarize(args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			cli.PrintStats(a.stdout, report, a.outputOptions())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		comment  string
		manifest bool
	)
	cmd := &cobra.Command{
		Use:     "upload <export-dir> <s3-uri>",
		Short:   "Upload an export directory to S3",
		Example: `  annotask upload exported/2024-05-01_10:00:00_7c9e6679-7425-40de-944b-e07fc1f90ae7 s3://datasets/wide --comment "wide images" --manifest`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return errhandling.NewConfigError(fmt.Sprintf("%s is not a directory", dir), err)
			}
			orch, closeHistory := a.orchestrator()
			defer closeHistory()

			name := filepath.Base(filepath.Clean(dir))
			res, err := orch.Upload(cmd.Context(), a.gateway(), runtime.UploadRequest{
				TaskID:     name,
				BatchID:    name,
				ExportPath: dir,
				URI:        args[1],
				Comment:    comment,
				Manifest:   manifest,
			})
			if err != nil {
				return err
			}
			if !a.quiet {
				cli.PrintUploadOutcome(a.stdout, res, a.outputOptions())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the uploaded objects")
	cmd.Flags().BoolVar(&manifest, "manifest", false, "write a manifest after the uploaded objects")
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <s3-uri> <dir>",
		Short: "Download every object under an S3 prefix",
		Long: `Download recreates the key layout under the prefix inside <dir>. The
result can be fed back to filter or split with --batch <dir>.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.gateway().Download(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			a.printf("✓ Downloaded %s into %s\n", args[0], dir)
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bind == "" {
				bind = a.settings.Server.Bind
			}
			orch, closeHistory := a.orchestrator()
			defer closeHistory()
			srv := server.New(orch, a.stager(), a.gateway())
			return srv.ListenAndServe(cmd.Context(), bind)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default from settings)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		uploads bool
		filter  audit.RunFilter
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pipeline runs or uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.settings.Paths.AuditDB == "" {
				return errhandling.NewConfigError("history is disabled: paths.audit_db is empty", nil)
			}
			store, err := audit.Open(a.settings.Paths.AuditDB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			now := time.Now()
			if uploads {
				recs, err := store.ListUploads(cmd.Context(), filter.Limit)
				if err != nil {
					return err
				}
				cli.PrintUploadHistory(a.stdout, recs, now)
				return nil
			}
			runs, err := store.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			cli.PrintRunHistory(a.stdout, runs, now)
			return nil
		},
	}
	cmd.Flags().BoolVar(&uploads, "uploads", false, "list uploads instead of runs")
	cmd.Flags().IntVar(&filter.Limit, "limit", audit.DefaultLimit, "maximum number of entries")
	cmd.Flags().StringVar(&filter.TaskID, "task", "", "only this task id")
	cmd.Flags().StringVar(&filter.Pipeline, "pipeline", "", "only this pipeline (filter, split)")
	cmd.Flags().StringVar(&filter.Status, "status", "", "only this status (success, error)")
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "annotask %s\n", version)
			fmt.Fprintf(a.stdout, "  commit: %s\n", commit)
			fmt.Fprintf(a.stdout, "  built: %s\n", buildDate)
		},
	}
}
