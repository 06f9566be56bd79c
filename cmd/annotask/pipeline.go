package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ccomkhj/datumaro-gui/internal/cli"
	"github.com/ccomkhj/datumaro-gui/internal/config"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/internal/modules/split"
	"github.com/ccomkhj/datumaro-gui/internal/registry"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/staging"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// inputFlags selects the batch a pipeline command works on.
type inputFlags struct {
	images     []string
	annotation string
	jobType    string
	batch      string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.images, "images", nil, "image files to stage (comma separated or repeated)")
	cmd.Flags().StringVar(&f.annotation, "annotation", "", "COCO annotation file to stage")
	cmd.Flags().StringVar(&f.jobType, "job-type", "", "annotation job type (instances, detection, keypoints, ...)")
	cmd.Flags().StringVar(&f.batch, "batch", "", "already staged batch directory")
}

// resolve stages the given files or opens the given batch directory.
func (f *inputFlags) resolve(a *app) (*dataset.UploadBatch, error) {
	if _, err := dataset.ParseJobType(f.jobType); err != nil {
		return nil, errhandling.NewConfigError("invalid --job-type", err)
	}
	switch {
	case f.batch != "" && (len(f.images) > 0 || f.annotation != ""):
		return nil, errhandling.NewConfigError("--batch cannot be combined with --images or --annotation", nil)
	case f.batch != "":
		return staging.Batch(f.batch, f.jobType)
	case len(f.images) == 0 || f.annotation == "":
		return nil, errhandling.NewConfigError("either --batch or both --images and --annotation are required", nil)
	}
	return stageFiles(a.stager(), f.images, f.annotation, f.jobType)
}

// stageFiles copies local files into a new batch.
func stageFiles(st *staging.Stager, images []string, annotation, jobType string) (*dataset.UploadBatch, error) {
	var opened []*os.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	open := func(path string) (staging.Blob, error) {
		f, err := os.Open(path)
		if err != nil {
			return staging.Blob{}, errhandling.NewIOError(fmt.Sprintf("opening %s", path), err)
		}
		opened = append(opened, f)
		return staging.Blob{Name: filepath.Base(path), Data: f}, nil
	}

	blobs := make([]staging.Blob, 0, len(images))
	for _, p := range images {
		b, err := open(p)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	ann, err := open(annotation)
	if err != nil {
		return nil, err
	}
	return st.Stage(blobs, ann, jobType)
}

// uploadFlags optionally pushes a finished export.
type uploadFlags struct {
	uri      string
	comment  string
	manifest bool
}

func (f *uploadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.uri, "upload", "", "upload the export to this s3://bucket/prefix when done")
	cmd.Flags().StringVar(&f.comment, "comment", "", "comment stored with the uploaded objects")
	cmd.Flags().BoolVar(&f.manifest, "manifest", false, "write a manifest after the uploaded objects")
}

func newRegisterCmd(a *app) *cobra.Command {
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Stage images and an annotation file as a new batch",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if in.batch != "" {
				return errhandling.NewConfigError("register does not accept --batch", nil)
			}
			batch, err := in.resolve(a)
			if err != nil {
				return err
			}
			a.printf("✓ Staged batch %s\n", batch.ID)
			a.printf("  Path: %s\n", batch.BasePath)
			a.printf("  Annotation: %s\n", batch.AnnotationFile)
			return nil
		},
	}
	in.register(cmd)
	return cmd
}

func newFilterCmd(a *app) *cobra.Command {
	var (
		in      inputFlags
		up      uploadFlags
		pred    filter.PredicateConfig
		doSplit bool
	)
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter a batch with an expr or JavaScript predicate",
		Long: `Filter keeps the items a predicate accepts and exports them as COCO.

The predicate sees each item as {id, subset, width, height, path,
annotations, attributes}. expr predicates are single expressions; JavaScript
predicates define a function filter(item).`,
		Example: `  annotask filter --batch uploaded/2024-05-01_10:00:00 --expr "width > 2048"
  annotask filter --images a.jpg --annotation ann.json --lang javascript --script-file keep.js --split=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := registry.NewPredicate(pred)
			if err != nil {
				return errhandling.NewConfigError("invalid predicate", err)
			}
			batch, err := in.resolve(a)
			if err != nil {
				return err
			}
			orch, closeHistory := a.orchestrator()
			defer closeHistory()
			return a.runFilter(cmd.Context(), orch, batch, p, doSplit, up)
		},
	}
	in.register(cmd)
	up.register(cmd)
	cmd.Flags().StringVar(&pred.Lang, "lang", "", "predicate language: expr (default) or javascript")
	cmd.Flags().StringVar(&pred.Expression, "expr", "", "expr predicate, e.g. \"width > 2048\"")
	cmd.Flags().StringVar(&pred.Script, "script", "", "inline JavaScript defining filter(item)")
	cmd.Flags().StringVar(&pred.ScriptFile, "script-file", "", "JavaScript file defining filter(item)")
	cmd.Flags().BoolVar(&doSplit, "split", true, "re-split the filtered items into the configured ratios (--split=false keeps the original subsets)")
	return cmd
}

func newSplitCmd(a *app) *cobra.Command {
	var (
		in   inputFlags
		up   uploadFlags
		mode string
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split a batch into the configured subsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("mode") {
				a.settings.Split.Mode = mode
			}
			if cmd.Flags().Changed("seed") {
				a.settings.Split.Seed = seed
			}
			if _, err := split.ParseMode(a.settings.Split.Mode); err != nil {
				return err
			}
			batch, err := in.resolve(a)
			if err != nil {
				return err
			}
			orch, closeHistory := a.orchestrator()
			defer closeHistory()
			return a.runSplit(cmd.Context(), orch, batch, up)
		},
	}
	in.register(cmd)
	up.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "", "split mode: random or stratified")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for a reproducible assignment")
	return cmd
}

func (a *app) runFilter(ctx context.Context, orch *runtime.Orchestrator, batch *dataset.UploadBatch, p filter.Predicate, doSplit bool, up uploadFlags) error {
	lock, err := runtime.LockBatchExports(orch.ExportDir(), batch.ID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	out, err := orch.RunFilter(ctx, batch, runtime.FilterTask{Predicate: p, Split: doSplit})
	if err != nil {
		return err
	}
	if !a.quiet {
		cli.PrintFilterOutcome(a.stdout, out, a.outputOptions())
	}
	return a.maybeUpload(ctx, orch, runtime.PipelineFilter, out.TaskID, out.BatchID, out.ExportPath, up)
}

func (a *app) runSplit(ctx context.Context, orch *runtime.Orchestrator, batch *dataset.UploadBatch, up uploadFlags) error {
	lock, err := runtime.LockBatchExports(orch.ExportDir(), batch.ID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	out, err := orch.RunSplit(ctx, batch)
	if err != nil {
		return err
	}
	if !a.quiet {
		cli.PrintSplitOutcome(a.stdout, out, a.outputOptions())
	}
	return a.maybeUpload(ctx, orch, runtime.PipelineSplit, out.TaskID, out.BatchID, out.ExportPath, up)
}

func (a *app) maybeUpload(ctx context.Context, orch *runtime.Orchestrator, pipeline, taskID, batchID, exportPath string, up uploadFlags) error {
	if up.uri == "" {
		return nil
	}
	res, err := orch.Upload(ctx, a.gateway(), runtime.UploadRequest{
		TaskID:     taskID,
		BatchID:    batchID,
		Pipeline:   pipeline,
		ExportPath: exportPath,
		URI:        up.uri,
		Comment:    up.comment,
		Manifest:   up.manifest,
	})
	if err != nil {
		return err
	}
	if !a.quiet {
		cli.PrintUploadOutcome(a.stdout, res, a.outputOptions())
	}
	return nil
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <job-file>",
		Short: "Validate a job file",
		Long: `Validate parses a job file (JSON, YAML or TOML) and checks it against
the job schema without running anything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			job, err := a.loadJob(args[0])
			if err != nil {
				return err
			}
			if !a.quiet {
				fmt.Fprintf(a.stdout, "✓ Job file is valid: %s\n", args[0])
				if a.verbose {
					cli.PrintJobSummary(a.stdout, job)
				}
			}
			return nil
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <job-file>",
		Short: "Run the pipeline described by a job file",
		Long: `Run validates a job file, stages its input (or opens the named batch),
runs the filter or split pipeline and uploads the export when the job has
an upload section. Relative paths are resolved against the job file's
directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.loadJob(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				if !a.quiet {
					fmt.Fprintln(a.stdout, "✓ Dry run: job is valid, nothing executed")
					cli.PrintJobSummary(a.stdout, job)
				}
				return nil
			}
			return a.runJob(cmd.Context(), job, filepath.Dir(args[0]))
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print the job without running it")
	return cmd
}

// loadJob parses, validates and converts a job file, printing the problems
// it finds. Parse failures exit with ExitParseError and schema failures
// with ExitValidationError.
func (a *app) loadJob(path string) (*config.Job, error) {
	result := config.ParseJobFile(path)
	if len(result.ParseErrors) > 0 {
		cli.PrintParseErrors(a.stderr, result.ParseErrors, a.verbose)
		return nil, &exitError{code: cli.ExitParseError, err: errReported}
	}
	if len(result.ValidationErrors) > 0 {
		cli.PrintValidationErrors(a.stderr, result.ValidationErrors, a.verbose, a.quiet)
		return nil, &exitError{code: cli.ExitValidationError, err: errReported}
	}
	job, err := config.ConvertToJob(result.Data)
	if err != nil {
		return nil, &exitError{code: cli.ExitValidationError, err: err}
	}
	return job, nil
}

// runJob executes a converted job. Job-level split settings override the
// loaded settings for this run only.
func (a *app) runJob(ctx context.Context, job *config.Job, baseDir string) error {
	if job.Ratios != nil {
		a.settings.Split.Ratios = job.Ratios
	}
	if job.SplitMode != "" {
		a.settings.Split.Mode = job.SplitMode
	}
	if job.Seed != 0 {
		a.settings.Split.Seed = job.Seed
	}
	if err := split.ValidateRatios(a.settings.Split.Ratios); err != nil {
		return err
	}
	if _, err := split.ParseMode(a.settings.Split.Mode); err != nil {
		return err
	}

	// The predicate is compiled before anything is staged.
	var p filter.Predicate
	if job.Pipeline == config.PipelineFilter {
		predCfg := *job.Filter
		if predCfg.ScriptFile != "" {
			// script files must not contain "..", so anchor them absolutely
			abs, err := filepath.Abs(resolvePath(baseDir, predCfg.ScriptFile))
			if err != nil {
				return errhandling.NewIOError("resolving script file", err)
			}
			predCfg.ScriptFile = abs
		}
		var err error
		if p, err = registry.NewPredicate(predCfg); err != nil {
			return errhandling.NewConfigError("invalid predicate", err)
		}
	}

	var (
		batch *dataset.UploadBatch
		err   error
	)
	if job.Batch != "" {
		batch, err = staging.Batch(resolvePath(baseDir, job.Batch), job.JobType)
	} else {
		images := make([]string, len(job.Images))
		for i, img := range job.Images {
			images[i] = resolvePath(baseDir, img)
		}
		batch, err = stageFiles(a.stager(), images, resolvePath(baseDir, job.Annotation), job.JobType)
	}
	if err != nil {
		return err
	}

	var up uploadFlags
	if job.Upload != nil {
		up = uploadFlags{uri: job.Upload.URI, comment: job.Upload.Comment, manifest: job.Upload.Manifest}
	}

	orch, closeHistory := a.orchestrator()
	defer closeHistory()

	if job.Pipeline == config.PipelineSplit {
		return a.runSplit(ctx, orch, batch, up)
	}
	return a.runFilter(ctx, orch, batch, p, job.Split, up)
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
