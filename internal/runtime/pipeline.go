package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccomkhj/datumaro-gui/internal/codec"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/internal/modules/split"
	"github.com/ccomkhj/datumaro-gui/internal/registry"
	"github.com/ccomkhj/datumaro-gui/internal/stats"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// DefaultExportDir is the export root used when none is configured.
const DefaultExportDir = "exported"

// TempSuffix is appended to a run's export path for the statistics export of a filter run.
const TempSuffix = "_temp"

// Options configures an Orchestrator.
type Options struct {
	ExportDir string
	// Ratios defaults to split.DefaultRatios.
	Ratios []split.Ratio
	// SplitMode defaults to random.
	SplitMode split.Mode
	// Seed fixes split assignment; 0 picks a new seed per run.
	Seed int64
	// ItemTimeout bounds one predicate call; 0 uses filter.DefaultItemTimeout.
	ItemTimeout time.Duration
}

// FilterTask configures a filter pipeline run.
type FilterTask struct {
	Predicate filter.Predicate
	// Split re-splits the filtered dataset into the configured ratios.
	Split bool
}

// FilterOutcome is the result of a filter pipeline run.
type FilterOutcome struct {
	TaskID     string `json:"taskId"`
	BatchID    string `json:"batchId"`
	ExportPath string `json:"exportPath"`
	TempPath   string `json:"tempPath"`
	// StatsAnnotationPath is the unsplit annotation file used for statistics.
	StatsAnnotationPath string         `json:"statsAnnotationPath"`
	Before              int            `json:"before"`
	After               int            `json:"after"`
	Subsets             map[string]int `json:"subsets"`
	// Stats is nil when StatsErr is set. Statistics failures never fail the run.
	Stats    *stats.Report `json:"stats,omitempty"`
	StatsErr error         `json:"-"`
}

// SplitOutcome is the result of a split-only pipeline run.
type SplitOutcome struct {
	TaskID     string         `json:"taskId"`
	BatchID    string         `json:"batchId"`
	ExportPath string         `json:"exportPath"`
	Items      int            `json:"items"`
	Subsets    map[string]int `json:"subsets"`
	Stats      *stats.Report  `json:"stats,omitempty"`
	StatsErr   error          `json:"-"`
}

// Orchestrator runs the filter and split pipelines over staged batches.
// Runs are synchronous. Nothing is retried and partial exports are left on
// disk when a stage fails.
type Orchestrator struct {
	exportDir string
	ratios    []split.Ratio
	splitOpts split.Options
	engine    *filter.Engine
	recorder  Recorder
}

// New returns an orchestrator configured by opts.
func New(opts Options) *Orchestrator {
	exportDir := opts.ExportDir
	if exportDir == "" {
		exportDir = DefaultExportDir
	}
	ratios := opts.Ratios
	if len(ratios) == 0 {
		ratios = split.DefaultRatios()
	}
	mode := opts.SplitMode
	if mode == "" {
		mode = split.ModeRandom
	}
	engine := filter.NewEngine()
	if opts.ItemTimeout > 0 {
		engine.ItemTimeout = opts.ItemTimeout
	}
	return &Orchestrator{
		exportDir: exportDir,
		ratios:    ratios,
		splitOpts: split.Options{Mode: mode, Seed: opts.Seed},
		engine:    engine,
	}
}

// WithRecorder attaches a run recorder. Recording failures are logged and ignored.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

// ExportDir returns the export root.
func (o *Orchestrator) ExportDir() string {
	return o.exportDir
}

// ExportPath returns the final export directory of one run on a batch.
// Every run gets its own directory so re-runs never mix with earlier output.
func (o *Orchestrator) ExportPath(batchID, taskID string) string {
	return filepath.Join(o.exportDir, batchID+"_"+taskID)
}

// FindExport returns the final export directory of a finished run.
func (o *Orchestrator) FindExport(taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `*?[\/`) {
		return "", errhandling.NewConfigError(fmt.Sprintf("invalid task id %q", taskID), nil)
	}
	matches, err := filepath.Glob(filepath.Join(o.exportDir, "*_"+taskID))
	if err != nil {
		return "", errhandling.NewConfigError(fmt.Sprintf("task id %q", taskID), err)
	}
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			return m, nil
		}
	}
	return "", errhandling.NewNotFoundError(fmt.Sprintf("task %s not found", taskID), os.ErrNotExist)
}

// run carries the per-invocation state shared by the stage helpers.
type run struct {
	o       *Orchestrator
	ctx     logger.ExecutionContext
	started time.Time
	record  RunRecord
}

func (o *Orchestrator) newRun(batch *dataset.UploadBatch, pipeline string) *run {
	taskID := uuid.NewString()
	r := &run{
		o: o,
		ctx: logger.ExecutionContext{
			TaskID:   taskID,
			BatchID:  batch.ID,
			Pipeline: pipeline,
		},
		started: time.Now(),
		record: RunRecord{
			TaskID:    taskID,
			BatchID:   batch.ID,
			Pipeline:  pipeline,
			JobType:   batch.JobType,
			StartedAt: time.Now().UTC(),
		},
	}
	logger.LogExecutionStart(r.ctx)
	return r
}

// stage runs fn as the named stage. fn returns the number of items the
// stage produced. Cancellation is checked before the stage starts.
func (r *run) stage(ctx context.Context, name, code string, fn func() (int, error)) error {
	stageCtx := r.ctx
	stageCtx.Stage = name

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: name, Code: ErrCodeCanceled, Err: err}
	}

	logger.LogStageStart(stageCtx)
	start := time.Now()
	items, err := fn()
	duration := time.Since(start)

	if err != nil {
		se := &StageError{Stage: name, Code: errorCode(code, err), Err: err}
		logger.LogStageEnd(stageCtx, items, duration, &logger.ExecutionError{Code: se.Code, Message: err.Error()})
		return se
	}
	logger.LogStageEnd(stageCtx, items, duration, nil)
	return nil
}

// finish logs the execution end and records the run.
func (r *run) finish(ctx context.Context, items int, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		r.record.Error = err.Error()
		r.record.FailedStage = FailedStage(err)
		logger.LogError("pipeline failed", logger.ErrorContext{
			TaskID:    r.ctx.TaskID,
			BatchID:   r.ctx.BatchID,
			Pipeline:  r.ctx.Pipeline,
			Stage:     r.record.FailedStage,
			ErrorCode: string(errhandling.GetErrorCategory(err)),
			Err:       err,
			Duration:  time.Since(r.started),
		})
	}
	duration := time.Since(r.started)
	logger.LogExecutionEnd(r.ctx, status, items, duration)

	r.record.Status = status
	r.record.Duration = duration
	r.record.Format = r.ctx.Format
	if r.o.recorder == nil {
		return
	}
	// The run's own context may already be canceled; the record should still land.
	if rerr := r.o.recorder.RecordRun(context.WithoutCancel(ctx), r.record); rerr != nil {
		logger.Warn("failed to record run",
			slog.String("task_id", r.ctx.TaskID),
			slog.String("error", rerr.Error()))
	}
}

// resolveCodec maps the batch job type to a registered codec.
func (r *run) resolveCodec(batch *dataset.UploadBatch) (codec.Codec, error) {
	f, err := dataset.ParseJobType(batch.JobType)
	if err != nil {
		return nil, errhandling.NewConfigError(fmt.Sprintf("job type %q", batch.JobType), err)
	}
	r.ctx.Format = f.String()
	return registry.NewCodec(f)
}

// RunFilter loads the batch, keeps the items the predicate accepts, exports
// them without media to <exportDir>/<id>_<task>_temp for statistics,
// optionally re-splits them, and exports the result with media to
// <exportDir>/<id>_<task>.
func (o *Orchestrator) RunFilter(ctx context.Context, batch *dataset.UploadBatch, task FilterTask) (*FilterOutcome, error) {
	if batch == nil {
		return nil, &StageError{Stage: StageLoad, Code: ErrCodeInvalidInput, Err: ErrNilBatch}
	}
	r := o.newRun(batch, PipelineFilter)
	out, err := o.runFilter(ctx, r, batch, task)
	items := 0
	if out != nil {
		items = out.After
		r.record.Before, r.record.After = out.Before, out.After
		r.record.ExportPath = out.ExportPath
	}
	r.finish(ctx, items, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) runFilter(ctx context.Context, r *run, batch *dataset.UploadBatch, task FilterTask) (*FilterOutcome, error) {
	out := &FilterOutcome{
		TaskID:     r.ctx.TaskID,
		BatchID:    batch.ID,
		TempPath:   o.ExportPath(batch.ID, r.ctx.TaskID) + TempSuffix,
		ExportPath: o.ExportPath(batch.ID, r.ctx.TaskID),
	}
	if task.Predicate == nil {
		return nil, &StageError{Stage: StageFilter, Code: ErrCodeInvalidInput,
			Err: errhandling.NewConfigError("filter task", ErrNilPredicate)}
	}

	var c codec.Codec
	var ds *dataset.Dataset
	err := r.stage(ctx, StageLoad, ErrCodeLoadFailed, func() (int, error) {
		var err error
		if c, err = r.resolveCodec(batch); err != nil {
			return 0, err
		}
		ds, err = c.Load(batch.BasePath)
		if err != nil {
			return 0, err
		}
		return ds.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageFilter, ErrCodeFilterFailed, func() (int, error) {
		res, err := o.engine.Filter(ctx, ds, task.Predicate)
		if err != nil {
			return 0, err
		}
		ds = res.Dataset
		out.Before, out.After = res.Before, res.After
		return res.After, nil
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageExportTemp, ErrCodeExportFailed, func() (int, error) {
		artifact, err := c.Export(ds, out.TempPath, false)
		if err != nil {
			return 0, err
		}
		out.StatsAnnotationPath = statsFile(artifact, c.Format(), out.TempPath)
		return ds.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	if task.Split {
		if ds, err = o.split(ctx, r, ds); err != nil {
			return nil, err
		}
	}

	if err := o.export(ctx, r, c, ds, out.ExportPath); err != nil {
		return nil, err
	}
	out.Subsets = ds.SubsetCounts()
	out.Stats, out.StatsErr = summarize(r, out.StatsAnnotationPath)
	return out, nil
}

// RunSplit loads the batch, merges every subset into the default subset,
// splits it by the configured ratios and exports the result with media.
func (o *Orchestrator) RunSplit(ctx context.Context, batch *dataset.UploadBatch) (*SplitOutcome, error) {
	if batch == nil {
		return nil, &StageError{Stage: StageLoad, Code: ErrCodeInvalidInput, Err: ErrNilBatch}
	}
	r := o.newRun(batch, PipelineSplit)
	out, err := o.runSplit(ctx, r, batch)
	items := 0
	if out != nil {
		items = out.Items
		r.record.Before, r.record.After = out.Items, out.Items
		r.record.ExportPath = out.ExportPath
	}
	r.finish(ctx, items, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) runSplit(ctx context.Context, r *run, batch *dataset.UploadBatch) (*SplitOutcome, error) {
	out := &SplitOutcome{
		TaskID:     r.ctx.TaskID,
		BatchID:    batch.ID,
		ExportPath: o.ExportPath(batch.ID, r.ctx.TaskID),
	}

	var c codec.Codec
	var ds *dataset.Dataset
	err := r.stage(ctx, StageLoad, ErrCodeLoadFailed, func() (int, error) {
		var err error
		if c, err = r.resolveCodec(batch); err != nil {
			return 0, err
		}
		ds, err = c.Load(batch.BasePath)
		if err != nil {
			return 0, err
		}
		return ds.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageAggregate, ErrCodeSplitFailed, func() (int, error) {
		ds = split.Aggregate(ds, nil, dataset.DefaultSubset)
		return ds.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	if ds, err = o.split(ctx, r, ds); err != nil {
		return nil, err
	}
	if err := o.export(ctx, r, c, ds, out.ExportPath); err != nil {
		return nil, err
	}

	out.Items = ds.Len()
	out.Subsets = ds.SubsetCounts()
	report, statsErr := summarizeDir(r, out.ExportPath)
	out.Stats, out.StatsErr = report, statsErr
	return out, nil
}

func (o *Orchestrator) split(ctx context.Context, r *run, ds *dataset.Dataset) (*dataset.Dataset, error) {
	var out *dataset.Dataset
	err := r.stage(ctx, StageSplit, ErrCodeSplitFailed, func() (int, error) {
		var err error
		out, err = split.Split(ds, o.ratios, o.splitOpts)
		if err != nil {
			return 0, err
		}
		return out.Len(), nil
	})
	return out, err
}

func (o *Orchestrator) export(ctx context.Context, r *run, c codec.Codec, ds *dataset.Dataset, target string) error {
	return r.stage(ctx, StageExport, ErrCodeExportFailed, func() (int, error) {
		if _, err := c.Export(ds, target, true); err != nil {
			return 0, err
		}
		return ds.Len(), nil
	})
}

// statsFile picks the annotation file statistics are read from: the default
// subset when present, otherwise the first subset exported.
func statsFile(a *dataset.ExportArtifact, f dataset.Format, root string) string {
	if p, ok := a.AnnotationFile(dataset.DefaultSubset); ok {
		return p
	}
	for _, s := range a.Subsets {
		if p, ok := a.AnnotationFile(s); ok {
			return p
		}
	}
	return codec.AnnotationPath(root, f, dataset.DefaultSubset)
}

func summarize(r *run, path string) (*stats.Report, error) {
	report, err := stats.Summarize(path)
	if err != nil {
		logger.Warn("statistics unavailable",
			slog.String("task_id", r.ctx.TaskID),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil, err
	}
	return report, nil
}

func summarizeDir(r *run, root string) (*stats.Report, error) {
	report, err := stats.SummarizeDir(root)
	if err != nil {
		logger.Warn("statistics unavailable",
			slog.String("task_id", r.ctx.TaskID),
			slog.String("path", root),
			slog.String("error", err.Error()))
		return nil, err
	}
	return report, nil
}
