package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/stats"
	"github.com/ccomkhj/datumaro-gui/internal/storage"
	"github.com/ccomkhj/datumaro-gui/internal/template"
)

// Uploader is the storage operation used by Upload.
type Uploader interface {
	Upload(ctx context.Context, localDir, remoteURI string, opts storage.UploadOptions) (*storage.UploadResult, error)
}

// UploadRequest names an export directory and where to push it.
//
// URI and Comment may carry {{batch_id}}, {{task_id}}, {{pipeline}} and
// {{date}} placeholders, expanded before the upload starts.
type UploadRequest struct {
	TaskID     string
	BatchID    string
	Pipeline   string
	ExportPath string
	URI        string
	Comment    string
	Manifest   bool
	// Now defaults to time.Now and feeds {{date}}.
	Now        func() time.Time
}

// templateVars returns the placeholder values of req.
func (req UploadRequest) templateVars() map[string]string {
	now := time.Now
	if req.Now != nil {
		now = req.Now
	}
	return map[string]string{
		"batch_id": req.BatchID,
		"task_id":  req.TaskID,
		"pipeline": req.Pipeline,
		"date":     now().UTC().Format("2006-01-02"),
	}
}

// expand resolves the placeholders in URI and Comment.
func (req UploadRequest) expand() (UploadRequest, error) {
	vars := req.templateVars()
	uri, err := template.ExpandKey(req.URI, vars)
	if err != nil {
		return req, err
	}
	comment, err := template.Expand(req.Comment, vars)
	if err != nil {
		return req, err
	}
	req.URI, req.Comment = uri, comment
	return req, nil
}

// UploadOutcome is the result of an upload.
type UploadOutcome struct {
	Result   *storage.UploadResult `json:"result"`
	Stats    *stats.Report         `json:"stats,omitempty"`
	StatsErr error                 `json:"-"`
}

// Upload pushes an export directory to remote storage and summarizes the
// uploaded annotations. Objects written before a failure stay in place.
func (o *Orchestrator) Upload(ctx context.Context, up Uploader, req UploadRequest) (*UploadOutcome, error) {
	if req.URI == "" {
		return nil, &StageError{Stage: StageUpload, Code: ErrCodeInvalidInput,
			Err: errhandling.NewConfigError("upload needs a storage uri", nil)}
	}
	req, err := req.expand()
	if err != nil {
		return nil, &StageError{Stage: StageUpload, Code: ErrCodeInvalidInput, Err: err}
	}
	execCtx := logger.ExecutionContext{
		TaskID:   req.TaskID,
		BatchID:  req.BatchID,
		Pipeline: PipelineUpload,
		Stage:    StageUpload,
	}
	logger.LogStageStart(execCtx)
	start := time.Now()

	res, err := up.Upload(ctx, req.ExportPath, req.URI, storage.UploadOptions{
		BatchID:  req.BatchID,
		Comment:  req.Comment,
		Manifest: req.Manifest,
	})
	duration := time.Since(start)

	rec := UploadRecord{
		TaskID:    req.TaskID,
		BatchID:   req.BatchID,
		LocalPath: req.ExportPath,
		URI:       req.URI,
		Comment:   req.Comment,
		Status:    StatusSuccess,
		StartedAt: start.UTC(),
		Duration:  duration,
	}
	if res != nil {
		rec.Objects = len(res.Objects)
		rec.Bytes = res.Bytes
	}

	if err != nil {
		se := &StageError{Stage: StageUpload, Code: errorCode(ErrCodeUploadFailed, err), Err: err}
		logger.LogStageEnd(execCtx, rec.Objects, duration, &logger.ExecutionError{Code: se.Code, Message: err.Error()})
		rec.Status = StatusError
		rec.Error = err.Error()
		o.recordUpload(ctx, rec)
		return nil, se
	}
	logger.LogStageEnd(execCtx, rec.Objects, duration, nil)
	o.recordUpload(ctx, rec)

	out := &UploadOutcome{Result: res}
	out.Stats, out.StatsErr = stats.SummarizeDir(req.ExportPath)
	if out.StatsErr != nil {
		logger.Warn("statistics unavailable",
			slog.String("path", req.ExportPath),
			slog.String("error", out.StatsErr.Error()))
	}
	return out, nil
}

func (o *Orchestrator) recordUpload(ctx context.Context, rec UploadRecord) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordUpload(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to record upload",
			slog.String("batch_id", rec.BatchID),
			slog.String("error", err.Error()))
	}
}
