package runtime

import (
	"context"
	"time"
)

// RunRecord is the audit entry of one pipeline run.
type RunRecord struct {
	TaskID      string
	BatchID     string
	Pipeline    string
	JobType     string
	Format      string
	Status      string
	FailedStage string
	Error       string
	ExportPath  string
	Before      int
	After       int
	StartedAt   time.Time
	Duration    time.Duration
}

// UploadRecord is the audit entry of one upload.
type UploadRecord struct {
	TaskID    string
	BatchID   string
	LocalPath string
	URI       string
	Comment   string
	Objects   int
	Bytes     int64
	Status    string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Recorder persists run and upload history.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecordUpload(ctx context.Context, rec UploadRecord) error
}
