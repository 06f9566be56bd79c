// Package runtime orchestrates dataset transform pipelines.
// This file defines stage identifiers, error codes and the StageError type.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
)

// Pipeline names.
const (
	PipelineFilter = "filter"
	PipelineSplit  = "split"
	PipelineUpload = "upload"
)

// Stage names, in pipeline order.
const (
	StageLoad       = "load"
	StageFilter     = "filter"
	StageExportTemp = "export_temp"
	StageAggregate  = "aggregate"
	StageSplit      = "split"
	StageExport     = "export"
	StageUpload     = "upload"
)

// Error codes for pipeline execution errors
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeLoadFailed    = "LOAD_FAILED"
	ErrCodeFilterFailed  = "FILTER_FAILED"
	ErrCodeSplitFailed   = "SPLIT_FAILED"
	ErrCodeExportFailed  = "EXPORT_FAILED"
	ErrCodeUploadFailed  = "UPLOAD_FAILED"
	ErrCodeCanceled      = "CANCELED"
	ErrCodeLockContended = "LOCK_CONTENDED"
)

// Execution status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// ErrNilBatch is returned when no upload batch is given.
	ErrNilBatch = errors.New("upload batch is nil")

	// ErrNilPredicate is returned when a filter task carries no predicate.
	ErrNilPredicate = errors.New("filter predicate is nil")

	// ErrExportLocked is returned when another run holds the export directory lock.
	ErrExportLocked = errors.New("export directory is locked by another run")
)

// StageError identifies the stage a pipeline failed in. The wrapped error
// keeps its classification, so errhandling.GetErrorCategory still applies.
type StageError struct {
	Stage string
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage name carried by err, or "".
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// errorCode picks the code for a failure in stage. Cancellation and invalid
// configuration override the stage default.
func errorCode(defaultCode string, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeCanceled
	case errhandling.IsCategory(err, errhandling.CategoryConfig):
		return ErrCodeInvalidInput
	default:
		return defaultCode
	}
}
