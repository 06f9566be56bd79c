package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/storage"
)

type fakeUploader struct {
	gotDir  string
	gotURI  string
	gotOpts storage.UploadOptions
	result  *storage.UploadResult
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, localDir, remoteURI string, opts storage.UploadOptions) (*storage.UploadResult, error) {
	f.gotDir, f.gotURI, f.gotOpts = localDir, remoteURI, opts
	return f.result, f.err
}

func TestUploadSummarizesExport(t *testing.T) {
	batch := twoImageBatch(t)
	rec := &fakeRecorder{}
	o := New(Options{ExportDir: t.TempDir()}).WithRecorder(rec)
	out, err := o.RunFilter(context.Background(), batch, FilterTask{Predicate: exprPredicate(t, "true")})
	if err != nil {
		t.Fatal(err)
	}

	up := &fakeUploader{result: &storage.UploadResult{Objects: make([]storage.Object, 3), Bytes: 42}}
	res, err := o.Upload(context.Background(), up, UploadRequest{
		TaskID:     out.TaskID,
		BatchID:    batch.ID,
		ExportPath: out.ExportPath,
		URI:        "s3://bucket/prefix",
		Comment:    "cross_validation",
		Manifest:   true,
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if up.gotDir != out.ExportPath || up.gotURI != "s3://bucket/prefix" {
		t.Errorf("uploaded %s to %s", up.gotDir, up.gotURI)
	}
	if up.gotOpts.BatchID != batch.ID || up.gotOpts.Comment != "cross_validation" || !up.gotOpts.Manifest {
		t.Errorf("UploadOptions = %+v", up.gotOpts)
	}
	if res.StatsErr != nil || res.Stats.Counts()["cat"] != 3 {
		t.Errorf("Stats = %+v, err %v", res.Stats, res.StatsErr)
	}

	if len(rec.uploads) != 1 {
		t.Fatalf("recorded %d uploads, want 1", len(rec.uploads))
	}
	if u := rec.uploads[0]; u.Objects != 3 || u.Bytes != 42 || u.Status != StatusSuccess {
		t.Errorf("upload record = %+v", u)
	}
}

func TestUploadFailure(t *testing.T) {
	rec := &fakeRecorder{}
	o := New(Options{ExportDir: t.TempDir()}).WithRecorder(rec)
	up := &fakeUploader{err: errhandling.NewAuthenticationError(403, "put", errors.New("AccessDenied"))}

	_, err := o.Upload(context.Background(), up, UploadRequest{ExportPath: t.TempDir(), URI: "s3://b/p"})
	assertStageError(t, err, StageUpload, ErrCodeUploadFailed)
	if !errhandling.IsCategory(err, errhandling.CategoryAuthentication) {
		t.Errorf("category = %s, want authentication", errhandling.GetErrorCategory(err))
	}
	if len(rec.uploads) != 1 || rec.uploads[0].Status != StatusError {
		t.Errorf("upload records = %+v", rec.uploads)
	}
}

func TestUploadExpandsPlaceholders(t *testing.T) {
	rec := &fakeRecorder{}
	o := New(Options{ExportDir: t.TempDir()}).WithRecorder(rec)
	up := &fakeUploader{result: &storage.UploadResult{}}

	_, err := o.Upload(context.Background(), up, UploadRequest{
		TaskID:     "2024-05-01_10:00:00_filter",
		BatchID:    "2024-05-01_10:00:00",
		Pipeline:   PipelineFilter,
		ExportPath: t.TempDir(),
		URI:        "s3://datasets/{{date}}/{{task_id}}",
		Comment:    "{{pipeline}} of {{batch_id}}",
		Now:        func() time.Time { return time.Date(2024, 5, 2, 23, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if want := "s3://datasets/2024-05-02/2024-05-01_10:00:00_filter"; up.gotURI != want {
		t.Errorf("uri = %q, want %q", up.gotURI, want)
	}
	if want := "filter of 2024-05-01_10:00:00"; up.gotOpts.Comment != want {
		t.Errorf("comment = %q, want %q", up.gotOpts.Comment, want)
	}
	if len(rec.uploads) != 1 || rec.uploads[0].URI != up.gotURI {
		t.Errorf("recorded uploads = %+v, want the expanded uri", rec.uploads)
	}
}

func TestUploadUnknownPlaceholder(t *testing.T) {
	o := New(Options{ExportDir: t.TempDir()})
	up := &fakeUploader{}
	_, err := o.Upload(context.Background(), up, UploadRequest{ExportPath: t.TempDir(), URI: "s3://b/{{label}}"})
	assertStageError(t, err, StageUpload, ErrCodeInvalidInput)
	if up.gotURI != "" {
		t.Error("uploader was called")
	}
}

func TestUploadRequiresURI(t *testing.T) {
	o := New(Options{ExportDir: t.TempDir()})
	_, err := o.Upload(context.Background(), &fakeUploader{}, UploadRequest{ExportPath: t.TempDir()})
	assertStageError(t, err, StageUpload, ErrCodeInvalidInput)
}

func TestRecorderFailureDoesNotFailRun(t *testing.T) {
	batch := twoImageBatch(t)
	rec := &fakeRecorder{err: errors.New("disk full")}
	o := New(Options{ExportDir: t.TempDir()}).WithRecorder(rec)

	if _, err := o.RunFilter(context.Background(), batch, FilterTask{Predicate: exprPredicate(t, "true")}); err != nil {
		t.Fatalf("RunFilter() error = %v", err)
	}
	if len(rec.runs) != 1 {
		t.Errorf("recorded %d runs, want 1", len(rec.runs))
	}
}
