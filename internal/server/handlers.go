package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/internal/pathutil"
	"github.com/ccomkhj/datumaro-gui/internal/registry"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/staging"
	"github.com/ccomkhj/datumaro-gui/internal/stats"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// FilterRequest is the body of POST /sessions/{id}/filter.
type FilterRequest struct {
	Lang       string `json:"lang"`
	Expression string `json:"expression"`
	Script     string `json:"script"`
	Split      bool   `json:"split"`
}

// UploadRequest is the body of POST /sessions/{id}/upload.
type UploadRequest struct {
	URI      string `json:"uri"`
	Comment  string `json:"comment"`
	Manifest bool   `json:"manifest"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusCreated, s.sessions.Create())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession resets the session. Staged and exported files stay on disk.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleRegister stages a multipart upload: one or more "images" parts, one
// "annotation" part and an optional "job_type" field.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		s.writeFailure(w, err)
		return
	}

	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeFailure(w, errhandling.NewConfigError("invalid multipart form", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	annotations := r.MultipartForm.File["annotation"]
	if len(annotations) != 1 {
		s.writeFailure(w, errhandling.NewConfigError("exactly one annotation file is required", nil))
		return
	}
	images := r.MultipartForm.File["images"]
	if len(images) == 0 {
		s.writeFailure(w, errhandling.NewConfigError("at least one image is required", nil))
		return
	}
	jobType := r.FormValue("job_type")
	if _, err := dataset.ParseJobType(jobType); err != nil {
		s.writeFailure(w, errhandling.NewConfigError("invalid job_type", err))
		return
	}

	var files []io.Closer
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	open := func(fh *multipart.FileHeader) (staging.Blob, error) {
		f, err := fh.Open()
		if err != nil {
			return staging.Blob{}, errhandling.NewIOError(fmt.Sprintf("opening part %s", fh.Filename), err)
		}
		files = append(files, f)
		return staging.Blob{Name: fh.Filename, Data: f}, nil
	}

	blobs := make([]staging.Blob, 0, len(images))
	for _, fh := range images {
		b, err := open(fh)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		blobs = append(blobs, b)
	}
	annotation, err := open(annotations[0])
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	batch, err := s.stager.Stage(blobs, annotation, jobType)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	sess, err := s.sessions.Update(id, func(sess *runtime.Session) {
		sess.BatchID = batch.ID
		sess.BatchPath = batch.BasePath
		sess.JobType = jobType
		// a new batch invalidates the previous task
		sess.TaskID, sess.Pipeline, sess.TaskPath, sess.StatsPath = "", "", "", ""
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	sess, batch, err := s.sessionBatch(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	pred, err := registry.NewPredicate(filter.PredicateConfig{
		Lang:       req.Lang,
		Expression: req.Expression,
		Script:     req.Script,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	lock, err := runtime.LockBatchExports(s.orch.ExportDir(), batch.ID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	defer func() { _ = lock.Unlock() }()

	out, err := s.orch.RunFilter(r.Context(), batch, runtime.FilterTask{Predicate: pred, Split: req.Split})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if _, err := s.sessions.Update(sess.ID, func(sess *runtime.Session) {
		sess.TaskID = out.TaskID
		sess.Pipeline = runtime.PipelineFilter
		sess.TaskPath = out.ExportPath
		sess.StatsPath = out.StatsAnnotationPath
	}); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	sess, batch, err := s.sessionBatch(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	lock, err := runtime.LockBatchExports(s.orch.ExportDir(), batch.ID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	defer func() { _ = lock.Unlock() }()

	out, err := s.orch.RunSplit(r.Context(), batch)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if _, err := s.sessions.Update(sess.ID, func(sess *runtime.Session) {
		sess.TaskID = out.TaskID
		sess.Pipeline = runtime.PipelineSplit
		sess.TaskPath = out.ExportPath
		sess.StatsPath = ""
	}); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleSessionStats reports on the session's task: the unsplit annotation
// file after a filter run, or every exported subset after a split run.
func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !sess.HasTask() {
		s.writeError(w, http.StatusConflict, "session has no task yet")
		return
	}

	var report *stats.Report
	if sess.StatsPath != "" {
		report, err = stats.Summarize(sess.StatsPath)
	} else {
		report, err = stats.SummarizeDir(sess.TaskPath)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleTaskStats reports on any finished export by task id.
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := pathutil.ValidateFileName(id); err != nil {
		s.writeFailure(w, errhandling.NewConfigError("invalid task id", err))
		return
	}
	path, err := s.orch.FindExport(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	report, err := stats.SummarizeDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeFailure(w, errhandling.NewNotFoundError(fmt.Sprintf("task %s not found", id), err))
			return
		}
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !sess.HasTask() {
		s.writeError(w, http.StatusConflict, "session has no task to upload")
		return
	}
	if s.uploader == nil {
		s.writeFailure(w, errhandling.NewConfigError("remote storage is not configured", nil))
		return
	}

	if _, err := s.sessions.Update(sess.ID, func(sess *runtime.Session) {
		sess.URI = req.URI
		sess.Comment = req.Comment
	}); err != nil {
		s.writeFailure(w, err)
		return
	}

	out, err := s.orch.Upload(r.Context(), s.uploader, runtime.UploadRequest{
		TaskID:     sess.TaskID,
		BatchID:    sess.BatchID,
		Pipeline:   sess.Pipeline,
		ExportPath: sess.TaskPath,
		URI:        req.URI,
		Comment:    req.Comment,
		Manifest:   req.Manifest,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// sessionBatch loads the session and the batch it registered.
func (s *Server) sessionBatch(id string) (*runtime.Session, *dataset.UploadBatch, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if sess.BatchPath == "" {
		return nil, nil, errhandling.NewConfigError("session has no registered batch", nil)
	}
	batch, err := staging.Batch(sess.BatchPath, sess.JobType)
	if err != nil {
		return nil, nil, err
	}
	batch.ID = sess.BatchID
	return sess, batch, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errhandling.NewConfigError("invalid request body", err)
	}
	return nil
}
