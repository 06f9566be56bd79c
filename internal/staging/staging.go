// Package staging persists uploaded image and annotation blobs into a fresh
// timestamped batch directory.
package staging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ccomkhj/datumaro-gui/internal/codec"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/pathutil"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// BatchIDLayout is the time layout of batch ids and batch directory names.
const BatchIDLayout = "2006-01-02_15:04:05"

// DefaultUploadDir is the staging root used when none is configured.
const DefaultUploadDir = "uploaded"

// Blob is one uploaded file.
type Blob struct {
	Name string
	Data io.Reader
}

// Stager writes uploads under Root.
type Stager struct {
	Root string
	// Now defaults to time.Now.
	Now func() time.Time
}

// New returns a Stager rooted at root.
func New(root string) *Stager {
	if root == "" {
		root = DefaultUploadDir
	}
	return &Stager{Root: root, Now: time.Now}
}

// Stage writes images into <root>/<id>/images/ and the annotation file into
// <root>/<id>/annotations/. Content is not validated. jobType is recorded on
// the batch unchanged; interpreting it is left to the loader.
//
// Two calls within the same second get distinct directories: the second id
// carries a short random suffix.
func (s *Stager) Stage(images []Blob, annotation Blob, jobType string) (*dataset.UploadBatch, error) {
	for _, b := range images {
		if err := pathutil.ValidateFileName(b.Name); err != nil {
			return nil, errhandling.NewIOError("invalid image name", err)
		}
	}
	if err := pathutil.ValidateFileName(annotation.Name); err != nil {
		return nil, errhandling.NewIOError("invalid annotation name", err)
	}
	if annotation.Data == nil {
		return nil, errhandling.NewIOError("annotation file is required", nil)
	}

	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("creating upload root %s", s.Root), err)
	}
	id, base, err := s.reserve()
	if err != nil {
		return nil, err
	}

	batch := &dataset.UploadBatch{
		ID:             id,
		BasePath:       base,
		ImagesDir:      filepath.Join(base, codec.ImagesDir),
		AnnotationsDir: filepath.Join(base, codec.AnnotationsDir),
		JobType:        jobType,
	}
	for _, dir := range []string{batch.ImagesDir, batch.AnnotationsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errhandling.NewIOError(fmt.Sprintf("creating %s", dir), err)
		}
	}

	for _, b := range images {
		if err := writeBlob(filepath.Join(batch.ImagesDir, b.Name), b.Data); err != nil {
			return nil, err
		}
	}
	batch.AnnotationFile = annotation.Name
	if err := writeBlob(filepath.Join(batch.AnnotationsDir, annotation.Name), annotation.Data); err != nil {
		return nil, err
	}

	logger.Info("upload staged",
		slog.String("batch_id", batch.ID),
		slog.String("path", batch.BasePath),
		slog.Int("images", len(images)),
		slog.String("job_type", jobType))
	return batch, nil
}

// reserve creates the batch directory itself, so concurrent stagers never
// share one.
func (s *Stager) reserve() (string, string, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	id := now().Format(BatchIDLayout)
	for attempt := 0; attempt < 5; attempt++ {
		candidate := id
		if attempt > 0 {
			candidate = id + "_" + uuid.NewString()[:8]
		}
		base := filepath.Join(s.Root, candidate)
		err := os.Mkdir(base, 0o755)
		if err == nil {
			return candidate, base, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", errhandling.NewIOError(fmt.Sprintf("creating %s", base), err)
		}
	}
	return "", "", errhandling.NewIOError(fmt.Sprintf("could not reserve a batch directory for %s", id), os.ErrExist)
}

func writeBlob(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return errhandling.NewIOError(fmt.Sprintf("creating %s", path), err)
	}
	if r != nil {
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return errhandling.NewIOError(fmt.Sprintf("writing %s", path), err)
		}
	}
	if err := f.Close(); err != nil {
		return errhandling.NewIOError(fmt.Sprintf("closing %s", path), err)
	}
	return nil
}

// Batch reconstructs the batch stored at basePath, for example a downloaded
// task. The annotation file is the first *.json under annotations/, if any.
func Batch(basePath, jobType string) (*dataset.UploadBatch, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("batch %s", basePath), err)
	}
	if !info.IsDir() {
		return nil, errhandling.NewIOError(fmt.Sprintf("batch %s is not a directory", basePath), nil)
	}
	b := &dataset.UploadBatch{
		ID:             filepath.Base(filepath.Clean(basePath)),
		BasePath:       basePath,
		ImagesDir:      filepath.Join(basePath, codec.ImagesDir),
		AnnotationsDir: filepath.Join(basePath, codec.AnnotationsDir),
		JobType:        jobType,
	}
	if files, _ := filepath.Glob(filepath.Join(b.AnnotationsDir, "*.json")); len(files) > 0 {
		b.AnnotationFile = filepath.Base(files[0])
	}
	return b, nil
}
