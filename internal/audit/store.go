// Package audit keeps the history of pipeline runs and uploads in SQLite.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
)

// Store persists run and upload records. It implements runtime.Recorder.
type Store struct {
	db   *sql.DB
	path string
}

var _ runtime.Recorder = (*Store)(nil)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// DefaultLimit caps history queries that pass no limit.
const DefaultLimit = 50

// Open opens or creates the history database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errhandling.NewIOError(fmt.Sprintf("creating %s", dir), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errhandling.NewIOError("open sqlite db", err)
	}
	// serialize writers inside the process; busy_timeout covers other processes
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, errhandling.NewIOError(fmt.Sprintf("apply pragma %q", pragma), execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, errhandling.NewIOError("migrate history db", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun appends a pipeline run.
func (s *Store) RecordRun(ctx context.Context, rec runtime.RunRecord) error {
	return s.exec(ctx, `INSERT INTO runs
		(task_id, batch_id, pipeline, job_type, format, status, failed_stage, error,
		 export_path, items_before, items_after, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, nullableString(rec.BatchID), rec.Pipeline, nullableString(rec.JobType),
		nullableString(rec.Format), rec.Status, nullableString(rec.FailedStage), nullableString(rec.Error),
		nullableString(rec.ExportPath), rec.Before, rec.After, formatTime(rec.StartedAt), rec.Duration.Milliseconds())
}

// RecordUpload appends an upload.
func (s *Store) RecordUpload(ctx context.Context, rec runtime.UploadRecord) error {
	return s.exec(ctx, `INSERT INTO uploads
		(task_id, batch_id, local_path, uri, comment, objects, bytes, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableString(rec.TaskID), nullableString(rec.BatchID), rec.LocalPath, rec.URI,
		nullableString(rec.Comment), rec.Objects, rec.Bytes, rec.Status, nullableString(rec.Error),
		formatTime(rec.StartedAt), rec.Duration.Milliseconds())
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	TaskID   string
	Pipeline string
	Status   string
	Limit    int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]runtime.RunRecord, error) {
	var (
		where []string
		args  []any
	)
	for col, v := range map[string]string{"task_id": f.TaskID, "pipeline": f.Pipeline, "status": f.Status} {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	query := `SELECT task_id, batch_id, pipeline, job_type, format, status, failed_stage, error,
		export_path, items_before, items_after, started_at, duration_ms FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errhandling.NewIOError("query runs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runtime.RunRecord
	for rows.Next() {
		var (
			rec                                                      runtime.RunRecord
			batchID, jobType, format, failedStage, errMsg, exportDir sql.NullString
			startedAt                                                string
			durationMs                                               int64
		)
		if err := rows.Scan(&rec.TaskID, &batchID, &rec.Pipeline, &jobType, &format, &rec.Status,
			&failedStage, &errMsg, &exportDir, &rec.Before, &rec.After, &startedAt, &durationMs); err != nil {
			return nil, errhandling.NewIOError("scan run", err)
		}
		rec.BatchID = batchID.String
		rec.JobType = jobType.String
		rec.Format = format.String
		rec.FailedStage = failedStage.String
		rec.Error = errMsg.String
		rec.ExportPath = exportDir.String
		rec.StartedAt, _ = parseTime(startedAt)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errhandling.NewIOError("iterate runs", err)
	}
	return out, nil
}

// ListUploads returns uploads newest first.
func (s *Store) ListUploads(ctx context.Context, limit int) ([]runtime.UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, batch_id, local_path, uri, comment, objects,
		bytes, status, error, started_at, duration_ms FROM uploads
		ORDER BY started_at DESC, id DESC LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, errhandling.NewIOError("query uploads", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runtime.UploadRecord
	for rows.Next() {
		var (
			rec                              runtime.UploadRecord
			taskID, batchID, comment, errMsg sql.NullString
			startedAt                        string
			durationMs                       int64
		)
		if err := rows.Scan(&taskID, &batchID, &rec.LocalPath, &rec.URI, &comment, &rec.Objects,
			&rec.Bytes, &rec.Status, &errMsg, &startedAt, &durationMs); err != nil {
			return nil, errhandling.NewIOError("scan upload", err)
		}
		rec.TaskID = taskID.String
		rec.BatchID = batchID.String
		rec.Comment = comment.String
		rec.Error = errMsg.String
		rec.StartedAt, _ = parseTime(startedAt)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errhandling.NewIOError("iterate uploads", err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return errhandling.NewIOError("write history", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// times are stored as UTC RFC3339 with a fixed fraction width so they sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
