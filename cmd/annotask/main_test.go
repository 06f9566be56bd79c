package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ccomkhj/datumaro-gui/internal/cli"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
)

const testdataDir = "../../internal/config/testdata"

const cocoDoc = `{
  "categories": [{"id": 1, "name": "cat"}, {"id": 2, "name": "dog"}],
  "images": [
    {"id": 1, "file_name": "wide.jpg", "width": 4000, "height": 1000},
    {"id": 2, "file_name": "small.jpg", "width": 640, "height": 480}
  ],
  "annotations": [
    {"id": 1, "image_id": 1, "category_id": 1, "bbox": [1, 1, 4, 4], "area": 16, "iscrowd": 0},
    {"id": 2, "image_id": 1, "category_id": 2, "bbox": [1, 1, 4, 4], "area": 16, "iscrowd": 0},
    {"id": 3, "image_id": 2, "category_id": 1, "bbox": [1, 1, 4, 4], "area": 16, "iscrowd": 0}
  ]
}`

// workspace lays out a settings file, two images and an annotation file
// under a temp dir and returns the dir and the settings path.
func workspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("wide.jpg", "wide")
	write("small.jpg", "small")
	write("instances.json", cocoDoc)

	settings := filepath.Join(dir, "annotask.toml")
	write("annotask.toml", `[paths]
upload_dir = "`+filepath.ToSlash(filepath.Join(dir, "uploaded"))+`"
export_dir = "`+filepath.ToSlash(filepath.Join(dir, "exported"))+`"
audit_db = "`+filepath.ToSlash(filepath.Join(dir, "history.db"))+`"

[split]
seed = 11

[log]
level = "error"
format = "json"
`)
	return dir, settings
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	if code != cli.ExitSuccess {
		t.Fatalf("exit code = %d, want %d", code, cli.ExitSuccess)
	}
	if !strings.Contains(out, "annotask dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestValidateExitCodes(t *testing.T) {
	dir := t.TempDir()
	schemaBad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(schemaBad, []byte("schemaVersion: \"1.0\"\njob:\n  pipeline: merge\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		file string
		want int
	}{
		{"valid yaml", filepath.Join(testdataDir, "filter-job.yaml"), cli.ExitSuccess},
		{"valid toml", filepath.Join(testdataDir, "split-job.toml"), cli.ExitSuccess},
		{"valid json", filepath.Join(testdataDir, "script-job.json"), cli.ExitSuccess},
		{"syntax error", filepath.Join(testdataDir, "invalid-syntax.json"), cli.ExitParseError},
		{"schema error", schemaBad, cli.ExitValidationError},
		{"missing file", filepath.Join(dir, "absent.yaml"), cli.ExitParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, "validate", tt.file)
			if code != tt.want {
				t.Errorf("exit code = %d, want %d (stderr: %s)", code, tt.want, stderr)
			}
		})
	}
}

func TestValidateMissingExplicitSettings(t *testing.T) {
	// only the implicit default settings file may be absent
	code, _, _ := run(t, "validate", "-c", filepath.Join(t.TempDir(), "annotask.yaml"), filepath.Join(testdataDir, "filter-job.yaml"))
	if code != cli.ExitValidationError {
		t.Errorf("exit code = %d, want %d", code, cli.ExitValidationError)
	}
}

func TestSplitThenHistory(t *testing.T) {
	dir, settings := workspace(t)

	code, out, stderr := run(t, "split", "-c", settings,
		"--images", filepath.Join(dir, "wide.jpg")+","+filepath.Join(dir, "small.jpg"),
		"--annotation", filepath.Join(dir, "instances.json"),
		"--job-type", "instances")
	if code != cli.ExitSuccess {
		t.Fatalf("split exit code = %d\nstdout: %s\nstderr: %s", code, out, stderr)
	}
	if !strings.Contains(out, "cat") {
		t.Errorf("split output should list category stats, got:\n%s", out)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "exported"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("no export written: %v", err)
	}

	code, out, stderr = run(t, "history", "-c", settings)
	if code != cli.ExitSuccess {
		t.Fatalf("history exit code = %d\nstderr: %s", code, stderr)
	}
	if !strings.Contains(out, "split") || !strings.Contains(out, "success") {
		t.Errorf("history output missing the split run:\n%s", out)
	}

	code, out, _ = run(t, "history", "-c", settings, "--uploads")
	if code != cli.ExitSuccess || !strings.Contains(out, "No uploads recorded") {
		t.Errorf("history --uploads = %d, %q", code, out)
	}
}

// registerBatch stages the workspace files and returns the batch directory.
func registerBatch(t *testing.T, dir, settings string) string {
	t.Helper()
	code, out, stderr := run(t, "register", "-c", settings,
		"--images", filepath.Join(dir, "wide.jpg")+","+filepath.Join(dir, "small.jpg"),
		"--annotation", filepath.Join(dir, "instances.json"),
		"--job-type", "instances")
	if code != cli.ExitSuccess {
		t.Fatalf("register exit code = %d\nstdout: %s\nstderr: %s", code, out, stderr)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "uploaded"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("staged batches = %v, %v", entries, err)
	}
	return filepath.Join(dir, "uploaded", entries[0].Name())
}

func TestPipelineCommandsHonorBatchLock(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"split", []string{"split"}},
		{"filter", []string{"filter", "--expr", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, settings := workspace(t)
			batch := registerBatch(t, dir, settings)
			args := append(append([]string{}, tt.args...), "-c", settings, "--batch", batch, "--job-type", "instances")

			lock, err := runtime.LockBatchExports(filepath.Join(dir, "exported"), filepath.Base(batch))
			if err != nil {
				t.Fatal(err)
			}
			code, _, stderr := run(t, args...)
			if code != cli.ExitRuntimeError {
				t.Errorf("exit code while locked = %d, want %d", code, cli.ExitRuntimeError)
			}
			if !strings.Contains(stderr, runtime.ErrCodeLockContended) {
				t.Errorf("stderr = %q, want the lock code", stderr)
			}

			if err := lock.Unlock(); err != nil {
				t.Fatal(err)
			}
			code, out, stderr := run(t, args...)
			if code != cli.ExitSuccess {
				t.Errorf("exit code after unlock = %d\nstdout: %s\nstderr: %s", code, out, stderr)
			}
		})
	}
}

func TestFilterSplitDefault(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		want  string
	}{
		{"splits by default", nil, "instances_train.json"},
		{"split disabled", []string{"--split=false"}, "instances_default.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, settings := workspace(t)
			batch := registerBatch(t, dir, settings)
			args := append([]string{"filter", "-c", settings, "--batch", batch, "--job-type", "instances", "--expr", "true"}, tt.flags...)
			if code, out, stderr := run(t, args...); code != cli.ExitSuccess {
				t.Fatalf("exit code = %d\nstdout: %s\nstderr: %s", code, out, stderr)
			}

			exports, err := filepath.Glob(filepath.Join(dir, "exported", filepath.Base(batch)+"_*"))
			if err != nil {
				t.Fatal(err)
			}
			var final string
			for _, e := range exports {
				if !strings.HasSuffix(e, runtime.TempSuffix) && !strings.HasSuffix(e, runtime.LockSuffix) {
					final = e
				}
			}
			if final == "" {
				t.Fatalf("no final export among %v", exports)
			}
			if _, err := os.Stat(filepath.Join(final, "annotations", tt.want)); err != nil {
				t.Errorf("missing %s: %v", tt.want, err)
			}
		})
	}
}

func TestInvalidPredicateStagesNothing(t *testing.T) {
	dir, settings := workspace(t)
	job := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(job, []byte(`schemaVersion: "1.0"
job:
  pipeline: filter
  jobType: instances
  images: [wide.jpg, small.jpg]
  annotation: instances.json
  filter:
    expression: "width >"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"filter command", []string{"filter", "-c", settings,
			"--images", filepath.Join(dir, "wide.jpg"),
			"--annotation", filepath.Join(dir, "instances.json"),
			"--expr", "width >"}},
		{"job file", []string{"run", "-c", settings, job}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := run(t, tt.args...)
			if code != cli.ExitValidationError {
				t.Errorf("exit code = %d, want %d", code, cli.ExitValidationError)
			}
			if _, err := os.Stat(filepath.Join(dir, "uploaded")); !os.IsNotExist(err) {
				t.Errorf("invalid predicate left a staged batch: %v", err)
			}
		})
	}
}

func TestRunFilterJob(t *testing.T) {
	dir, settings := workspace(t)
	job := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(job, []byte(`schemaVersion: "1.0"
job:
  name: wide
  pipeline: filter
  jobType: instances
  images: [wide.jpg, small.jpg]
  annotation: instances.json
  filter:
    expression: "width > 2048"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out, stderr := run(t, "run", "-c", settings, job)
	if code != cli.ExitSuccess {
		t.Fatalf("run exit code = %d\nstdout: %s\nstderr: %s", code, out, stderr)
	}
	if !strings.Contains(out, "dog") {
		t.Errorf("filter output should list the surviving categories:\n%s", out)
	}
}

func TestRunDryRun(t *testing.T) {
	dir, settings := workspace(t)
	code, out, stderr := run(t, "run", "--dry-run", "-c", settings, filepath.Join(testdataDir, "filter-job.yaml"))
	if code != cli.ExitSuccess {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(out, "Dry run") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "uploaded")); !os.IsNotExist(err) {
		t.Error("dry run staged files")
	}
}

func TestFilterInputErrors(t *testing.T) {
	dir, settings := workspace(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no input", []string{"--expr", "true"}},
		{"batch and images", []string{"--batch", dir, "--images", "a.jpg", "--expr", "true"}},
		{"bad predicate", []string{"--batch", dir, "--expr", "width >"}},
		{"bad job type", []string{"--batch", dir, "--job-type", "panoptic", "--expr", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"filter", "-c", settings}, tt.args...)
			code, _, _ := run(t, args...)
			if code != cli.ExitValidationError {
				t.Errorf("exit code = %d, want %d", code, cli.ExitValidationError)
			}
		})
	}
}

func TestStatsCommand(t *testing.T) {
	dir, settings := workspace(t)

	code, out, stderr := run(t, "stats", "-c", settings, filepath.Join(dir, "instances.json"))
	if code != cli.ExitSuccess {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(out, "cat") || !strings.Contains(out, "dog") {
		t.Errorf("stats table = %q", out)
	}

	code, out, _ = run(t, "stats", "-c", settings, "--json", filepath.Join(dir, "instances.json"))
	if code != cli.ExitSuccess || !strings.Contains(out, `"annotations": 3`) {
		t.Errorf("stats --json = %d, %q", code, out)
	}

	code, _, _ = run(t, "stats", "-c", settings, filepath.Join(dir, "missing.json"))
	if code != cli.ExitRuntimeError {
		t.Errorf("missing file exit code = %d, want %d", code, cli.ExitRuntimeError)
	}
}

func TestHistoryDisabled(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "annotask.yaml")
	if err := os.WriteFile(settings, []byte("paths:\n  audit_db: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, _ := run(t, "history", "-c", settings)
	if code != cli.ExitValidationError {
		t.Errorf("exit code = %d, want %d", code, cli.ExitValidationError)
	}
}

func TestBadSettings(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "annotask.yaml")
	if err := os.WriteFile(settings, []byte("paths:\n  uplod_dir: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := run(t, "stats", "-c", settings, dir)
	if code != cli.ExitValidationError {
		t.Errorf("exit code = %d, want %d (stderr: %s)", code, cli.ExitValidationError, stderr)
	}
}
