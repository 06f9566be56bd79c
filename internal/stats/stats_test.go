package stats_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/stats"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const catDog = `{
  "categories": [{"id": 1, "name": "cat"}, {"id": 2, "name": "dog"}],
  "images": [{"id": 1, "file_name": "a.jpg"}, {"id": 2, "file_name": "b.jpg"}],
  "annotations": [
    {"id": 1, "image_id": 1, "category_id": 1},
    {"id": 2, "image_id": 1, "category_id": 1},
    {"id": 3, "image_id": 2, "category_id": 1}
  ]
}`

func TestSummarizeIncludesZeroCounts(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "instances_default.json"), catDog)

	report, err := stats.Summarize(path)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if diff := cmp.Diff(dataset.CategoryStats{"cat": 3, "dog": 0}, report.Counts()); diff != "" {
		t.Errorf("Counts() mismatch (-want +got):\n%s", diff)
	}
	if report.Images != 2 || report.Annotations != 3 {
		t.Errorf("totals = %d images, %d annotations", report.Images, report.Annotations)
	}
	if report.Categories[0].Name != "cat" || report.Categories[1].Name != "dog" {
		t.Errorf("categories out of file order: %+v", report.Categories)
	}
}

func TestSummarizeErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.json")},
		{"malformed json", writeFile(t, filepath.Join(dir, "bad.json"), "{oops")},
		{"missing tables", writeFile(t, filepath.Join(dir, "empty.json"), "{}")},
		{"unknown category", writeFile(t, filepath.Join(dir, "unknown.json"),
			`{"categories": [], "annotations": [{"category_id": 4}]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := stats.Summarize(tt.path)
			if !errhandling.IsCategory(err, errhandling.CategoryParse) {
				t.Errorf("Summarize() error = %v, want parse error", err)
			}
		})
	}
}

func TestSummarizeDirMergesSubsets(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "annotations", "instances_train.json"), catDog)
	writeFile(t, filepath.Join(root, "annotations", "instances_val.json"), `{
  "categories": [{"id": 1, "name": "cat"}, {"id": 2, "name": "dog"}, {"id": 3, "name": "bird"}],
  "images": [{"id": 1, "file_name": "c.jpg"}],
  "annotations": [{"id": 1, "image_id": 1, "category_id": 2}]
}`)

	report, err := stats.SummarizeDir(root)
	if err != nil {
		t.Fatalf("SummarizeDir() error = %v", err)
	}
	want := dataset.CategoryStats{"cat": 3, "dog": 1, "bird": 0}
	if diff := cmp.Diff(want, report.Counts()); diff != "" {
		t.Errorf("Counts() mismatch (-want +got):\n%s", diff)
	}
	if report.Images != 3 || report.Annotations != 4 || len(report.Sources) != 2 {
		t.Errorf("report = %+v", report)
	}

	if _, err := stats.SummarizeDir(t.TempDir()); !errhandling.IsCategory(err, errhandling.CategoryParse) {
		t.Errorf("SummarizeDir(empty) error = %v, want parse error", err)
	}
}
