package codec_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ccomkhj/datumaro-gui/internal/codec"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// writeDoc writes an annotation document under root/annotations/name.
func writeDoc(t *testing.T, root, name string, doc map[string]interface{}) {
	t.Helper()
	dir := filepath.Join(root, codec.AnnotationsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeImage(t *testing.T, root, rel string) {
	t.Helper()
	p := filepath.Join(root, codec.ImagesDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("not really an image"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func instancesDoc() map[string]interface{} {
	return map[string]interface{}{
		"categories": []interface{}{
			map[string]interface{}{"id": 1, "name": "cat"},
			map[string]interface{}{"id": 2, "name": "dog"},
		},
		"images": []interface{}{
			map[string]interface{}{"id": 10, "file_name": "wide.jpg", "width": 4000, "height": 1000},
			map[string]interface{}{"id": 11, "file_name": "small.jpg", "width": 640, "height": 480},
		},
		"annotations": []interface{}{
			map[string]interface{}{"id": 1, "image_id": 10, "category_id": 1, "bbox": []float64{0, 0, 10, 10},
				"segmentation": [][]float64{{0, 0, 10, 0, 10, 10}}, "area": 50, "iscrowd": 0},
			map[string]interface{}{"id": 2, "image_id": 10, "category_id": 1, "bbox": []float64{5, 5, 2, 2},
				"segmentation": [][]float64{{5, 5, 7, 5, 7, 7}}, "area": 2, "iscrowd": 0},
			map[string]interface{}{"id": 3, "image_id": 11, "category_id": 1, "bbox": []float64{1, 1, 3, 3},
				"segmentation": [][]float64{{1, 1, 4, 1, 4, 4}}, "area": 4, "iscrowd": 0},
		},
	}
}

func TestLoadInstances(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "upload.json", instancesDoc())
	writeImage(t, root, "wide.jpg")
	writeImage(t, root, "small.jpg")

	ds, err := codec.Load(root, dataset.FormatInstances)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if ds.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ds.Len())
	}
	if diff := cmp.Diff([]string{"cat", "dog"}, ds.Categories.Names()); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}

	wide := ds.Items[0]
	if wide.ID != "wide" || wide.SubsetName() != dataset.DefaultSubset {
		t.Errorf("item = %q/%q, want wide/default", wide.ID, wide.Subset)
	}
	if len(wide.Annotations) != 2 {
		t.Errorf("wide annotations = %d, want 2", len(wide.Annotations))
	}
	if w, h := wide.Media.KnownSize(); w != 4000 || h != 1000 {
		t.Errorf("KnownSize() = %d,%d", w, h)
	}
	if want := filepath.Join(root, "images", "wide.jpg"); wide.Media.Path != want {
		t.Errorf("media path = %q, want %q", wide.Media.Path, want)
	}
	if !wide.Annotations[0].HasBBox || wide.Annotations[0].BBox[2] != 10 {
		t.Errorf("bbox not decoded: %+v", wide.Annotations[0])
	}
}

func TestLoadSubsetsFromFileNames(t *testing.T) {
	root := t.TempDir()
	train := instancesDoc()
	val := map[string]interface{}{
		"categories":  train["categories"],
		"images":      []interface{}{map[string]interface{}{"id": 1, "file_name": "v1.jpg"}},
		"annotations": []interface{}{},
	}
	writeDoc(t, root, "instances_train.json", train)
	writeDoc(t, root, "instances_val.json", val)
	// Ignored because prefixed files for the requested format exist.
	writeDoc(t, root, "other.json", map[string]interface{}{"broken": true})

	ds, err := codec.Load(root, dataset.FormatInstances)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(map[string]int{"train": 2, "val": 1}, ds.SubsetCounts()); diff != "" {
		t.Errorf("SubsetCounts() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFormatErrors(t *testing.T) {
	tests := []struct {
		name   string
		format dataset.Format
		mutate func(doc map[string]interface{})
	}{
		{
			name:   "instances without segmentation",
			format: dataset.FormatInstances,
			mutate: func(doc map[string]interface{}) {
				doc["annotations"] = []interface{}{
					map[string]interface{}{"id": 1, "image_id": 10, "category_id": 1, "bbox": []float64{0, 0, 1, 1}},
				}
			},
		},
		{
			name:   "detection without bbox",
			format: dataset.FormatDetection,
			mutate: func(doc map[string]interface{}) {
				doc["annotations"] = []interface{}{
					map[string]interface{}{"id": 1, "image_id": 10, "category_id": 1},
				}
			},
		},
		{
			name:   "keypoints not a multiple of three",
			format: dataset.FormatKeypoints,
			mutate: func(doc map[string]interface{}) {
				doc["annotations"] = []interface{}{
					map[string]interface{}{"id": 1, "image_id": 10, "category_id": 1, "keypoints": []float64{1, 2, 2, 4}},
				}
			},
		},
		{
			name:   "stuff with empty segmentation",
			format: dataset.FormatStuff,
			mutate: func(doc map[string]interface{}) {
				doc["annotations"] = []interface{}{
					map[string]interface{}{"id": 1, "image_id": 10, "category_id": 1, "segmentation": []interface{}{}},
				}
			},
		},
		{
			name:   "unknown category",
			format: dataset.FormatInstances,
			mutate: func(doc map[string]interface{}) {
				doc["categories"] = []interface{}{map[string]interface{}{"id": 2, "name": "dog"}}
			},
		},
		{
			name:   "unknown image",
			format: dataset.FormatInstances,
			mutate: func(doc map[string]interface{}) {
				doc["images"] = []interface{}{map[string]interface{}{"id": 11, "file_name": "small.jpg"}}
			},
		},
		{
			name:   "duplicate item id",
			format: dataset.FormatInstances,
			mutate: func(doc map[string]interface{}) {
				doc["images"] = []interface{}{
					map[string]interface{}{"id": 10, "file_name": "a.jpg"},
					map[string]interface{}{"id": 11, "file_name": "a.png"},
				}
			},
		},
		{
			name:   "missing images table",
			format: dataset.FormatInstances,
			mutate: func(doc map[string]interface{}) { delete(doc, "images") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			doc := instancesDoc()
			tt.mutate(doc)
			writeDoc(t, root, "upload.json", doc)

			_, err := codec.Load(root, tt.format)
			if !errhandling.IsCategory(err, errhandling.CategoryFormat) {
				t.Errorf("Load() error = %v, want format error", err)
			}
		})
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, codec.AnnotationsDir)
	_ = os.MkdirAll(dir, 0o755)
	_ = os.WriteFile(filepath.Join(dir, "a.json"), []byte("{not json"), 0o644)

	if _, err := codec.Load(root, dataset.FormatInstances); !errhandling.IsCategory(err, errhandling.CategoryFormat) {
		t.Errorf("Load() error = %v, want format error", err)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := codec.Load(filepath.Join(t.TempDir(), "nope"), dataset.FormatInstances)
	if !errhandling.IsCategory(err, errhandling.CategoryIO) {
		t.Errorf("Load() error = %v, want io error", err)
	}
}

func TestExportWritesLayout(t *testing.T) {
	src := t.TempDir()
	writeDoc(t, src, "upload.json", instancesDoc())
	writeImage(t, src, "wide.jpg")
	writeImage(t, src, "small.jpg")

	ds, err := codec.Load(src, dataset.FormatInstances)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	out := filepath.Join(t.TempDir(), "export")
	art, err := codec.Export(ds, out, dataset.FormatInstances, true)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	want := filepath.Join(out, "annotations", "instances_default.json")
	if got, _ := art.AnnotationFile("default"); got != want {
		t.Errorf("annotation file = %q, want %q", got, want)
	}
	if !art.MediaIncluded || art.Format != dataset.FormatInstances {
		t.Errorf("artifact = %+v", art)
	}
	for _, name := range []string{"wide.jpg", "small.jpg"} {
		if _, err := os.Stat(filepath.Join(out, "images", "default", name)); err != nil {
			t.Errorf("media %s not copied: %v", name, err)
		}
	}

	raw, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Images []struct {
			ID       int64  `json:"id"`
			FileName string `json:"file_name"`
		} `json:"images"`
		Annotations []struct {
			ID      int64 `json:"id"`
			ImageID int64 `json:"image_id"`
		} `json:"annotations"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Images[0].ID != 1 || doc.Images[1].ID != 2 {
		t.Errorf("image ids not renumbered: %+v", doc.Images)
	}
	if doc.Annotations[2].ID != 3 || doc.Annotations[2].ImageID != 2 {
		t.Errorf("annotation ids not renumbered: %+v", doc.Annotations)
	}
}

func TestExportWithoutMedia(t *testing.T) {
	ds := dataset.New(nil)
	_ = ds.Categories.Add(dataset.Category{ID: 1, Name: "cat"})

	out := t.TempDir()
	if _, err := codec.Export(ds, out, dataset.FormatInstances, false); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "images")); !os.IsNotExist(err) {
		t.Errorf("images dir should not exist, stat err = %v", err)
	}
	// An empty dataset still produces the default annotation file.
	if _, err := os.Stat(codec.AnnotationPath(out, dataset.FormatInstances, "default")); err != nil {
		t.Errorf("default annotation file missing: %v", err)
	}
}

func TestExportDetectionRequiresBBox(t *testing.T) {
	ds := dataset.New(nil)
	_ = ds.Categories.Add(dataset.Category{ID: 1, Name: "cat"})
	ds.Items = []*dataset.Item{{ID: "a", Annotations: []dataset.Annotation{
		{CategoryID: 1, Segmentation: json.RawMessage(`[[0,0,1,0,1,1]]`)},
	}}}

	_, err := codec.Export(ds, t.TempDir(), dataset.FormatDetection, false)
	if !errhandling.IsCategory(err, errhandling.CategoryFormat) {
		t.Errorf("Export() error = %v, want format error", err)
	}
}

func TestExportDetectionDropsSegmentation(t *testing.T) {
	ds := dataset.New(nil)
	_ = ds.Categories.Add(dataset.Category{ID: 1, Name: "cat"})
	ds.Items = []*dataset.Item{{ID: "a", Annotations: []dataset.Annotation{
		{CategoryID: 1, HasBBox: true, BBox: [4]float64{0, 0, 2, 3}, Segmentation: json.RawMessage(`[[0,0,1,0,1,1]]`)},
	}}}

	out := t.TempDir()
	if _, err := codec.Export(ds, out, dataset.FormatDetection, false); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	raw, _ := os.ReadFile(codec.AnnotationPath(out, dataset.FormatDetection, "default"))
	if strings.Contains(string(raw), "[[0,0,1,0,1,1]]") {
		t.Errorf("segmentation should be dropped: %s", raw)
	}
	if !strings.Contains(string(raw), `"area":6`) {
		t.Errorf("area should be derived from bbox: %s", raw)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, f := range dataset.AllFormats() {
		t.Run(f.String(), func(t *testing.T) {
			ds := roundTripFixture(f)

			first := filepath.Join(t.TempDir(), "first")
			if _, err := codec.Export(ds, first, f, false); err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			loaded, err := codec.Load(first, f)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			second := filepath.Join(t.TempDir(), "second")
			if _, err := codec.Export(loaded, second, f, false); err != nil {
				t.Fatalf("second Export() error = %v", err)
			}
			again, err := codec.Load(second, f)
			if err != nil {
				t.Fatalf("second Load() error = %v", err)
			}

			if diff := cmp.Diff(summary(ds), summary(again)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type datasetSummary struct {
	Items       int
	Categories  []string
	Annotations map[string]int
	Subsets     map[string]int
}

func summary(ds *dataset.Dataset) datasetSummary {
	s := datasetSummary{
		Items:       ds.Len(),
		Categories:  ds.Categories.Names(),
		Annotations: make(map[string]int),
		Subsets:     ds.SubsetCounts(),
	}
	for _, it := range ds.Items {
		s.Annotations[it.ID] = len(it.Annotations)
	}
	return s
}

func roundTripFixture(f dataset.Format) *dataset.Dataset {
	reg := dataset.NewCategoryRegistry()
	_ = reg.Add(dataset.Category{ID: 1, Name: "person", Keypoints: []string{"nose", "eye"}})
	_ = reg.Add(dataset.Category{ID: 3, Name: "sky"})

	ann := func(cat int64) dataset.Annotation {
		a := dataset.Annotation{CategoryID: cat, HasBBox: true, BBox: [4]float64{1, 2, 3, 4}}
		switch f {
		case dataset.FormatInstances, dataset.FormatStuff:
			a.Segmentation = json.RawMessage(`[[1,2,4,2,4,6]]`)
		case dataset.FormatKeypoints:
			a.Keypoints = []float64{1, 1, 2, 5, 5, 0}
		}
		return a
	}

	ds := dataset.New(reg)
	ds.Items = []*dataset.Item{
		{ID: "a", Subset: "train", Annotations: []dataset.Annotation{ann(1), ann(3)}},
		{ID: "b", Subset: "train"},
		{ID: "c", Subset: "val", Annotations: []dataset.Annotation{ann(1)}},
	}
	return ds
}

func TestNewUnknownFormat(t *testing.T) {
	_, err := codec.New(dataset.FormatUnknown)
	if !errors.Is(err, dataset.ErrUnknownFormat) {
		t.Errorf("New() error = %v, want ErrUnknownFormat", err)
	}
	if !errhandling.IsCategory(err, errhandling.CategoryConfig) {
		t.Errorf("New() error should be a config error")
	}
}
