package dataset_test

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

func sampleDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	reg := dataset.NewCategoryRegistry()
	for _, c := range []dataset.Category{{ID: 1, Name: "cat"}, {ID: 2, Name: "dog"}} {
		if err := reg.Add(c); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	ds := dataset.New(reg)
	ds.Items = []*dataset.Item{
		{ID: "a", Annotations: []dataset.Annotation{{CategoryID: 1}, {CategoryID: 2}}},
		{ID: "b", Subset: "train", Annotations: []dataset.Annotation{{CategoryID: 1}}},
		{ID: "c"},
	}
	return ds
}

func TestDatasetCounts(t *testing.T) {
	ds := sampleDataset(t)

	if ds.Len() != 3 {
		t.Errorf("Len() = %d, want 3", ds.Len())
	}
	if ds.AnnotationCount() != 3 {
		t.Errorf("AnnotationCount() = %d, want 3", ds.AnnotationCount())
	}
	if diff := cmp.Diff([]string{"default", "train"}, ds.Subsets()); diff != "" {
		t.Errorf("Subsets() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"default": 2, "train": 1}, ds.SubsetCounts()); diff != "" {
		t.Errorf("SubsetCounts() mismatch (-want +got):\n%s", diff)
	}
}

func TestDatasetValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := sampleDataset(t).Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("duplicate item id", func(t *testing.T) {
		ds := sampleDataset(t)
		ds.Items = append(ds.Items, &dataset.Item{ID: "a"})
		if err := ds.Validate(); err == nil {
			t.Error("expected duplicate id error")
		}
	})

	t.Run("unknown category", func(t *testing.T) {
		ds := sampleDataset(t)
		ds.Items[2].Annotations = []dataset.Annotation{{CategoryID: 9}}
		if err := ds.Validate(); err == nil {
			t.Error("expected unknown category error")
		}
	})
}

func TestItemClone(t *testing.T) {
	orig := &dataset.Item{
		ID:          "x",
		Annotations: []dataset.Annotation{{CategoryID: 1, Keypoints: []float64{1, 2, 2}}},
		Attributes: map[string]interface{}{
			"k":    "v",
			"meta": map[string]interface{}{"source": "camera"},
			"tags": []interface{}{"a"},
		},
	}
	c := orig.Clone()
	c.Subset = "val"
	c.Annotations[0].Keypoints[0] = 99
	c.Attributes["k"] = "changed"
	c.Attributes["meta"].(map[string]interface{})["source"] = "changed"
	c.Attributes["tags"].([]interface{})[0] = "changed"

	if orig.Subset != "" || orig.Annotations[0].Keypoints[0] != 1 || orig.Attributes["k"] != "v" {
		t.Errorf("Clone() shares state with original: %+v", orig)
	}
	if orig.Attributes["meta"].(map[string]interface{})["source"] != "camera" || orig.Attributes["tags"].([]interface{})[0] != "a" {
		t.Errorf("Clone() shares nested attributes with original: %+v", orig.Attributes)
	}
}

func TestCategoryRegistry(t *testing.T) {
	reg := dataset.NewCategoryRegistry()
	_ = reg.Add(dataset.Category{ID: 5, Name: "person"})
	_ = reg.Add(dataset.Category{ID: 2, Name: "car"})

	if err := reg.Add(dataset.Category{ID: 5, Name: "person"}); err != nil {
		t.Errorf("re-adding identical category: %v", err)
	}
	if err := reg.Add(dataset.Category{ID: 5, Name: "bike"}); err == nil {
		t.Error("expected conflict error")
	}
	if diff := cmp.Diff([]string{"person", "car"}, reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if reg.Name(2) != "car" || reg.Name(42) != "" {
		t.Errorf("Name() lookup wrong")
	}
}

func TestMediaSize(t *testing.T) {
	t.Run("known size skips decode", func(t *testing.T) {
		m := dataset.NewMedia("/does/not/exist.png", 640, 480)
		w, h, err := m.Size()
		if err != nil || w != 640 || h != 480 {
			t.Errorf("Size() = %d, %d, %v", w, h, err)
		}
	})

	t.Run("lazy decode from header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "img.png")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, image.NewGray(image.Rect(0, 0, 7, 3))); err != nil {
			t.Fatal(err)
		}
		_ = f.Close()

		m := dataset.NewMedia(path, 0, 0)
		if w, h := m.KnownSize(); w != 0 || h != 0 {
			t.Errorf("KnownSize() before resolve = %d, %d", w, h)
		}
		w, h, err := m.Size()
		if err != nil || w != 7 || h != 3 {
			t.Errorf("Size() = %d, %d, %v; want 7, 3", w, h, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		m := dataset.NewMedia(filepath.Join(t.TempDir(), "nope.jpg"), 0, 0)
		if _, _, err := m.Size(); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestParseJobType(t *testing.T) {
	tests := []struct {
		tag  string
		want dataset.Format
	}{
		{"detection", dataset.FormatDetection},
		{"instances", dataset.FormatInstances},
		{"", dataset.FormatInstances},
		{"Keypoints", dataset.FormatKeypoints},
		{"segmentation", dataset.FormatStuff},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := dataset.ParseJobType(tt.tag)
			if err != nil {
				t.Fatalf("ParseJobType(%q) error = %v", tt.tag, err)
			}
			if got != tt.want {
				t.Errorf("ParseJobType(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}

	if _, err := dataset.ParseJobType("voc"); !errors.Is(err, dataset.ErrUnknownFormat) {
		t.Errorf("ParseJobType(voc) error = %v, want ErrUnknownFormat", err)
	}
}

func TestFormatPrefixAndJSON(t *testing.T) {
	if dataset.FormatKeypoints.FilePrefix() != "person_keypoints" {
		t.Errorf("keypoints prefix = %q", dataset.FormatKeypoints.FilePrefix())
	}
	if dataset.FormatDetection.FilePrefix() != "instances" {
		t.Errorf("detection prefix = %q", dataset.FormatDetection.FilePrefix())
	}

	data, err := dataset.FormatStuff.MarshalJSON()
	if err != nil || string(data) != `"stuff"` {
		t.Fatalf("MarshalJSON() = %s, %v", data, err)
	}
	var f dataset.Format
	if err := f.UnmarshalJSON([]byte(`"keypoints"`)); err != nil || f != dataset.FormatKeypoints {
		t.Errorf("UnmarshalJSON() = %v, %v", f, err)
	}
	if dataset.FormatUnknown.Valid() {
		t.Error("FormatUnknown should not be valid")
	}
}
