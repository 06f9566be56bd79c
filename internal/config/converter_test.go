package config

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/internal/modules/split"
)

func TestConvertToJob_TestdataFiles(t *testing.T) {
	tests := []struct {
		file string
		want *Job
	}{
		{
			file: "testdata/filter-job.yaml",
			want: &Job{
				Name:       "wide-images",
				Pipeline:   PipelineFilter,
				JobType:    "instances",
				Images:     []string{"photos/a.jpg", "photos/b.jpg"},
				Annotation: "photos/instances.json",
				Filter:     &filter.PredicateConfig{Expression: "width > 2048"},
				Split:      true,
				Seed:       42,
				Upload:     &UploadSpec{URI: "s3://datasets/wide", Comment: "wide images only"},
			},
		},
		{
			file: "testdata/split-job.toml",
			want: &Job{
				Pipeline:  PipelineSplit,
				Batch:     "uploaded/2024-05-01_10:00:00",
				SplitMode: "stratified",
				Ratios:    []split.Ratio{{Name: "train", Fraction: 0.7}, {Name: "val", Fraction: 0.3}},
			},
		},
		{
			file: "testdata/script-job.json",
			want: &Job{
				Pipeline: PipelineFilter,
				Batch:    "uploaded/batch",
				Filter: &filter.PredicateConfig{
					Lang:   "javascript",
					Script: "function filter(item) { return item.annotations.length > 0; }",
				},
				Split:  true,
				Upload: &UploadSpec{URI: "datasets/annotated", Manifest: true},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			result := ParseJobFile(tt.file)
			if !result.IsValid() {
				t.Fatalf("invalid job: %v", result.AllErrors())
			}
			got, err := ConvertToJob(result.Data)
			if err != nil {
				t.Fatalf("ConvertToJob() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ConvertToJob() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConvertToJob_Errors(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
	}{
		{"nil", nil},
		{"no job", map[string]interface{}{"schemaVersion": "1.0"}},
		{"bad pipeline", map[string]interface{}{"job": map[string]interface{}{"pipeline": "merge", "batch": "b"}}},
		{"no input", map[string]interface{}{"job": map[string]interface{}{"pipeline": "split"}}},
		{"filter without predicate", map[string]interface{}{"job": map[string]interface{}{"pipeline": "filter", "batch": "b"}}},
		{"non-string image", map[string]interface{}{"job": map[string]interface{}{
			"pipeline": "split", "images": []interface{}{1}, "annotation": "a.json",
		}}},
		{"fractional seed", map[string]interface{}{"job": map[string]interface{}{
			"pipeline": "split", "batch": "b", "seed": 1.5,
		}}},
		{"string fraction", map[string]interface{}{"job": map[string]interface{}{
			"pipeline": "split", "batch": "b",
			"ratios": []interface{}{map[string]interface{}{"name": "train", "fraction": "all"}},
		}}},
		{"broken upload template", map[string]interface{}{"job": map[string]interface{}{
			"pipeline": "split", "batch": "b",
			"upload": map[string]interface{}{"uri": "s3://datasets/{{batch_id"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ConvertToJob(tt.data); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNumberNormalization(t *testing.T) {
	for _, v := range []interface{}{int(3), int64(3), uint64(3), float64(3), json.Number("3")} {
		i, err := toInt64(v)
		if err != nil || i != 3 {
			t.Errorf("toInt64(%T) = %d, %v", v, i, err)
		}
		f, err := toFloat64(v)
		if err != nil || f != 3 {
			t.Errorf("toFloat64(%T) = %v, %v", v, f, err)
		}
	}
	if _, err := toInt64(uint64(1) << 63); err == nil {
		t.Error("expected overflow error")
	}
}
