package config

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/internal/modules/split"
	"github.com/ccomkhj/datumaro-gui/internal/template"
)

// Pipelines a job can run.
const (
	PipelineFilter = "filter"
	PipelineSplit  = "split"
)

// Job is one pipeline run described by a job file.
//
// Input is either Images plus Annotation, which are staged as a new batch,
// or Batch, the path of an already staged batch.
type Job struct {
	Name       string
	Pipeline   string
	JobType    string
	Images     []string
	Annotation string
	Batch      string
	Filter     *filter.PredicateConfig
	Split      bool
	// Ratios is nil when the job does not override the configured ratios
	Ratios    []split.Ratio
	SplitMode string
	Seed      int64
	Upload    *UploadSpec
}

// UploadSpec describes where a finished export is uploaded.
type UploadSpec struct {
	URI      string
	Comment  string
	Manifest bool
}

// ConvertToJob converts a validated job document into a Job.
//
// The document is expected to have this structure:
//
//	{
//	  "schemaVersion": "1.0",
//	  "job": {
//	    "pipeline": "filter",
//	    "images": [...], "annotation": "...",
//	    "filter": {"expression": "width > 2048"},
//	    "upload": {"uri": "s3://bucket/prefix"}
//	  }
//	}
func ConvertToJob(data map[string]interface{}) (*Job, error) {
	if data == nil {
		return nil, fmt.Errorf("job data is nil")
	}
	jobData, ok := data["job"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'job' section")
	}

	job := &Job{
		Name:       stringField(jobData, "name"),
		Pipeline:   stringField(jobData, "pipeline"),
		JobType:    stringField(jobData, "jobType"),
		Annotation: stringField(jobData, "annotation"),
		Batch:      stringField(jobData, "batch"),
		SplitMode:  stringField(jobData, "splitMode"),
	}
	if job.Pipeline != PipelineFilter && job.Pipeline != PipelineSplit {
		return nil, fmt.Errorf("invalid 'job.pipeline' %q", job.Pipeline)
	}

	if raw, ok := jobData["images"].([]interface{}); ok {
		for i, v := range raw {
			s, isString := v.(string)
			if !isString {
				return nil, fmt.Errorf("invalid 'job.images[%d]': expected string", i)
			}
			job.Images = append(job.Images, s)
		}
	}
	if job.Batch == "" && (len(job.Images) == 0 || job.Annotation == "") {
		return nil, fmt.Errorf("job needs either 'batch' or both 'images' and 'annotation'")
	}

	if f, ok := jobData["filter"].(map[string]interface{}); ok {
		job.Filter = &filter.PredicateConfig{
			Lang:       stringField(f, "lang"),
			Expression: stringField(f, "expression"),
			Script:     stringField(f, "script"),
			ScriptFile: stringField(f, "scriptFile"),
		}
	}
	if job.Pipeline == PipelineFilter && job.Filter == nil {
		return nil, fmt.Errorf("filter pipeline requires a 'job.filter' section")
	}

	// Filter runs re-split unless the job says otherwise.
	job.Split = job.Pipeline == PipelineFilter
	if b, ok := jobData["split"].(bool); ok {
		job.Split = b
	}
	if raw, ok := jobData["ratios"].([]interface{}); ok {
		ratios, err := convertRatios(raw)
		if err != nil {
			return nil, err
		}
		job.Ratios = ratios
	}
	if v, ok := jobData["seed"]; ok {
		seed, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("invalid 'job.seed': %w", err)
		}
		job.Seed = seed
	}

	if u, ok := jobData["upload"].(map[string]interface{}); ok {
		job.Upload = &UploadSpec{
			URI:     stringField(u, "uri"),
			Comment: stringField(u, "comment"),
		}
		if m, isBool := u["manifest"].(bool); isBool {
			job.Upload.Manifest = m
		}
		for _, field := range []string{job.Upload.URI, job.Upload.Comment} {
			if err := template.ValidateSyntax(field); err != nil {
				return nil, fmt.Errorf("job upload: %w", err)
			}
		}
	}
	return job, nil
}

func convertRatios(raw []interface{}) ([]split.Ratio, error) {
	ratios := make([]split.Ratio, 0, len(raw))
	for i, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid 'job.ratios[%d]': expected object", i)
		}
		fraction, err := toFloat64(m["fraction"])
		if err != nil {
			return nil, fmt.Errorf("invalid 'job.ratios[%d].fraction': %w", i, err)
		}
		ratios = append(ratios, split.Ratio{Name: stringField(m, "name"), Fraction: fraction})
	}
	return ratios, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// toFloat64 normalizes the numeric types produced by the JSON, YAML and TOML decoders.
func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
