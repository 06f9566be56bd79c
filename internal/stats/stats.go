// Package stats summarizes per-category annotation counts from exported
// annotation files. Reports are computed on every call and never cached.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// CategoryCount is the annotation count of one category.
type CategoryCount struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Report summarizes one or more annotation files.
type Report struct {
	// Sources lists the files the report was built from.
	Sources []string `json:"sources"`
	// Categories are listed in file order, including zero counts.
	Categories  []CategoryCount `json:"categories"`
	Images      int             `json:"images"`
	Annotations int             `json:"annotations"`
}

// Counts returns the category name to count mapping.
func (r *Report) Counts() dataset.CategoryStats {
	out := make(dataset.CategoryStats, len(r.Categories))
	for _, c := range r.Categories {
		out[c.Name] += c.Count
	}
	return out
}

type categoryRow struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type annotationRow struct {
	CategoryID int64 `json:"category_id"`
}

// annotationTables is the subset of the COCO layout the reporter reads.
type annotationTables struct {
	Categories  *[]categoryRow     `json:"categories"`
	Images      *[]json.RawMessage `json:"images"`
	Annotations *[]annotationRow   `json:"annotations"`
}

// Summarize counts annotations per category in one annotation file.
// A missing or malformed file yields a ParseError.
func Summarize(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errhandling.NewParseError(fmt.Sprintf("reading %s", path), err)
	}

	var tables annotationTables
	if err := json.Unmarshal(raw, &tables); err != nil {
		return nil, errhandling.NewParseError(fmt.Sprintf("decoding %s", path), err)
	}
	if tables.Categories == nil || tables.Annotations == nil {
		return nil, errhandling.NewParseError(fmt.Sprintf("%s: missing categories or annotations table", path), nil)
	}

	report := &Report{Sources: []string{path}}
	index := make(map[int64]int, len(*tables.Categories))
	for _, c := range *tables.Categories {
		if _, dup := index[c.ID]; dup {
			return nil, errhandling.NewParseError(fmt.Sprintf("%s: duplicate category id %d", path, c.ID), nil)
		}
		index[c.ID] = len(report.Categories)
		report.Categories = append(report.Categories, CategoryCount{ID: c.ID, Name: c.Name})
	}
	for _, a := range *tables.Annotations {
		i, ok := index[a.CategoryID]
		if !ok {
			return nil, errhandling.NewParseError(fmt.Sprintf("%s: annotation references unknown category id %d", path, a.CategoryID), nil)
		}
		report.Categories[i].Count++
	}
	report.Annotations = len(*tables.Annotations)
	if tables.Images != nil {
		report.Images = len(*tables.Images)
	}
	return report, nil
}

// SummarizeDir merges the reports of every annotation file in exportPath/annotations.
// Categories are matched by name and keep first-seen order.
func SummarizeDir(exportPath string) (*Report, error) {
	pattern := filepath.Join(exportPath, "annotations", "*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errhandling.NewParseError("listing annotation files", err)
	}
	if len(files) == 0 {
		return nil, errhandling.NewParseError(fmt.Sprintf("no annotation files under %s", exportPath), os.ErrNotExist)
	}
	sort.Strings(files)

	merged := &Report{}
	byName := make(map[string]int)
	for _, f := range files {
		r, err := Summarize(f)
		if err != nil {
			return nil, err
		}
		merged.Sources = append(merged.Sources, f)
		merged.Images += r.Images
		merged.Annotations += r.Annotations
		for _, c := range r.Categories {
			i, ok := byName[c.Name]
			if !ok {
				byName[c.Name] = len(merged.Categories)
				merged.Categories = append(merged.Categories, c)
				continue
			}
			merged.Categories[i].Count += c.Count
		}
	}
	return merged, nil
}
