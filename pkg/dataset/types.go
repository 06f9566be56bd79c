// Package dataset provides the public data model for labeled-image datasets.
// This package is intended to be importable by external projects that need
// to build or inspect datasets handled by annotask.
package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"sync"

	// Header decoders for lazily resolved media sizes.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// DefaultSubset is the subset every item belongs to until a split assigns another.
const DefaultSubset = "default"

// UploadBatch identifies one registration: a timestamp-named working directory
// holding the submitted images and a single annotation file.
// It is immutable after creation.
type UploadBatch struct {
	// ID is the batch timestamp ("2006-01-02_15:04:05"), possibly with a collision suffix
	ID string `json:"id"`

	// BasePath is the batch root directory
	BasePath string `json:"basePath"`

	// ImagesDir holds the uploaded images
	ImagesDir string `json:"imagesDir"`

	// AnnotationsDir holds the uploaded annotation file
	AnnotationsDir string `json:"annotationsDir"`

	// AnnotationFile is the base name of the uploaded annotation file
	AnnotationFile string `json:"annotationFile"`

	// JobType is the optional job-type tag supplied at registration
	JobType string `json:"jobType,omitempty"`
}

// Dataset is an ordered collection of items sharing one category registry.
type Dataset struct {
	Items      []*Item
	Categories *CategoryRegistry
}

// New returns an empty dataset using the given registry (a fresh one when nil).
func New(categories *CategoryRegistry) *Dataset {
	if categories == nil {
		categories = NewCategoryRegistry()
	}
	return &Dataset{Categories: categories}
}

// Len returns the number of items.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Items)
}

// AnnotationCount returns the total number of annotations across all items.
func (d *Dataset) AnnotationCount() int {
	n := 0
	for _, it := range d.Items {
		n += len(it.Annotations)
	}
	return n
}

// Subsets returns subset names in first-seen order.
func (d *Dataset) Subsets() []string {
	seen := make(map[string]bool)
	var names []string
	for _, it := range d.Items {
		s := it.SubsetName()
		if !seen[s] {
			seen[s] = true
			names = append(names, s)
		}
	}
	return names
}

// SubsetCounts returns the number of items per subset.
func (d *Dataset) SubsetCounts() map[string]int {
	counts := make(map[string]int)
	for _, it := range d.Items {
		counts[it.SubsetName()]++
	}
	return counts
}

// Validate checks the dataset invariants: item ids are unique and every
// annotation references a category present in the registry.
func (d *Dataset) Validate() error {
	if d.Categories == nil {
		return fmt.Errorf("dataset has no category registry")
	}
	ids := make(map[string]bool, len(d.Items))
	for _, it := range d.Items {
		if ids[it.ID] {
			return fmt.Errorf("duplicate item id %q", it.ID)
		}
		ids[it.ID] = true
		for _, ann := range it.Annotations {
			if _, ok := d.Categories.Get(ann.CategoryID); !ok {
				return fmt.Errorf("item %q: annotation references unknown category id %d", it.ID, ann.CategoryID)
			}
		}
	}
	return nil
}

// Derive returns a new dataset holding the given items and sharing this
// dataset's registry.
func (d *Dataset) Derive(items []*Item) *Dataset {
	return &Dataset{Items: items, Categories: d.Categories}
}

// Item is one annotated media unit.
type Item struct {
	ID          string
	Subset      string
	Media       *Media
	Annotations []Annotation
	Attributes  map[string]interface{}
}

// SubsetName returns the item's subset, falling back to DefaultSubset.
func (it *Item) SubsetName() string {
	if it.Subset == "" {
		return DefaultSubset
	}
	return it.Subset
}

// Clone returns a copy of the item whose annotation slice and attribute map
// can be modified without affecting the original.
func (it *Item) Clone() *Item {
	c := *it
	c.Annotations = make([]Annotation, len(it.Annotations))
	for i, a := range it.Annotations {
		c.Annotations[i] = a.Clone()
	}
	c.Attributes = cloneAttrs(it.Attributes)
	return &c
}

// Annotation is a single label on an item.
type Annotation struct {
	ID           int64
	CategoryID   int64
	BBox         [4]float64
	HasBBox      bool
	Segmentation json.RawMessage
	Area         float64
	IsCrowd      bool
	Keypoints    []float64
	NumKeypoints int
	Attributes   map[string]interface{}
}

// Clone returns a deep copy of the annotation.
func (a Annotation) Clone() Annotation {
	c := a
	if a.Segmentation != nil {
		c.Segmentation = append(json.RawMessage(nil), a.Segmentation...)
	}
	if a.Keypoints != nil {
		c.Keypoints = append([]float64(nil), a.Keypoints...)
	}
	c.Attributes = cloneAttrs(a.Attributes)
	return c
}

func cloneAttrs(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneAttrValue(v)
	}
	return out
}

// cloneAttrValue copies the nested maps and slices decoded from JSON.
func cloneAttrValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneAttrs(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneAttrValue(e)
		}
		return out
	default:
		return v
	}
}

// Media references an image file. Dimensions are resolved lazily from the
// image header when they were not supplied by the annotation file.
type Media struct {
	Path string

	mu       sync.Mutex
	width    int
	height   int
	resolved bool
	err      error
}

// NewMedia returns a media reference with known dimensions (0 means unknown).
func NewMedia(path string, width, height int) *Media {
	m := &Media{Path: path, width: width, height: height}
	if width > 0 && height > 0 {
		m.resolved = true
	}
	return m
}

// Size returns the image width and height, decoding only the image header on first use.
func (m *Media) Size() (width, height int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return m.width, m.height, m.err
	}
	m.resolved = true

	f, err := os.Open(m.Path)
	if err != nil {
		m.err = err
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		m.err = fmt.Errorf("decoding image header %s: %w", m.Path, err)
		return 0, 0, m.err
	}
	m.width, m.height = cfg.Width, cfg.Height
	return m.width, m.height, nil
}

// KnownSize returns the dimensions without touching the filesystem.
func (m *Media) KnownSize() (width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height
}

// Category is a named label class.
type Category struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Supercategory string   `json:"supercategory,omitempty"`
	Keypoints     []string `json:"keypoints,omitempty"`
	Skeleton      [][2]int `json:"skeleton,omitempty"`
}

// CategoryRegistry maps category ids to categories, preserving insertion order.
type CategoryRegistry struct {
	order []int64
	byID  map[int64]Category
}

// NewCategoryRegistry returns an empty registry.
func NewCategoryRegistry() *CategoryRegistry {
	return &CategoryRegistry{byID: make(map[int64]Category)}
}

// Add registers a category. Adding an id twice with a different name is an error.
func (r *CategoryRegistry) Add(c Category) error {
	if existing, ok := r.byID[c.ID]; ok {
		if existing.Name != c.Name {
			return fmt.Errorf("category id %d registered as %q and %q", c.ID, existing.Name, c.Name)
		}
		return nil
	}
	r.order = append(r.order, c.ID)
	r.byID[c.ID] = c
	return nil
}

// Get returns the category with the given id.
func (r *CategoryRegistry) Get(id int64) (Category, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Name returns the category name for id, or "" if unknown.
func (r *CategoryRegistry) Name(id int64) string {
	return r.byID[id].Name
}

// Len returns the number of categories.
func (r *CategoryRegistry) Len() int {
	return len(r.order)
}

// All returns categories in registration order.
func (r *CategoryRegistry) All() []Category {
	out := make([]Category, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Names returns category names in registration order.
func (r *CategoryRegistry) Names() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Name)
	}
	return out
}

// ExportArtifact is the materialized result of an export. It is not mutated after creation.
type ExportArtifact struct {
	Path            string            `json:"path"`
	Format          Format            `json:"format"`
	MediaIncluded   bool              `json:"mediaIncluded"`
	Subsets         []string          `json:"subsets"`
	AnnotationFiles map[string]string `json:"annotationFiles"`
}

// AnnotationFile returns the annotation file written for subset, if any.
func (a *ExportArtifact) AnnotationFile(subset string) (string, bool) {
	p, ok := a.AnnotationFiles[subset]
	return p, ok
}

// CategoryStats maps category name to annotation count.
type CategoryStats map[string]int
