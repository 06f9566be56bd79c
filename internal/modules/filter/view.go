package filter

import (
	"encoding/json"
	"fmt"

	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// ItemView is the read-only projection of an item handed to predicates.
// Field names are the same in both languages (snake_case).
type ItemView struct {
	ID              string                 `expr:"id" json:"id"`
	Subset          string                 `expr:"subset" json:"subset"`
	Path            string                 `expr:"path" json:"path"`
	Width           int                    `expr:"width" json:"width"`
	Height          int                    `expr:"height" json:"height"`
	Annotations     []AnnotationView       `expr:"annotations" json:"annotations"`
	AnnotationCount int                    `expr:"annotation_count" json:"annotation_count"`
	Attributes      map[string]interface{} `expr:"attributes" json:"attributes"`
}

// AnnotationView is the predicate-facing projection of an annotation.
type AnnotationView struct {
	ID           int64                  `expr:"id" json:"id"`
	Category     string                 `expr:"category" json:"category"`
	CategoryID   int64                  `expr:"category_id" json:"category_id"`
	BBox         []float64              `expr:"bbox" json:"bbox"`
	Area         float64                `expr:"area" json:"area"`
	IsCrowd      bool                   `expr:"is_crowd" json:"is_crowd"`
	NumKeypoints int                    `expr:"num_keypoints" json:"num_keypoints"`
	Attributes   map[string]interface{} `expr:"attributes" json:"attributes"`
}

// NewItemView builds a fresh view of item. Nothing in the view aliases the
// item or the registry. Media that cannot be read reports a 0x0 size.
func NewItemView(item *dataset.Item, categories *dataset.CategoryRegistry) *ItemView {
	v := &ItemView{
		ID:              item.ID,
		Subset:          item.SubsetName(),
		Annotations:     make([]AnnotationView, 0, len(item.Annotations)),
		AnnotationCount: len(item.Annotations),
		Attributes:      copyAttrs(item.Attributes),
	}
	if item.Media != nil {
		v.Path = item.Media.Path
		if w, h, err := item.Media.Size(); err == nil {
			v.Width, v.Height = w, h
		}
	}

	for _, a := range item.Annotations {
		av := AnnotationView{
			ID:           a.ID,
			CategoryID:   a.CategoryID,
			Area:         a.Area,
			IsCrowd:      a.IsCrowd,
			NumKeypoints: a.NumKeypoints,
			Attributes:   copyAttrs(a.Attributes),
		}
		if categories != nil {
			av.Category = categories.Name(a.CategoryID)
		}
		if a.HasBBox {
			av.BBox = []float64{a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]}
		}
		v.Annotations = append(v.Annotations, av)
	}
	return v
}

// toJS converts the view into plain maps and slices for the JavaScript runtime.
func (v *ItemView) toJS() map[string]interface{} {
	anns := make([]interface{}, 0, len(v.Annotations))
	for _, a := range v.Annotations {
		var bbox []interface{}
		for _, f := range a.BBox {
			bbox = append(bbox, f)
		}
		anns = append(anns, map[string]interface{}{
			"id":            a.ID,
			"category":      a.Category,
			"category_id":   a.CategoryID,
			"bbox":          bbox,
			"area":          a.Area,
			"is_crowd":      a.IsCrowd,
			"num_keypoints": a.NumKeypoints,
			"attributes":    copyAttrs(a.Attributes),
		})
	}
	return map[string]interface{}{
		"id":               v.ID,
		"subset":           v.Subset,
		"path":             v.Path,
		"width":            v.Width,
		"height":           v.Height,
		"annotations":      anns,
		"annotation_count": v.AnnotationCount,
		"attributes":       copyAttrs(v.Attributes),
	}
}

// copyAttrs deep-copies an attribute map. goja wraps Go maps and slices by
// reference, so nothing reachable from a view may be shared with the item.
func copyAttrs(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return t
	case map[string]interface{}:
		return copyAttrs(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		// other composites (typed slices, structs, pointers) are reduced to
		// their JSON shape, which is all a predicate can see anyway
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Sprint(t)
		}
		return out
	}
}
