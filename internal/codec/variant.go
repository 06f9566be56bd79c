package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// variant holds the per-format rules applied on top of the shared COCO layout.
type variant interface {
	format() dataset.Format
	// checkLoaded enforces rules the schema cannot express.
	checkLoaded(a *cocoAnnotation) error
	// encode converts an annotation to its on-disk form for this format.
	encode(a dataset.Annotation) (cocoAnnotation, error)
}

func variantFor(f dataset.Format) (variant, error) {
	switch f {
	case dataset.FormatDetection:
		return detectionVariant{}, nil
	case dataset.FormatInstances:
		return instancesVariant{}, nil
	case dataset.FormatKeypoints:
		return keypointsVariant{}, nil
	case dataset.FormatStuff:
		return stuffVariant{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", dataset.ErrUnknownFormat, int(f))
	}
}

var emptySegmentation = json.RawMessage("[]")

// hasSegmentation reports whether raw holds a non-empty polygon list or an RLE object.
func hasSegmentation(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false
	}
	if trimmed[0] == '[' {
		var polys [][]float64
		if err := json.Unmarshal(trimmed, &polys); err != nil {
			return true
		}
		for _, p := range polys {
			if len(p) > 0 {
				return true
			}
		}
		return false
	}
	return true
}

func baseEncode(a dataset.Annotation) cocoAnnotation {
	out := cocoAnnotation{
		CategoryID: a.CategoryID,
		Area:       a.Area,
		Attributes: a.Attributes,
	}
	if a.IsCrowd {
		out.IsCrowd = 1
	}
	if a.HasBBox {
		out.BBox = a.BBox[:]
		if out.Area == 0 {
			out.Area = a.BBox[2] * a.BBox[3]
		}
	}
	return out
}

type detectionVariant struct{}

func (detectionVariant) format() dataset.Format { return dataset.FormatDetection }

func (detectionVariant) checkLoaded(*cocoAnnotation) error { return nil }

func (detectionVariant) encode(a dataset.Annotation) (cocoAnnotation, error) {
	if !a.HasBBox {
		return cocoAnnotation{}, fmt.Errorf("detection annotation %d has no bbox", a.ID)
	}
	out := baseEncode(a)
	out.Segmentation = emptySegmentation
	return out, nil
}

type instancesVariant struct{}

func (instancesVariant) format() dataset.Format { return dataset.FormatInstances }

func (instancesVariant) checkLoaded(*cocoAnnotation) error { return nil }

func (instancesVariant) encode(a dataset.Annotation) (cocoAnnotation, error) {
	out := baseEncode(a)
	out.Segmentation = a.Segmentation
	if !hasSegmentation(a.Segmentation) {
		if !a.HasBBox {
			return cocoAnnotation{}, fmt.Errorf("instance annotation %d has neither segmentation nor bbox", a.ID)
		}
		out.Segmentation = emptySegmentation
	}
	return out, nil
}

type keypointsVariant struct{}

func (keypointsVariant) format() dataset.Format { return dataset.FormatKeypoints }

func (keypointsVariant) checkLoaded(a *cocoAnnotation) error {
	if len(a.Keypoints)%3 != 0 {
		return fmt.Errorf("annotation %d: keypoints length %d is not a multiple of 3", a.ID, len(a.Keypoints))
	}
	return nil
}

func (keypointsVariant) encode(a dataset.Annotation) (cocoAnnotation, error) {
	if len(a.Keypoints)%3 != 0 {
		return cocoAnnotation{}, fmt.Errorf("annotation %d: keypoints length %d is not a multiple of 3", a.ID, len(a.Keypoints))
	}
	out := baseEncode(a)
	out.Keypoints = a.Keypoints
	if out.Keypoints == nil {
		out.Keypoints = []float64{}
	}
	out.NumKeypoints = a.NumKeypoints
	if out.NumKeypoints == 0 {
		out.NumKeypoints = visibleKeypoints(a.Keypoints)
	}
	if hasSegmentation(a.Segmentation) {
		out.Segmentation = a.Segmentation
	}
	return out, nil
}

func visibleKeypoints(kp []float64) int {
	n := 0
	for i := 2; i < len(kp); i += 3 {
		if kp[i] > 0 {
			n++
		}
	}
	return n
}

type stuffVariant struct{}

func (stuffVariant) format() dataset.Format { return dataset.FormatStuff }

func (stuffVariant) checkLoaded(a *cocoAnnotation) error {
	if !hasSegmentation(a.Segmentation) {
		return fmt.Errorf("stuff annotation %d has an empty segmentation", a.ID)
	}
	return nil
}

func (stuffVariant) encode(a dataset.Annotation) (cocoAnnotation, error) {
	if !hasSegmentation(a.Segmentation) {
		return cocoAnnotation{}, fmt.Errorf("stuff annotation %d has no segmentation", a.ID)
	}
	out := baseEncode(a)
	out.Segmentation = a.Segmentation
	return out, nil
}
