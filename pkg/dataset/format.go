package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Format is an annotation format variant of the COCO family.
type Format int

const (
	// FormatUnknown is the zero value and never valid.
	FormatUnknown Format = iota
	// FormatDetection holds bounding boxes only.
	FormatDetection
	// FormatInstances holds bounding boxes plus instance segmentation.
	FormatInstances
	// FormatKeypoints holds person keypoints.
	FormatKeypoints
	// FormatStuff holds stuff segmentation masks.
	FormatStuff
)

// ErrUnknownFormat is returned when a format name or job type is not recognized.
var ErrUnknownFormat = errors.New("unknown annotation format")

var formatNames = map[Format]string{
	FormatDetection: "detection",
	FormatInstances: "instances",
	FormatKeypoints: "keypoints",
	FormatStuff:     "stuff",
}

// AllFormats lists every valid format in declaration order.
func AllFormats() []Format {
	return []Format{FormatDetection, FormatInstances, FormatKeypoints, FormatStuff}
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether f is one of the known variants.
func (f Format) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// FilePrefix returns the annotation file name prefix written for the format.
func (f Format) FilePrefix() string {
	switch f {
	case FormatKeypoints:
		return "person_keypoints"
	case FormatStuff:
		return "stuff"
	default:
		return "instances"
	}
}

// ParseFormat parses a format name as returned by Format.String.
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ParseJobType maps a registration job-type tag to a format. An empty tag
// selects instance segmentation.
func ParseJobType(tag string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "", "instances", "coco", "coco_instances":
		return FormatInstances, nil
	case "detection":
		return FormatDetection, nil
	case "keypoints", "person_keypoints":
		return FormatKeypoints, nil
	case "segmentation", "stuff":
		return FormatStuff, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: job type %q", ErrUnknownFormat, tag)
	}
}

// MarshalJSON encodes the format by name.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON decodes a format name.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
