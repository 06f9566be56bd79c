// Package codec loads and exports COCO-family annotation datasets.
//
// A dataset directory has the layout
//
//	<root>/annotations/<prefix>_<subset>.json
//	<root>/images/<subset>/<file>
//
// where prefix depends on the format variant (instances, person_keypoints,
// stuff). Uploaded batches may instead carry a single arbitrarily named
// annotation file and a flat images/ directory; such files load into the
// default subset.
package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/pathutil"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

const (
	// AnnotationsDir is the annotation directory name inside a dataset root.
	AnnotationsDir = "annotations"
	// ImagesDir is the media directory name inside a dataset root.
	ImagesDir = "images"
)

// Codec loads and exports one annotation format variant.
type Codec interface {
	Format() dataset.Format
	Load(basePath string) (*dataset.Dataset, error)
	Export(ds *dataset.Dataset, target string, includeMedia bool) (*dataset.ExportArtifact, error)
}

// COCO implements Codec for one COCO-family format variant.
type COCO struct {
	v variant
}

// New returns the codec for the given format.
func New(f dataset.Format) (*COCO, error) {
	v, err := variantFor(f)
	if err != nil {
		return nil, errhandling.NewConfigError("unsupported annotation format", err)
	}
	return &COCO{v: v}, nil
}

// Load reads the dataset at basePath as format f.
func Load(basePath string, f dataset.Format) (*dataset.Dataset, error) {
	c, err := New(f)
	if err != nil {
		return nil, err
	}
	return c.Load(basePath)
}

// Export writes ds to target as format f.
func Export(ds *dataset.Dataset, target string, f dataset.Format, includeMedia bool) (*dataset.ExportArtifact, error) {
	c, err := New(f)
	if err != nil {
		return nil, err
	}
	return c.Export(ds, target, includeMedia)
}

// Format returns the variant handled by this codec.
func (c *COCO) Format() dataset.Format {
	return c.v.format()
}

// AnnotationPath returns the annotation file path an export of subset to root would write.
func AnnotationPath(root string, f dataset.Format, subset string) string {
	return filepath.Join(root, AnnotationsDir, f.FilePrefix()+"_"+subset+".json")
}

type cocoFile struct {
	Info        map[string]interface{}   `json:"info"`
	Licenses    []map[string]interface{} `json:"licenses"`
	Categories  []cocoCategory           `json:"categories"`
	Images      []cocoImage              `json:"images"`
	Annotations []cocoAnnotation         `json:"annotations"`
}

type cocoCategory struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Supercategory string   `json:"supercategory"`
	Keypoints     []string `json:"keypoints,omitempty"`
	Skeleton      [][2]int `json:"skeleton,omitempty"`
}

type cocoImage struct {
	ID         int64                  `json:"id"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	FileName   string                 `json:"file_name"`
	License    int                    `json:"license"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type cocoAnnotation struct {
	ID           int64                  `json:"id"`
	ImageID      int64                  `json:"image_id"`
	CategoryID   int64                  `json:"category_id"`
	Segmentation json.RawMessage        `json:"segmentation,omitempty"`
	Area         float64                `json:"area"`
	BBox         []float64              `json:"bbox,omitempty"`
	IsCrowd      crowdFlag              `json:"iscrowd"`
	Keypoints    []float64              `json:"keypoints,omitempty"`
	NumKeypoints int                    `json:"num_keypoints,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// crowdFlag accepts both 0/1 and booleans, and is written as 0/1.
type crowdFlag int

func (c *crowdFlag) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true", "1":
		*c = 1
	case "false", "0", "null":
		*c = 0
	default:
		return fmt.Errorf("invalid iscrowd value %s", data)
	}
	return nil
}

// =============================================================================
// Load
// =============================================================================

// Load reads every annotation file under basePath/annotations into one dataset.
// Any content that does not match the format yields a FormatError.
func (c *COCO) Load(basePath string) (*dataset.Dataset, error) {
	log := logger.WithComponent("codec").With(slog.String("format", c.Format().String()))

	files, err := c.annotationFiles(basePath)
	if err != nil {
		return nil, err
	}

	ds := dataset.New(nil)
	seen := make(map[string]bool)
	for _, file := range files {
		subset := subsetFromFileName(filepath.Base(file))
		n, err := c.loadFile(ds, basePath, file, subset, seen)
		if err != nil {
			return nil, err
		}
		log.Debug("annotation file loaded",
			slog.String("path", file),
			slog.String("subset", subset),
			slog.Int("item_count", n))
	}

	log.Info("dataset loaded",
		slog.String("path", basePath),
		slog.Int("item_count", ds.Len()),
		slog.Int("annotation_count", ds.AnnotationCount()),
		slog.Int("category_count", ds.Categories.Len()))
	return ds, nil
}

// annotationFiles lists the files to load. When files carrying this format's
// prefix exist, only those are read.
func (c *COCO) annotationFiles(basePath string) ([]string, error) {
	dir := filepath.Join(basePath, AnnotationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("reading %s", dir), err)
	}

	var all, matching []string
	prefix := c.Format().FilePrefix() + "_"
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		all = append(all, p)
		if strings.HasPrefix(e.Name(), prefix) {
			matching = append(matching, p)
		}
	}
	if len(matching) > 0 {
		all = matching
	}
	if len(all) == 0 {
		return nil, errhandling.NewFormatError(fmt.Sprintf("no annotation files found in %s", dir), nil)
	}
	sort.Strings(all)
	return all, nil
}

var knownPrefixes = []string{"person_keypoints_", "instances_", "stuff_", "image_info_"}

// subsetFromFileName derives the subset from "<prefix>_<subset>.json".
func subsetFromFileName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	for _, p := range knownPrefixes {
		if strings.HasPrefix(base, p) && len(base) > len(p) {
			return base[len(p):]
		}
	}
	return dataset.DefaultSubset
}

func (c *COCO) loadFile(ds *dataset.Dataset, basePath, file, subset string, seen map[string]bool) (int, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return 0, errhandling.NewIOError(fmt.Sprintf("reading %s", file), err)
	}
	if err := validateDocument(c.Format(), raw); err != nil {
		return 0, errhandling.NewFormatError(filepath.Base(file), err)
	}

	var doc cocoFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, errhandling.NewFormatError(filepath.Base(file), err)
	}

	for _, cat := range doc.Categories {
		err := ds.Categories.Add(dataset.Category{
			ID:            cat.ID,
			Name:          cat.Name,
			Supercategory: cat.Supercategory,
			Keypoints:     cat.Keypoints,
			Skeleton:      cat.Skeleton,
		})
		if err != nil {
			return 0, errhandling.NewFormatError(filepath.Base(file), err)
		}
	}

	byImage := make(map[int64]*dataset.Item, len(doc.Images))
	items := make([]*dataset.Item, 0, len(doc.Images))
	for _, img := range doc.Images {
		if _, dup := byImage[img.ID]; dup {
			return 0, errhandling.NewFormatError(fmt.Sprintf("%s: duplicate image id %d", filepath.Base(file), img.ID), nil)
		}
		if err := pathutil.ValidateFilePath(img.FileName); err != nil {
			return 0, errhandling.NewFormatError(filepath.Base(file), err)
		}
		id := strings.TrimSuffix(img.FileName, path.Ext(img.FileName))
		if seen[id] {
			return 0, errhandling.NewFormatError(fmt.Sprintf("%s: duplicate item id %q", filepath.Base(file), id), nil)
		}
		seen[id] = true

		item := &dataset.Item{
			ID:         id,
			Subset:     subset,
			Media:      dataset.NewMedia(resolveMedia(basePath, subset, img.FileName), img.Width, img.Height),
			Attributes: img.Attributes,
		}
		byImage[img.ID] = item
		items = append(items, item)
	}

	for i := range doc.Annotations {
		a := &doc.Annotations[i]
		item, ok := byImage[a.ImageID]
		if !ok {
			return 0, errhandling.NewFormatError(fmt.Sprintf("%s: annotation %d references unknown image id %d", filepath.Base(file), a.ID, a.ImageID), nil)
		}
		if _, ok := ds.Categories.Get(a.CategoryID); !ok {
			return 0, errhandling.NewFormatError(fmt.Sprintf("%s: annotation %d references unknown category id %d", filepath.Base(file), a.ID, a.CategoryID), nil)
		}
		if err := c.v.checkLoaded(a); err != nil {
			return 0, errhandling.NewFormatError(filepath.Base(file), err)
		}
		item.Annotations = append(item.Annotations, decodeAnnotation(a))
	}

	ds.Items = append(ds.Items, items...)
	return len(items), nil
}

func decodeAnnotation(a *cocoAnnotation) dataset.Annotation {
	out := dataset.Annotation{
		ID:           a.ID,
		CategoryID:   a.CategoryID,
		Area:         a.Area,
		IsCrowd:      a.IsCrowd == 1,
		Keypoints:    a.Keypoints,
		NumKeypoints: a.NumKeypoints,
		Attributes:   a.Attributes,
	}
	if len(a.BBox) == 4 {
		copy(out.BBox[:], a.BBox)
		out.HasBBox = true
	}
	if hasSegmentation(a.Segmentation) {
		out.Segmentation = a.Segmentation
	}
	return out
}

// resolveMedia looks for the file under images/<subset>/ first, then images/.
func resolveMedia(basePath, subset, fileName string) string {
	rel := filepath.FromSlash(fileName)
	candidates := []string{
		filepath.Join(basePath, ImagesDir, subset, rel),
		filepath.Join(basePath, ImagesDir, rel),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return candidates[0]
}

// =============================================================================
// Export
// =============================================================================

// Export writes one annotation file per subset into target/annotations and,
// when includeMedia is set, copies media into target/images/<subset>/.
// Image and annotation ids are renumbered per file. A failed export leaves
// whatever was already written in place.
func (c *COCO) Export(ds *dataset.Dataset, target string, includeMedia bool) (*dataset.ExportArtifact, error) {
	log := logger.WithComponent("codec").With(slog.String("format", c.Format().String()))

	if err := ds.Validate(); err != nil {
		return nil, errhandling.NewFormatError("dataset is inconsistent", err)
	}
	annDir := filepath.Join(target, AnnotationsDir)
	if err := os.MkdirAll(annDir, 0o755); err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("creating %s", annDir), err)
	}

	subsets := ds.Subsets()
	if len(subsets) == 0 {
		subsets = []string{dataset.DefaultSubset}
	}
	bySubset := make(map[string][]*dataset.Item, len(subsets))
	for _, it := range ds.Items {
		bySubset[it.SubsetName()] = append(bySubset[it.SubsetName()], it)
	}

	artifact := &dataset.ExportArtifact{
		Path:            target,
		Format:          c.Format(),
		MediaIncluded:   includeMedia,
		Subsets:         subsets,
		AnnotationFiles: make(map[string]string, len(subsets)),
	}

	categories := encodeCategories(ds.Categories)
	for _, subset := range subsets {
		doc, err := c.encodeSubset(bySubset[subset], categories)
		if err != nil {
			return nil, err
		}
		out := AnnotationPath(target, c.Format(), subset)
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, errhandling.NewFormatError("encoding annotations", err)
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return nil, errhandling.NewIOError(fmt.Sprintf("writing %s", out), err)
		}
		artifact.AnnotationFiles[subset] = out

		if includeMedia {
			if err := copySubsetMedia(bySubset[subset], filepath.Join(target, ImagesDir, subset), log); err != nil {
				return nil, err
			}
		}
	}

	log.Info("dataset exported",
		slog.String("path", target),
		slog.Int("item_count", ds.Len()),
		slog.Bool("media_included", includeMedia),
		slog.Any("subsets", subsets))
	return artifact, nil
}

func encodeCategories(reg *dataset.CategoryRegistry) []cocoCategory {
	all := reg.All()
	out := make([]cocoCategory, 0, len(all))
	for _, cat := range all {
		out = append(out, cocoCategory{
			ID:            cat.ID,
			Name:          cat.Name,
			Supercategory: cat.Supercategory,
			Keypoints:     cat.Keypoints,
			Skeleton:      cat.Skeleton,
		})
	}
	return out
}

func (c *COCO) encodeSubset(items []*dataset.Item, categories []cocoCategory) (*cocoFile, error) {
	doc := &cocoFile{
		Info:        map[string]interface{}{},
		Licenses:    []map[string]interface{}{{"id": 0, "name": "", "url": ""}},
		Categories:  categories,
		Images:      make([]cocoImage, 0, len(items)),
		Annotations: make([]cocoAnnotation, 0),
	}

	var annID int64
	for i, it := range items {
		imageID := int64(i + 1)
		img := cocoImage{
			ID:         imageID,
			FileName:   mediaFileName(it),
			Attributes: it.Attributes,
		}
		if it.Media != nil {
			// Unreadable media keeps width/height at 0.
			img.Width, img.Height, _ = it.Media.Size()
		}
		doc.Images = append(doc.Images, img)

		for _, a := range it.Annotations {
			enc, err := c.v.encode(a)
			if err != nil {
				return nil, errhandling.NewFormatError(fmt.Sprintf("item %q", it.ID), err)
			}
			annID++
			enc.ID = annID
			enc.ImageID = imageID
			doc.Annotations = append(doc.Annotations, enc)
		}
	}
	return doc, nil
}

// mediaFileName is the item id plus the media extension (".jpg" when unknown).
func mediaFileName(it *dataset.Item) string {
	ext := ".jpg"
	if it.Media != nil && filepath.Ext(it.Media.Path) != "" {
		ext = filepath.Ext(it.Media.Path)
	}
	return it.ID + ext
}

func copySubsetMedia(items []*dataset.Item, dir string, log *slog.Logger) error {
	for _, it := range items {
		if it.Media == nil {
			continue
		}
		dst, err := pathutil.JoinKey(dir, mediaFileName(it))
		if err != nil {
			return errhandling.NewFormatError(fmt.Sprintf("item %q", it.ID), err)
		}
		if _, err := os.Stat(it.Media.Path); os.IsNotExist(err) {
			log.Warn("media file missing, skipped",
				slog.String("item_id", it.ID),
				slog.String("path", it.Media.Path))
			continue
		}
		if err := copyFile(it.Media.Path, dst); err != nil {
			return errhandling.NewIOError(fmt.Sprintf("copying media for item %q", it.ID), err)
		}
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
