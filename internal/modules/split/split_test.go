package split_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/modules/split"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// makeDataset builds n items; item i carries one annotation of category (i % cats)+1.
func makeDataset(n, cats int) *dataset.Dataset {
	reg := dataset.NewCategoryRegistry()
	for c := 1; c <= cats; c++ {
		_ = reg.Add(dataset.Category{ID: int64(c), Name: fmt.Sprintf("c%d", c)})
	}
	ds := dataset.New(reg)
	for i := 0; i < n; i++ {
		ds.Items = append(ds.Items, &dataset.Item{
			ID:          fmt.Sprintf("item-%03d", i),
			Annotations: []dataset.Annotation{{CategoryID: int64(i%cats) + 1}},
		})
	}
	return ds
}

func TestSplitEightTwo(t *testing.T) {
	ds := makeDataset(10, 2)

	out, err := split.Split(ds, split.DefaultRatios(), split.Options{Mode: split.ModeRandom, Seed: 7})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if diff := cmp.Diff(map[string]int{"train": 8, "val": 2}, out.SubsetCounts()); diff != "" {
		t.Errorf("SubsetCounts() mismatch (-want +got):\n%s", diff)
	}
	for _, it := range ds.Items {
		if it.Subset != "" {
			t.Fatalf("input item %s was assigned %q", it.ID, it.Subset)
		}
	}
	if out.Categories != ds.Categories {
		t.Error("split dataset should share the category registry")
	}
}

func TestSplitSizesProperty(t *testing.T) {
	ratioSets := [][]split.Ratio{
		{{"train", 0.8}, {"val", 0.2}},
		{{"a", 1.0 / 3}, {"b", 1.0 / 3}, {"c", 1.0 / 3}},
		{{"train", 0.7}, {"val", 0.15}, {"test", 0.15}},
		{{"only", 1}},
		{{"x", 0}, {"y", 1}},
	}
	for _, mode := range []split.Mode{split.ModeRandom, split.ModeStratified} {
		for _, ratios := range ratioSets {
			for _, n := range []int{0, 1, 2, 7, 10, 33, 101} {
				name := fmt.Sprintf("%s/%v/n=%d", mode, ratios, n)
				t.Run(name, func(t *testing.T) {
					ds := makeDataset(n, 3)
					out, err := split.Split(ds, ratios, split.Options{Mode: mode, Seed: 42})
					if err != nil {
						t.Fatalf("Split() error = %v", err)
					}
					if out.Len() != n {
						t.Fatalf("Len() = %d, want %d", out.Len(), n)
					}
					counts := out.SubsetCounts()
					total := 0
					for _, r := range ratios {
						got := counts[r.Name]
						total += got
						want := math.Round(float64(n) * r.Fraction)
						if math.Abs(float64(got)-want) > 1 {
							t.Errorf("subset %s = %d, want within 1 of %v", r.Name, got, want)
						}
					}
					if total != n {
						t.Errorf("subset sizes sum to %d, want %d", total, n)
					}
				})
			}
		}
	}
}

func TestSplitPreservesItemsAndOrder(t *testing.T) {
	ds := makeDataset(20, 2)
	out, err := split.Split(ds, split.DefaultRatios(), split.Options{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := range ds.Items {
		if out.Items[i].ID != ds.Items[i].ID {
			t.Fatalf("item %d = %s, want %s", i, out.Items[i].ID, ds.Items[i].ID)
		}
		if out.Items[i] == ds.Items[i] {
			t.Fatalf("item %d is shared with the input", i)
		}
	}
}

func TestSplitTwiceHasNoResidue(t *testing.T) {
	ds := makeDataset(10, 2)

	first, err := split.Split(ds, split.DefaultRatios(), split.Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	second, err := split.Split(first, []split.Ratio{{"a", 0.5}, {"b", 0.5}}, split.Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(map[string]int{"a": 5, "b": 5}, second.SubsetCounts()); diff != "" {
		t.Errorf("SubsetCounts() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"train": 8, "val": 2}, first.SubsetCounts()); diff != "" {
		t.Errorf("first result changed by second split (-want +got):\n%s", diff)
	}
}

func TestSplitSeedIsReproducible(t *testing.T) {
	ds := makeDataset(30, 3)
	assign := func() []string {
		out, err := split.Split(ds, split.DefaultRatios(), split.Options{Seed: 99})
		if err != nil {
			t.Fatal(err)
		}
		var s []string
		for _, it := range out.Items {
			s = append(s, it.Subset)
		}
		return s
	}
	if diff := cmp.Diff(assign(), assign()); diff != "" {
		t.Errorf("same seed gave different assignments:\n%s", diff)
	}
}

func TestSplitStratifiedBalancesCategories(t *testing.T) {
	// 10 items of c1, 10 of c2.
	ds := makeDataset(20, 2)
	out, err := split.Split(ds, split.DefaultRatios(), split.Options{Mode: split.ModeStratified, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}

	perSubset := map[string]map[int64]int{}
	for _, it := range out.Items {
		if perSubset[it.Subset] == nil {
			perSubset[it.Subset] = map[int64]int{}
		}
		perSubset[it.Subset][it.Annotations[0].CategoryID]++
	}
	want := map[string]map[int64]int{
		"train": {1: 8, 2: 8},
		"val":   {1: 2, 2: 2},
	}
	if diff := cmp.Diff(want, perSubset); diff != "" {
		t.Errorf("per-subset category counts mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitInvalidRatios(t *testing.T) {
	tests := []struct {
		name   string
		ratios []split.Ratio
	}{
		{"sum above one", []split.Ratio{{"train", 0.5}, {"val", 0.6}}},
		{"sum below one", []split.Ratio{{"train", 0.5}, {"val", 0.4}}},
		{"negative", []split.Ratio{{"train", 1.2}, {"val", -0.2}}},
		{"empty", nil},
		{"duplicate name", []split.Ratio{{"train", 0.5}, {"train", 0.5}}},
		{"blank name", []split.Ratio{{"", 1}}},
		{"nan", []split.Ratio{{"train", math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := makeDataset(10, 2)
			ds.Items[0].Subset = "keep"

			out, err := split.Split(ds, tt.ratios, split.Options{})
			if !errhandling.IsCategory(err, errhandling.CategoryConfig) {
				t.Fatalf("Split() error = %v, want config error", err)
			}
			if out != nil {
				t.Error("Split() should return no dataset on error")
			}
			if ds.Items[0].Subset != "keep" || ds.Items[1].Subset != "" {
				t.Error("input dataset was mutated")
			}
		})
	}
}

func TestSplitUnknownMode(t *testing.T) {
	_, err := split.Split(makeDataset(3, 1), split.DefaultRatios(), split.Options{Mode: "alphabetical"})
	if !errhandling.IsCategory(err, errhandling.CategoryConfig) {
		t.Errorf("Split() error = %v, want config error", err)
	}
}

func TestApportion(t *testing.T) {
	tests := []struct {
		n      int
		ratios []split.Ratio
		want   []int
	}{
		{10, split.DefaultRatios(), []int{8, 2}},
		{7, split.DefaultRatios(), []int{6, 1}},
		{3, []split.Ratio{{"a", 0.5}, {"b", 0.5}}, []int{2, 1}},
		{10, []split.Ratio{{"a", 1.0 / 3}, {"b", 1.0 / 3}, {"c", 1.0 / 3}}, []int{4, 3, 3}},
		{0, split.DefaultRatios(), []int{0, 0}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, split.Apportion(tt.n, tt.ratios)); diff != "" {
			t.Errorf("Apportion(%d, %v) mismatch (-want +got):\n%s", tt.n, tt.ratios, diff)
		}
	}
}

func TestAggregate(t *testing.T) {
	ds := makeDataset(4, 1)
	ds.Items[0].Subset = "train"
	ds.Items[1].Subset = "val"
	ds.Items[2].Subset = "test"

	t.Run("all subsets", func(t *testing.T) {
		out := split.Aggregate(ds, nil, "default")
		if diff := cmp.Diff(map[string]int{"default": 4}, out.SubsetCounts()); diff != "" {
			t.Errorf("SubsetCounts() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("selected subsets", func(t *testing.T) {
		out := split.Aggregate(ds, []string{"train", "val"}, "trainval")
		want := map[string]int{"trainval": 2, "test": 1, "default": 1}
		if diff := cmp.Diff(want, out.SubsetCounts()); diff != "" {
			t.Errorf("SubsetCounts() mismatch (-want +got):\n%s", diff)
		}
		if ds.Items[0].Subset != "train" {
			t.Error("input dataset was mutated")
		}
	})
}
