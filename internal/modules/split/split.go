// Package split partitions datasets into named subsets.
package split

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// Mode selects how items are assigned to subsets.
type Mode string

const (
	// ModeRandom assigns items by a seeded shuffle.
	ModeRandom Mode = "random"
	// ModeStratified additionally balances each item's dominant category across subsets.
	ModeStratified Mode = "stratified"
)

// SumTolerance is how far ratio fractions may sum away from 1.0.
const SumTolerance = 1e-6

// Ratio is one requested subset and its share of the items.
type Ratio struct {
	Name     string  `json:"name" yaml:"name" toml:"name"`
	Fraction float64 `json:"fraction" yaml:"fraction" toml:"fraction"`
}

// Options configures a split.
type Options struct {
	Mode Mode
	// Seed makes the assignment reproducible; 0 picks a time-based seed.
	Seed int64
}

// DefaultRatios returns the train/val 80/20 split used by the pipelines.
func DefaultRatios() []Ratio {
	return []Ratio{{Name: "train", Fraction: 0.8}, {Name: "val", Fraction: 0.2}}
}

// ParseMode parses a mode name; empty selects random.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRandom:
		return ModeRandom, nil
	case ModeStratified, "detection":
		return ModeStratified, nil
	default:
		return "", errhandling.NewConfigError(fmt.Sprintf("unknown split mode %q", s), nil)
	}
}

// ValidateRatios checks that ratios are non-empty, uniquely named,
// non-negative and sum to 1.0 within SumTolerance.
func ValidateRatios(ratios []Ratio) error {
	if len(ratios) == 0 {
		return errhandling.NewConfigError("split needs at least one ratio", nil)
	}
	seen := make(map[string]bool, len(ratios))
	sum := 0.0
	for _, r := range ratios {
		if strings.TrimSpace(r.Name) == "" {
			return errhandling.NewConfigError("split ratio has an empty subset name", nil)
		}
		if seen[r.Name] {
			return errhandling.NewConfigError(fmt.Sprintf("subset %q listed twice", r.Name), nil)
		}
		seen[r.Name] = true
		if math.IsNaN(r.Fraction) || math.IsInf(r.Fraction, 0) || r.Fraction < 0 {
			return errhandling.NewConfigError(fmt.Sprintf("subset %q has invalid fraction %v", r.Name, r.Fraction), nil)
		}
		sum += r.Fraction
	}
	if math.Abs(sum-1.0) > SumTolerance {
		return errhandling.NewConfigError(fmt.Sprintf("split fractions sum to %v, want 1.0", sum), nil)
	}
	return nil
}

// Apportion distributes n items over ratios by largest remainder. Ties go to
// the earlier ratio. Each count is within 1 of n*fraction and the counts sum to n.
func Apportion(n int, ratios []Ratio) []int {
	counts := make([]int, len(ratios))
	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, len(ratios))
	assigned := 0
	for i, r := range ratios {
		quota := float64(n) * r.Fraction
		counts[i] = int(math.Floor(quota))
		rems[i] = rem{idx: i, frac: quota - float64(counts[i])}
		assigned += counts[i]
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for i := 0; assigned < n; i = (i + 1) % len(rems) {
		counts[rems[i].idx]++
		assigned++
	}
	for assigned > n {
		// Only reachable when fractions sum slightly above 1.
		for i := len(rems) - 1; i >= 0 && assigned > n; i-- {
			if counts[rems[i].idx] > 0 {
				counts[rems[i].idx]--
				assigned--
			}
		}
	}
	return counts
}

// Split returns a new dataset whose items are copies of ds's items, each
// assigned to exactly one of the requested subsets. Any previous assignment
// is discarded. ds is never modified, including on error.
func Split(ds *dataset.Dataset, ratios []Ratio, opts Options) (*dataset.Dataset, error) {
	if err := ValidateRatios(ratios); err != nil {
		return nil, err
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	n := ds.Len()
	counts := Apportion(n, ratios)

	var order []int
	switch mode {
	case ModeStratified:
		order = stratifiedOrder(ds, rng)
	default:
		order = rng.Perm(n)
	}

	assignment := make([]int, n)
	if mode == ModeStratified {
		assignSystematic(order, ratios, counts, assignment)
	} else {
		pos := 0
		for subset, c := range counts {
			for k := 0; k < c; k++ {
				assignment[order[pos]] = subset
				pos++
			}
		}
	}

	items := make([]*dataset.Item, n)
	for i, it := range ds.Items {
		c := it.Clone()
		c.Subset = ratios[assignment[i]].Name
		items[i] = c
	}
	out := ds.Derive(items)

	attrs := []any{slog.String("mode", string(mode)), slog.Int("item_count", n)}
	for i, r := range ratios {
		attrs = append(attrs, slog.Int("subset_"+r.Name, counts[i]))
	}
	logger.Info("split completed", attrs...)
	return out, nil
}

// stratifiedOrder groups item indexes by dominant category, shuffles each
// group, and concatenates the groups in first-seen order.
func stratifiedOrder(ds *dataset.Dataset, rng *rand.Rand) []int {
	var keys []string
	groups := make(map[string][]int)
	for i, it := range ds.Items {
		k := dominantCategory(it)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], i)
	}

	order := make([]int, 0, ds.Len())
	for _, k := range keys {
		g := groups[k]
		rng.Shuffle(len(g), func(a, b int) { g[a], g[b] = g[b], g[a] })
		order = append(order, g...)
	}
	return order
}

// dominantCategory returns the most frequent category id of an item's
// annotations (lowest id on ties), or "" for unannotated items.
func dominantCategory(it *dataset.Item) string {
	freq := make(map[int64]int)
	for _, a := range it.Annotations {
		freq[a.CategoryID]++
	}
	best, bestN := int64(0), 0
	for id, n := range freq {
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	if bestN == 0 {
		return ""
	}
	return fmt.Sprint(best)
}

// assignSystematic walks order and gives each position to the subset whose
// running share lags its target the most, never exceeding its count. Walking
// a stratum-grouped order this way spreads every stratum across subsets in
// proportion to the ratios.
func assignSystematic(order []int, ratios []Ratio, counts []int, assignment []int) {
	assigned := make([]int, len(ratios))
	for k, idx := range order {
		best, bestDeficit := -1, math.Inf(-1)
		for s, r := range ratios {
			if assigned[s] >= counts[s] {
				continue
			}
			deficit := float64(k+1)*r.Fraction - float64(assigned[s])
			if deficit > bestDeficit {
				best, bestDeficit = s, deficit
			}
		}
		assignment[idx] = best
		assigned[best]++
	}
}

// Aggregate returns a new dataset in which every item of the from subsets
// (all subsets when from is empty) is moved to the to subset.
func Aggregate(ds *dataset.Dataset, from []string, to string) *dataset.Dataset {
	if to == "" {
		to = dataset.DefaultSubset
	}
	merge := make(map[string]bool, len(from))
	for _, s := range from {
		merge[s] = true
	}

	items := make([]*dataset.Item, len(ds.Items))
	for i, it := range ds.Items {
		c := it.Clone()
		if len(from) == 0 || merge[c.SubsetName()] {
			c.Subset = to
		}
		items[i] = c
	}
	logger.Debug("subsets aggregated",
		slog.Any("from", from),
		slog.String("to", to),
		slog.Int("item_count", len(items)))
	return ds.Derive(items)
}
