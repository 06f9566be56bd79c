// Package filter provides the dataset filter engine and its predicate languages.
// Predicates are user-supplied and untrusted; they only ever see a per-item
// ItemView copy and run inside a sandboxed interpreter (expr or goja).
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// Supported predicate languages
const (
	LangExpr       = "expr"
	LangJavaScript = "javascript"
)

// ErrUnsupportedLang is returned when the predicate language is not supported
var ErrUnsupportedLang = errors.New("unsupported predicate language")

// Predicate decides whether an item is kept.
type Predicate interface {
	// Match returns true to keep the item.
	Match(ctx context.Context, item *ItemView) (bool, error)
}

// PredicateFunc adapts a Go function to Predicate.
type PredicateFunc func(ctx context.Context, item *ItemView) (bool, error)

// Match calls f.
func (f PredicateFunc) Match(ctx context.Context, item *ItemView) (bool, error) {
	return f(ctx, item)
}

// PredicateConfig describes a user-supplied predicate.
type PredicateConfig struct {
	// Lang is the predicate language: "expr" (default) or "javascript"
	Lang string `json:"lang,omitempty" yaml:"lang,omitempty" toml:"lang,omitempty"`
	// Expression is the expr source, e.g. "width > 2048"
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty" toml:"expression,omitempty"`
	// Script is inline JavaScript defining filter(item)
	Script string `json:"script,omitempty" yaml:"script,omitempty" toml:"script,omitempty"`
	// ScriptFile is a path to a JavaScript file defining filter(item)
	ScriptFile string `json:"scriptFile,omitempty" yaml:"script_file,omitempty" toml:"script_file,omitempty"`
}

// NormalizedLang returns the configured language or the default.
func (c PredicateConfig) NormalizedLang() string {
	if c.Lang == "" {
		return LangExpr
	}
	return c.Lang
}

// ItemError identifies the item a predicate failed on.
type ItemError struct {
	ItemID string
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("predicate failed on item %q: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a filter run.
type Result struct {
	Dataset *dataset.Dataset
	Before  int
	After   int
}

// Engine applies predicates to datasets.
type Engine struct {
	// ItemTimeout bounds a single predicate call (0 = no limit).
	ItemTimeout time.Duration
}

// DefaultItemTimeout is used by NewEngine.
const DefaultItemTimeout = 5 * time.Second

// NewEngine returns an engine with the default per-item timeout.
func NewEngine() *Engine {
	return &Engine{ItemTimeout: DefaultItemTimeout}
}

// Filter returns a new dataset holding, in order, the items for which p returns true.
// The category registry is shared with the input. The first predicate error
// aborts the run and is returned as a FilterError wrapping an *ItemError.
func (e *Engine) Filter(ctx context.Context, ds *dataset.Dataset, p Predicate) (*Result, error) {
	if p == nil {
		return nil, errhandling.NewConfigError("filter predicate is nil", nil)
	}
	start := time.Now()

	kept := make([]*dataset.Item, 0, len(ds.Items))
	for _, item := range ds.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := e.match(ctx, p, NewItemView(item, ds.Categories))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			itemErr := &ItemError{ItemID: item.ID, Err: err}
			logger.Error("filter predicate failed",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			return nil, errhandling.NewFilterError(itemErr.Error(), itemErr)
		}
		if ok {
			kept = append(kept, item)
		}
	}

	result := &Result{
		Dataset: ds.Derive(kept),
		Before:  len(ds.Items),
		After:   len(kept),
	}
	logger.Info("filter processing completed",
		slog.Int("items_before", result.Before),
		slog.Int("items_after", result.After),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (e *Engine) match(ctx context.Context, p Predicate, view *ItemView) (bool, error) {
	if e.ItemTimeout <= 0 {
		return p.Match(ctx, view)
	}
	itemCtx, cancel := context.WithTimeout(ctx, e.ItemTimeout)
	defer cancel()
	ok, err := p.Match(itemCtx, view)
	if err != nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return false, fmt.Errorf("predicate timed out after %s", e.ItemTimeout)
	}
	return ok, err
}
