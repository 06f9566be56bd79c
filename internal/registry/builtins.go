package registry

import (
	"fmt"

	"github.com/ccomkhj/datumaro-gui/internal/codec"
	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

func init() {
	RegisterBuiltins()
}

// RegisterBuiltins registers the built-in codecs and predicate languages.
func RegisterBuiltins() {
	registerBuiltinCodecs()
	registerBuiltinPredicates()
}

// registerBuiltinCodecs registers one COCO codec per format variant.
func registerBuiltinCodecs() {
	for _, f := range dataset.AllFormats() {
		f := f
		RegisterCodec(f, func() (codec.Codec, error) {
			c, err := codec.New(f)
			if err != nil {
				return nil, err
			}
			return c, nil
		})
	}
}

// registerBuiltinPredicates registers the expr and javascript languages.
func registerBuiltinPredicates() {
	// expr - sandboxed expression language, the default
	RegisterPredicate(filter.LangExpr, func(cfg filter.PredicateConfig) (filter.Predicate, error) {
		if cfg.Script != "" || cfg.ScriptFile != "" {
			return nil, fmt.Errorf("lang %q takes an expression, not a script", filter.LangExpr)
		}
		return filter.NewExprPredicate(cfg.Expression)
	})

	// javascript - goja runtime without host bindings; the script defines filter(item)
	newScript := func(cfg filter.PredicateConfig) (filter.Predicate, error) {
		if cfg.Expression != "" {
			return nil, fmt.Errorf("lang %q takes a script, not an expression", filter.LangJavaScript)
		}
		return filter.NewScriptPredicate(cfg.Script, cfg.ScriptFile)
	}
	RegisterPredicate(filter.LangJavaScript, newScript)
	RegisterPredicate("js", newScript)
}
