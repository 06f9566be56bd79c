// Package registry provides registries for annotation codecs and predicate languages.
//
// # Overview
//
// Instead of hard-coded switch statements, codecs register a constructor per
// dataset.Format and predicate languages register a constructor per language
// name. Callers resolve both through this package, so a new format variant or
// predicate language only needs an init() registration.
//
// # Adding a Predicate Language
//
//	func init() {
//	    registry.RegisterPredicate("lua", func(cfg filter.PredicateConfig) (filter.Predicate, error) {
//	        return NewLuaPredicate(cfg.Script)
//	    })
//	}
//
// # Built-in Entries
//
// The four COCO variants and the expr and javascript predicate languages are
// registered automatically via init() in builtins.go.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ccomkhj/datumaro-gui/internal/codec"
	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/pkg/dataset"
)

// CodecConstructor creates the codec for a format.
type CodecConstructor func() (codec.Codec, error)

// PredicateConstructor creates a predicate from user configuration.
// Returns an error if the configuration is invalid.
type PredicateConstructor func(cfg filter.PredicateConfig) (filter.Predicate, error)

// codecRegistry holds registered codec constructors.
var (
	codecMu       sync.RWMutex
	codecRegistry = make(map[dataset.Format]CodecConstructor)
)

// predicateRegistry holds registered predicate language constructors.
var (
	predicateMu       sync.RWMutex
	predicateRegistry = make(map[string]PredicateConstructor)
)

// RegisterCodec registers a codec constructor for a format.
// Calling RegisterCodec with an already registered format overwrites the previous constructor.
func RegisterCodec(f dataset.Format, constructor CodecConstructor) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecRegistry[f] = constructor
}

// RegisterPredicate registers a predicate language constructor.
// Calling RegisterPredicate with an already registered language overwrites the previous constructor.
func RegisterPredicate(lang string, constructor PredicateConstructor) {
	predicateMu.Lock()
	defer predicateMu.Unlock()
	predicateRegistry[lang] = constructor
}

// GetCodecConstructor returns the registered constructor for a format, or nil.
func GetCodecConstructor(f dataset.Format) CodecConstructor {
	codecMu.RLock()
	defer codecMu.RUnlock()
	return codecRegistry[f]
}

// GetPredicateConstructor returns the registered constructor for a language, or nil.
func GetPredicateConstructor(lang string) PredicateConstructor {
	predicateMu.RLock()
	defer predicateMu.RUnlock()
	return predicateRegistry[lang]
}

// NewCodec resolves and builds the codec for f. Unknown formats are config errors.
func NewCodec(f dataset.Format) (codec.Codec, error) {
	constructor := GetCodecConstructor(f)
	if constructor == nil {
		return nil, errhandling.NewConfigError(fmt.Sprintf("no codec registered for format %s", f), dataset.ErrUnknownFormat)
	}
	return constructor()
}

// NewPredicate resolves the language of cfg and builds the predicate.
// Unknown languages and invalid predicates are config errors.
func NewPredicate(cfg filter.PredicateConfig) (filter.Predicate, error) {
	lang := cfg.NormalizedLang()
	constructor := GetPredicateConstructor(lang)
	if constructor == nil {
		return nil, errhandling.NewConfigError(fmt.Sprintf("predicate language %q", lang), filter.ErrUnsupportedLang)
	}
	p, err := constructor(cfg)
	if err != nil {
		return nil, errhandling.NewConfigError(fmt.Sprintf("invalid %s predicate", lang), err)
	}
	return p, nil
}

// ListFormats returns all registered formats in declaration order.
func ListFormats() []dataset.Format {
	codecMu.RLock()
	defer codecMu.RUnlock()
	formats := make([]dataset.Format, 0, len(codecRegistry))
	for f := range codecRegistry {
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

// ListPredicateLangs returns all registered predicate language names, sorted.
func ListPredicateLangs() []string {
	predicateMu.RLock()
	defer predicateMu.RUnlock()
	langs := make([]string, 0, len(predicateRegistry))
	for l := range predicateRegistry {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// ClearRegistries removes all registered constructors.
// This is intended for testing purposes only.
func ClearRegistries() {
	codecMu.Lock()
	codecRegistry = make(map[dataset.Format]CodecConstructor)
	codecMu.Unlock()

	predicateMu.Lock()
	predicateRegistry = make(map[string]PredicateConstructor)
	predicateMu.Unlock()
}
