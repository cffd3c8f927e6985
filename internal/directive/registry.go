package directive

import (
	"fmt"
	"sort"
	"sync"

	language "github.com/hanpama/pollgraph/internal/language"
)

// Result is the outcome of applying one directive to a selection: either the
// (possibly replaced) selection is kept, or the selection is removed.
type Result struct {
	sel     language.Selection
	removed bool
}

// Keep returns a Result that keeps sel.
func Keep(sel language.Selection) Result { return Result{sel: sel} }

// Remove returns a Result that drops the selection.
func Remove() Result { return Result{removed: true} }

// Removed reports whether the selection was dropped.
func (r Result) Removed() bool { return r.removed }

// Selection returns the kept selection, or nil when removed.
func (r Result) Selection() language.Selection { return r.sel }

// Resolver applies a directive to the selection it annotates. Resolvers must
// not mutate sel; return a new selection to change it.
type Resolver func(sel language.Selection, vars map[string]any, d *language.Directive) (Result, error)

// Registry maps directive names to resolvers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry returns a Registry holding the built-in skip and include
// resolvers.
func NewRegistry() *Registry {
	r := &Registry{resolvers: make(map[string]Resolver)}
	r.resolvers[Skip] = conditional
	r.resolvers[Include] = conditional
	return r
}

// Register adds or replaces the resolver for name.
func (r *Registry) Register(name string, resolver Resolver) error {
	if name == "" {
		return fmt.Errorf("directive: empty resolver name")
	}
	if resolver == nil {
		return fmt.Errorf("directive: nil resolver for @%s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolvers == nil {
		r.resolvers = make(map[string]Resolver)
	}
	r.resolvers[name] = resolver
	return nil
}

// Lookup returns the resolver registered for name.
func (r *Registry) Lookup(name string) (Resolver, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.resolvers[name]
	return fn, ok
}

// Names returns the registered directive names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resolvers))
	for name := range r.resolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func conditional(sel language.Selection, vars map[string]any, d *language.Directive) (Result, error) {
	keep, err := Condition(d, vars)
	if err != nil {
		return Result{}, err
	}
	if !keep {
		return Remove(), nil
	}
	return Keep(sel), nil
}
