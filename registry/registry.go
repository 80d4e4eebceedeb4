package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"
	humanfn "github.com/goliatone/go-humanfn"
)

// Registry holds function definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]humanfn.FunctionDefinition
}

func New() *Registry {
	return &Registry{defs: make(map[string]humanfn.FunctionDefinition)}
}

// Register adds def and fails when the name is taken.
func (r *Registry) Register(def humanfn.FunctionDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	name := strings.TrimSpace(def.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; exists {
		return errors.New("function already registered", errors.CategoryConflict).
			WithTextCode("FUNCTION_ALREADY_REGISTERED").
			WithMetadata(map[string]any{"function": name})
	}
	def.Name = name
	r.defs[name] = def
	return nil
}

// Ensure registers def unless a definition with the same name exists.
func (r *Registry) Ensure(def humanfn.FunctionDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	name := strings.TrimSpace(def.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; !exists {
		def.Name = name
		r.defs[name] = def
	}
	return nil
}

// Replace registers def, overwriting any previous definition.
func (r *Registry) Replace(def humanfn.FunctionDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Name = strings.TrimSpace(def.Name)

	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(name string) (humanfn.FunctionDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(name)]
	return def, ok
}

// Names returns the registered function names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterAll registers every definition and joins the failures.
func (r *Registry) RegisterAll(defs []humanfn.FunctionDefinition) error {
	var errs error
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
