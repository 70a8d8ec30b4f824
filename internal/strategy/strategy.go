// Package strategy defines the signal-producer contract and the
// config-driven registry mapping strategy ids to constructors. No runtime
// reflection: every strategy is registered explicitly at startup.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quantgate/quantgate/internal/domain/microstructure"
	"github.com/quantgate/quantgate/internal/domain/signal"
)

// MarketData is the per-symbol input handed to strategies each cycle.
type MarketData struct {
	Symbol string
	Bars   []microstructure.Bar
}

// Strategy is an opaque signal producer. Implementations must be
// side-effect free with respect to risk state: they emit proposals, the
// risk gate decides.
type Strategy interface {
	Name() string
	Evaluate(md MarketData, feats signal.Features) []signal.Signal
}

// Constructor builds a strategy from its config block.
type Constructor func(params map[string]float64) (Strategy, error)

// Registry maps strategy ids to constructors.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor under an id. Duplicate ids are a programming
// error.
func (r *Registry) Register(id string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[id]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", id))
	}
	r.constructors[id] = ctor
}

// Build instantiates a strategy by id.
func (r *Registry) Build(id string, params map[string]float64) (Strategy, error) {
	r.mu.Lock()
	ctor, ok := r.constructors[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %v)", id, r.known())
	}
	return ctor(params)
}

func (r *Registry) known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.constructors))
	for id := range r.constructors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
