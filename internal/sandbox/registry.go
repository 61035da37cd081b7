package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MaxEquations   = 10
	DefaultSimTTL  = time.Hour
	DefaultMaxSims = 64
)

// Equation is one named expression inside a simulation. Equations run in
// declared order and a later equation may read an earlier one's output
// by name; there is no forward reference and no second pass.
type Equation struct {
	Name string `json:"name" mapstructure:"name"`
	Expr string `json:"expression" mapstructure:"expression"`
}

// Simulation is a registered, pre-compiled equation set.
type Simulation struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Equations []Equation         `json:"equations"`
	Defaults  map[string]float64 `json:"variable_defaults"`

	compiled  []*Compiled
	createdAt time.Time
}

// RunResult carries the outputs of one simulation run. Convergence is
// false when any equation rejected; surviving outputs are still
// returned.
type RunResult struct {
	Outputs     map[string]float64 `json:"outputs"`
	Errors      map[string]string  `json:"errors,omitempty"`
	Confidence  float64            `json:"confidence"`
	Convergence bool               `json:"convergence"`
}

// Registry owns the process-wide simulation set. Entries expire after
// TTL and the registry holds at most MaxEntries simulations, evicting
// the oldest on overflow. Both bounds exist because the registry is fed
// by untrusted oracle output.
type Registry struct {
	TTL        time.Duration
	MaxEntries int

	eval    *Evaluator
	mu      sync.Mutex
	entries map[string]*Simulation
}

func NewRegistry(eval *Evaluator) *Registry {
	if eval == nil {
		eval = NewEvaluator()
	}
	return &Registry{
		TTL:        DefaultSimTTL,
		MaxEntries: DefaultMaxSims,
		eval:       eval,
		entries:    make(map[string]*Simulation),
	}
}

// Define validates and stores a simulation, returning its id.
func (r *Registry) Define(name string, equations []Equation, defaults map[string]float64) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", rejectf("simulation name is required")
	}
	if len(equations) == 0 {
		return "", rejectf("simulation needs at least one equation")
	}
	if len(equations) > MaxEquations {
		return "", rejectf("simulation has %d equations, limit is %d", len(equations), MaxEquations)
	}
	compiled := make([]*Compiled, 0, len(equations))
	seen := make(map[string]struct{}, len(equations))
	for i, eq := range equations {
		eqName := strings.TrimSpace(eq.Name)
		if eqName == "" {
			return "", rejectf("equation #%d has no name", i+1)
		}
		if _, dup := seen[eqName]; dup {
			return "", rejectf("duplicate equation name %q", eqName)
		}
		if !isIdent(eqName) {
			return "", rejectf("equation name %q is not a valid identifier", eqName)
		}
		seen[eqName] = struct{}{}
		c, err := r.eval.Compile(eq.Expr)
		if err != nil {
			return "", fmt.Errorf("equation %q: %w", eqName, err)
		}
		compiled = append(compiled, c)
	}
	defCopy := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		defCopy[k] = v
	}
	sim := &Simulation{
		ID:        uuid.NewString(),
		Name:      name,
		Equations: append([]Equation(nil), equations...),
		Defaults:  defCopy,
		compiled:  compiled,
		createdAt: time.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if r.MaxEntries > 0 && len(r.entries) >= r.MaxEntries {
		r.evictOldestLocked()
	}
	r.entries[sim.ID] = sim
	return sim.ID, nil
}

// Lookup returns the simulation for id, if alive.
func (r *Registry) Lookup(id string) (*Simulation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	sim, ok := r.entries[id]
	return sim, ok
}

// Run executes the simulation against defaults ⊕ overrides ⊕ resolved.
// The resolved map carries externally supplied market values; the
// registry only consumes numbers, never resolves symbols itself.
func (r *Registry) Run(ctx context.Context, id string, overrides, resolved map[string]float64) (RunResult, error) {
	sim, ok := r.Lookup(id)
	if !ok {
		return RunResult{}, fmt.Errorf("simulation %q not found", id)
	}

	vars := make(map[string]float64, len(sim.Defaults)+len(overrides)+len(resolved))
	for k, v := range sim.Defaults {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	for k, v := range resolved {
		vars[k] = v
	}

	res := RunResult{
		Outputs:     make(map[string]float64, len(sim.Equations)),
		Convergence: true,
		Confidence:  1,
	}
	for i, eq := range sim.Equations {
		out, err := sim.compiled[i].Run(ctx, r.eval.Timeout, vars)
		if err != nil {
			res.Convergence = false
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[eq.Name] = err.Error()
			continue
		}
		res.Outputs[eq.Name] = out
		vars[eq.Name] = out
	}
	if len(sim.Equations) > 0 {
		res.Confidence = float64(len(res.Outputs)) / float64(len(sim.Equations))
	}
	return res, nil
}

// Len reports the live entry count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.entries)
}

func isIdent(s string) bool {
	tokens, err := tokenize(s)
	if err != nil || len(tokens) != 2 {
		return false
	}
	return tokens[0].kind == tokenIdent
}

func (r *Registry) pruneLocked() {
	if r.TTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.TTL)
	for id, sim := range r.entries {
		if sim.createdAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}

func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, sim := range r.entries {
		if oldestID == "" || sim.createdAt.Before(oldestAt) {
			oldestID = id
			oldestAt = sim.createdAt
		}
	}
	if oldestID != "" {
		delete(r.entries, oldestID)
	}
}
