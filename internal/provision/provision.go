// Package provision defines the contract every tunnel endpoint backend
// implements and the helpers shared between backends.
package provision

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
)

// Provisioner creates, lists and terminates units on one backend.
// Implementations must be safe for concurrent use.
type Provisioner interface {
	Kind() model.BackendKind
	Create(ctx context.Context, req model.DeploymentRequest) (model.ManagedUnit, error)
	List(ctx context.Context, filter Filter) ([]model.ManagedUnit, error)
	Terminate(ctx context.Context, id string) (TerminateResult, error)
}

// ReadinessChecker is implemented by backends whose units can be observed
// converging after Create returns.
type ReadinessChecker interface {
	Ready(ctx context.Context, unit model.ManagedUnit) poll.Outcome
	ReadyPolicy() poll.Policy
}

// LogReader is implemented by backends that expose unit logs.
type LogReader interface {
	Logs(ctx context.Context, id string, lines int) (string, error)
}

// Filter narrows a List call. The zero value matches every managed unit.
type Filter struct {
	Name  string
	State model.UnitState
}

// Match reports whether u passes the filter.
func (f Filter) Match(u model.ManagedUnit) bool {
	if f.Name != "" && u.Name != f.Name {
		return false
	}
	if f.State != "" && u.State != f.State {
		return false
	}
	return true
}

// TerminateResult reports auxiliary cleanup that did not complete.
type TerminateResult struct {
	Warnings []string `json:"warnings,omitempty"`
}

func (r *TerminateResult) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// CleanupError is a create failure that left auxiliary resources behind.
// It unwraps to the create error, so its fault kind is preserved.
type CleanupError struct {
	Err      error
	Warnings []string
}

func (e *CleanupError) Error() string { return e.Err.Error() }
func (e *CleanupError) Unwrap() error { return e.Err }

// WithCleanupWarnings attaches warnings to a create error. Empty warnings
// are dropped and err is returned unchanged when none remain.
func WithCleanupWarnings(err error, warnings ...string) error {
	var kept []string
	for _, w := range warnings {
		if w != "" {
			kept = append(kept, w)
		}
	}
	if err == nil || len(kept) == 0 {
		return err
	}
	return &CleanupError{Err: err, Warnings: kept}
}

// CleanupWarnings returns the warnings attached to err, if any.
func CleanupWarnings(err error) []string {
	var ce *CleanupError
	if errors.As(err, &ce) {
		return ce.Warnings
	}
	return nil
}

// Units returns a lazy sequence over the units of p. Every range performs a
// fresh List call. A failed listing yields nothing and is passed to report.
func Units(ctx context.Context, p Provisioner, filter Filter, report func(error)) iter.Seq[model.ManagedUnit] {
	return func(yield func(model.ManagedUnit) bool) {
		units, err := p.List(ctx, filter)
		if err != nil {
			if report != nil {
				report(fmt.Errorf("list %s: %w", p.Kind(), err))
			}
			return
		}
		for _, u := range units {
			if !yield(u) {
				return
			}
		}
	}
}

// Registry resolves backend discriminators to provisioners.
type Registry struct {
	mu    sync.RWMutex
	items map[model.BackendKind]Provisioner
}

func NewRegistry(ps ...Provisioner) *Registry {
	r := &Registry{items: make(map[model.BackendKind]Provisioner, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.Kind()] = p
}

// Lookup returns the provisioner for kind or a validation fault when the
// backend is unknown or not configured.
func (r *Registry) Lookup(kind model.BackendKind) (Provisioner, error) {
	if !Known(kind) {
		return nil, fault.New(fault.Validation, "lookup", "unknown backend %q", kind)
	}
	r.mu.RLock()
	p, ok := r.items[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.Validation, "lookup", "backend %q is not configured", kind)
	}
	return p, nil
}

// All returns the registered provisioners ordered by kind.
func (r *Registry) All() []Provisioner {
	r.mu.RLock()
	out := make([]Provisioner, 0, len(r.items))
	for _, p := range r.items {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// Known reports whether kind is a supported backend discriminator.
func Known(kind model.BackendKind) bool {
	for _, k := range model.CloudBackends {
		if k == kind {
			return true
		}
	}
	for _, k := range model.ContainerBackends {
		if k == kind {
			return true
		}
	}
	return false
}
