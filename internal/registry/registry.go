// Package registry implements the Tool Registry: the canonical,
// immutable-after-scan-start map from tool name to descriptor that the
// Agent Engine consults to partition and dispatch tool calls and to
// build the tool specification it sends through the LLM Gateway.
//
// Grounded on the startup-time registration pattern in the teacher's
// internal/executor (registerBuiltins-style construction) and on the
// explicit "register(descriptor) once at startup" design note, which
// replaces the source's decorator-based dynamic registration.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a tool invocation. Handlers registered with
// Sandbox=false must not touch container resources; handlers registered
// with Sandbox=true are never invoked directly by this process — the
// Sandbox Runtime routes them to the in-container worker instead, and
// Handler on a sandboxed descriptor exists only so a FakeDriver-backed
// test can exercise the same dispatch path without a container.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Descriptor is the immutable, registered shape of one tool.
type Descriptor struct {
	Name           string
	Description    string
	Schema         map[string]interface{} // JSON-schema-shaped parameter spec
	Handler        Handler
	Sandbox        bool // must run inside the per-scan container
	Parallelizable bool // safe to run concurrently with other parallelizable calls
}

func (d Descriptor) equivalent(o Descriptor) bool {
	return d.Name == o.Name &&
		d.Description == o.Description &&
		d.Sandbox == o.Sandbox &&
		d.Parallelizable == o.Parallelizable
}

// Registry is the process-wide tool catalogue. Safe for concurrent
// lookups; registration is only safe before Freeze is called.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Descriptor
	frozen bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a descriptor. Idempotent for a byte-for-byte identical
// re-registration (same name, description, sandbox/parallelizable
// flags); an error for any conflicting re-registration, and an error
// once the registry has been frozen for the running scan.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: cannot register %q after scan start", d.Name)
	}
	if d.Name == "" {
		return fmt.Errorf("registry: tool name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", d.Name)
	}
	if existing, ok := r.tools[d.Name]; ok {
		if existing.equivalent(d) {
			return nil
		}
		return fmt.Errorf("registry: conflicting registration for tool %q", d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Freeze makes the registry immutable; called once the scan begins.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the descriptor for name, or ok=false if unregistered.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Schemas returns every registered tool's LLM-facing schema, sorted by
// name for deterministic prompt construction.
func (r *Registry) Schemas() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
