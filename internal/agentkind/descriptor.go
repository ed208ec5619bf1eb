// Package agentkind holds the startup-registered descriptor table that
// binds an agent kind to its system prompt template, default iteration
// budget, and the prompt modules it is permitted to load.
//
// The source binds these through a metaclass that inspects subclasses
// at import time; the design notes call for an explicit table instead.
// This package is that table: a plain map populated once by Register
// calls during process startup, read-only for the rest of the process
// lifetime.
package agentkind

import "fmt"

// Kind is one of the three agent roles named in the data model.
type Kind string

const (
	Root     Kind = "root"
	Child    Kind = "child"
	Verifier Kind = "verifier"
)

// DefaultIterationLimit returns the iteration budget the data model
// assigns to kind: 300 for root/child, 50 for verifier.
func DefaultIterationLimit(k Kind) int {
	if k == Verifier {
		return 50
	}
	return 300
}

// Descriptor is the fixed shape bound to an agent kind at registration.
type Descriptor struct {
	Kind                  Kind
	SystemTemplate        string   // name of the prompts/ template for this kind
	DefaultIterationLimit int
	AllowedPromptModules  []string // categories selectable for this kind; empty = any
	CanSpawnChildren      bool     // resolves the "may a verifier spawn children" open question: false for Verifier
}

var table = map[Kind]Descriptor{}

// Register binds kind to descriptor. Called during startup only; a
// second registration for the same kind is an error, matching the
// "explicit register call, later registration rejected" design note
// applied consistently across every registration point in this module.
func Register(d Descriptor) error {
	if _, exists := table[d.Kind]; exists {
		return fmt.Errorf("agentkind: %q already registered", d.Kind)
	}
	table[d.Kind] = d
	return nil
}

// Lookup returns the descriptor bound to kind.
func Lookup(k Kind) (Descriptor, bool) {
	d, ok := table[k]
	return d, ok
}

// MustLookup panics if kind has no descriptor; used at points where the
// caller already validated kind against the Kind enum.
func MustLookup(k Kind) Descriptor {
	d, ok := Lookup(k)
	if !ok {
		panic(fmt.Sprintf("agentkind: %q not registered", k))
	}
	return d
}

// RegisterDefaults installs the three standard agent kinds. Called once
// from cmd/strix's startup path; tests that need the table populated
// call it directly since agentkind has no import-time side effects.
func RegisterDefaults() error {
	defs := []Descriptor{
		{
			Kind:                  Root,
			SystemTemplate:        "root_agent",
			DefaultIterationLimit: DefaultIterationLimit(Root),
			CanSpawnChildren:      true,
		},
		{
			Kind:                  Child,
			SystemTemplate:        "child_agent",
			DefaultIterationLimit: DefaultIterationLimit(Child),
			CanSpawnChildren:      true,
		},
		{
			Kind:                  Verifier,
			SystemTemplate:        "verifier_agent",
			DefaultIterationLimit: DefaultIterationLimit(Verifier),
			AllowedPromptModules:  []string{"verification_types"},
			CanSpawnChildren:      false,
		},
	}
	for _, d := range defs {
		if _, exists := table[d.Kind]; exists {
			continue // already registered; Register would err, startup may call this more than once in tests
		}
		if err := Register(d); err != nil {
			return err
		}
	}
	return nil
}
