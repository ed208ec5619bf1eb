package registry

import (
	"context"
	"testing"
)

func noop(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return "ok", nil
}

func TestRegisterIdempotentForIdenticalDescriptor(t *testing.T) {
	r := New()
	d := Descriptor{Name: "notes_write", Handler: noop, Parallelizable: true}
	if err := r.Register(d); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(d); err != nil {
		t.Fatalf("idempotent re-register should not error: %v", err)
	}
}

func TestRegisterRejectsConflict(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Name: "x", Handler: noop, Sandbox: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Descriptor{Name: "x", Handler: noop, Sandbox: false}); err == nil {
		t.Fatal("expected conflicting registration to fail")
	}
}

func TestFreezeRejectsFurtherRegistration(t *testing.T) {
	r := New()
	r.Freeze()
	if err := r.Register(Descriptor{Name: "late", Handler: noop}); err == nil {
		t.Fatal("expected registration after Freeze to fail")
	}
}

func TestLookupUnknownTool(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestSchemasSortedByName(t *testing.T) {
	r := New()
	_ = r.Register(Descriptor{Name: "c", Handler: noop})
	_ = r.Register(Descriptor{Name: "a", Handler: noop})
	_ = r.Register(Descriptor{Name: "b", Handler: noop})

	got := r.Schemas()
	if len(got) != 3 || got[0].Name != "a" || got[1].Name != "b" || got[2].Name != "c" {
		t.Fatalf("schemas not sorted: %+v", got)
	}
}
