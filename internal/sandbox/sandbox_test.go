package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/strixsec/strix/internal/strixerr"
)

func testConfig() Config {
	return Config{
		Image:            "strix/sandbox:test",
		HealthDeadline:   2 * time.Second,
		UnhealthyAfter:   200 * time.Millisecond,
		ExecutionTimeout: 2 * time.Second,
	}
}

func TestCreateAndExecute(t *testing.T) {
	driver := NewFakeDriver()
	driver.Handle("echo", func(args map[string]interface{}) (interface{}, string, string) {
		return args["msg"], "", ""
	})

	rt := New(driver, testConfig())
	ctx := context.Background()

	sb, err := rt.Create(ctx, "scan-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sb.Token == "" {
		t.Fatal("expected a non-empty bearer token")
	}

	workerID, err := rt.RegisterAgent(ctx, sb.ID, "agent-1")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if workerID == "" {
		t.Fatal("expected a non-empty worker id")
	}

	res, err := rt.Execute(ctx, sb.ID, "agent-1", ToolCall{Name: "echo", Args: map[string]interface{}{"msg": "hi"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK || res.Result != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if err := rt.Destroy(ctx, sb.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	driver := NewFakeDriver()
	rt := New(driver, testConfig())
	ctx := context.Background()

	sb, err := rt.Create(ctx, "scan-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer rt.Destroy(ctx, sb.ID)

	res, err := rt.Execute(ctx, sb.ID, "agent-1", ToolCall{Name: "does_not_exist"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected ok=false for an unknown tool")
	}
	if res.ErrKind != "tool_error" {
		t.Fatalf("expected tool_error, got %q", res.ErrKind)
	}
}

func TestCreateFailsWhenNeverHealthy(t *testing.T) {
	driver := NewFakeDriver()
	driver.Unhealthy = true
	rt := New(driver, testConfig())

	_, err := rt.Create(context.Background(), "scan-3")
	if err == nil {
		t.Fatal("expected an error when the sandbox never becomes healthy")
	}
	if strixerr.KindOf(err) != strixerr.KindSandboxUnavailable {
		t.Fatalf("expected sandbox_unavailable, got %v", strixerr.KindOf(err))
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	driver := NewFakeDriver()
	rt := New(driver, testConfig())
	ctx := context.Background()

	sb, err := rt.Create(ctx, "scan-4")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := rt.Destroy(ctx, sb.ID); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := rt.Destroy(ctx, sb.ID); err != nil {
		t.Fatalf("second Destroy should be a no-op, got: %v", err)
	}
}

func TestRecreateOnSustainedUnhealth(t *testing.T) {
	driver := NewFakeDriver()
	driver.Handle("ping", func(args map[string]interface{}) (interface{}, string, string) {
		return "pong", "", ""
	})
	rt := New(driver, testConfig())
	ctx := context.Background()

	sb, err := rt.Create(ctx, "scan-5")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer rt.Destroy(ctx, sb.ID)

	rt.markUnhealthy(sb)
	time.Sleep(rt.cfg.UnhealthyAfter + 50*time.Millisecond)

	res, err := rt.Execute(ctx, sb.ID, "agent-1", ToolCall{Name: "ping"})
	if err != nil {
		t.Fatalf("Execute after recreate: %v", err)
	}
	if !res.OK || res.Result != "pong" {
		t.Fatalf("unexpected result after recreate: %+v", res)
	}
}
