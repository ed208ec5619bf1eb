package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ToolHandler computes a fake tool's result for tests.
type ToolHandler func(args map[string]interface{}) (result interface{}, errKind, errMessage string)

// FakeDriver backs tests with an in-process HTTP server implementing
// the exact /health, /register_agent, /execute protocol a real
// in-container worker exposes, so Runtime's dispatch code is exercised
// identically with or without Docker.
type FakeDriver struct {
	mu       sync.Mutex
	handlers map[string]ToolHandler
	servers  map[string]*httptest.Server

	// Unhealthy, when set, makes every /health check on any container
	// this driver launched fail until cleared, for exercising Runtime's
	// health-deadline and recreate paths.
	Unhealthy bool
}

// NewFakeDriver builds a FakeDriver with no tool handlers registered;
// unregistered tool names resolve to a tool_error result.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		handlers: make(map[string]ToolHandler),
		servers:  make(map[string]*httptest.Server),
	}
}

// Handle registers the fake behavior for a tool name.
func (d *FakeDriver) Handle(tool string, h ToolHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tool] = h
}

func (d *FakeDriver) Launch(ctx context.Context, spec LaunchSpec) (*Container, error) {
	mux := http.NewServeMux()
	token := spec.Env["STRIX_SANDBOX_TOKEN"]

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		unhealthy := d.Unhealthy
		d.mu.Unlock()
		if unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/register_agent", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"worker_id": uuid.NewString()})
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			AgentID string                 `json:"agent_id"`
			Tool    string                 `json:"tool"`
			Args    map[string]interface{} `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		d.mu.Lock()
		handler, ok := d.handlers[req.Tool]
		d.mu.Unlock()
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":    false,
				"error": map[string]string{"kind": "tool_error", "message": "unknown tool " + req.Tool},
			})
			return
		}

		result, errKind, errMessage := handler(req.Args)
		if errKind != "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":    false,
				"error": map[string]string{"kind": errKind, "message": errMessage},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
	})

	srv := httptest.NewServer(mux)
	id := uuid.NewString()

	d.mu.Lock()
	d.servers[id] = srv
	d.mu.Unlock()

	return &Container{ID: id, BaseURL: srv.URL}, nil
}

func (d *FakeDriver) Stop(ctx context.Context, containerID string) error {
	d.mu.Lock()
	srv, ok := d.servers[containerID]
	if ok {
		delete(d.servers, containerID)
	}
	d.mu.Unlock()
	if ok {
		srv.Close()
	}
	return nil
}

func authorized(r *http.Request, token string) bool {
	got := r.Header.Get("Authorization")
	return got == "Bearer "+token || strings.TrimSpace(token) == ""
}
