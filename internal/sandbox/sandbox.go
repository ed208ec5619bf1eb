// Package sandbox implements the Sandbox Runtime (C2): one container per
// scan (plus optional subordinate workers per spawned agent), reached
// over the loopback-bound HTTP protocol described in the external
// interfaces section. Container process lifecycle is delegated to a
// ContainerDriver so the runtime itself never links a Docker client
// library — shelling out to a docker-compatible CLI is an injected
// implementation detail, per the purpose & scope note that container
// orchestration internals are an external collaborator.
//
// Grounded on the teacher's checkpoint.Store for the per-resource
// mutex-guarded map idiom, and on llmgateway's retry/backoff helpers for
// the transient-failure handling the component design calls for.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strixsec/strix/internal/strixerr"
)

// LaunchSpec is what a ContainerDriver needs to start one container.
type LaunchSpec struct {
	ScanID string
	Image  string
	Env    map[string]string
}

// Container is the handle a ContainerDriver returns: enough for the
// Runtime to reach the in-container worker over HTTP.
type Container struct {
	ID      string
	BaseURL string // e.g. http://127.0.0.1:38213, loopback-bound per the protocol
}

// ContainerDriver starts and stops the container process backing a
// Sandbox. The shipped implementation (DockerCLIDriver) shells out to
// `docker`; FakeDriver backs tests with an in-process HTTP server
// implementing the same wire protocol, so Runtime's dispatch logic is
// identical in both cases.
type ContainerDriver interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Container, error)
	Stop(ctx context.Context, containerID string) error
}

// Config bounds the Runtime's retry and timeout behavior, sourced from
// the environment variables named in the external interfaces section.
type Config struct {
	Image            string
	HealthDeadline   time.Duration // total deadline for /health to become ready; default 60s
	UnhealthyAfter   time.Duration // /health failing this long marks the sandbox for recreation; default 30s
	ExecutionTimeout time.Duration // STRIX_SANDBOX_EXECUTION_TIMEOUT; default 500s
}

func (c *Config) applyDefaults() {
	if c.HealthDeadline <= 0 {
		c.HealthDeadline = 60 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 30 * time.Second
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 500 * time.Second
	}
}

// Sandbox is one running per-scan container plus its registered workers.
type Sandbox struct {
	ID          string
	ScanID      string
	ContainerID string
	BaseURL     string
	Token       string

	mu             sync.Mutex
	workers        map[string]string // agentID -> workerID
	unhealthySince time.Time         // zero when healthy
}

// Runtime is the process-wide Sandbox Runtime.
type Runtime struct {
	driver ContainerDriver
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	locks     map[string]*sync.Mutex // per-sandbox create/destroy locks, per the concurrency model
}

// New builds a Runtime against driver.
func New(driver ContainerDriver, cfg Config) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		driver:    driver,
		cfg:       cfg,
		client:    &http.Client{},
		sandboxes: make(map[string]*Sandbox),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Runtime) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// mintToken allocates the per-scan bearer token: a cryptographically
// strong 32-byte URL-safe value, per the component design.
func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create launches a new sandbox for scanID: pulls the image if absent
// (the driver's concern), allocates a bearer token, and waits for
// /health within cfg.HealthDeadline.
func (r *Runtime) Create(ctx context.Context, scanID string) (*Sandbox, error) {
	token, err := mintToken()
	if err != nil {
		return nil, strixerr.Wrap(strixerr.KindSandboxUnavailable, "mint bearer token", err)
	}

	container, err := r.driver.Launch(ctx, LaunchSpec{
		ScanID: scanID,
		Image:  r.cfg.Image,
		Env: map[string]string{
			"STRIX_SANDBOX_MODE":  "1",
			"STRIX_SANDBOX_TOKEN": token,
		},
	})
	if err != nil {
		return nil, strixerr.Wrap(strixerr.KindSandboxUnavailable, "launch container", err)
	}

	sb := &Sandbox{
		ID:          uuid.NewString(),
		ScanID:      scanID,
		ContainerID: container.ID,
		BaseURL:     container.BaseURL,
		Token:       token,
		workers:     make(map[string]string),
	}

	if err := r.waitHealthy(ctx, sb); err != nil {
		_ = r.driver.Stop(ctx, container.ID)
		return nil, err
	}

	r.mu.Lock()
	r.sandboxes[sb.ID] = sb
	r.mu.Unlock()
	return sb, nil
}

// waitHealthy polls GET /health with exponential backoff until it
// reports ready or cfg.HealthDeadline elapses.
func (r *Runtime) waitHealthy(ctx context.Context, sb *Sandbox) error {
	deadline := time.Now().Add(r.cfg.HealthDeadline)
	attempt := 0
	for {
		ok, err := r.checkHealth(ctx, sb)
		if err == nil && ok {
			return nil
		}
		if time.Now().After(deadline) {
			return strixerr.New(strixerr.KindSandboxUnavailable, "sandbox did not become healthy within deadline")
		}
		if sleepErr := jitteredSleep(ctx, attempt); sleepErr != nil {
			return strixerr.Wrap(strixerr.KindCancelled, "cancelled waiting for sandbox health", sleepErr)
		}
		attempt++
	}
}

func (r *Runtime) checkHealth(ctx context.Context, sb *Sandbox) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sb.BaseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	r.authorize(req, sb)
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Status == "ok", nil
}

func (r *Runtime) authorize(req *http.Request, sb *Sandbox) {
	req.Header.Set("Authorization", "Bearer "+sb.Token)
}

func jitteredSleep(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	jitter := time.Duration(mrand.Int64N(int64(base) + 1))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sandboxLocked returns the Sandbox for id under the package lock; the
// caller is responsible for any finer-grained locking it needs.
func (r *Runtime) sandboxLocked(id string) (*Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[id]
	return sb, ok
}

// RegisterAgent forks a dedicated in-container worker for agentID, so
// stateful tools (a browser session, a shell) are isolated per agent.
func (r *Runtime) RegisterAgent(ctx context.Context, sandboxID, agentID string) (string, error) {
	sb, ok := r.sandboxLocked(sandboxID)
	if !ok {
		return "", strixerr.New(strixerr.KindSandboxUnavailable, "unknown sandbox")
	}

	sb.mu.Lock()
	if wid, exists := sb.workers[agentID]; exists {
		sb.mu.Unlock()
		return wid, nil
	}
	sb.mu.Unlock()

	body, err := json.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		return "", err
	}

	var out struct {
		WorkerID string `json:"worker_id"`
	}
	if err := r.postWithRetry(ctx, sb, "/register_agent", body, &out); err != nil {
		return "", err
	}

	sb.mu.Lock()
	sb.workers[agentID] = out.WorkerID
	sb.mu.Unlock()
	return out.WorkerID, nil
}

// ToolCall is the minimal shape Execute needs from a registry tool
// invocation; the Agent Engine supplies the rest.
type ToolCall struct {
	Name string
	Args map[string]interface{}
}

// ExecResult mirrors the sandbox protocol's {ok, result} / {ok, error} shape.
type ExecResult struct {
	OK     bool
	Result interface{}
	ErrKind    string
	ErrMessage string
}

// Execute dispatches one tool call into the sandbox on behalf of
// agentID. It retries transient failures up to three times with
// jittered backoff, recreates the sandbox if it has been unhealthy for
// cfg.UnhealthyAfter, and abandons the call with sandbox_timeout if it
// exceeds cfg.ExecutionTimeout.
func (r *Runtime) Execute(ctx context.Context, sandboxID, agentID string, call ToolCall) (*ExecResult, error) {
	sb, ok := r.sandboxLocked(sandboxID)
	if !ok {
		return nil, strixerr.New(strixerr.KindSandboxUnavailable, "unknown sandbox")
	}

	if err := r.ensureHealthy(ctx, sandboxID, sb); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()

	reqBody, err := json.Marshal(map[string]interface{}{
		"agent_id": agentID,
		"tool":     call.Name,
		"args":     call.Args,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		OK     bool        `json:"ok"`
		Result interface{} `json:"result,omitempty"`
		Error  *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}

	err = r.postWithRetry(execCtx, sb, "/execute", reqBody, &out)
	if err != nil {
		if execCtx.Err() != nil {
			r.markUnhealthy(sb)
			return nil, strixerr.Wrap(strixerr.KindSandboxTimeout, "tool call exceeded execution timeout", execCtx.Err())
		}
		return nil, err
	}

	res := &ExecResult{OK: out.OK, Result: out.Result}
	if out.Error != nil {
		res.ErrKind = out.Error.Kind
		res.ErrMessage = out.Error.Message
	}
	return res, nil
}

func (r *Runtime) ensureHealthy(ctx context.Context, sandboxID string, sb *Sandbox) error {
	sb.mu.Lock()
	since := sb.unhealthySince
	sb.mu.Unlock()
	if since.IsZero() || time.Since(since) < r.cfg.UnhealthyAfter {
		return nil
	}
	return r.recreate(ctx, sandboxID, sb)
}

func (r *Runtime) markUnhealthy(sb *Sandbox) {
	sb.mu.Lock()
	if sb.unhealthySince.IsZero() {
		sb.unhealthySince = time.Now()
	}
	sb.mu.Unlock()
}

// recreate tears down and relaunches a sandbox that has been unhealthy
// for too long, preserving its ID and bearer token so callers holding
// the old sandboxID keep working. Registered workers belong to the old
// container, so the worker set is cleared.
func (r *Runtime) recreate(ctx context.Context, sandboxID string, sb *Sandbox) error {
	lock := r.lockFor(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	_ = r.driver.Stop(ctx, sb.ContainerID)

	container, err := r.driver.Launch(ctx, LaunchSpec{ScanID: sb.ScanID, Image: r.cfg.Image, Env: map[string]string{
		"STRIX_SANDBOX_MODE":  "1",
		"STRIX_SANDBOX_TOKEN": sb.Token,
	}})
	if err != nil {
		return strixerr.Wrap(strixerr.KindSandboxUnavailable, "recreate unhealthy sandbox", err)
	}

	sb.mu.Lock()
	sb.ContainerID = container.ID
	sb.BaseURL = container.BaseURL
	sb.workers = make(map[string]string)
	sb.unhealthySince = time.Time{}
	sb.mu.Unlock()

	return r.waitHealthy(ctx, sb)
}

// postWithRetry POSTs body to sb.BaseURL+path, retrying transient
// HTTP/connection failures up to three times with jittered backoff.
func (r *Runtime) postWithRetry(ctx context.Context, sb *Sandbox, path string, body []byte, out interface{}) error {
	const maxAttempts = 4 // one initial attempt plus up to three retries
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := r.post(ctx, sb, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < maxAttempts-1 {
			if sleepErr := jitteredSleep(ctx, attempt); sleepErr != nil {
				return sleepErr
			}
		}
	}
	r.markUnhealthy(sb)
	return strixerr.Wrap(strixerr.KindSandboxUnavailable, fmt.Sprintf("%s failed after %d attempts", path, maxAttempts), lastErr)
}

func (r *Runtime) post(ctx context.Context, sb *Sandbox, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sb.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req, sb)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("sandbox %s returned %d: %s", path, resp.StatusCode, string(data))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// Destroy tears down sandboxID's container. Idempotent: destroying an
// unknown or already-destroyed sandbox is not an error, matching the
// "guaranteed on all exit paths" lifecycle contract.
func (r *Runtime) Destroy(ctx context.Context, sandboxID string) error {
	lock := r.lockFor(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	sb, ok := r.sandboxes[sandboxID]
	if ok {
		delete(r.sandboxes, sandboxID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	return r.driver.Stop(ctx, sb.ContainerID)
}

// DestroyAll tears down every sandbox this Runtime created, used by the
// scan-level cancellation path to guarantee the cleanup invariant.
func (r *Runtime) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Destroy(ctx, id)
	}
}

// Get returns the sandbox for id, for components that need direct
// access to its BaseURL/Token (e.g. the Agent Engine wiring a worker).
func (r *Runtime) Get(sandboxID string) (*Sandbox, bool) {
	return r.sandboxLocked(sandboxID)
}
