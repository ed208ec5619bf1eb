// Package llmgateway implements the LLM Gateway (C3): a process-wide,
// bounded-concurrency, rate-limited, retrying queue in front of the
// model endpoint, with usage accounting and prompt-cache breakpoint
// placement. Grounded on the source's llm.py (retry/error taxonomy,
// growing-interval cache breakpoint algorithm, cost table) and on the
// teacher's executor.go call pattern (provider.Chat(ctx, ChatRequest)).
package llmgateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/strixerr"
)

// Config bounds the Gateway's behavior, sourced from the environment
// variables named in the external interfaces section.
type Config struct {
	Concurrency int           // LLM_RATE_LIMIT_CONCURRENT
	Delay       time.Duration // LLM_RATE_LIMIT_DELAY, inserted between submissions
	Timeout     time.Duration // LLM_TIMEOUT, per request
	MaxRetries  int           // ceiling on transient-failure retries
	Model       string        // STRIX_LLM
}

// Gateway schedules Chat requests against an underlying Provider.
type Gateway struct {
	cfg      Config
	provider Provider

	sem       chan struct{} // bounds in-flight requests to cfg.Concurrency
	fifo      chan struct{} // ticket queue enforcing submission order
	lastSubmit time.Time
	submitMu  sync.Mutex

	usageMu sync.Mutex
	usage   agentmodel.Usage

	inFlightMu sync.Mutex
	inFlight   int
	maxObservedInFlight int
}

// New builds a Gateway. concurrency is clamped to at least 1.
func New(cfg Config, provider Provider) *Gateway {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Gateway{
		cfg:      cfg,
		provider: provider,
		sem:      make(chan struct{}, cfg.Concurrency),
		fifo:     make(chan struct{}, 1),
	}
}

// Usage returns a snapshot of the Gateway's accumulated accounting.
func (g *Gateway) Usage() agentmodel.Usage {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	return g.usage
}

// InFlight reports the current and maximum-ever number of concurrently
// in-flight requests, for the bounded-concurrency stress test.
func (g *Gateway) InFlight() (current, maxObserved int) {
	g.inFlightMu.Lock()
	defer g.inFlightMu.Unlock()
	return g.inFlight, g.maxObservedInFlight
}

// Chat enqueues req, waits for a concurrency slot in FIFO order,
// applies the configured inter-submission delay, then calls the
// underlying Provider with retries on transient failures. Suspension
// points: the FIFO ticket wait, the semaphore acquire, the rate-limit
// delay sleep, and the provider.Chat call itself — all via ctx, so a
// caller cancellation (including the scan-wide cancellation signal)
// unblocks every one of them.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req = g.applyCacheBreakpoints(req)
	if req.Model == "" {
		req.Model = g.cfg.Model
	}

	if err := g.takeFIFOTicket(ctx); err != nil {
		return nil, strixerr.Wrap(strixerr.KindCancelled, "cancelled waiting for gateway turn", err)
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		g.releaseFIFOTicket()
		return nil, strixerr.Wrap(strixerr.KindCancelled, "cancelled waiting for concurrency slot", ctx.Err())
	}
	g.trackInFlight(1)
	defer func() {
		g.trackInFlight(-1)
		<-g.sem
	}()

	g.pace()
	g.releaseFIFOTicket() // the slot, not the order, is what serialises further; release ticket once past pacing

	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.chatWithRetry(reqCtx, req)
	g.recordUsage(resp, err)
	return resp, err
}

// takeFIFOTicket enforces submission order: only one caller at a time
// may be past this point and not yet past pace(), so concurrent callers
// are admitted to the semaphore in the order they arrived here.
func (g *Gateway) takeFIFOTicket(ctx context.Context) error {
	select {
	case g.fifo <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) releaseFIFOTicket() {
	select {
	case <-g.fifo:
	default:
	}
}

func (g *Gateway) pace() {
	if g.cfg.Delay <= 0 {
		return
	}
	g.submitMu.Lock()
	defer g.submitMu.Unlock()
	wait := g.cfg.Delay - time.Since(g.lastSubmit)
	if wait > 0 {
		time.Sleep(wait)
	}
	g.lastSubmit = time.Now()
}

func (g *Gateway) trackInFlight(delta int) {
	g.inFlightMu.Lock()
	defer g.inFlightMu.Unlock()
	g.inFlight += delta
	if g.inFlight > g.maxObservedInFlight {
		g.maxObservedInFlight = g.inFlight
	}
}

func (g *Gateway) chatWithRetry(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		resp, err := g.provider.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, strixerr.Wrap(strixerr.KindLLMFatal, "non-retryable LLM error", err)
		}
		if attempt == g.cfg.MaxRetries {
			break
		}
		if sleepErr := backoffSleep(ctx, attempt); sleepErr != nil {
			return nil, strixerr.Wrap(strixerr.KindCancelled, "cancelled during retry backoff", sleepErr)
		}
	}
	return nil, strixerr.Wrap(strixerr.KindLLMFatal, "exhausted retries", lastErr)
}

// isTransient classifies an error as retryable. Without a typed error
// taxonomy from the injected Provider to switch on, any error is
// treated as potentially transient up to the retry ceiling — the
// ceiling itself (cfg.MaxRetries) is what bounds the cost of guessing
// wrong, matching the "hard ceiling" the component design calls for.
func isTransient(err error) bool {
	return err != nil && strixerr.KindOf(err) != strixerr.KindCancelled
}

func backoffSleep(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) recordUsage(resp *ChatResponse, err error) {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	if err != nil {
		g.usage.FailedRequests++
		return
	}
	g.usage.Requests++
	if resp == nil {
		return
	}
	delta := EstimateCost(g.cfg.Model, resp.Usage)
	g.usage.InputTokens += resp.Usage.InputTokens
	g.usage.OutputTokens += resp.Usage.OutputTokens
	g.usage.CachedTokens += resp.Usage.CachedTokens
	g.usage.CostUSD += delta
}

// applyCacheBreakpoints marks prompt-cache boundaries every 10 messages
// using the source's growing-interval algorithm: the interval starts at
// 10 and grows by 10 until at most 3 breakpoints would be placed,
// capped at 3 breakpoints total. A copy of req.Messages is mutated, not
// the caller's slice, so the Gateway never reaches back into the Agent
// Engine's canonical state.
func (g *Gateway) applyCacheBreakpoints(req ChatRequest) ChatRequest {
	if !supportsPromptCaching(req.Model) {
		return req
	}

	nonSystem := 0
	for _, m := range req.Messages {
		if m.Role != agentmodel.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem == 0 {
		return req
	}

	interval := 10
	for nonSystem/interval > 3 {
		interval += 10
	}

	out := make([]agentmodel.Message, len(req.Messages))
	copy(out, req.Messages)

	placed := 0
	seen := 0
	for i := range out {
		if out[i].Role == agentmodel.RoleSystem {
			continue
		}
		seen++
		if seen%interval == 0 && placed < 3 {
			out[i].CacheBreakpoint = true
			placed++
		}
	}
	req.Messages = out
	return req
}

// supportsPromptCaching matches the model-family names the source
// restricts prompt caching to (Anthropic-family models); everything
// else is a no-op so breakpoint fields never reach a provider that
// would reject them, matching the "gateway strips fields a particular
// model does not accept" contract.
func supportsPromptCaching(model string) bool {
	for _, prefix := range []string{"claude", "anthropic"} {
		if hasPrefixFold(model, prefix) {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
