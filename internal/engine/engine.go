// Package engine implements the Agent Engine (C5): the per-agent
// think-act loop that compresses conversation state, calls the LLM
// Gateway, partitions and dispatches the resulting tool calls, and
// drives the agent's state machine to finished or failed.
//
// Grounded on the teacher's executor.go EXECUTE-phase loop (compress,
// call provider, walk returned tool calls, append results, check
// termination) generalised from the teacher's fixed four-phase
// workflow onto an open-ended iterate-until-finished loop, and on
// supervision.Supervisor's crash/respawn bookkeeping style, reused
// here for the iteration-budget and stuck-detection counters.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/strixsec/strix/internal/agentgraph"
	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/llmgateway"
	"github.com/strixsec/strix/internal/registry"
	"github.com/strixsec/strix/internal/runstore"
	"github.com/strixsec/strix/internal/sandbox"
	"github.com/strixsec/strix/internal/strixerr"
	"github.com/strixsec/strix/internal/tracing"
)

const (
	autoResumeTimeout  = 600 * time.Second
	maxToolResultChars = 10000
	truncateHead       = 4000
	truncateTail       = 4000
	warnFraction       = 0.85
	warnRemaining      = 3
	stuckThreshold      = 2
)

// LLMClient is the narrow slice of llmgateway.Gateway the engine calls.
type LLMClient interface {
	Chat(ctx context.Context, req llmgateway.ChatRequest) (*llmgateway.ChatResponse, error)
}

// Compressor is the narrow slice of memory.Compressor the engine calls.
type Compressor interface {
	Compress(ctx context.Context, state *agentmodel.AgentState) []agentmodel.Message
}

// SandboxExecutor is the narrow slice of sandbox.Runtime the engine calls.
type SandboxExecutor interface {
	Execute(ctx context.Context, sandboxID, agentID string, call sandbox.ToolCall) (*sandbox.ExecResult, error)
}

// VerificationGate is the narrow slice of verification.Pipeline the
// engine consults to gate a verifier agent's agent_finish call.
type VerificationGate interface {
	IsTerminal(findingID string) bool
}

// Tracer is the narrow slice of runstore.Store the engine appends
// lifecycle events to; nil disables event logging entirely.
type Tracer interface {
	AppendAgentEvent(agentID string, event runstore.AgentEvent) error
}

// Deps wires one Engine to the rest of the scan's components. Graph and
// Registry are taken as concrete types because every engine in a scan
// shares exactly one of each; the rest are interfaces so tests can
// supply deterministic fakes.
type Deps struct {
	Registry     *registry.Registry
	LLM          LLMClient
	Compressor   Compressor
	Sandbox      SandboxExecutor
	Graph        *agentgraph.Graph
	Verification VerificationGate // nil disables verifier finish-gating (non-verifier deployments)
	Tracer       Tracer           // nil disables event logging
	MaxFanout    int              // bounded fan-out for a parallel tool batch; default 8
	Model        string
}

// Engine runs exactly one agent's think-act loop per Run call; a scan
// with N live agents runs N Engine instances concurrently, one
// goroutine each, sharing Deps.Graph and Deps.Registry.
type Engine struct {
	deps Deps
}

// New builds an Engine against deps.
func New(deps Deps) *Engine {
	if deps.MaxFanout <= 0 {
		deps.MaxFanout = 8
	}
	return &Engine{deps: deps}
}

// Run drives agent from its current Status through think-act
// iterations until it finishes, fails, or ctx is cancelled. Run
// mutates agent in place; per the concurrency model, the caller must
// not touch agent concurrently from another goroutine while Run is in
// flight.
func (e *Engine) Run(ctx context.Context, agent *agentmodel.Agent) error {
	ctx, agentSpan := tracing.StartAgent(ctx, agent.ID, string(agent.Kind))
	var runErr error
	defer func() { tracing.EndAgent(agentSpan, string(agent.Status), string(agent.FailureReason), runErr) }()

	if agent.Status == "" {
		agent.Status = agentmodel.StatusRunning
	}
	e.trace(agent.ID, "spawned", map[string]interface{}{"kind": string(agent.Kind), "parent_id": agent.ParentID})

	for {
		select {
		case <-ctx.Done():
			agent.Status = agentmodel.StatusFailed
			agent.FailureReason = agentmodel.FailureCancelled
			e.traceTransition(agent)
			runErr = ctx.Err()
			return runErr
		default:
		}

		if agent.Iteration >= agent.IterationLimit {
			agent.Status = agentmodel.StatusFailed
			agent.FailureReason = agentmodel.FailureExhausted
			e.traceTransition(agent)
			return nil
		}

		iterCtx, iterSpan := tracing.StartIteration(ctx, agent.ID, agent.Iteration, agent.IterationLimit)

		compressed := e.deps.Compressor.Compress(iterCtx, agent.State)
		resp, err := e.deps.LLM.Chat(iterCtx, llmgateway.ChatRequest{
			AgentID:  agent.ID,
			Messages: compressed,
			Tools:    e.toolSpecs(),
			Model:    e.deps.Model,
		})
		if err != nil {
			tracing.EndIteration(iterSpan, 0, err)
			agent.Status = agentmodel.StatusFailed
			agent.FailureReason = agentmodel.FailureLLMFatal
			agent.State.LastError = err.Error()
			e.traceTransition(agent)
			runErr = err
			return err
		}

		agent.State.Messages = append(agent.State.Messages, resp.Message)
		agent.State.Usage.Add(resp.Usage)
		agent.Iteration++
		e.injectIterationWarning(agent)

		toolCalls := resp.Message.ToolCalls
		if len(toolCalls) == 0 {
			tracing.EndIteration(iterSpan, 0, nil)
			if err := e.checkFinishAllowed(agent); err == nil {
				agent.Status = agentmodel.StatusFinished
				e.traceTransition(agent)
				return nil
			}
			agent.NoToolCallStreak++
			if agent.NoToolCallStreak >= stuckThreshold {
				agent.Status = agentmodel.StatusFailed
				agent.FailureReason = agentmodel.FailureStuck
				e.traceTransition(agent)
				return nil
			}
			agent.State.Messages = append(agent.State.Messages, agentmodel.Message{
				Role: agentmodel.RoleSystem,
				Text: "No tool call was made. Call a tool to make progress, or call agent_finish once the task is complete.",
			})
			continue
		}
		agent.NoToolCallStreak = 0

		updatedCalls, resultMessages, finishRequested := e.dispatch(iterCtx, agent, toolCalls)
		agent.State.Messages[len(agent.State.Messages)-1].ToolCalls = updatedCalls
		agent.State.Messages = append(agent.State.Messages, resultMessages...)
		for _, c := range updatedCalls {
			agent.State.Actions = append(agent.State.Actions, agentmodel.ActionRecord{
				ToolName:  c.Name,
				Args:      c.Args,
				StartedAt: c.StartedAt,
				EndedAt:   c.EndedAt,
				Error:     c.Error,
			})
		}
		tracing.EndIteration(iterSpan, len(toolCalls), nil)
		e.trace(agent.ID, "tool_dispatch", map[string]interface{}{"count": len(toolCalls)})

		if finishRequested {
			agent.Status = agentmodel.StatusFinished
			e.traceTransition(agent)
			return nil
		}
	}
}

// checkFinishAllowed reports whether agent may transition to finished
// right now: the Agent Graph's unread-inbox drain requirement, plus —
// for verifier-kind agents only — the Verification Pipeline's
// terminal-verdict requirement on the finding the verifier was
// assigned to adjudicate.
func (e *Engine) checkFinishAllowed(agent *agentmodel.Agent) error {
	if err := e.deps.Graph.Finish(agent.ID); err != nil {
		return err
	}
	if agent.Kind == agentmodel.KindVerifier && e.deps.Verification != nil {
		if agent.AssignedFindingID == "" || !e.deps.Verification.IsTerminal(agent.AssignedFindingID) {
			return strixerr.New(strixerr.KindToolError, "verifier agent cannot finish before its assigned finding reaches a terminal verdict")
		}
	}
	return nil
}

func (e *Engine) toolSpecs() []llmgateway.ToolSpec {
	descs := e.deps.Registry.Schemas()
	out := make([]llmgateway.ToolSpec, 0, len(descs))
	for _, d := range descs {
		out = append(out, llmgateway.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Schema})
	}
	return out
}

// injectIterationWarning appends a system-role nudge the iteration an
// agent crosses 85% of its budget, and again with exactly 3 iterations
// remaining, per the component design's budget-warning contract.
func (e *Engine) injectIterationWarning(agent *agentmodel.Agent) {
	limit := agent.IterationLimit
	if limit <= 0 {
		return
	}
	eightyFive := int(math.Round(float64(limit) * warnFraction))
	remaining := limit - agent.Iteration
	if agent.Iteration != eightyFive && remaining != warnRemaining {
		return
	}
	agent.State.Messages = append(agent.State.Messages, agentmodel.Message{
		Role: agentmodel.RoleSystem,
		Text: fmt.Sprintf("Iteration budget warning: %d of %d iterations used (%d remaining). Wrap up and call agent_finish soon.", agent.Iteration, limit, remaining),
	})
}

func (e *Engine) traceTransition(agent *agentmodel.Agent) {
	e.trace(agent.ID, "state_transition", map[string]interface{}{
		"status":         string(agent.Status),
		"failure_reason": string(agent.FailureReason),
		"iteration":      agent.Iteration,
	})
}

func (e *Engine) trace(agentID, eventType string, detail map[string]interface{}) {
	if e.deps.Tracer == nil {
		return
	}
	_ = e.deps.Tracer.AppendAgentEvent(agentID, runstore.AgentEvent{Type: eventType, Detail: detail})
}

// dispatchOutcome is one tool call's resolved result, kept separate
// from the public agentmodel.ToolCall so completion order (which may
// differ across a parallel batch) never leaks into message order.
type dispatchOutcome struct {
	result          string
	errText         string
	extra           []agentmodel.Message // appended immediately after this call's own tool-result message
	finishRequested bool
}

// dispatch partitions calls into a parallel-eligible prefix and a
// serial tail, runs the prefix concurrently (bounded by MaxFanout)
// then the tail in order, and degrades to fully serial dispatch in the
// model's original written order whenever the calls don't naturally
// separate into that shape — matching the "serial tail must not
// reorder ahead of a parallel call that follows it" dispatch
// invariant. Tool-result messages are always assembled in the
// original written order, independent of completion order.
func (e *Engine) dispatch(ctx context.Context, agent *agentmodel.Agent, calls []agentmodel.ToolCall) ([]agentmodel.ToolCall, []agentmodel.Message, bool) {
	n := len(calls)
	updated := make([]agentmodel.ToolCall, n)
	copy(updated, calls)
	outcomes := make([]dispatchOutcome, n)

	var parallelIdx, serialIdx []int
	for i, c := range calls {
		if e.isParallelizable(c.Name) {
			parallelIdx = append(parallelIdx, i)
		} else {
			serialIdx = append(serialIdx, i)
		}
	}

	if isCleanPartition(parallelIdx, serialIdx) {
		e.runParallel(ctx, agent, calls, updated, outcomes, parallelIdx)
		e.runSerial(ctx, agent, calls, updated, outcomes, serialIdx)
	} else {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		e.runSerial(ctx, agent, calls, updated, outcomes, all)
	}

	messages := make([]agentmodel.Message, 0, n)
	finishRequested := false
	for i := 0; i < n; i++ {
		out := outcomes[i]
		text := out.result
		if out.errText != "" {
			text = "error: " + out.errText
		}
		updated[i].Result = out.result
		updated[i].Error = out.errText
		updated[i].EndedAt = time.Now()
		messages = append(messages, agentmodel.Message{
			Role:       agentmodel.RoleTool,
			ToolCallID: calls[i].ID,
			Text:       truncateResult(text),
		})
		messages = append(messages, out.extra...)
		if out.finishRequested {
			finishRequested = true
		}
	}
	return updated, messages, finishRequested
}

// isParallelizable reports whether name may join the parallel batch.
// wait_for_message and agent_finish are always forced serial regardless
// of their registered flag, since both mutate agent.Status and must
// never race against a concurrently dispatched sibling call.
func (e *Engine) isParallelizable(name string) bool {
	if name == "wait_for_message" || name == "agent_finish" {
		return false
	}
	d, ok := e.deps.Registry.Lookup(name)
	return ok && d.Parallelizable
}

// isCleanPartition reports whether the parallel-eligible indices form
// a prefix block ending strictly before the serial tail begins — the
// shape under which running the parallel batch first and the serial
// tail after cannot reorder any call relative to the model's original
// written order. An empty side is trivially clean.
func isCleanPartition(parallelIdx, serialIdx []int) bool {
	if len(parallelIdx) == 0 || len(serialIdx) == 0 {
		return true
	}
	return parallelIdx[len(parallelIdx)-1] < serialIdx[0]
}

func (e *Engine) runParallel(ctx context.Context, agent *agentmodel.Agent, calls, updated []agentmodel.ToolCall, outcomes []dispatchOutcome, idxs []int) {
	sem := make(chan struct{}, e.deps.MaxFanout)
	var wg sync.WaitGroup
	for _, idx := range idxs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			updated[i].StartedAt = time.Now()
			outcomes[i] = e.dispatchOne(ctx, agent, calls[i])
		}(idx)
	}
	wg.Wait()
}

func (e *Engine) runSerial(ctx context.Context, agent *agentmodel.Agent, calls, updated []agentmodel.ToolCall, outcomes []dispatchOutcome, idxs []int) {
	for _, idx := range idxs {
		updated[idx].StartedAt = time.Now()
		outcomes[idx] = e.dispatchOne(ctx, agent, calls[idx])
	}
}

// dispatchOne resolves a single tool call. wait_for_message and
// agent_finish are intercepted here because they mutate agent.Status
// and the Agent Graph's finish/wait coordination directly; every other
// tool name — including the rest of the Agent Graph's tools
// (spawn_agent, send_message) — goes through the generic
// registry-driven path, sandboxed or host-local.
func (e *Engine) dispatchOne(ctx context.Context, agent *agentmodel.Agent, call agentmodel.ToolCall) dispatchOutcome {
	switch call.Name {
	case "agent_finish":
		return e.handleFinish(agent)
	case "wait_for_message":
		return e.handleWait(ctx, agent)
	}

	descriptor, ok := e.deps.Registry.Lookup(call.Name)
	if !ok {
		return dispatchOutcome{errText: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	toolCtx, span := tracing.StartTool(ctx, agent.ID, call.Name, descriptor.Sandbox, descriptor.Parallelizable)
	var outcome dispatchOutcome
	if descriptor.Sandbox {
		outcome = e.dispatchSandboxed(toolCtx, agent, call)
	} else {
		outcome = e.dispatchHostLocal(toolCtx, agent, descriptor, call)
	}
	var endErr error
	if outcome.errText != "" {
		endErr = errors.New(outcome.errText)
	}
	tracing.EndTool(span, endErr)
	return outcome
}

func (e *Engine) dispatchSandboxed(ctx context.Context, agent *agentmodel.Agent, call agentmodel.ToolCall) dispatchOutcome {
	if e.deps.Sandbox == nil {
		return dispatchOutcome{errText: "sandbox runtime not configured"}
	}
	res, err := e.deps.Sandbox.Execute(ctx, agent.SandboxID, agent.ID, sandbox.ToolCall{Name: call.Name, Args: call.Args})
	if err != nil {
		return dispatchOutcome{errText: err.Error()}
	}
	if !res.OK {
		return dispatchOutcome{errText: fmt.Sprintf("%s: %s", res.ErrKind, res.ErrMessage)}
	}
	return dispatchOutcome{result: marshalResult(res.Result)}
}

func (e *Engine) dispatchHostLocal(ctx context.Context, agent *agentmodel.Agent, d registry.Descriptor, call agentmodel.ToolCall) dispatchOutcome {
	args := make(map[string]interface{}, len(call.Args)+1)
	for k, v := range call.Args {
		args[k] = v
	}
	args["__agent_id"] = agent.ID

	result, err := d.Handler(ctx, args)
	if err != nil {
		return dispatchOutcome{errText: err.Error()}
	}
	return dispatchOutcome{result: marshalResult(result)}
}

func marshalResult(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func (e *Engine) handleFinish(agent *agentmodel.Agent) dispatchOutcome {
	if err := e.checkFinishAllowed(agent); err != nil {
		return dispatchOutcome{errText: err.Error()}
	}
	return dispatchOutcome{result: "ok: finish accepted", finishRequested: true}
}

// handleWait brackets the running->waiting->running status transition
// around the Agent Graph's blocking Wait primitive, and synthesizes
// the auto-resume system message the component design calls for when
// the 600-second deadline elapses with no inter-agent message.
func (e *Engine) handleWait(ctx context.Context, agent *agentmodel.Agent) dispatchOutcome {
	agent.Status = agentmodel.StatusWaiting
	agent.WaitingSince = time.Now()
	e.traceTransition(agent)

	msgs, err := e.deps.Graph.Wait(ctx, agent.ID, autoResumeTimeout)

	agent.Status = agentmodel.StatusRunning
	agent.WaitingSince = time.Time{}
	e.traceTransition(agent)

	if err != nil {
		return dispatchOutcome{errText: err.Error()}
	}
	if len(msgs) == 0 {
		return dispatchOutcome{
			result: `{"timed_out":true,"messages":[]}`,
			extra: []agentmodel.Message{{
				Role: agentmodel.RoleSystem,
				Text: "wait_for_message timed out after 600s with no inter-agent message; resuming automatically.",
			}},
		}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return dispatchOutcome{errText: err.Error()}
	}
	return dispatchOutcome{result: string(data)}
}

// truncateResult applies the 10,000-character tool-result truncation
// rule: results at or under the cap pass through unchanged; longer
// results keep their first and last 4,000 characters with a marker in
// between, so a model sees both the start and the tail of a long shell
// or HTTP response without the Agent Engine ever losing a result
// entirely.
func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return s[:truncateHead] + "\n...[middle content truncated]...\n" + s[len(s)-truncateTail:]
}
