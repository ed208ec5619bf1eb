// Package tools registers every host-local tool named in the tool
// catalogue against a registry.Registry: the Agent Graph's
// spawn/message/wait/finish tools, the Agent Notes Store's
// notes_write/notes_search, a per-agent todo scratchpad, a no-op
// thinking tool, an outbound web_search tool, and the Verification
// Pipeline's create_finding/verify_vulnerability_report.
//
// terminal_execute is deliberately absent from this package: it is a
// Sandbox=true descriptor (see cmd/strix's registration pass), and per
// registry.Descriptor's contract its Handler is only ever invoked by a
// FakeDriver-backed test, never by the live Agent Engine.
//
// Grounded on the teacher's executor/builtins.go registration style
// (register once at startup, handler closes over shared state rather
// than receiving it as an argument) and on memory.NotesAdapter for the
// host-local wrapper pattern reused here for the Agent Graph and
// Verification Pipeline tools.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/strixsec/strix/internal/agentgraph"
	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/memory"
	"github.com/strixsec/strix/internal/registry"
	"github.com/strixsec/strix/internal/runstore"
	"github.com/strixsec/strix/internal/verification"
)

// Deps wires the host-local tool handlers to the scan-wide components
// they mutate. Every component field is required except WebClient,
// which defaults to http.DefaultClient; the OnSpawn and
// OnFindingSubmitted callbacks are optional.
type Deps struct {
	Graph        *agentgraph.Graph
	Notes        *memory.NotesAdapter
	Pipeline     *verification.Pipeline
	ToolVerifier *verification.ToolDrivenVerifierAgent
	Store        *runstore.Store
	WebClient    *http.Client

	// OnSpawn, if set, is invoked after spawn_agent successfully
	// registers a child in the Agent Graph, so that whatever launches
	// Agent Engine loops (cmd/strix) can start one for the new agent.
	// Mirrors the teacher's executor.OnSubAgentStart callback: wiring
	// glue, not part of the Agent Graph's own contract.
	OnSpawn func(childID string, kind agentmodel.AgentKind, instruction string, findingID string)

	// OnFindingSubmitted, if set, is invoked after create_finding admits
	// a report to the pending queue, so whatever drives the Verification
	// Pipeline (cmd/strix) can start adjudicating it without waiting for
	// a verifier agent to be spawned first.
	OnFindingSubmitted func(findingID string)
}

// Register installs every host-local tool this package defines into reg.
func Register(reg *registry.Registry, deps Deps) error {
	if deps.WebClient == nil {
		deps.WebClient = http.DefaultClient
	}
	todos := newTodoStore()

	descriptors := []registry.Descriptor{
		spawnAgentDescriptor(deps),
		sendMessageDescriptor(deps),
		waitForMessageDescriptor(),
		agentFinishDescriptor(),
		notesWriteDescriptor(deps),
		notesSearchDescriptor(deps),
		todoReadDescriptor(todos),
		todoWriteDescriptor(todos),
		thinkingDescriptor(),
		webSearchDescriptor(deps),
		createFindingDescriptor(deps),
		verifyVulnerabilityReportDescriptor(deps),
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("tools: register %q: %w", d.Name, err)
		}
	}
	return nil
}

func agentID(args map[string]interface{}) string {
	id, _ := args["__agent_id"].(string)
	return id
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		if ss, ok := args[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- Agent Graph tools -----------------------------------------------

func spawnAgentDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "spawn_agent",
		Description: "Spawn a child agent sharing this sandbox's workspace and proxy history.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kind":        map[string]interface{}{"type": "string", "enum": []string{"child", "verifier"}},
				"instruction": map[string]interface{}{"type": "string"},
				"finding_id":  map[string]interface{}{"type": "string", "description": "required when kind is verifier"},
			},
			"required": []string{"kind", "instruction"},
		},
		Parallelizable: false,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			parentID := agentID(args)
			kind := agentmodel.AgentKind(stringArg(args, "kind"))
			if kind != agentmodel.KindChild && kind != agentmodel.KindVerifier {
				return nil, fmt.Errorf("spawn_agent: kind must be %q or %q", agentmodel.KindChild, agentmodel.KindVerifier)
			}
			childID := uuid.NewString()
			result, err := deps.Graph.Spawn(ctx, parentID, kind, childID)
			if err != nil {
				return nil, err
			}
			instruction := stringArg(args, "instruction")
			if deps.OnSpawn != nil {
				deps.OnSpawn(result.ChildID, kind, instruction, stringArg(args, "finding_id"))
			}
			return map[string]interface{}{
				"child_id":    result.ChildID,
				"worker_id":   result.WorkerID,
				"instruction": instruction,
			}, nil
		},
	}
}

func sendMessageDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "send_message",
		Description: "Send a message to another agent in this scan by id.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"to":   map[string]interface{}{"type": "string"},
				"body": map[string]interface{}{"type": "string"},
			},
			"required": []string{"to", "body"},
		},
		Parallelizable: false,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			from := agentID(args)
			to := stringArg(args, "to")
			body := stringArg(args, "body")
			if err := deps.Graph.Send(from, to, body); err != nil {
				return nil, err
			}
			return "ok: message enqueued", nil
		},
	}
}

// waitForMessageDescriptor and agentFinishDescriptor register schemas
// only: the Agent Engine intercepts both tool names before ever
// consulting the registry's Handler, because both mutate agent.Status
// under invariants only the engine's loop may enforce. The Handler
// here exists solely to satisfy registry.Register's "no nil handler"
// requirement and to give a direct-registry test or a misconfigured
// deployment a clear error instead of a nil-pointer panic.
func waitForMessageDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        "wait_for_message",
		Description: "Block until another agent sends a message, or until 600 seconds elapse.",
		Schema:      map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Parallelizable: false,
		Handler:     errNotDirectlyInvokable("wait_for_message"),
	}
}

func agentFinishDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        "agent_finish",
		Description: "Signal that this agent's task is complete.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{"type": "string"},
			},
			"required": []string{"summary"},
		},
		Parallelizable: false,
		Handler:        errNotDirectlyInvokable("agent_finish"),
	}
}

func errNotDirectlyInvokable(name string) registry.Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("tools: %q is handled by the Agent Engine directly and must never reach the registry's Handler", name)
	}
}

// --- Agent Notes Store tools ------------------------------------------

func notesWriteDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "notes_write",
		Description: "Persist a note to this run's shared Agent Notes Store.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"content":  map[string]interface{}{"type": "string"},
				"category": map[string]interface{}{"type": "string", "enum": []string{"finding", "insight", "lesson", "todo"}},
			},
			"required": []string{"content"},
		},
		Parallelizable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if err := deps.Notes.Write(ctx, agentID(args), stringArg(args, "content"), stringArg(args, "category")); err != nil {
				return nil, err
			}
			return "ok: note recorded", nil
		},
	}
}

func notesSearchDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "notes_search",
		Description: "Search this run's shared Agent Notes Store for relevant prior notes.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"query"},
		},
		Parallelizable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			limit := 10
			if n, ok := args["limit"].(float64); ok && n > 0 {
				limit = int(n)
			}
			return deps.Notes.Search(ctx, stringArg(args, "query"), limit)
		},
	}
}

// --- per-agent todo scratchpad -----------------------------------------

// TodoItem is one line of an agent's private scratch checklist; it is
// never shared across agents, unlike the Agent Notes Store.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type todoStore struct {
	mu    sync.Mutex
	items map[string][]TodoItem
}

func newTodoStore() *todoStore {
	return &todoStore{items: make(map[string][]TodoItem)}
}

func (s *todoStore) read(agentID string) []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TodoItem, len(s.items[agentID]))
	copy(out, s.items[agentID])
	return out
}

func (s *todoStore) write(agentID string, items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[agentID] = items
}

func todoReadDescriptor(todos *todoStore) registry.Descriptor {
	return registry.Descriptor{
		Name:        "todo_read",
		Description: "Read this agent's private scratch checklist.",
		Schema:      map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Parallelizable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return todos.read(agentID(args)), nil
		},
	}
}

func todoWriteDescriptor(todos *todoStore) registry.Descriptor {
	return registry.Descriptor{
		Name:        "todo_write",
		Description: "Replace this agent's private scratch checklist.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"items": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"text": map[string]interface{}{"type": "string"},
							"done": map[string]interface{}{"type": "boolean"},
						},
					},
				},
			},
			"required": []string{"items"},
		},
		Parallelizable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			raw, _ := args["items"].([]interface{})
			items := make([]TodoItem, 0, len(raw))
			for _, r := range raw {
				m, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				text, _ := m["text"].(string)
				done, _ := m["done"].(bool)
				items = append(items, TodoItem{Text: text, Done: done})
			}
			todos.write(agentID(args), items)
			return "ok: checklist updated", nil
		},
	}
}

// --- thinking (transcript-only scratchpad) ------------------------------

func thinkingDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        "thinking",
		Description: "Record a reasoning note in the transcript. Has no side effects.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"thought": map[string]interface{}{"type": "string"},
			},
			"required": []string{"thought"},
		},
		Parallelizable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}
}

// --- web_search ----------------------------------------------------------

func webSearchDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "web_search",
		Description: "Fetch a URL over HTTP from outside the sandbox (documentation, CVE databases, vendor advisories).",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string"},
			},
			"required": []string{"url"},
		},
		Parallelizable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			raw := stringArg(args, "url")
			parsed, err := url.Parse(raw)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return nil, fmt.Errorf("web_search: %q is not a valid http(s) URL", raw)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
			if err != nil {
				return nil, err
			}
			resp, err := deps.WebClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			const maxBody = 200_000
			buf := make([]byte, maxBody)
			n, err := io.ReadFull(resp.Body, buf)
			if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
				return nil, err
			}
			return map[string]interface{}{
				"status_code": resp.StatusCode,
				"body":        string(buf[:n]),
			}, nil
		},
	}
}

// --- Verification Pipeline tools -----------------------------------------

func createFindingDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "create_finding",
		Description: "Submit a candidate vulnerability finding for independent verification.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"vulnerability_type":      map[string]interface{}{"type": "string"},
				"claim_assertion":         map[string]interface{}{"type": "string"},
				"target_url":              map[string]interface{}{"type": "string"},
				"affected_parameter":      map[string]interface{}{"type": "string"},
				"primary_evidence":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"reproduction_steps":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"poc_payload":             map[string]interface{}{"type": "string"},
				"baseline_state":          map[string]interface{}{"type": "string"},
				"exploited_state":         map[string]interface{}{"type": "string"},
				"reporter_control_tests":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required": []string{"vulnerability_type", "claim_assertion", "target_url", "reporter_control_tests"},
		},
		Parallelizable: false,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			report := agentmodel.FindingReport{
				ID:                    deps.Store.NextReportID(),
				VulnerabilityType:     stringArg(args, "vulnerability_type"),
				ClaimAssertion:        stringArg(args, "claim_assertion"),
				TargetURL:             stringArg(args, "target_url"),
				AffectedParameter:     stringArg(args, "affected_parameter"),
				PrimaryEvidence:       stringSliceArg(args, "primary_evidence"),
				ReproductionSteps:     stringSliceArg(args, "reproduction_steps"),
				PoCPayload:            stringArg(args, "poc_payload"),
				BaselineState:         stringArg(args, "baseline_state"),
				ExploitedState:        stringArg(args, "exploited_state"),
				ReporterControlTests:  stringSliceArg(args, "reporter_control_tests"),
				VerifierAgentID:       agentID(args),
			}

			rec, err := deps.Pipeline.Submit(report)
			if err != nil {
				return nil, err
			}
			if rec.Report.Status == agentmodel.FindingPending {
				if werr := deps.Store.WritePending(rec.Report); werr != nil {
					return nil, werr
				}
				if deps.OnFindingSubmitted != nil {
					deps.OnFindingSubmitted(rec.Report.ID)
				}
			}
			return map[string]interface{}{
				"finding_id": rec.Report.ID,
				"status":     string(rec.Report.Status),
			}, nil
		},
	}
}

func verifyVulnerabilityReportDescriptor(deps Deps) registry.Descriptor {
	return registry.Descriptor{
		Name:        "verify_vulnerability_report",
		Description: "Submit the outcome of one reproduction or control-test attempt for a finding assigned to this verifier agent.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"finding_id": map[string]interface{}{"type": "string"},
				"phase":      map[string]interface{}{"type": "string", "enum": []string{"reproducibility", "validity"}},
				"succeeded":  map[string]interface{}{"type": "boolean"},
				"notes":      map[string]interface{}{"type": "string"},
			},
			"required": []string{"finding_id", "phase", "succeeded"},
		},
		Parallelizable: false,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			findingID := stringArg(args, "finding_id")
			phase := verification.Phase(stringArg(args, "phase"))
			succeeded, _ := args["succeeded"].(bool)
			notes := stringArg(args, "notes")

			if err := deps.ToolVerifier.Submit(findingID, phase, succeeded, notes); err != nil {
				return nil, err
			}
			return "ok: attempt recorded", nil
		},
	}
}
