package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strixsec/strix/internal/agentgraph"
	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/llmgateway"
	"github.com/strixsec/strix/internal/registry"
)

type scriptedLLM struct {
	mu        sync.Mutex
	responses []llmgateway.ChatResponse
	calls     int
}

func (s *scriptedLLM) Chat(ctx context.Context, req llmgateway.ChatRequest) (*llmgateway.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return &llmgateway.ChatResponse{Message: agentmodel.Message{Role: agentmodel.RoleAssistant}}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return &resp, nil
}

type passthroughCompressor struct{}

func (passthroughCompressor) Compress(ctx context.Context, state *agentmodel.AgentState) []agentmodel.Message {
	return state.Messages
}

type fakeBinder struct{}

func (fakeBinder) RegisterAgent(ctx context.Context, sandboxID, agentID string) (string, error) {
	return "worker-" + agentID, nil
}

func recordingHandler(order *[]string, mu *sync.Mutex, name string, delay time.Duration) registry.Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return "ok", nil
	}
}

func newTestRegistry(t *testing.T, order *[]string, mu *sync.Mutex) *registry.Registry {
	t.Helper()
	reg := registry.New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Register(registry.Descriptor{Name: "tool_a", Parallelizable: true, Handler: recordingHandler(order, mu, "tool_a", 20*time.Millisecond)}))
	must(reg.Register(registry.Descriptor{Name: "tool_b", Parallelizable: true, Handler: recordingHandler(order, mu, "tool_b", 0)}))
	must(reg.Register(registry.Descriptor{Name: "tool_c", Parallelizable: false, Handler: recordingHandler(order, mu, "tool_c", 0)}))
	return reg
}

func newTestAgent(id string, kind agentmodel.AgentKind, limit int) *agentmodel.Agent {
	return &agentmodel.Agent{
		ID:             id,
		Kind:           kind,
		Status:         agentmodel.StatusRunning,
		IterationLimit: limit,
		State:          &agentmodel.AgentState{},
	}
}

func TestDispatchParallelPrefixThenSerialTail(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reg := newTestRegistry(t, &order, &mu)
	graph := agentgraph.New("sbx", fakeBinder{}, "agent-1")

	eng := New(Deps{Registry: reg, Graph: graph})
	agent := newTestAgent("agent-1", agentmodel.KindRoot, 10)

	calls := []agentmodel.ToolCall{
		{ID: "1", Name: "tool_a"},
		{ID: "2", Name: "tool_b"},
		{ID: "3", Name: "tool_c"},
	}
	updated, messages, finish := eng.dispatch(context.Background(), agent, calls)
	if finish {
		t.Fatalf("did not expect finishRequested")
	}
	if len(updated) != 3 {
		t.Fatalf("want 3 updated calls, got %d", len(updated))
	}

	// tool_c must run after both parallel calls complete, but tool_a and
	// tool_b may complete in either relative order since tool_a sleeps.
	if order[2] != "tool_c" {
		t.Fatalf("want tool_c last in completion order, got %v", order)
	}

	// Regardless of completion order, the assembled tool-result messages
	// must appear in the original written order: 1, 2, 3.
	toolMsgs := filterToolMessages(messages)
	if len(toolMsgs) != 3 {
		t.Fatalf("want 3 tool-result messages, got %d", len(toolMsgs))
	}
	wantIDs := []string{"1", "2", "3"}
	for i, m := range toolMsgs {
		if m.ToolCallID != wantIDs[i] {
			t.Fatalf("tool-result message %d: want ToolCallID %s, got %s", i, wantIDs[i], m.ToolCallID)
		}
	}
}

func TestDispatchDegradesToFullySerialWhenOrderViolated(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reg := newTestRegistry(t, &order, &mu)
	graph := agentgraph.New("sbx", fakeBinder{}, "agent-1")

	eng := New(Deps{Registry: reg, Graph: graph})
	agent := newTestAgent("agent-1", agentmodel.KindRoot, 10)

	// tool_a (parallel) ... tool_c (serial) ... tool_b (parallel): the
	// parallel-eligible indices (0, 2) do not form a prefix block ending
	// before the serial index (1), so dispatch must fall back to fully
	// serial execution in the original written order.
	calls := []agentmodel.ToolCall{
		{ID: "1", Name: "tool_a"},
		{ID: "2", Name: "tool_c"},
		{ID: "3", Name: "tool_b"},
	}
	_, messages, _ := eng.dispatch(context.Background(), agent, calls)

	if len(order) != 3 || order[0] != "tool_a" || order[1] != "tool_c" || order[2] != "tool_b" {
		t.Fatalf("want fully serial execution in written order [tool_a tool_c tool_b], got %v", order)
	}

	toolMsgs := filterToolMessages(messages)
	wantIDs := []string{"1", "2", "3"}
	for i, m := range toolMsgs {
		if m.ToolCallID != wantIDs[i] {
			t.Fatalf("tool-result message %d: want ToolCallID %s, got %s", i, wantIDs[i], m.ToolCallID)
		}
	}
}

func filterToolMessages(msgs []agentmodel.Message) []agentmodel.Message {
	var out []agentmodel.Message
	for _, m := range msgs {
		if m.Role == agentmodel.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func TestRunIterationBudgetExhausted(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reg := newTestRegistry(t, &order, &mu)
	graph := agentgraph.New("sbx", fakeBinder{}, "agent-1")

	llm := &scriptedLLM{responses: []llmgateway.ChatResponse{
		{Message: agentmodel.Message{Role: agentmodel.RoleAssistant, ToolCalls: []agentmodel.ToolCall{{ID: "1", Name: "tool_c"}}}},
		{Message: agentmodel.Message{Role: agentmodel.RoleAssistant, ToolCalls: []agentmodel.ToolCall{{ID: "2", Name: "tool_c"}}}},
	}}

	eng := New(Deps{Registry: reg, Graph: graph, LLM: llm, Compressor: passthroughCompressor{}})
	agent := newTestAgent("agent-1", agentmodel.KindRoot, 2)

	if err := eng.Run(context.Background(), agent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agent.Status != agentmodel.StatusFailed {
		t.Fatalf("want status failed, got %s", agent.Status)
	}
	if agent.FailureReason != agentmodel.FailureExhausted {
		t.Fatalf("want failure reason exhausted, got %s", agent.FailureReason)
	}
	if agent.Iteration != 2 {
		t.Fatalf("want iteration 2, got %d", agent.Iteration)
	}
}

func TestRunStuckAfterTwoEmptyToolCallTurns(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reg := newTestRegistry(t, &order, &mu)
	graph := agentgraph.New("sbx", fakeBinder{}, "agent-1")
	// Enqueue an unread message to "agent-1" so Graph.Finish always
	// refuses, forcing every no-tool-call turn to fall through to the
	// stuck-detection counter instead of finishing.
	if err := graph.Send("someone", "agent-1", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	llm := &scriptedLLM{responses: []llmgateway.ChatResponse{
		{Message: agentmodel.Message{Role: agentmodel.RoleAssistant, Text: "thinking out loud"}},
		{Message: agentmodel.Message{Role: agentmodel.RoleAssistant, Text: "still thinking"}},
	}}

	eng := New(Deps{Registry: reg, Graph: graph, LLM: llm, Compressor: passthroughCompressor{}})
	agent := newTestAgent("agent-1", agentmodel.KindRoot, 100)

	if err := eng.Run(context.Background(), agent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agent.Status != agentmodel.StatusFailed {
		t.Fatalf("want status failed, got %s", agent.Status)
	}
	if agent.FailureReason != agentmodel.FailureStuck {
		t.Fatalf("want failure reason stuck, got %s", agent.FailureReason)
	}
}

type fakeVerificationGate struct {
	mu       sync.Mutex
	terminal bool
}

func (g *fakeVerificationGate) IsTerminal(findingID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminal
}

func TestVerifierAgentFinishGatedOnTerminalVerdict(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reg := newTestRegistry(t, &order, &mu)
	graph := agentgraph.New("sbx", fakeBinder{}, "verifier-1")
	gate := &fakeVerificationGate{terminal: false}

	eng := New(Deps{Registry: reg, Graph: graph, Verification: gate})
	agent := newTestAgent("verifier-1", agentmodel.KindVerifier, 10)
	agent.AssignedFindingID = "vuln-0001"

	calls := []agentmodel.ToolCall{{ID: "1", Name: "agent_finish"}}
	_, messages, finish := eng.dispatch(context.Background(), agent, calls)
	if finish {
		t.Fatalf("finish should be refused before a terminal verdict")
	}
	if len(messages) != 1 || messages[0].Text == "" {
		t.Fatalf("want an error tool-result message, got %v", messages)
	}

	gate.mu.Lock()
	gate.terminal = true
	gate.mu.Unlock()

	_, _, finish = eng.dispatch(context.Background(), agent, calls)
	if !finish {
		t.Fatalf("finish should be accepted once the finding reaches a terminal verdict")
	}
}

func TestTruncateResultPreservesHeadAndTail(t *testing.T) {
	long := make([]byte, maxToolResultChars+500)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	got := truncateResult(string(long))
	if len(got) >= len(long) {
		t.Fatalf("want truncated result shorter than input")
	}
	if got[:truncateHead] != string(long[:truncateHead]) {
		t.Fatalf("truncated result must preserve the first %d characters", truncateHead)
	}
	wantTail := string(long[len(long)-truncateTail:])
	if got[len(got)-truncateTail:] != wantTail {
		t.Fatalf("truncated result must preserve the last %d characters", truncateTail)
	}
}

func TestIsCleanPartition(t *testing.T) {
	cases := []struct {
		parallel, serial []int
		want             bool
	}{
		{[]int{0, 1}, []int{2}, true},
		{nil, []int{0, 1, 2}, true},
		{[]int{0, 1, 2}, nil, true},
		{[]int{0, 2}, []int{1}, false},
	}
	for _, c := range cases {
		if got := isCleanPartition(c.parallel, c.serial); got != c.want {
			t.Fatalf("isCleanPartition(%v, %v) = %v, want %v", c.parallel, c.serial, got, c.want)
		}
	}
}

func TestMarshalResultPassesStringsThrough(t *testing.T) {
	if got := marshalResult("already a string"); got != "already a string" {
		t.Fatalf("want string passed through unchanged, got %q", got)
	}
	if got := marshalResult(map[string]int{"n": 1}); got != `{"n":1}` {
		t.Fatalf("want marshalled JSON object, got %q", got)
	}
	if got := marshalResult(nil); got != "" {
		t.Fatalf("want empty string for nil, got %q", got)
	}
}

func TestIsParallelizableForcesGraphToolsSerial(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{Name: "wait_for_message", Parallelizable: true, Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Deps{Registry: reg})
	if eng.isParallelizable("wait_for_message") {
		t.Fatalf("wait_for_message must always be forced serial")
	}
	if eng.isParallelizable("agent_finish") {
		t.Fatalf("agent_finish must always be forced serial")
	}
}

func TestDispatchPassesAgentIDIntoHostLocalHandlerArgs(t *testing.T) {
	var gotAgentID string
	var mu sync.Mutex
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{Name: "whoami", Parallelizable: true, Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		mu.Lock()
		gotAgentID, _ = args["__agent_id"].(string)
		mu.Unlock()
		return "ok", nil
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	graph := agentgraph.New("sbx", fakeBinder{}, "agent-1")
	eng := New(Deps{Registry: reg, Graph: graph})
	agent := newTestAgent("agent-1", agentmodel.KindRoot, 10)

	eng.dispatch(context.Background(), agent, []agentmodel.ToolCall{{ID: "1", Name: "whoami"}})

	mu.Lock()
	defer mu.Unlock()
	if gotAgentID != "agent-1" {
		t.Fatalf("want __agent_id %q injected into handler args, got %q", "agent-1", gotAgentID)
	}
}

func TestDispatchUnknownToolReturnsErrorMessage(t *testing.T) {
	reg := registry.New()
	graph := agentgraph.New("sbx", fakeBinder{}, "agent-1")
	eng := New(Deps{Registry: reg, Graph: graph})
	agent := newTestAgent("agent-1", agentmodel.KindRoot, 10)

	_, messages, _ := eng.dispatch(context.Background(), agent, []agentmodel.ToolCall{{ID: "1", Name: "nonexistent"}})
	if len(messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(messages))
	}
	want := fmt.Sprintf("error: unknown tool %q", "nonexistent")
	if messages[0].Text != want {
		t.Fatalf("want %q, got %q", want, messages[0].Text)
	}
}
