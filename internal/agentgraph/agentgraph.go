// Package agentgraph implements the Agent Graph (C6): the parent/child
// DAG agents spawn into, their inter-agent message queues, and the
// wait/finish coordination the Agent Engine drives an agent's lifecycle
// through.
//
// Grounded on the teacher's checkpoint.Store for the mutex-guarded map
// idiom (one entry per agent rather than per checkpoint step) and on
// registry.Registry for the register-once/lookup/immutable-after-use
// shape reused here for the node table.
package agentgraph

import (
	"context"
	"sync"
	"time"

	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/strixerr"
)

// node is the graph's bookkeeping record for one agent; agentmodel.Agent
// itself is owned by the Agent Engine, so the graph keeps only what it
// needs to mediate spawn/message/wait/finish.
type node struct {
	id       string
	parentID string
	kind     agentmodel.AgentKind
	children []string

	mu     sync.Mutex
	inbox  []agentmodel.AgentMessage
	waiter chan struct{} // closed and replaced whenever inbox gains a message
}

func newNode(id, parentID string, kind agentmodel.AgentKind) *node {
	return &node{id: id, parentID: parentID, kind: kind, waiter: make(chan struct{})}
}

func (n *node) unreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.inbox {
		if !m.Read {
			count++
		}
	}
	return count
}

func (n *node) enqueue(msg agentmodel.AgentMessage) {
	n.mu.Lock()
	n.inbox = append(n.inbox, msg)
	close(n.waiter)
	n.waiter = make(chan struct{})
	n.mu.Unlock()
}

func (n *node) drainUnread() []agentmodel.AgentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []agentmodel.AgentMessage
	for i := range n.inbox {
		if !n.inbox[i].Read {
			n.inbox[i].Read = true
			out = append(out, n.inbox[i])
		}
	}
	return out
}

func (n *node) waitChan() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.waiter
}

// SandboxBinder provisions the per-agent worker a spawned child needs;
// the Agent Graph delegates this to the Sandbox Runtime rather than
// knowing about containers itself.
type SandboxBinder interface {
	RegisterAgent(ctx context.Context, sandboxID, agentID string) (workerID string, err error)
}

// SpawnResult is what Spawn hands back to the caller's Agent Engine.
type SpawnResult struct {
	ChildID  string
	WorkerID string
}

// Graph is the process-wide Agent Graph for one scan.
type Graph struct {
	sandboxID string
	binder    SandboxBinder

	mu    sync.RWMutex
	nodes map[string]*node

	workspaceMu    sync.Mutex
	workspaceLog   []WorkspaceEntry
	proxyHistoryMu sync.Mutex
	proxyHistory   []ProxyEntry
}

// WorkspaceEntry is one append to the shared /workspace log visible to
// every agent in the sandbox family.
type WorkspaceEntry struct {
	AgentID   string
	Path      string
	Summary   string
	AppendedAt time.Time
}

// ProxyEntry is one captured HTTP transaction visible to every agent in
// the sandbox family.
type ProxyEntry struct {
	AgentID    string
	Method     string
	URL        string
	StatusCode int
	CapturedAt time.Time
}

// New builds a Graph rooted at rootAgentID, all of whose descendants
// share sandboxID's /workspace and proxy capture history.
func New(sandboxID string, binder SandboxBinder, rootAgentID string) *Graph {
	g := &Graph{
		sandboxID: sandboxID,
		binder:    binder,
		nodes:     make(map[string]*node),
	}
	g.nodes[rootAgentID] = newNode(rootAgentID, "", agentmodel.KindRoot)
	return g
}

// RootID is a sentinel for Spawn callers that need to reference "no
// parent" explicitly; Graph itself tracks parentless nodes via "".
const RootID = ""

func (g *Graph) get(id string) (*node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// isAncestor reports whether candidateAncestor is an ancestor of id,
// walking parent pointers. Caller must hold at least a read lock on g.mu.
func (g *Graph) isAncestor(candidateAncestor, id string) bool {
	cur, ok := g.nodes[id]
	for ok {
		if cur.parentID == candidateAncestor {
			return true
		}
		if cur.parentID == "" {
			return false
		}
		cur, ok = g.nodes[cur.parentID]
	}
	return false
}

// Spawn creates a child of parentID with kind, provisioning its worker
// through the Sandbox Runtime. Verifier agents are barred from
// spawning children at all (they adjudicate, they don't delegate);
// every other spawn is refused if childID already exists in the graph,
// then checked against the ancestor cycle invariant. Because an
// existing id is refused first, childID can never be an ancestor of
// parentID by the time the cycle check runs; the check is kept as an
// explicit guard.
func (g *Graph) Spawn(ctx context.Context, parentID string, kind agentmodel.AgentKind, childID string) (*SpawnResult, error) {
	g.mu.Lock()
	parent, ok := g.nodes[parentID]
	if !ok {
		g.mu.Unlock()
		return nil, strixerr.New(strixerr.KindToolError, "unknown parent agent")
	}
	if parent.kind == agentmodel.KindVerifier {
		g.mu.Unlock()
		return nil, strixerr.New(strixerr.KindToolError, "a verifier agent may not spawn children")
	}
	if _, exists := g.nodes[childID]; exists {
		g.mu.Unlock()
		return nil, strixerr.New(strixerr.KindToolError, "agent id already exists in the graph")
	}
	if g.isAncestor(childID, parentID) {
		g.mu.Unlock()
		return nil, strixerr.New(strixerr.KindToolError, "spawning this child would create a cycle")
	}

	child := newNode(childID, parentID, kind)
	g.nodes[childID] = child
	parent.children = append(parent.children, childID)
	g.mu.Unlock()

	workerID, err := g.binder.RegisterAgent(ctx, g.sandboxID, childID)
	if err != nil {
		g.mu.Lock()
		delete(g.nodes, childID)
		parent.children = removeString(parent.children, childID)
		g.mu.Unlock()
		return nil, err
	}

	return &SpawnResult{ChildID: childID, WorkerID: workerID}, nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// Send enqueues body from "from" into "to"'s inbox.
func (g *Graph) Send(from, to, body string) error {
	recipient, ok := g.get(to)
	if !ok {
		return strixerr.New(strixerr.KindToolError, "unknown recipient agent")
	}
	recipient.enqueue(agentmodel.AgentMessage{From: from, To: to, Body: body, SentAt: time.Now()})
	return nil
}

// Receive drains and returns agentID's unread messages, marking them read.
func (g *Graph) Receive(agentID string) ([]agentmodel.AgentMessage, error) {
	n, ok := g.get(agentID)
	if !ok {
		return nil, strixerr.New(strixerr.KindToolError, "unknown agent")
	}
	return n.drainUnread(), nil
}

// Wait blocks until agentID receives a message or deadline elapses,
// whichever comes first, then returns whatever is unread at that point.
// The Agent Engine is responsible for recording the running->waiting
// transition and the 600s auto-resume synthetic message; Wait itself
// is a pure blocking primitive.
func (g *Graph) Wait(ctx context.Context, agentID string, deadline time.Duration) ([]agentmodel.AgentMessage, error) {
	n, ok := g.get(agentID)
	if !ok {
		return nil, strixerr.New(strixerr.KindToolError, "unknown agent")
	}

	if n.unreadCount() > 0 {
		return n.drainUnread(), nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-n.waitChan():
		return n.drainUnread(), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Finish reports whether agentID may transition to finished: refused
// while unread messages remain, per the drain-before-finish invariant.
func (g *Graph) Finish(agentID string) error {
	n, ok := g.get(agentID)
	if !ok {
		return strixerr.New(strixerr.KindToolError, "unknown agent")
	}
	if n.unreadCount() > 0 {
		return strixerr.New(strixerr.KindToolError, "agent has unread messages; receive them before finishing")
	}
	return nil
}

// AppendWorkspace records one shared-workspace append visible to every
// agent in the sandbox family.
func (g *Graph) AppendWorkspace(agentID, path, summary string) {
	g.workspaceMu.Lock()
	defer g.workspaceMu.Unlock()
	g.workspaceLog = append(g.workspaceLog, WorkspaceEntry{AgentID: agentID, Path: path, Summary: summary, AppendedAt: time.Now()})
}

// Workspace returns the full shared workspace log, oldest first.
func (g *Graph) Workspace() []WorkspaceEntry {
	g.workspaceMu.Lock()
	defer g.workspaceMu.Unlock()
	out := make([]WorkspaceEntry, len(g.workspaceLog))
	copy(out, g.workspaceLog)
	return out
}

// AppendProxyHistory records one captured HTTP transaction visible to
// every agent in the sandbox family.
func (g *Graph) AppendProxyHistory(entry ProxyEntry) {
	g.proxyHistoryMu.Lock()
	defer g.proxyHistoryMu.Unlock()
	entry.CapturedAt = time.Now()
	g.proxyHistory = append(g.proxyHistory, entry)
}

// ProxyHistory returns the full shared proxy capture history, oldest first.
func (g *Graph) ProxyHistory() []ProxyEntry {
	g.proxyHistoryMu.Lock()
	defer g.proxyHistoryMu.Unlock()
	out := make([]ProxyEntry, len(g.proxyHistory))
	copy(out, g.proxyHistory)
	return out
}

// Parent returns agentID's parent id and whether it has one.
func (g *Graph) Parent(agentID string) (string, bool) {
	n, ok := g.get(agentID)
	if !ok || n.parentID == "" {
		return "", false
	}
	return n.parentID, true
}

// Children returns agentID's direct children ids.
func (g *Graph) Children(agentID string) []string {
	n, ok := g.get(agentID)
	if !ok {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(n.children))
	copy(out, n.children)
	return out
}
