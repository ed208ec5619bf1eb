// Package agentmodel defines the data model shared by every component
// downstream of it: Scan, Agent, AgentState, Message, ToolCall and
// FindingReport, exactly as named in the data model section. Keeping
// these types in one leaf package (rather than duplicating them per
// component, as the teacher's executor/session packages each define
// their own message shapes) lets the Agent Engine, LLM Gateway, Memory
// Compressor, Agent Graph and Run Store all operate on one shared
// representation without conversion boilerplate at every boundary.
package agentmodel

import "time"

// Role tags a Message's position in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is a bounded attachment on a Message (screenshots, etc.).
type Image struct {
	MIMEType string
	Data     []byte // raw bytes; base64 framing happens at the LLM Gateway boundary
}

// ToolCall is one invocation the model requested inside an assistant
// message, along with its eventual outcome.
type ToolCall struct {
	ID        string
	Name      string
	Args      map[string]interface{}
	StartedAt time.Time
	EndedAt   time.Time
	Result    string // set when the call succeeds
	Error     string // set when the call fails; Result and Error are mutually exclusive
}

// Message is one turn in an AgentState's conversation.
type Message struct {
	Role      Role
	Text      string
	Images    []Image
	ToolCalls []ToolCall // only ever populated on RoleAssistant messages
	ToolCallID string    // only ever populated on RoleTool messages, pairs with the originating ToolCall.ID
	CacheBreakpoint bool  // set by the LLM Gateway when marking a prompt-cache boundary
}

// Usage accumulates the token/cost counters named in the data model.
type Usage struct {
	InputTokens    int64
	OutputTokens   int64
	CachedTokens   int64
	CostUSD        float64
	Requests       int64
	FailedRequests int64
}

// Add accumulates delta into u in place.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CachedTokens += delta.CachedTokens
	u.CostUSD += delta.CostUSD
	u.Requests += delta.Requests
	u.FailedRequests += delta.FailedRequests
}

// ActionRecord is a lightweight audit entry for one tool dispatch,
// distinct from the ToolCall embedded in the message history: it
// exists so the Run Store can append an events.jsonl line without
// re-walking the full message history for every tool call.
type ActionRecord struct {
	ToolName  string
	Args      map[string]interface{}
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// AgentState is the mutable conversation + accounting state owned by
// exactly one Agent Engine instance; per the concurrency model, only
// that instance's loop may mutate it.
type AgentState struct {
	Messages  []Message
	Usage     Usage
	Actions   []ActionRecord
	LastError string
}

// AgentStatus is the outer lifecycle status named in the data model.
type AgentStatus string

const (
	StatusRunning  AgentStatus = "running"
	StatusWaiting  AgentStatus = "waiting"
	StatusFinished AgentStatus = "finished"
	StatusFailed   AgentStatus = "failed"
)

// FailureReason qualifies a Failed status; empty for every other status.
type FailureReason string

const (
	FailureNone       FailureReason = ""
	FailureStuck      FailureReason = "stuck"
	FailureExhausted  FailureReason = "exhausted"
	FailureCancelled  FailureReason = "cancelled"
	FailureLLMFatal   FailureReason = "llm_fatal"
)

// AgentKind mirrors agentkind.Kind without importing that package here,
// keeping agentmodel dependency-free; the engine is responsible for
// keeping the two in sync (they're string-identical by construction).
type AgentKind string

const (
	KindRoot     AgentKind = "root"
	KindChild    AgentKind = "child"
	KindVerifier AgentKind = "verifier"
)

// Agent is one node in the Agent Graph.
type Agent struct {
	ID             string
	Kind           AgentKind
	ParentID       string // empty for the root agent
	State          *AgentState
	Status         AgentStatus
	FailureReason  FailureReason
	Iteration      int
	IterationLimit int
	SandboxID      string
	WorkerID       string
	WaitingSince   time.Time // set when Status transitions to waiting; used for the 600s auto-resume timeout

	// AssignedFindingID is set on verifier-kind agents only: the
	// FindingReport id this verifier was spawned to adjudicate. The
	// Agent Engine consults the Verification Pipeline through this id
	// to gate agent_finish until a terminal verdict exists.
	AssignedFindingID string

	NoToolCallStreak int // consecutive iterations with no tool calls; >=2 is the "stuck" failure
}

// AgentMessage is an inter-agent message routed by the Agent Graph.
type AgentMessage struct {
	From   string
	To     string
	Body   string
	SentAt time.Time
	Read   bool
}

// FindingStatus is the adjudication status of a FindingReport.
type FindingStatus string

const (
	FindingPending  FindingStatus = "pending"
	FindingVerified FindingStatus = "verified"
	FindingRejected FindingStatus = "rejected"
)

// FindingReport is the evidence bundle a security-testing agent submits
// and the Verification Pipeline adjudicates.
type FindingReport struct {
	ID                 string
	VulnerabilityType  string
	ClaimAssertion     string
	PrimaryEvidence    []string
	ReproductionSteps  []string
	PoCPayload         string
	TargetURL          string
	AffectedParameter  string
	BaselineState      string
	ExploitedState     string
	ReporterControlTests []string

	Status           FindingStatus
	VerifierAgentID  string
	AdjudicationNotes string
	RejectionReason  string

	SubmittedAt   time.Time
	AdjudicatedAt time.Time
}

// Scan is the top-level unit of work created once per CLI invocation.
type Scan struct {
	ID           string
	Target       string
	ScanMode     string
	PromptModules []string
	SandboxID    string
	RootAgentID  string
	StartedAt    time.Time
	EndedAt      *time.Time
}
