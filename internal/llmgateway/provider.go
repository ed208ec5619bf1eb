package llmgateway

import (
	"context"

	agentkitllm "github.com/vinayprograms/agentkit/llm"

	"github.com/strixsec/strix/internal/agentmodel"
)

// ToolSpec is the LLM-facing shape of one registered tool, built by the
// Agent Engine from a registry.Descriptor for each request.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ChatRequest is what the Agent Engine hands the Gateway for one
// think-act iteration.
type ChatRequest struct {
	AgentID  string
	Messages []agentmodel.Message
	Tools    []ToolSpec
	Model    string
}

// ChatResponse is the Gateway's reply: a single assistant Message
// (possibly carrying tool calls) plus the usage delta attributable to
// this one request.
type ChatResponse struct {
	Message agentmodel.Message
	Usage   agentmodel.Usage
}

// Provider is the minimal wire-transport boundary the Gateway schedules
// requests against. The concrete AgentkitProvider below adapts it onto
// github.com/vinayprograms/agentkit/llm.Provider, which is the actual
// HTTP client to the model endpoint — intentionally out of scope for
// this module per the purpose & scope section; the Gateway owns
// scheduling, retries, accounting and cache-breakpoint placement, not
// the transport itself.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// AgentkitProvider adapts agentkit/llm.Provider to this package's
// Provider interface, translating between agentmodel's richer Message
// shape and agentkit/llm's flat chat-completion shape.
type AgentkitProvider struct {
	Inner agentkitllm.Provider
}

func (p *AgentkitProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]agentkitllm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		am := agentkitllm.Message{
			Role:    string(m.Role),
			Content: m.Text,
		}
		if m.Role == agentmodel.RoleTool {
			am.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			am.ToolCalls = toProviderToolCalls(m.ToolCalls)
		}
		messages = append(messages, am)
	}

	tools := make([]agentkitllm.ToolDef, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, agentkitllm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	resp, err := p.Inner.Chat(ctx, agentkitllm.ChatRequest{
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, err
	}

	msg := agentmodel.Message{
		Role: agentmodel.RoleAssistant,
		Text: resp.Content,
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, agentmodel.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: tc.Args,
		})
	}

	usage := agentmodel.Usage{
		InputTokens:  int64(resp.InputTokens),
		OutputTokens: int64(resp.OutputTokens),
		CachedTokens: int64(resp.CacheReadInputTokens),
	}

	return &ChatResponse{Message: msg, Usage: usage}, nil
}

func toProviderToolCalls(calls []agentmodel.ToolCall) []agentkitllm.ToolCallResponse {
	out := make([]agentkitllm.ToolCallResponse, 0, len(calls))
	for _, c := range calls {
		out = append(out, agentkitllm.ToolCallResponse{
			ID:   c.ID,
			Name: c.Name,
			Args: c.Args,
		})
	}
	return out
}
