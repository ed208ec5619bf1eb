package main

import (
	"context"

	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/llmgateway"
)

// gatewaySummarizer implements memory.Summarizer by routing a
// condensation request through the same LLM Gateway every agent's
// think-act loop already shares, rather than standing up a second
// small-model client. Grounded on the teacher's llmGenerateAdapter,
// which wraps a provider behind the narrow interface a consumer
// package expects instead of passing the provider itself.
type gatewaySummarizer struct {
	gateway *llmgateway.Gateway
	model   string
}

const summarizerSystemPrompt = "Summarize the following conversation excerpt from a security-testing agent's run in 3-6 sentences. Preserve concrete facts: URLs, parameters, credentials, and conclusions already reached. Drop tool-call plumbing."

func (g *gatewaySummarizer) Summarize(ctx context.Context, messages []agentmodel.Message) (string, error) {
	req := llmgateway.ChatRequest{
		Model: g.model,
		Messages: append([]agentmodel.Message{
			{Role: agentmodel.RoleSystem, Text: summarizerSystemPrompt},
		}, messages...),
	}
	resp, err := g.gateway.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Message.Text, nil
}
