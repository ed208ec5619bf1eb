package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/llmgateway"
)

// Observation is what ObservationExtractor pulls out of a block of an
// agent's tool output, ready to be filed into the Notes Store.
type Observation struct {
	Findings []string `json:"findings,omitempty"`
	Insights []string `json:"insights,omitempty"`
	Lessons  []string `json:"lessons,omitempty"`
	AgentID  string   `json:"-"`
}

// ObservationExtractor turns raw tool output into structured notes
// using a dedicated, cheap extraction prompt rather than the agent's
// own (expensive, already-busy) model turn.
type ObservationExtractor struct {
	provider llmgateway.Provider
	model    string
}

// NewObservationExtractor builds an extractor against provider, calling
// with model for every extraction request.
func NewObservationExtractor(provider llmgateway.Provider, model string) *ObservationExtractor {
	return &ObservationExtractor{provider: provider, model: model}
}

const extractionPrompt = `You are an observation extractor for a security-testing agent. Given one tool output, extract:

1. Findings: factual discoveries (endpoints, configs, credentials, versions found)
2. Insights: conclusions drawn from the findings
3. Lessons: things to do or avoid for the rest of this run

Return a JSON object with these three arrays only. Be concise: one sentence per item.
If a category has nothing, return an empty array for it.`

// Extract returns an Observation for output, or nil if output is too
// short to be worth extracting from, or extraction fails — extraction
// failures never fail the calling step.
func (e *ObservationExtractor) Extract(ctx context.Context, agentID, output string) (*Observation, error) {
	if e.provider == nil || len(strings.TrimSpace(output)) < 50 {
		return nil, nil
	}
	if len(output) > 4000 {
		output = output[:4000] + "\n...[truncated]"
	}

	resp, err := e.provider.Chat(ctx, llmgateway.ChatRequest{
		AgentID: agentID,
		Model:   e.model,
		Messages: []agentmodel.Message{
			{Role: agentmodel.RoleSystem, Text: extractionPrompt},
			{Role: agentmodel.RoleUser, Text: fmt.Sprintf("Tool output:\n%s\n\nReturn ONLY a JSON object with no markdown formatting.", output)},
		},
	})
	if err != nil {
		return nil, nil
	}

	jsonStr := extractJSONObject(resp.Message.Text)
	var obs Observation
	if err := json.Unmarshal([]byte(jsonStr), &obs); err != nil {
		return nil, nil
	}
	obs.AgentID = agentID
	return &obs, nil
}

func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		var lines []string
		inBlock := false
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(line, "```") {
				inBlock = !inBlock
				continue
			}
			if inBlock {
				lines = append(lines, line)
			}
		}
		content = strings.Join(lines, "\n")
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// File writes obs into store, categorising each item by the section
// it came from.
func File(ctx context.Context, store Store, obs *Observation) {
	if obs == nil {
		return
	}
	for _, f := range obs.Findings {
		store.Remember(ctx, f, NoteMetadata{AgentID: obs.AgentID, Category: "finding"})
	}
	for _, i := range obs.Insights {
		store.Remember(ctx, i, NoteMetadata{AgentID: obs.AgentID, Category: "insight"})
	}
	for _, l := range obs.Lessons {
		store.Remember(ctx, l, NoteMetadata{AgentID: obs.AgentID, Category: "lesson"})
	}
}
