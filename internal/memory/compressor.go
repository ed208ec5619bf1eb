// Package memory implements the Memory Compressor (C4): it bounds the
// conversation handed to the model without ever mutating the Agent
// Engine's canonical AgentState.
//
// Grounded on the policy in the component design section (keep last 15
// verbatim, fold older messages into 10-message-chunk summaries once
// the estimated token count exceeds 90,000, cap attached images at 3,
// fall back to truncation if summarisation fails) and, stylistically,
// on how the teacher's executor builds its message slice before every
// provider.Chat call.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/strixsec/strix/internal/agentmodel"
)

const (
	keepVerbatim     = 15
	tokenBudget      = 90000
	chunkSize        = 10
	maxImages        = 3
)

// Summarizer produces a short textual summary of a run of messages.
// The concrete implementation wraps the LLM Gateway with a dedicated
// summarisation prompt; tests use a deterministic stub.
type Summarizer interface {
	Summarize(ctx context.Context, messages []agentmodel.Message) (string, error)
}

// EstimateTokens is a conservative, dependency-free heuristic (roughly
// 4 characters per token, the common rule of thumb for English prose
// and code) used only to decide when to compress. No example repo in
// the corpus wires a real tokenizer library, and the accuracy needed
// here is "are we in the right order of magnitude", not exact counts —
// the cost/usage accounting that needs real provider-reported token
// counts lives in the LLM Gateway, not here.
func EstimateTokens(msgs []agentmodel.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Text) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Result) + len(tc.Error)) / 4
		}
		total += len(m.Images) * 300 // flat per-image estimate, matches common vision-token overhead
	}
	return total
}

// Compressor implements the Memory Compressor contract.
type Compressor struct {
	summarizer Summarizer

	mu    sync.Mutex
	cache map[string]string // chunk content-hash -> cached summary
}

// New builds a Compressor. summarizer may be nil, in which case
// compression always falls back to truncation (used in sandbox-mode
// workers and tests that don't need real summaries).
func New(summarizer Summarizer) *Compressor {
	return &Compressor{summarizer: summarizer, cache: make(map[string]string)}
}

// Compress returns a model-ready message sequence derived from state
// without mutating state. Running it twice on an unchanged state must
// yield a byte-identical sequence (the compression idempotence
// invariant); this holds because chunk summaries are cached by content
// hash and image capping/truncation are pure functions of the input.
func (c *Compressor) Compress(ctx context.Context, state *agentmodel.AgentState) []agentmodel.Message {
	msgs := state.Messages
	capped := capImages(msgs, maxImages)

	if EstimateTokens(capped) <= tokenBudget || len(capped) <= keepVerbatim {
		return capped
	}

	head := capped[:len(capped)-keepVerbatim]
	tail := capped[len(capped)-keepVerbatim:]

	compressedHead := c.compressChunks(ctx, head)
	return append(compressedHead, tail...)
}

// compressChunks folds head into alternating verbatim-system / summary
// chunks: system messages are always preserved; every run of up to
// chunkSize non-system messages becomes one summary message.
func (c *Compressor) compressChunks(ctx context.Context, head []agentmodel.Message) []agentmodel.Message {
	var out []agentmodel.Message
	var chunk []agentmodel.Message

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		out = append(out, c.summarizeChunk(ctx, chunk))
		chunk = nil
	}

	for _, m := range head {
		if m.Role == agentmodel.RoleSystem {
			flush()
			out = append(out, m)
			continue
		}
		chunk = append(chunk, m)
		if len(chunk) >= chunkSize {
			flush()
		}
	}
	flush()
	return out
}

func (c *Compressor) summarizeChunk(ctx context.Context, chunk []agentmodel.Message) agentmodel.Message {
	key := chunkHash(chunk)

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return agentmodel.Message{Role: agentmodel.RoleUser, Text: cached}
	}
	c.mu.Unlock()

	text := truncateChunk(chunk)
	if c.summarizer != nil {
		if summary, err := c.summarizer.Summarize(ctx, chunk); err == nil && summary != "" {
			text = summary
		}
		// on failure we keep the truncation fallback rather than raising,
		// per the component design's explicit contract
	}

	c.mu.Lock()
	c.cache[key] = text
	c.mu.Unlock()

	return agentmodel.Message{Role: agentmodel.RoleUser, Text: text}
}

// truncateChunk is the no-LLM fallback: a flat concatenation of each
// message's role and the first 200 characters of its text.
func truncateChunk(chunk []agentmodel.Message) string {
	out := "[compressed]\n"
	for _, m := range chunk {
		text := m.Text
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		out += fmt.Sprintf("%s: %s\n", m.Role, text)
	}
	return out
}

func chunkHash(chunk []agentmodel.Message) string {
	h := sha256.New()
	for _, m := range chunk {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// capImages returns a copy of msgs in which only the `max` most recent
// images (across the whole sequence) survive; older images are
// replaced by a text placeholder on the message that carried them.
func capImages(msgs []agentmodel.Message, max int) []agentmodel.Message {
	total := 0
	for _, m := range msgs {
		total += len(m.Images)
	}
	if total <= max {
		return msgs
	}

	out := make([]agentmodel.Message, len(msgs))
	copy(out, msgs)

	toDrop := total - max
	// walk oldest-first; drop images until toDrop is exhausted
	for i := range out {
		if toDrop == 0 {
			break
		}
		n := len(out[i].Images)
		if n == 0 {
			continue
		}
		drop := n
		if drop > toDrop {
			drop = toDrop
		}
		kept := out[i].Images[drop:]
		placeholder := out[i].Text
		if drop > 0 {
			placeholder += fmt.Sprintf("\n[%d older image(s) omitted]", drop)
		}
		out[i] = agentmodel.Message{
			Role:       out[i].Role,
			Text:       placeholder,
			Images:     kept,
			ToolCalls:  out[i].ToolCalls,
			ToolCallID: out[i].ToolCallID,
			CacheBreakpoint: out[i].CacheBreakpoint,
		}
		toDrop -= drop
	}
	return out
}
