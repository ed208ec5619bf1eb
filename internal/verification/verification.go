// Package verification implements the Verification Pipeline (C7): the
// pending -> verified/rejected state machine a FindingReport moves
// through, grounded on the teacher's checkpoint.Store (per-step JSON
// persistence, in-memory index guarded by a mutex) and its
// supervision.Supervisor (an LLM call whose free-text response is
// parsed into one of a small fixed set of verdicts).
package verification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/llmgateway"
	"github.com/strixsec/strix/internal/strixerr"
)

const maxVerifierRespawns = 3

// Phase names the two verification phases named in the component design.
type Phase string

const (
	PhaseReproducibility Phase = "reproducibility"
	PhaseValidity        Phase = "validity"
)

// Attempt records one reproduction or control-test attempt made during
// verification, forming the audit trail behind the final verdict.
type Attempt struct {
	Phase     Phase
	Succeeded bool
	Notes     string
	At        time.Time
}

// Record tracks one FindingReport's progress through the pipeline.
type Record struct {
	Report   agentmodel.FindingReport
	Attempts []Attempt
	Respawns int
}

// VerifierAgent is the narrow interface the pipeline drives to produce
// one reproduction or control-test attempt. The concrete implementation
// spawns a verifier-kind agent through the Agent Graph and sandbox; a
// deterministic stub is enough for tests.
type VerifierAgent interface {
	Reproduce(ctx context.Context, report agentmodel.FindingReport) (Attempt, error)
	RunControlTest(ctx context.Context, report agentmodel.FindingReport) (Attempt, error)
}

// Store indexes Records by finding ID in memory, guarded by a mutex; it
// writes nothing to disk.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore builds an empty in-memory Store; the Pipeline's caller is
// responsible for durable persistence through the Run Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

func (s *Store) get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

func (s *Store) put(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Report.ID] = r
}

// Pipeline adjudicates FindingReports.
type Pipeline struct {
	store    *Store
	verifier VerifierAgent
}

// New builds a Pipeline driving verifier for every submission.
func New(verifier VerifierAgent) *Pipeline {
	return &Pipeline{store: NewStore(), verifier: verifier}
}

// Submit validates report's boundary requirements and, if it passes,
// admits it to the pending queue; otherwise it is rejected immediately
// without ever reaching a verifier agent.
func (p *Pipeline) Submit(report agentmodel.FindingReport) (*Record, error) {
	if err := validateSubmission(report); err != nil {
		report.Status = agentmodel.FindingRejected
		report.RejectionReason = "invalid_submission"
		report.AdjudicatedAt = time.Now()
		rec := &Record{Report: report}
		p.store.put(rec)
		return rec, err
	}

	report.Status = agentmodel.FindingPending
	report.SubmittedAt = time.Now()
	rec := &Record{Report: report}
	p.store.put(rec)
	return rec, nil
}

func validateSubmission(r agentmodel.FindingReport) error {
	if strings.TrimSpace(r.VulnerabilityType) == "" {
		return strixerr.New(strixerr.KindInvalidSubmission, "vulnerability_type must not be empty")
	}
	if strings.TrimSpace(r.TargetURL) == "" {
		return strixerr.New(strixerr.KindInvalidSubmission, "target_url must not be empty")
	}
	if len(strings.TrimSpace(r.ClaimAssertion)) < 20 {
		return strixerr.New(strixerr.KindInvalidSubmission, "claim_assertion must be at least 20 characters")
	}
	if len(r.ReporterControlTests) < 1 {
		return strixerr.New(strixerr.KindInvalidSubmission, "at least one reporter_control_tests entry is required")
	}
	return nil
}

// IsTerminal reports whether id has reached a terminal verdict
// (verified or rejected). Used by the Agent Engine to gate a
// verifier-kind agent's agent_finish call: a verifier may not walk
// away from an unadjudicated finding.
func (p *Pipeline) IsTerminal(id string) bool {
	rec := p.store.get(id)
	if rec == nil {
		return false
	}
	return rec.Report.Status == agentmodel.FindingVerified || rec.Report.Status == agentmodel.FindingRejected
}

// reasonNonReproducible, reasonInvalidInference and
// reasonVerificationExhausted are the RejectionReason values named in
// the component design: the first for a verifier that tried and failed
// to reproduce a finding within its attempt budget, the second for a
// finding whose control tests all failed, the third for a verifier that
// kept crashing before delivering a verdict at all. FindingReport.RejectionReason
// is a free-form field distinct from strixerr's cross-boundary error
// taxonomy, so these are plain strings rather than strixerr.Kind values.
const (
	reasonNonReproducible       = "non_reproducible"
	reasonInvalidInference      = "invalid_inference"
	reasonVerificationExhausted = "verification_exhausted"
)

// Adjudicate drives report through Phase 1 (3 reproduction attempts,
// requiring all 3 to succeed) then Phase 2 (up to 3 control-test
// attempts, requiring 1 success), re-spawning the verifier agent up to
// maxVerifierRespawns times if it crashes, and returns the final
// Record. The caller (the Run Store) is responsible for moving the
// report's directory entry once Adjudicate returns.
func (p *Pipeline) Adjudicate(ctx context.Context, id string) (*Record, error) {
	rec := p.store.get(id)
	if rec == nil {
		return nil, strixerr.New(strixerr.KindInvalidSubmission, fmt.Sprintf("unknown finding %q", id))
	}
	if rec.Report.Status != agentmodel.FindingPending {
		return rec, nil
	}

	if reason, err := p.runPhase(ctx, rec, PhaseReproducibility, 3, 3, reasonNonReproducible, p.verifier.Reproduce); err != nil {
		return p.reject(rec, reason, err), nil
	}

	if reason, err := p.runPhase(ctx, rec, PhaseValidity, 1, 3, reasonInvalidInference, p.verifier.RunControlTest); err != nil {
		return p.reject(rec, reason, err), nil
	}

	rec.Report.Status = agentmodel.FindingVerified
	rec.Report.AdjudicatedAt = time.Now()
	p.store.put(rec)
	return rec, nil
}

type attemptFunc func(ctx context.Context, report agentmodel.FindingReport) (Attempt, error)

// runPhase drives attemptFn until minSuccesses attempts of phase have
// succeeded, or maxAttempts total (non-crash) attempts have been made,
// whichever comes first; it re-spawns the verifier on a Go-level error
// (a crashed, stuck, or exhausted verifier never delivering an Attempt
// at all) up to the respawn ceiling before giving up. A non-error
// Attempt that reports Succeeded=false still counts against
// maxAttempts: a verifier that keeps submitting failed reproductions
// isn't crashing, it's telling us the finding doesn't reproduce, and
// that must terminate the phase rather than loop forever (the bug
// behind both the deadlock risk and the unreachable "reject after 3
// attempts" path this replaces). Returns the rejection reason to use
// if it gives up, plus a non-nil error in that case; ("", nil) on
// success.
func (p *Pipeline) runPhase(ctx context.Context, rec *Record, phase Phase, minSuccesses, maxAttempts int, exhaustedReason string, attemptFn attemptFunc) (string, error) {
	successes := 0
	attempts := 0
	for _, a := range rec.Attempts {
		if a.Phase == phase {
			attempts++
			if a.Succeeded {
				successes++
			}
		}
	}

	for successes < minSuccesses {
		if attempts >= maxAttempts {
			return exhaustedReason, strixerr.New(strixerr.KindVerificationExhausted,
				fmt.Sprintf("%s: only %d/%d attempts succeeded after %d attempts", phase, successes, minSuccesses, attempts))
		}

		attempt, err := attemptFn(ctx, rec.Report)
		if err != nil {
			rec.Respawns++
			if rec.Respawns > maxVerifierRespawns {
				return reasonVerificationExhausted, strixerr.Wrap(strixerr.KindVerificationExhausted, "verifier crashed too many times", err)
			}
			continue
		}

		attempts++
		attempt.Phase = phase
		attempt.At = time.Now()
		rec.Attempts = append(rec.Attempts, attempt)
		p.store.put(rec)
		if attempt.Succeeded {
			successes++
		}
	}
	return "", nil
}

func (p *Pipeline) reject(rec *Record, reason string, err error) *Record {
	rec.Report.Status = agentmodel.FindingRejected
	rec.Report.RejectionReason = reason
	if err != nil {
		rec.Report.AdjudicationNotes = err.Error()
	}
	rec.Report.AdjudicatedAt = time.Now()
	p.store.put(rec)
	return rec
}

// LLMVerifierAgent adapts a chat-completion model into VerifierAgent
// for deployments that drive reproduction/control-test attempts
// through a verifier-kind agent's own LLM judgment rather than a
// distinct sandboxed agent loop — used by lightweight scan modes.
type LLMVerifierAgent struct {
	Provider llmgateway.Provider
	Model    string
}

func (v *LLMVerifierAgent) Reproduce(ctx context.Context, report agentmodel.FindingReport) (Attempt, error) {
	return v.judge(ctx, report, PhaseReproducibility, reproducibilityPrompt(report))
}

func (v *LLMVerifierAgent) RunControlTest(ctx context.Context, report agentmodel.FindingReport) (Attempt, error) {
	return v.judge(ctx, report, PhaseValidity, controlTestPrompt(report))
}

func (v *LLMVerifierAgent) judge(ctx context.Context, report agentmodel.FindingReport, phase Phase, prompt string) (Attempt, error) {
	resp, err := v.Provider.Chat(ctx, llmgateway.ChatRequest{
		Model: v.Model,
		Messages: []agentmodel.Message{
			{Role: agentmodel.RoleSystem, Text: verifierSystemPrompt},
			{Role: agentmodel.RoleUser, Text: prompt},
		},
	})
	if err != nil {
		return Attempt{}, err
	}
	succeeded, notes := parseVerdict(resp.Message.Text)
	return Attempt{Succeeded: succeeded, Notes: notes}, nil
}

const verifierSystemPrompt = `You are a verification agent re-testing a claimed vulnerability. Attempt to reproduce it independently and report whether you succeeded.

Respond with exactly one line starting with REPRODUCED: or NOT_REPRODUCED:, followed by a short note.`

func reproducibilityPrompt(r agentmodel.FindingReport) string {
	return fmt.Sprintf("Vulnerability type: %s\nTarget: %s\nClaim: %s\nSteps: %s\nPoC: %s\n\nAttempt to reproduce this.",
		r.VulnerabilityType, r.TargetURL, r.ClaimAssertion, strings.Join(r.ReproductionSteps, "; "), r.PoCPayload)
}

func controlTestPrompt(r agentmodel.FindingReport) string {
	return fmt.Sprintf("Vulnerability type: %s\nTarget: %s\nBaseline state: %s\nExploited state: %s\n\nRun a control test: verify the baseline state holds when the exploit is NOT applied, to rule out a false positive.",
		r.VulnerabilityType, r.TargetURL, r.BaselineState, r.ExploitedState)
}

func parseVerdict(content string) (bool, string) {
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "REPRODUCED") {
			return true, afterColon(line)
		}
		if strings.HasPrefix(upper, "NOT_REPRODUCED") {
			return false, afterColon(line)
		}
	}
	return false, content
}

func afterColon(line string) string {
	if idx := strings.Index(line, ":"); idx != -1 {
		return strings.TrimSpace(line[idx+1:])
	}
	return ""
}
