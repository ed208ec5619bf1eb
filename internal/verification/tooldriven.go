package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/strixsec/strix/internal/agentmodel"
)

// errVerifierCrashed is delivered to a blocked await call by
// CrashVerifier, standing in for the Go-level error attemptFunc normally
// returns when a verifier agent terminates before delivering a verdict.
var errVerifierCrashed = errors.New("verification: verifier agent terminated before delivering a verdict")

// ToolDrivenVerifierAgent implements VerifierAgent by blocking each
// Reproduce/RunControlTest call on a channel that the verify_vulnerability_report
// tool handler fulfils once the verifier-kind agent running under the
// Agent Engine actually calls that tool. This lets a real sandboxed
// agent (rather than a second LLM call made directly by the pipeline)
// drive reproduction and control-test attempts, matching the component
// design's "verifier agents are spawned through the Agent Graph" note.
type ToolDrivenVerifierAgent struct {
	mu      sync.Mutex
	pending map[string]chan attemptResult
}

// attemptResult is what fulfils a blocked await call: either a
// delivered Attempt, or an error standing in for a verifier crash.
type attemptResult struct {
	attempt Attempt
	err     error
}

// NewToolDrivenVerifierAgent builds an empty ToolDrivenVerifierAgent.
func NewToolDrivenVerifierAgent() *ToolDrivenVerifierAgent {
	return &ToolDrivenVerifierAgent{pending: make(map[string]chan attemptResult)}
}

func attemptKey(findingID string, phase Phase) string {
	return findingID + ":" + string(phase)
}

func (v *ToolDrivenVerifierAgent) await(ctx context.Context, findingID string, phase Phase) (Attempt, error) {
	ch := make(chan attemptResult, 1)
	key := attemptKey(findingID, phase)

	v.mu.Lock()
	v.pending[key] = ch
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		delete(v.pending, key)
		v.mu.Unlock()
	}()

	select {
	case r := <-ch:
		return r.attempt, r.err
	case <-ctx.Done():
		return Attempt{}, ctx.Err()
	}
}

func (v *ToolDrivenVerifierAgent) Reproduce(ctx context.Context, report agentmodel.FindingReport) (Attempt, error) {
	return v.await(ctx, report.ID, PhaseReproducibility)
}

func (v *ToolDrivenVerifierAgent) RunControlTest(ctx context.Context, report agentmodel.FindingReport) (Attempt, error) {
	return v.await(ctx, report.ID, PhaseValidity)
}

// Submit fulfils the pending Reproduce or RunControlTest call blocked
// on findingID/phase, as called by the verify_vulnerability_report tool
// handler on behalf of a verifier-kind agent. Returns an error if no
// attempt is currently being awaited for that finding/phase pair —
// which means the verifier called the tool without the pipeline having
// asked for an attempt yet, or called it twice for the same phase.
func (v *ToolDrivenVerifierAgent) Submit(findingID string, phase Phase, succeeded bool, notes string) error {
	key := attemptKey(findingID, phase)

	v.mu.Lock()
	ch, ok := v.pending[key]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("verification: no %s attempt is currently awaited for finding %s", phase, findingID)
	}

	select {
	case ch <- attemptResult{attempt: Attempt{Succeeded: succeeded, Notes: notes}}:
		return nil
	default:
		return fmt.Errorf("verification: %s attempt for finding %s was already submitted", phase, findingID)
	}
}

// CrashVerifier signals that the verifier agent working on findingID
// terminated (failed, stuck, or exhausted) before calling
// verify_vulnerability_report, as detected by whatever launches Agent
// Engine loops (cmd/strix's scheduler). It delivers errVerifierCrashed
// to whichever phase is currently blocked on an attempt for findingID,
// which Pipeline.runPhase treats exactly like attemptFn returning an
// error: it counts against the respawn budget and, if a respawn is
// still available, the next loop iteration blocks again waiting for a
// freshly spawned verifier. Reports whether a blocked attempt was
// actually found and signalled, so the caller knows whether spawning a
// replacement verifier is warranted.
func (v *ToolDrivenVerifierAgent) CrashVerifier(findingID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	delivered := false
	for _, phase := range []Phase{PhaseReproducibility, PhaseValidity} {
		key := attemptKey(findingID, phase)
		ch, ok := v.pending[key]
		if !ok {
			continue
		}
		select {
		case ch <- attemptResult{err: errVerifierCrashed}:
			delivered = true
		default:
		}
	}
	return delivered
}
