package verification

import (
	"context"
	"errors"
	"testing"

	"github.com/strixsec/strix/internal/agentmodel"
)

// stubVerifier replays a fixed script of reproduce/control-test results
// per finding, recording every call it receives. A nil entry in either
// script stands in for a crashed verifier (an attemptFn-level error)
// rather than a delivered verdict.
type stubVerifier struct {
	reproduce    []stubResult
	controlTest  []stubResult
	reproduceN   int
	controlTestN int
}

type stubResult struct {
	succeeded bool
	crash     bool
}

func (s *stubVerifier) Reproduce(ctx context.Context, report agentmodel.FindingReport) (Attempt, error) {
	r := s.reproduce[s.reproduceN]
	s.reproduceN++
	if r.crash {
		return Attempt{}, errors.New("verifier crashed")
	}
	return Attempt{Succeeded: r.succeeded}, nil
}

func (s *stubVerifier) RunControlTest(ctx context.Context, report agentmodel.FindingReport) (Attempt, error) {
	r := s.controlTest[s.controlTestN]
	s.controlTestN++
	if r.crash {
		return Attempt{}, errors.New("verifier crashed")
	}
	return Attempt{Succeeded: r.succeeded}, nil
}

func validReport(id string) agentmodel.FindingReport {
	return agentmodel.FindingReport{
		ID:                   id,
		VulnerabilityType:    "idor",
		TargetURL:            "https://target.example/api/orders/123",
		ClaimAssertion:       "Changing the order id returns another user's order data.",
		ReproductionSteps:    []string{"GET /api/orders/123 as user B"},
		ReporterControlTests: []string{"GET /api/orders/123 as user A succeeds as expected"},
	}
}

func TestAdjudicateVerifiesOnThreeReproductionsAndOneControlTest(t *testing.T) {
	v := &stubVerifier{
		reproduce:   []stubResult{{succeeded: true}, {succeeded: true}, {succeeded: true}},
		controlTest: []stubResult{{succeeded: true}},
	}
	p := New(v)
	if _, err := p.Submit(validReport("f-1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec, err := p.Adjudicate(context.Background(), "f-1")
	if err != nil {
		t.Fatalf("Adjudicate: %v", err)
	}
	if rec.Report.Status != agentmodel.FindingVerified {
		t.Fatalf("expected verified, got %s (reason %q)", rec.Report.Status, rec.Report.RejectionReason)
	}
	if !p.IsTerminal("f-1") {
		t.Fatal("expected IsTerminal to report true once verified")
	}
}

// TestAdjudicateRejectsFewerThanThreeReproductions mirrors the
// component design's seed scenario: a finding that reproduces in only
// 2 of 3 attempts must be rejected as non_reproducible rather than
// reaching the control-test phase at all.
func TestAdjudicateRejectsFewerThanThreeReproductions(t *testing.T) {
	v := &stubVerifier{
		reproduce: []stubResult{{succeeded: true}, {succeeded: true}, {succeeded: false}},
	}
	p := New(v)
	if _, err := p.Submit(validReport("f-2")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec, err := p.Adjudicate(context.Background(), "f-2")
	if err != nil {
		t.Fatalf("Adjudicate: %v", err)
	}
	if rec.Report.Status != agentmodel.FindingRejected {
		t.Fatalf("expected rejected, got %s", rec.Report.Status)
	}
	if rec.Report.RejectionReason != reasonNonReproducible {
		t.Fatalf("expected reason %q, got %q", reasonNonReproducible, rec.Report.RejectionReason)
	}
	if v.controlTestN != 0 {
		t.Fatalf("expected control-test phase to never run, got %d calls", v.controlTestN)
	}
}

// TestAdjudicateRejectsFailingControlTests covers the second phase's
// own attempt cap: 3 failed control tests exhausts the budget even
// though reproduction succeeded cleanly.
func TestAdjudicateRejectsFailingControlTests(t *testing.T) {
	v := &stubVerifier{
		reproduce:   []stubResult{{succeeded: true}, {succeeded: true}, {succeeded: true}},
		controlTest: []stubResult{{succeeded: false}, {succeeded: false}, {succeeded: false}},
	}
	p := New(v)
	if _, err := p.Submit(validReport("f-3")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec, err := p.Adjudicate(context.Background(), "f-3")
	if err != nil {
		t.Fatalf("Adjudicate: %v", err)
	}
	if rec.Report.Status != agentmodel.FindingRejected {
		t.Fatalf("expected rejected, got %s", rec.Report.Status)
	}
	if rec.Report.RejectionReason != reasonInvalidInference {
		t.Fatalf("expected reason %q, got %q", reasonInvalidInference, rec.Report.RejectionReason)
	}
}

// TestAdjudicateRespawnsOnCrashThenSucceeds exercises the respawn
// budget: the first two reproduction attempts crash (attemptFn
// returns an error) and are retried rather than counted against the
// attempt cap, and the third actually delivers a verdict.
func TestAdjudicateRespawnsOnCrashThenSucceeds(t *testing.T) {
	v := &stubVerifier{
		reproduce:   []stubResult{{crash: true}, {crash: true}, {succeeded: true}, {succeeded: true}, {succeeded: true}},
		controlTest: []stubResult{{succeeded: true}},
	}
	p := New(v)
	if _, err := p.Submit(validReport("f-4")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec, err := p.Adjudicate(context.Background(), "f-4")
	if err != nil {
		t.Fatalf("Adjudicate: %v", err)
	}
	if rec.Report.Status != agentmodel.FindingVerified {
		t.Fatalf("expected verified, got %s (reason %q)", rec.Report.Status, rec.Report.RejectionReason)
	}
	if rec.Respawns != 2 {
		t.Fatalf("expected 2 respawns recorded, got %d", rec.Respawns)
	}
}

// TestAdjudicateExhaustsAfterRepeatedCrashes is the mirror case: a
// verifier that keeps crashing past maxVerifierRespawns must reject
// with verification_exhausted rather than hang forever.
func TestAdjudicateExhaustsAfterRepeatedCrashes(t *testing.T) {
	v := &stubVerifier{
		reproduce: []stubResult{{crash: true}, {crash: true}, {crash: true}, {crash: true}},
	}
	p := New(v)
	if _, err := p.Submit(validReport("f-5")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec, err := p.Adjudicate(context.Background(), "f-5")
	if err != nil {
		t.Fatalf("Adjudicate: %v", err)
	}
	if rec.Report.Status != agentmodel.FindingRejected {
		t.Fatalf("expected rejected, got %s", rec.Report.Status)
	}
	if rec.Report.RejectionReason != reasonVerificationExhausted {
		t.Fatalf("expected reason %q, got %q", reasonVerificationExhausted, rec.Report.RejectionReason)
	}
}

func TestSubmitRejectsInvalidReportWithoutVerifying(t *testing.T) {
	v := &stubVerifier{}
	p := New(v)

	rec, err := p.Submit(agentmodel.FindingReport{VulnerabilityType: "idor"})
	if err == nil {
		t.Fatal("expected Submit to reject an incomplete report")
	}
	if rec.Report.Status != agentmodel.FindingRejected {
		t.Fatalf("expected rejected, got %s", rec.Report.Status)
	}
	if v.reproduceN != 0 {
		t.Fatal("expected no verifier call for a submission rejected at the boundary")
	}
}

func TestIsTerminalFalseForUnknownAndPendingFindings(t *testing.T) {
	v := &stubVerifier{reproduce: []stubResult{{succeeded: true}}}
	p := New(v)
	if p.IsTerminal("never-submitted") {
		t.Fatal("expected IsTerminal to be false for an unknown finding")
	}

	if _, err := p.Submit(validReport("f-6")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.IsTerminal("f-6") {
		t.Fatal("expected IsTerminal to be false while still pending")
	}
}
