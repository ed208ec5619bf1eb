package runstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strixsec/strix/internal/agentmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "run-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAgentEventWritesJSONL(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendAgentEvent("agent-1", AgentEvent{Type: "spawned", Detail: map[string]interface{}{"kind": "root"}}); err != nil {
		t.Fatalf("AppendAgentEvent: %v", err)
	}
	if err := s.AppendAgentEvent("agent-1", AgentEvent{Type: "tool_call", Detail: map[string]interface{}{"name": "thinking"}}); err != nil {
		t.Fatalf("AppendAgentEvent: %v", err)
	}

	path := filepath.Join(s.Dir(), dirAgents, "agent-1", "events.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read events.jsonl: %v", err)
	}
	lines := splitLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("want 2 event lines, got %d: %q", len(lines), data)
	}
}

func splitLines(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestFinalizeReportVerificationGating(t *testing.T) {
	s := openTestStore(t)

	id := s.NextReportID()
	report := agentmodel.FindingReport{ID: id, VulnerabilityType: "sqli", Status: agentmodel.FindingPending}
	if err := s.WritePending(report); err != nil {
		t.Fatalf("WritePending: %v", err)
	}

	var verifiedCalls []agentmodel.FindingReport
	s.OnVerifiedFinding(func(r agentmodel.FindingReport) { verifiedCalls = append(verifiedCalls, r) })

	report.Status = agentmodel.FindingVerified
	report.AdjudicatedAt = time.Now()
	if err := s.FinalizeReport(report); err != nil {
		t.Fatalf("FinalizeReport: %v", err)
	}

	pendingPath := filepath.Join(s.Dir(), dirPendingVerification, id+".json")
	verifiedPath := filepath.Join(s.Dir(), dirVulnerabilityReports, id+".json")
	rejectedPath := filepath.Join(s.Dir(), dirRejectedFalsePositives, id+".json")

	if _, err := os.Stat(pendingPath); !os.IsNotExist(err) {
		t.Fatalf("pending file should no longer exist, stat err = %v", err)
	}
	if _, err := os.Stat(verifiedPath); err != nil {
		t.Fatalf("verified file should exist: %v", err)
	}
	if _, err := os.Stat(rejectedPath); !os.IsNotExist(err) {
		t.Fatalf("rejected file should not exist, stat err = %v", err)
	}
	if len(verifiedCalls) != 1 {
		t.Fatalf("want exactly 1 verified callback invocation, got %d", len(verifiedCalls))
	}
}

func TestFinalizeReportRejected(t *testing.T) {
	s := openTestStore(t)
	id := s.NextReportID()
	report := agentmodel.FindingReport{ID: id, VulnerabilityType: "idor", Status: agentmodel.FindingPending}
	if err := s.WritePending(report); err != nil {
		t.Fatalf("WritePending: %v", err)
	}

	report.Status = agentmodel.FindingRejected
	report.RejectionReason = "non_reproducible"
	if err := s.FinalizeReport(report); err != nil {
		t.Fatalf("FinalizeReport: %v", err)
	}

	rejectedPath := filepath.Join(s.Dir(), dirRejectedFalsePositives, id+".json")
	if _, err := os.Stat(rejectedPath); err != nil {
		t.Fatalf("rejected file should exist: %v", err)
	}
}

func TestNextReportIDSequentialZeroPadded(t *testing.T) {
	s := openTestStore(t)
	if got := s.NextReportID(); got != "vuln-0001" {
		t.Fatalf("want vuln-0001, got %s", got)
	}
	if got := s.NextReportID(); got != "vuln-0002" {
		t.Fatalf("want vuln-0002, got %s", got)
	}
}

func TestWriteStats(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteStats(Stats{ScanID: "scan-1", AgentsTotal: 3}); err != nil {
		t.Fatalf("WriteStats: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "stats.json")); err != nil {
		t.Fatalf("stats.json should exist: %v", err)
	}
}
