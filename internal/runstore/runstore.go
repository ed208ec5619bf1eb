// Package runstore implements the Run Store & Tracer (C8): the
// append-only, per-run directory described in the external interfaces
// section (scan.json, agents/<id>/events.jsonl, pending_verification/,
// vulnerability_reports/, rejected_false_positives/, stats.json,
// notes/), plus the callback hook and internal event bus that let an
// interactive observer follow a scan without polling the filesystem.
//
// Grounded on the teacher's session.FileStore (per-run directory,
// JSONL event append, atomic rename is the missing piece that store
// never needed because it has no pending/verified split) and on
// checkpoint.Store's one-file-per-id persistence idiom, retargeted
// from per-step checkpoints onto per-agent event logs and per-finding
// report files.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/strixsec/strix/internal/agentmodel"
)

// AgentEvent is one line of an agent's events.jsonl: the union of every
// event kind the component design enumerates (spawned, message, tool
// call, tool result, state transition).
type AgentEvent struct {
	Type      string                 `json:"type"`
	At        time.Time              `json:"at"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Stats is the rolling scan-wide snapshot written to stats.json.
type Stats struct {
	ScanID           string    `json:"scan_id"`
	UpdatedAt        time.Time `json:"updated_at"`
	AgentsTotal      int       `json:"agents_total"`
	AgentsRunning    int       `json:"agents_running"`
	AgentsFinished   int       `json:"agents_finished"`
	AgentsFailed     int       `json:"agents_failed"`
	FindingsPending  int       `json:"findings_pending"`
	FindingsVerified int       `json:"findings_verified"`
	FindingsRejected int       `json:"findings_rejected"`
	Usage            agentmodel.Usage `json:"usage"`
}

// Store is the per-run Run Store. One Store per scan.
type Store struct {
	dir string // strix_runs/<run>

	mu         sync.Mutex
	agentFiles map[string]*os.File
	reportSeq  int

	bus *Bus

	callbackMu sync.Mutex
	onVerified []func(agentmodel.FindingReport)
}

const (
	dirAgents             = "agents"
	dirPendingVerification = "pending_verification"
	dirVulnerabilityReports = "vulnerability_reports"
	dirRejectedFalsePositives = "rejected_false_positives"
	dirNotes              = "notes"
)

// Open creates (or reuses) the run directory baseDir/runName and its
// subdirectories, and starts the best-effort internal event bus. A bus
// that fails to start does not fail Open: the filesystem remains
// authoritative, per the component design.
func Open(baseDir, runName string) (*Store, error) {
	dir := filepath.Join(baseDir, runName)
	for _, sub := range []string{dirAgents, dirPendingVerification, dirVulnerabilityReports, dirRejectedFalsePositives, dirNotes} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("runstore: create %s: %w", sub, err)
		}
	}

	bus, err := NewBus()
	if err != nil {
		bus = nil // best-effort: degrade to filesystem-only
	}

	return &Store{dir: dir, agentFiles: make(map[string]*os.File), bus: bus}, nil
}

// Dir returns the run directory's root path.
func (s *Store) Dir() string { return s.dir }

// Bus returns the Store's internal event bus, or nil if it failed to
// start; callers must check for nil before subscribing.
func (s *Store) Bus() *Bus { return s.bus }

// OnVerifiedFinding registers a callback fired synchronously, in
// finalisation order, every time FinalizeReport moves a report into
// vulnerability_reports/. Used by interactive observers per the
// component design's "callback hook fires on each verified finding".
func (s *Store) OnVerifiedFinding(fn func(agentmodel.FindingReport)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onVerified = append(s.onVerified, fn)
}

func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteScan persists scan.json. Called once at scan creation and again
// when the scan ends (EndedAt set).
func (s *Store) WriteScan(scan agentmodel.Scan) error {
	return s.writeJSON(filepath.Join(s.dir, "scan.json"), scan)
}

func (s *Store) agentFile(agentID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.agentFiles[agentID]; ok {
		return f, nil
	}
	agentDir := filepath.Join(s.dir, dirAgents, agentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(agentDir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.agentFiles[agentID] = f
	return f, nil
}

// AppendAgentEvent appends one line to agents/<id>/events.jsonl and
// publishes the same event on the internal bus, best-effort.
func (s *Store) AppendAgentEvent(agentID string, event AgentEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	f, err := s.agentFile(agentID)
	if err != nil {
		return fmt.Errorf("runstore: open events log for %s: %w", agentID, err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, werr := f.Write(append(data, '\n'))
	s.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("runstore: append event for %s: %w", agentID, werr)
	}

	if s.bus != nil {
		envelope := struct {
			AgentID string `json:"agent_id"`
			Event   AgentEvent `json:"event"`
		}{AgentID: agentID, Event: event}
		if payload, err := json.Marshal(envelope); err == nil {
			s.bus.Publish(SubjectAgentEvent, payload)
		}
	}
	return nil
}

// NextReportID returns the next sequential, zero-padded finding id
// (vuln-0001, vuln-0002, ...) so the run directory sorts in discovery
// order regardless of adjudication order.
func (s *Store) NextReportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportSeq++
	return fmt.Sprintf("vuln-%04d", s.reportSeq)
}

func (s *Store) pendingPath(id string) string {
	return filepath.Join(s.dir, dirPendingVerification, id+".json")
}

// WritePending persists report into pending_verification/<id>.json.
// report.Status must be FindingPending.
func (s *Store) WritePending(report agentmodel.FindingReport) error {
	return s.writeJSON(s.pendingPath(report.ID), report)
}

// FinalizeReport moves report out of pending_verification/ into
// vulnerability_reports/ or rejected_false_positives/ depending on its
// now-terminal Status, via an atomic rename: the finalised content is
// written to the pending path first (so a crash mid-write never leaves
// a half-written file at the destination), then renamed in one
// filesystem operation, satisfying the "never both, never neither"
// verification-gating invariant.
func (s *Store) FinalizeReport(report agentmodel.FindingReport) error {
	var destDir string
	switch report.Status {
	case agentmodel.FindingVerified:
		destDir = dirVulnerabilityReports
	case agentmodel.FindingRejected:
		destDir = dirRejectedFalsePositives
	default:
		return fmt.Errorf("runstore: FinalizeReport called with non-terminal status %q", report.Status)
	}

	pendingPath := s.pendingPath(report.ID)
	if err := s.writeJSON(pendingPath, report); err != nil {
		return fmt.Errorf("runstore: write finalised report %s: %w", report.ID, err)
	}

	destPath := filepath.Join(s.dir, destDir, report.ID+".json")
	if err := os.Rename(pendingPath, destPath); err != nil {
		return fmt.Errorf("runstore: finalise report %s: %w", report.ID, err)
	}

	if report.Status == agentmodel.FindingVerified {
		if s.bus != nil {
			if payload, err := json.Marshal(report); err == nil {
				s.bus.Publish(SubjectVerifiedFinding, payload)
			}
		}
		s.callbackMu.Lock()
		callbacks := make([]func(agentmodel.FindingReport), len(s.onVerified))
		copy(callbacks, s.onVerified)
		s.callbackMu.Unlock()
		for _, cb := range callbacks {
			cb(report)
		}
	}
	return nil
}

// WriteStats persists stats.json and publishes it on the bus.
func (s *Store) WriteStats(stats Stats) error {
	stats.UpdatedAt = time.Now()
	if err := s.writeJSON(filepath.Join(s.dir, "stats.json"), stats); err != nil {
		return err
	}
	if s.bus != nil {
		if payload, err := json.Marshal(stats); err == nil {
			s.bus.Publish(SubjectStats, payload)
		}
	}
	return nil
}

// NotesDir returns strix_runs/<run>/notes, the Agent Notes Store's root.
func (s *Store) NotesDir() string {
	return filepath.Join(s.dir, dirNotes)
}

// Close flushes and closes every open agent events file and shuts down
// the internal bus. Safe to call once at scan end.
func (s *Store) Close() error {
	s.mu.Lock()
	var firstErr error
	for _, f := range s.agentFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.agentFiles = make(map[string]*os.File)
	s.mu.Unlock()

	s.bus.Close()
	return firstErr
}
