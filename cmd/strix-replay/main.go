// Command strix-replay prints a formatted, non-interactive summary of a
// completed (or in-progress) scan's run directory: its scan record,
// rolling stats, and every finding report grouped verified, rejected,
// then pending; with -v/--verbose it also prints every agent's event
// log. It is a report viewer, not the
// source's interactive TUI, which is explicitly out of scope.
//
// Grounded on cmd/replay/main.go's manual flag loop and build-time
// version vars, generalised from replaying agent-session JSONL onto
// a strix_runs/<run>/ directory's scan.json/stats.json/agents/*/
// events.jsonl/vulnerability_reports/ layout.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/runstore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	args := os.Args[1:]

	verbose := false
	var runDir string
	for _, a := range args {
		switch {
		case a == "-v" || a == "--verbose":
			verbose = true
		case a == "-h" || a == "--help":
			printUsage()
			os.Exit(0)
		case a == "--version":
			fmt.Printf("strix-replay version %s (commit: %s, built: %s)\n", version, commit, buildTime)
			os.Exit(0)
		case strings.HasPrefix(a, "-"):
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", a)
			os.Exit(2)
		default:
			runDir = a
		}
	}

	if runDir == "" {
		printUsage()
		os.Exit(2)
	}

	if err := replay(runDir, verbose, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`strix-replay - formatted summary viewer for a strix scan's run directory

Usage:
  strix-replay [options] <run-dir>

Options:
  -v, --verbose   Also print every agent's event log
  --version       Show version
  -h, --help      Show this help`)
}

func replay(runDir string, verbose bool, out *os.File) error {
	if err := printScan(runDir, out); err != nil {
		return err
	}
	if err := printStats(runDir, out); err != nil {
		return err
	}
	if err := printFindings(runDir, out); err != nil {
		return err
	}
	if verbose {
		if err := printAgentEvents(runDir, out); err != nil {
			return err
		}
	}
	return nil
}

func printScan(runDir string, out *os.File) error {
	var scan agentmodel.Scan
	if err := readJSON(filepath.Join(runDir, "scan.json"), &scan); err != nil {
		return fmt.Errorf("read scan.json: %w", err)
	}
	fmt.Fprintf(out, "=== Scan %s ===\n", scan.ID)
	fmt.Fprintf(out, "target:      %s\n", scan.Target)
	fmt.Fprintf(out, "mode:        %s\n", scan.ScanMode)
	fmt.Fprintf(out, "modules:     %s\n", strings.Join(scan.PromptModules, ", "))
	fmt.Fprintf(out, "started:     %s\n", scan.StartedAt.Format("2006-01-02 15:04:05"))
	if scan.EndedAt != nil {
		fmt.Fprintf(out, "ended:       %s (duration %s)\n", scan.EndedAt.Format("2006-01-02 15:04:05"), scan.EndedAt.Sub(scan.StartedAt))
	} else {
		fmt.Fprintln(out, "ended:       (still running)")
	}
	fmt.Fprintln(out)
	return nil
}

func printStats(runDir string, out *os.File) error {
	var stats runstore.Stats
	path := filepath.Join(runDir, "stats.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := readJSON(path, &stats); err != nil {
		return fmt.Errorf("read stats.json: %w", err)
	}
	fmt.Fprintln(out, "=== Stats ===")
	fmt.Fprintf(out, "agents:      %d total, %d running, %d finished, %d failed\n",
		stats.AgentsTotal, stats.AgentsRunning, stats.AgentsFinished, stats.AgentsFailed)
	fmt.Fprintf(out, "findings:    %d pending, %d verified, %d rejected\n",
		stats.FindingsPending, stats.FindingsVerified, stats.FindingsRejected)
	fmt.Fprintf(out, "tokens:      %d input, %d output, %d cached ($%.2f)\n",
		stats.Usage.InputTokens, stats.Usage.OutputTokens, stats.Usage.CachedTokens, stats.Usage.CostUSD)
	fmt.Fprintln(out)
	return nil
}

func printFindings(runDir string, out *os.File) error {
	groups := []struct {
		label string
		dir   string
	}{
		{"Verified findings", "vulnerability_reports"},
		{"Rejected false positives", "rejected_false_positives"},
		{"Pending verification", "pending_verification"},
	}
	for _, g := range groups {
		reports, err := readReports(filepath.Join(runDir, g.dir))
		if err != nil {
			return fmt.Errorf("read %s: %w", g.dir, err)
		}
		fmt.Fprintf(out, "=== %s (%d) ===\n", g.label, len(reports))
		for _, r := range reports {
			fmt.Fprintf(out, "  %s  %-30s %s\n", r.ID, r.VulnerabilityType, r.TargetURL)
			fmt.Fprintf(out, "    claim: %s\n", truncate(r.ClaimAssertion, 120))
			if r.RejectionReason != "" {
				fmt.Fprintf(out, "    rejection_reason: %s\n", r.RejectionReason)
			}
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printAgentEvents(runDir string, out *os.File) error {
	agentsDir := filepath.Join(runDir, "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agents dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		fmt.Fprintf(out, "=== Agent %s ===\n", id)
		if err := printEventsFile(filepath.Join(agentsDir, id, "events.jsonl"), out); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printEventsFile(path string, out *os.File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var event runstore.AgentEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return fmt.Errorf("parse event line: %w", err)
		}
		fmt.Fprintf(out, "  [%s] %s %v\n", event.At.Format("15:04:05"), event.Type, event.Detail)
	}
	return nil
}

func readReports(dir string) ([]agentmodel.FindingReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reports []agentmodel.FindingReport
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var r agentmodel.FindingReport
		if err := readJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ID < reports[j].ID })
	return reports, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
