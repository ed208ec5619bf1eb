package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strixsec/strix/internal/agentgraph"
	"github.com/strixsec/strix/internal/agentkind"
	"github.com/strixsec/strix/internal/agentmodel"
	"github.com/strixsec/strix/internal/engine"
	"github.com/strixsec/strix/internal/memory"
	"github.com/strixsec/strix/internal/promptmodule"
	"github.com/strixsec/strix/internal/runstore"
	"github.com/strixsec/strix/internal/verification"
)

// scheduler launches one Agent Engine goroutine per live agent, and one
// Verification Pipeline adjudication goroutine per submitted finding.
// It is the piece of wiring that does not correspond to any named
// component in the component design: the Agent Graph records that a
// child exists, but nothing short of a supervisor actually drives its
// think-act loop, and the Pipeline itself never calls Adjudicate on its
// own. Grounded on the teacher's OnSubAgentStart/OnSubAgentComplete
// callback pair in cmd/agent's executor wiring, generalised from "log a
// line" to "start the loop".
type scheduler struct {
	ctx      context.Context
	eng      *engine.Engine
	graph    *agentgraph.Graph
	pipeline *verification.Pipeline
	// toolVerifier is non-nil whenever the Pipeline exists (see main.go's
	// buildVerifierAgent): the scheduler needs it directly, independent
	// of whichever VerifierAgent strategy the Pipeline itself drives, so
	// it can signal a blocked Reproduce/RunControlTest call when a
	// verifier-kind agent crashes instead of delivering a verdict.
	toolVerifier *verification.ToolDrivenVerifierAgent
	store        *runstore.Store
	prompts      *promptmodule.Resolver
	modules      []string // scan-mode selected module names, rendered into every new agent's system prompt

	notes     memory.Store                 // may be nil: observation filing is best-effort
	extractor *memory.ObservationExtractor  // may be nil: observation filing is best-effort

	wg sync.WaitGroup

	mu      sync.Mutex
	agents  map[string]*agentmodel.Agent
	stats   runstore.Stats
}

func newScheduler(ctx context.Context, eng *engine.Engine, graph *agentgraph.Graph, pipeline *verification.Pipeline, toolVerifier *verification.ToolDrivenVerifierAgent, store *runstore.Store, prompts *promptmodule.Resolver, modules []string, scanID string, notes memory.Store, extractor *memory.ObservationExtractor) *scheduler {
	return &scheduler{
		ctx:          ctx,
		eng:          eng,
		graph:        graph,
		pipeline:     pipeline,
		toolVerifier: toolVerifier,
		store:        store,
		prompts:      prompts,
		modules:      modules,
		notes:        notes,
		extractor:    extractor,
		agents:       make(map[string]*agentmodel.Agent),
		stats:        runstore.Stats{ScanID: scanID},
	}
}

// systemPrompt renders kind's descriptor template plus those of the
// scan's selected prompt modules that kind's descriptor allows (all of
// them when AllowedPromptModules is empty), falling back to a bare
// instruction line if the template file can't be loaded (a missing
// prompts/ installation shouldn't crash an otherwise-runnable scan).
func (s *scheduler) systemPrompt(kind agentkind.Kind, instruction string) string {
	desc, ok := agentkind.Lookup(kind)
	prompt := ""
	if ok {
		if tmpl, err := s.prompts.Resolve([]string{desc.SystemTemplate}); err == nil {
			prompt = promptmodule.Render(tmpl)
		}
	}
	modules := s.modules
	if ok && len(desc.AllowedPromptModules) > 0 {
		modules = nil
		for _, m := range s.modules {
			for _, allowed := range desc.AllowedPromptModules {
				if m == allowed {
					modules = append(modules, m)
				}
			}
		}
	}
	if len(modules) > 0 {
		if mods, err := s.prompts.Resolve(modules); err == nil {
			if prompt != "" {
				prompt += "\n\n"
			}
			prompt += promptmodule.Render(mods)
		}
	}
	if instruction != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += "Your task: " + instruction
	}
	return prompt
}

// spawnRoot builds and launches the scan's root agent, returning it so
// the caller can wait on the scheduler's WaitGroup and inspect its
// final status.
func (s *scheduler) spawnRoot(rootID, sandboxID, target string) *agentmodel.Agent {
	agent := &agentmodel.Agent{
		ID:             rootID,
		Kind:           agentmodel.KindRoot,
		Status:         agentmodel.StatusRunning,
		IterationLimit: agentkind.DefaultIterationLimit(agentkind.Root),
		SandboxID:      sandboxID,
		State: &agentmodel.AgentState{
			Messages: []agentmodel.Message{{
				Role: agentmodel.RoleSystem,
				Text: s.systemPrompt(agentkind.Root, "Assess "+target+" for exploitable vulnerabilities."),
			}},
		},
	}
	s.track(agent)
	s.run(agent)
	return agent
}

// onSpawn is installed as tools.Deps.OnSpawn: it is called synchronously
// by the spawn_agent tool handler, after the Agent Graph has already
// registered childID, so it only needs to build the child's
// agentmodel.Agent and launch its Engine loop.
func (s *scheduler) onSpawn(childID string, kind agentmodel.AgentKind, instruction, findingID string) {
	var ak agentkind.Kind
	switch kind {
	case agentmodel.KindChild:
		ak = agentkind.Child
	case agentmodel.KindVerifier:
		ak = agentkind.Verifier
	default:
		return // the spawn_agent handler already rejected anything else
	}

	sandboxID := s.rootSandboxID()
	agent := &agentmodel.Agent{
		ID:                childID,
		Kind:              kind,
		Status:            agentmodel.StatusRunning,
		IterationLimit:    agentkind.DefaultIterationLimit(ak),
		SandboxID:         sandboxID,
		AssignedFindingID: findingID,
		State: &agentmodel.AgentState{
			Messages: []agentmodel.Message{{
				Role: agentmodel.RoleSystem,
				Text: s.systemPrompt(ak, instruction),
			}},
		},
	}
	s.track(agent)
	s.run(agent)
}

func (s *scheduler) rootSandboxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Kind == agentmodel.KindRoot {
			return a.SandboxID
		}
	}
	return ""
}

func (s *scheduler) track(agent *agentmodel.Agent) {
	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.stats.AgentsTotal++
	s.stats.AgentsRunning++
	s.mu.Unlock()
	_ = s.store.WriteStats(s.snapshotStats())
}

func (s *scheduler) run(agent *agentmodel.Agent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.eng.Run(s.ctx, agent)

		s.mu.Lock()
		s.stats.AgentsRunning--
		switch agent.Status {
		case agentmodel.StatusFinished:
			s.stats.AgentsFinished++
		case agentmodel.StatusFailed:
			s.stats.AgentsFailed++
		}
		s.mu.Unlock()
		_ = s.store.WriteStats(s.snapshotStats())

		if err != nil {
			_ = s.store.AppendAgentEvent(agent.ID, runstore.AgentEvent{
				Type: "engine_error",
				At:   time.Now(),
				Detail: map[string]interface{}{"error": err.Error()},
			})
		}

		s.handleVerifierCrash(agent)
		s.extractObservations(agent)
	}()
}

// handleVerifierCrash implements the re-spawn-on-crash half of the
// Verification Pipeline's contract (SPEC_FULL.md §4.7): if a
// verifier-kind agent terminates failed, stuck, or exhausted without
// ever delivering a terminal verdict for its assigned finding, the
// pipeline must re-spawn a fresh verifier rather than leave the
// Reproduce/RunControlTest call blocked on it forever. A finished
// verifier, a non-verifier agent, or one never assigned a finding
// needs none of this.
func (s *scheduler) handleVerifierCrash(agent *agentmodel.Agent) {
	if agent.Kind != agentmodel.KindVerifier || agent.AssignedFindingID == "" {
		return
	}
	if agent.Status != agentmodel.StatusFailed {
		return
	}
	if s.toolVerifier == nil || s.pipeline.IsTerminal(agent.AssignedFindingID) {
		return
	}

	delivered := s.toolVerifier.CrashVerifier(agent.AssignedFindingID)
	_ = s.store.AppendAgentEvent(agent.ID, runstore.AgentEvent{
		Type: "verifier_crashed",
		At:   time.Now(),
		Detail: map[string]interface{}{
			"finding_id":     agent.AssignedFindingID,
			"failure_reason": string(agent.FailureReason),
		},
	})

	// Nothing was actually waiting on this agent's verdict (e.g. it
	// crashed between phases, or the finding was just adjudicated by a
	// sibling attempt), or runPhase already gave up on the respawn
	// budget the instant it received the crash signal above: either way
	// a replacement verifier would have nothing to attach to.
	if !delivered || s.pipeline.IsTerminal(agent.AssignedFindingID) {
		return
	}
	s.respawnVerifier(agent)
}

// respawnVerifier spawns a fresh verifier-kind agent as a sibling of
// crashed (same parent in the Agent Graph), assigned to the same
// finding, so Pipeline.runPhase's next attemptFn call has a live
// verifier to unblock it. This mirrors what the spawn_agent tool
// handler does for an agent-initiated spawn, but is driven directly by
// the scheduler since no agent is requesting this one.
func (s *scheduler) respawnVerifier(crashed *agentmodel.Agent) {
	childID := uuid.NewString()
	parentID, _ := s.graph.Parent(crashed.ID)
	if _, err := s.graph.Spawn(s.ctx, parentID, agentmodel.KindVerifier, childID); err != nil {
		_ = s.store.AppendAgentEvent(crashed.ID, runstore.AgentEvent{
			Type: "verifier_respawn_failed",
			At:   time.Now(),
			Detail: map[string]interface{}{"finding_id": crashed.AssignedFindingID, "error": err.Error()},
		})
		return
	}
	instruction := fmt.Sprintf(
		"Independently verify finding %s: attempt reproduction and run a control test, then call verify_vulnerability_report. A prior verifier assigned to this finding terminated without submitting a verdict.",
		crashed.AssignedFindingID)
	s.onSpawn(childID, agentmodel.KindVerifier, instruction, crashed.AssignedFindingID)
}

// extractObservations files whatever the finished agent's tool output
// surfaced as durable notes, so later agents (and verifiers) can recall
// it through notes_search instead of re-discovering it. Best-effort: a
// scan with no notes store or no configured extractor
// just skips this, it never fails the agent's own run.
func (s *scheduler) extractObservations(agent *agentmodel.Agent) {
	if s.extractor == nil || s.notes == nil || agent.State == nil {
		return
	}
	var toolOutput strings.Builder
	for _, m := range agent.State.Messages {
		if m.Role == agentmodel.RoleTool && m.Text != "" {
			toolOutput.WriteString(m.Text)
			toolOutput.WriteString("\n")
		}
	}
	obs, err := s.extractor.Extract(s.ctx, agent.ID, toolOutput.String())
	if err != nil || obs == nil {
		return
	}
	memory.File(s.ctx, s.notes, obs)
}

// adjudicate drives the Verification Pipeline's phase loop for
// findingID in its own goroutine, independent of the verifier agent's
// own Engine loop: the two communicate only through the
// ToolDrivenVerifierAgent's channel handoff inside verify_vulnerability_report.
func (s *scheduler) adjudicate(findingID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rec, err := s.pipeline.Adjudicate(s.ctx, findingID)
		if err != nil || rec == nil {
			return
		}
		if ferr := s.store.FinalizeReport(rec.Report); ferr != nil {
			return
		}
		s.mu.Lock()
		switch rec.Report.Status {
		case agentmodel.FindingVerified:
			s.stats.FindingsVerified++
		case agentmodel.FindingRejected:
			s.stats.FindingsRejected++
		}
		s.stats.FindingsPending--
		s.mu.Unlock()
		_ = s.store.WriteStats(s.snapshotStats())
	}()
}

// onFindingSubmitted is installed as tools.Deps.OnFindingSubmitted. It
// starts adjudicating findingID immediately: the Verification Pipeline's
// Reproduce/RunControlTest calls simply block until some verifier agent
// (spawned separately, if at all) calls verify_vulnerability_report, so
// adjudication does not need to wait for a spawn_agent call to exist.
func (s *scheduler) onFindingSubmitted(findingID string) {
	s.mu.Lock()
	s.stats.FindingsPending++
	s.mu.Unlock()
	_ = s.store.WriteStats(s.snapshotStats())
	s.adjudicate(findingID)
}

func (s *scheduler) snapshotStats() runstore.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// wait blocks until every agent and adjudication goroutine this
// scheduler launched has returned.
func (s *scheduler) wait() {
	s.wg.Wait()
}
