// Package tracing wires the Agent Engine into an OpenTelemetry trace,
// one span per agent loop, think-act iteration, and tool dispatch, and
// also offers scan-level and per-finding adjudication span helpers
// (StartScan, StartVerification) that nothing in this module calls —
// adapted from the teacher's
// executor/tracing.go (one span-pair helper per supervision phase),
// retargeted from the COMMIT/EXECUTE/RECONCILE/SUPERVISE phases onto
// Strix's iteration/tool-dispatch/verification phases. The exporter
// itself is left to the process that wires a TracerProvider (cmd/strix);
// this package only ever calls otel.Tracer, so it degrades to the
// no-op tracer when no provider has been registered, exactly like the
// teacher's telemetry.GetTracer() before an exporter attaches.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/strixsec/strix"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartScan opens the root span for one scan, named after its target.
func StartScan(ctx context.Context, scanID, target, scanMode string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "scan.run")
	span.SetAttributes(
		attribute.String("scan.id", scanID),
		attribute.String("scan.target", target),
		attribute.String("scan.mode", scanMode),
	)
	return ctx, span
}

// EndScan closes a scan span, recording err if the scan failed.
func EndScan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartAgent opens a span for one agent's entire think-act loop.
func StartAgent(ctx context.Context, agentID, kind string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "agent."+kind)
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.kind", kind),
	)
	return ctx, span
}

// EndAgent closes an agent span with its final status.
func EndAgent(span trace.Span, status, failureReason string, err error) {
	span.SetAttributes(
		attribute.String("agent.status", status),
		attribute.String("agent.failure_reason", failureReason),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartIteration opens a span for one think-act iteration.
func StartIteration(ctx context.Context, agentID string, iteration, limit int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "agent.iteration")
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.Int("agent.iteration", iteration),
		attribute.Int("agent.iteration_limit", limit),
	)
	return ctx, span
}

// EndIteration closes an iteration span.
func EndIteration(span trace.Span, toolCallCount int, err error) {
	span.SetAttributes(attribute.Int("agent.tool_calls", toolCallCount))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartTool opens a span for one tool dispatch.
func StartTool(ctx context.Context, agentID, toolName string, sandboxed, parallel bool) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "tool."+toolName)
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("tool.name", toolName),
		attribute.Bool("tool.sandbox", sandboxed),
		attribute.Bool("tool.parallelizable", parallel),
	)
	return ctx, span
}

// EndTool closes a tool dispatch span.
func EndTool(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartVerification opens a span for one finding's adjudication.
func StartVerification(ctx context.Context, findingID, vulnType string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "verification.adjudicate")
	span.SetAttributes(
		attribute.String("finding.id", findingID),
		attribute.String("finding.vulnerability_type", vulnType),
	)
	return ctx, span
}

// EndVerification closes a verification span with its final status.
func EndVerification(span trace.Span, status, rejectionReason string, err error) {
	span.SetAttributes(
		attribute.String("finding.status", status),
		attribute.String("finding.rejection_reason", rejectionReason),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
