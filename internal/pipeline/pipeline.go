// Package pipeline implements the analyzer's multi-stage inference chain:
// an image-validity guardrail, then Diagram -> STRIDE -> DREAD, each stage
// dispatched through the typed provider fallback, and final aggregation into
// a ThreatReport. Stages are strictly sequential; there is no parallelism
// within one request.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/threatmodeling/backend/internal/cache"
	"github.com/threatmodeling/backend/internal/llm"
	"github.com/threatmodeling/backend/internal/metrics"
	"github.com/threatmodeling/backend/internal/rag"
	"github.com/threatmodeling/backend/internal/report"
)

// Pipeline wires the four stages over one provider chain and cache.
type Pipeline struct {
	guardrail *Guardrail
	diagram   *DiagramStage
	stride    *StrideStage
	dread     *DreadStage
}

// New assembles the pipeline. The guardrail deliberately receives no cache.
func New(providers []llm.Provider, c cache.Cache, index *rag.Index) *Pipeline {
	return &Pipeline{
		guardrail: NewGuardrail(providers),
		diagram:   NewDiagramStage(providers, c),
		stride:    NewStrideStage(providers, c, index),
		dread:     NewDreadStage(providers, c),
	}
}

// Run executes the full chain for one image and aggregates the report.
//
// Error contract: *GuardrailError when the image is rejected (maps to 400);
// *llm.AllFailedError when both the diagram and STRIDE stages were left with
// no provider signal at all, so the pipeline cannot produce anything beyond
// placeholder data (maps to 500). Partial degradation still yields a report.
func (p *Pipeline) Run(ctx context.Context, image []byte) (*report.ThreatReport, error) {
	start := time.Now()

	if err := p.runStage("guardrail", func() error { return p.guardrail.Run(ctx, image) }); err != nil {
		return nil, err
	}

	var diagramErr, strideErr *llm.AllFailedError
	var diagram map[string]any
	p.runStage("diagram", func() error {
		diagram, diagramErr = p.diagram.Run(ctx, image)
		return nil
	})

	var threats []any
	p.runStage("stride", func() error {
		threats, strideErr = p.stride.Run(ctx, diagram)
		return nil
	})

	if diagramErr != nil && strideErr != nil {
		// No provider produced any signal; merge the per-stage chains so the
		// caller sees every engine that was tried.
		merged := &llm.AllFailedError{}
		merged.EngineErrors = append(merged.EngineErrors, diagramErr.EngineErrors...)
		merged.EngineErrors = append(merged.EngineErrors, strideErr.EngineErrors...)
		return nil, merged
	}

	var scored []any
	p.runStage("dread", func() error {
		scored, _ = p.dread.Run(ctx, threats)
		return nil
	})

	result := p.aggregate(diagram, scored)
	result.ProcessingTime = report.Round2(time.Since(start).Seconds())

	slog.Info("pipeline: analysis complete",
		"components", len(result.Components),
		"threats", len(result.Threats),
		"risk_level", result.RiskLevel,
		"risk_score", result.RiskScore,
		"seconds", result.ProcessingTime)
	return result, nil
}

func (p *Pipeline) runStage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

// aggregate parses the raw stage payloads into the report schema. Items that
// fail parsing are logged and skipped rather than aborting the analysis.
func (p *Pipeline) aggregate(diagram map[string]any, threats []any) *report.ThreatReport {
	r := &report.ThreatReport{
		ModelUsed:       stringOr(diagram["model"], "Unknown"),
		Components:      parseComponents(diagram["components"]),
		Connections:     parseConnections(diagram["connections"]),
		TrustBoundaries: parseBoundaries(diagram["boundaries"]),
		Threats:         parseThreats(threats),
	}
	r.Finalize()
	return r
}

func parseComponents(v any) []report.Component {
	list, _ := v.([]any)
	out := make([]report.Component, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			slog.Warn("pipeline: skipping malformed component", "raw", item)
			continue
		}
		out = append(out, report.Component{
			ID:          stringOr(m["id"], "unknown"),
			Type:        stringOr(m["type"], "Unknown"),
			Name:        stringOr(m["name"], "Unnamed"),
			Description: stringOr(m["description"], ""),
		})
	}
	return out
}

func parseConnections(v any) []report.Connection {
	list, _ := v.([]any)
	out := make([]report.Connection, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			slog.Warn("pipeline: skipping malformed connection", "raw", item)
			continue
		}
		conn := report.Connection{
			FromID:      stringOr(m["from"], "unknown"),
			ToID:        stringOr(m["to"], "unknown"),
			Protocol:    stringOr(m["protocol"], ""),
			Description: stringOr(m["description"], ""),
		}
		if enc, ok := m["encrypted"].(bool); ok {
			conn.Encrypted = &enc
		}
		out = append(out, conn)
	}
	return out
}

func parseBoundaries(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseThreats(threats []any) []report.Threat {
	out := make([]report.Threat, 0, len(threats))
	for _, item := range threats {
		m, ok := item.(map[string]any)
		if !ok {
			slog.Warn("pipeline: skipping malformed threat", "raw", item)
			continue
		}
		t := report.Threat{
			ComponentID: stringOr(m["component_id"], "unknown"),
			ThreatType:  report.StrideCategory(stringOr(m["threat_type"], "Unknown")),
			Description: stringOr(m["description"], "No description"),
			Mitigation:  stringOr(m["mitigation"], "No mitigation provided"),
		}
		if score, ok := m["dread_score"].(float64); ok {
			clamped := report.Round2(report.ClampDread(score))
			t.DreadScore = &clamped
		}
		if details, ok := m["dread_details"].(map[string]any); ok {
			d := report.DreadDetails{
				Damage:          intOr(details["damage"]),
				Reproducibility: intOr(details["reproducibility"]),
				Exploitability:  intOr(details["exploitability"]),
				AffectedUsers:   intOr(details["affected_users"]),
				Discoverability: intOr(details["discoverability"]),
			}
			if d.Valid() {
				t.DreadDetails = &d
				if t.DreadScore == nil {
					avg := d.Average()
					t.DreadScore = &avg
				}
			} else {
				slog.Warn("pipeline: dropping out-of-range dread details", "component_id", t.ComponentID)
			}
		}
		out = append(out, t)
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intOr(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}
