package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/threatmodeling/backend/internal/cache"
	"github.com/threatmodeling/backend/internal/llm"
	"github.com/threatmodeling/backend/internal/rag"
)

const strideSystemPrompt = `You are an expert security analyst specializing in STRIDE threat modeling.

STRIDE Categories:
- Spoofing: Pretending to be someone or something else
- Tampering: Modifying data or code without authorization
- Repudiation: Denying having performed an action
- Information Disclosure: Exposing information to unauthorized parties
- Denial of Service: Making a system unavailable
- Elevation of Privilege: Gaining unauthorized access or capabilities

For each component and connection in the architecture, identify potential threats and provide actionable mitigations.

%s`

const strideUserPrompt = `Based on this architecture diagram analysis:

Components:
%s

Connections:
%s

Trust Boundaries:
%s

Identify all STRIDE threats. Return a JSON list of threat objects:
[
  {
    "component_id": "affected_component_id",
    "threat_type": "Spoofing|Tampering|Repudiation|Information Disclosure|Denial of Service|Elevation of Privilege",
    "description": "Clear description of the threat",
    "mitigation": "Specific actionable mitigation"
  }
]

Be thorough - analyze each component and connection for potential threats.
Return ONLY the JSON list, no additional text.`

// strideSeedQuery is the fixed retrieval query for generic STRIDE guidance.
const strideSeedQuery = "What are typical STRIDE threats for web applications and microservices?"

// StrideStage classifies threats against the diagram payload, optionally
// augmented with retrieved knowledge-base context.
type StrideStage struct {
	providers []llm.Provider
	cache     cache.Cache
	index     *rag.Index
}

// NewStrideStage builds the stage. index may be nil to skip retrieval.
func NewStrideStage(providers []llm.Provider, c cache.Cache, index *rag.Index) *StrideStage {
	return &StrideStage{providers: providers, cache: c, index: index}
}

func validateListResult(value any) bool {
	_, ok := value.([]any)
	return ok
}

// Run returns the raw threat list. Total provider failure degrades to an
// empty list with the aggregated error attached.
func (s *StrideStage) Run(ctx context.Context, diagram map[string]any) ([]any, *llm.AllFailedError) {
	slog.Info("stride: starting analysis")

	ragContext := ""
	if s.index != nil {
		if chunks := s.index.Query(strideSeedQuery, 3); len(chunks) > 0 {
			ragContext = "\n\nRelevant context:\n" + strings.Join(chunks, "\n")
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(strideSystemPrompt, ragContext)},
		{Role: llm.RoleUser, Content: fmt.Sprintf(strideUserPrompt,
			formatComponents(diagram["components"]),
			formatConnections(diagram["connections"]),
			formatBoundaries(diagram["boundaries"]),
		)},
	}

	value, err := llm.RunTextWithFallback(ctx, s.providers, messages, s.cache, "stride", validateListResult)
	if err != nil {
		var allFailed *llm.AllFailedError
		if !errors.As(err, &allFailed) {
			allFailed = &llm.AllFailedError{}
		}
		slog.Error("stride: analysis failed", "error", err)
		return []any{}, allFailed
	}

	list, _ := value.([]any)
	slog.Info("stride: analysis complete", "threats", len(list))
	return list, nil
}

func formatComponents(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return "None identified"
	}
	var b strings.Builder
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- [%v] %v: %v", m["id"], m["type"], m["name"])
	}
	return b.String()
}

func formatConnections(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return "None identified"
	}
	var b strings.Builder
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		protocol := m["protocol"]
		if protocol == nil || protocol == "" {
			protocol = "unknown"
		}
		fmt.Fprintf(&b, "- %v -> %v (%v)", m["from"], m["to"], protocol)
	}
	return b.String()
}

func formatBoundaries(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return "None identified"
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return "None identified"
	}
	return strings.Join(names, ", ")
}
