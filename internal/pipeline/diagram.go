package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/threatmodeling/backend/internal/cache"
	"github.com/threatmodeling/backend/internal/llm"
)

const diagramPrompt = `
Analyze this architecture diagram.

1. Identify all components (Users, Servers, Databases, Gateways, Load Balancers, etc.).
2. Identify the connections and data flows between them.
3. Identify trust boundaries (e.g., VPCs, Public/Private subnets, DMZs).

Return ONLY a valid JSON object structured as:
{
  "model": "model_name",
  "components": [{"id": "unique_id", "type": "ComponentType", "name": "Display Name"}],
  "connections": [{"from": "source_id", "to": "target_id", "protocol": "HTTPS/HTTP/TCP/etc"}],
  "boundaries": ["boundary name 1", "boundary name 2"]
}

Important:
- Each component must have a unique id
- Use descriptive component types (User, Server, Database, Gateway, LoadBalancer, Cache, Queue, API, Service)
- Include the communication protocol for each connection when visible
`

// fallbackModelName marks a diagram payload produced without any provider.
const fallbackModelName = "Fallback/Error"

// DiagramStage extracts components, connections and trust boundaries from
// the uploaded image.
type DiagramStage struct {
	providers []llm.Provider
	cache     cache.Cache
}

// NewDiagramStage builds the stage. cache may be nil to disable caching.
func NewDiagramStage(providers []llm.Provider, c cache.Cache) *DiagramStage {
	return &DiagramStage{providers: providers, cache: c}
}

func validateDiagramResult(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	if _, hasErr := m["error"]; hasErr {
		return false
	}
	components, ok := m["components"]
	if !ok {
		return true
	}
	_, isList := components.([]any)
	return isList
}

// Run returns the diagram payload. On total provider failure it returns the
// canonical fallback object together with the aggregated error so later
// stages can still run while the pipeline records the degradation.
func (s *DiagramStage) Run(ctx context.Context, image []byte) (map[string]any, *llm.AllFailedError) {
	slog.Info("diagram: starting analysis")

	value, err := llm.RunVisionWithFallback(ctx, s.providers, diagramPrompt, image, s.cache, "diagram", validateDiagramResult)
	if err != nil {
		var allFailed *llm.AllFailedError
		if !errors.As(err, &allFailed) {
			allFailed = &llm.AllFailedError{}
		}
		slog.Error("diagram: analysis failed", "error", err)
		return fallbackDiagramData(), allFailed
	}

	m, _ := value.(map[string]any)
	slog.Info("diagram: analysis complete",
		"components", countList(m["components"]),
		"connections", countList(m["connections"]))
	return m, nil
}

func fallbackDiagramData() map[string]any {
	return map[string]any{
		"model": fallbackModelName,
		"components": []any{
			map[string]any{"id": "unknown_1", "type": "Unknown", "name": "Unanalyzed Component"},
		},
		"connections": []any{},
		"boundaries":  []any{},
	}
}

func countList(v any) int {
	if list, ok := v.([]any); ok {
		return len(list)
	}
	return 0
}
