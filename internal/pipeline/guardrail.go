package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/threatmodeling/backend/internal/llm"
)

const guardrailPrompt = `Analyze this image and determine if it is an architecture diagram.

An architecture diagram shows:
- System components (Users, Servers, Databases, Gateways, Load Balancers, APIs, etc.)
- Connections and data flows between components
- Trust boundaries (VPCs, networks, subnets)

NOT valid architecture diagrams:
- Sequence diagrams (UML with actors and messages over time)
- Photos or screenshots of real environments
- Flowcharts or process diagrams
- Generic illustrations or clipart
- Plain text or documents

Return ONLY a valid JSON object:
{"is_architecture_diagram": true/false, "reason": "brief explanation in one sentence"}

Examples:
- Valid: {"is_architecture_diagram": true, "reason": "Diagram shows web server, database, and load balancer with connections"}
- Invalid: {"is_architecture_diagram": false, "reason": "This is a UML sequence diagram showing message flows, not architecture components"}
`

// GuardrailError reports an image rejected as not being an architecture
// diagram. The orchestrating surface maps it to HTTP 400.
type GuardrailError struct {
	Reason string
	Raw    any
}

func (e *GuardrailError) Error() string { return e.Reason }

// Guardrail classifies the uploaded image before the pipeline runs. The
// classification is never cached: a stale negative verdict is worse than the
// cost of re-classifying.
type Guardrail struct {
	providers []llm.Provider
}

// NewGuardrail builds the guardrail over the given provider chain.
func NewGuardrail(providers []llm.Provider) *Guardrail {
	return &Guardrail{providers: providers}
}

func validateGuardrailResult(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	_, has := m["is_architecture_diagram"]
	return has
}

// Run returns nil when the image is accepted and *GuardrailError when it is
// rejected. If the provider chain itself is down the guardrail fails open:
// the pipeline still attempts analysis.
func (g *Guardrail) Run(ctx context.Context, image []byte) error {
	slog.Info("guardrail: validating image is architecture diagram")

	value, err := llm.RunVisionWithFallback(ctx, g.providers, guardrailPrompt, image, nil, "guardrail", validateGuardrailResult)
	if err != nil {
		slog.Warn("guardrail: validation unavailable, allowing through", "error", err)
		return nil
	}

	m, _ := value.(map[string]any)
	valid := false
	switch v := m["is_architecture_diagram"].(type) {
	case bool:
		valid = v
	case string:
		valid = strings.EqualFold(v, "true")
	}
	reason, _ := m["reason"].(string)
	if reason == "" {
		reason = "No reason provided"
	}

	if !valid {
		slog.Warn("guardrail: image rejected", "reason", reason)
		return &GuardrailError{
			Reason: "Imagem não é um diagrama de arquitetura válido: " + reason,
			Raw:    value,
		}
	}
	slog.Info("guardrail: image validated as architecture diagram")
	return nil
}
