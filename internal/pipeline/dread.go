package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/threatmodeling/backend/internal/cache"
	"github.com/threatmodeling/backend/internal/llm"
	"github.com/threatmodeling/backend/internal/report"
)

const dreadSystemPrompt = `You are an expert security analyst specializing in DREAD risk scoring.

DREAD is a risk assessment model that scores threats on 5 dimensions (each 1-10):

- Damage (D): How much damage could result if the vulnerability is exploited?
- Reproducibility (R): How easy is it to reproduce the attack?
- Exploitability (E): How easy is it to launch an attack?
- Affected Users (A): How many users would be affected?
- Discoverability (D): How easy is it to discover the vulnerability?

Be consistent and realistic in your scoring.`

const dreadUserPrompt = `Score the following threats using DREAD methodology.

Threats to score:
%s

For each threat, return the original threat object with added DREAD scoring:
- dread_score: the average of all 5 DREAD scores (rounded to 2 decimal places)
- dread_details: object with individual scores (damage, reproducibility, exploitability, affected_users, discoverability)

Return ONLY a JSON list with the scored threats.`

// DreadStage scores the identified threats on the five DREAD dimensions.
type DreadStage struct {
	providers []llm.Provider
	cache     cache.Cache
}

// NewDreadStage builds the stage. cache may be nil to disable caching.
func NewDreadStage(providers []llm.Provider, c cache.Cache) *DreadStage {
	return &DreadStage{providers: providers, cache: c}
}

// Run returns the threats with dread_score/dread_details attached. An empty
// input short-circuits; total provider failure returns the input unchanged
// (threats without scores) with the aggregated error attached.
func (s *DreadStage) Run(ctx context.Context, threats []any) ([]any, *llm.AllFailedError) {
	if len(threats) == 0 {
		return []any{}, nil
	}
	slog.Info("dread: starting scoring", "threats", len(threats))

	encoded, err := json.MarshalIndent(threats, "", "  ")
	if err != nil {
		slog.Error("dread: cannot encode threats", "error", err)
		return threats, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: dreadSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(dreadUserPrompt, string(encoded))},
	}

	value, runErr := llm.RunTextWithFallback(ctx, s.providers, messages, s.cache, "dread", validateListResult)
	if runErr != nil {
		var allFailed *llm.AllFailedError
		if !errors.As(runErr, &allFailed) {
			allFailed = &llm.AllFailedError{}
		}
		slog.Error("dread: scoring failed", "error", runErr)
		return threats, allFailed
	}

	scored, _ := value.([]any)
	for _, item := range scored {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if raw, has := m["dread_score"]; has {
			if score, ok := raw.(float64); ok {
				m["dread_score"] = report.ClampDread(score)
			}
		}
	}
	slog.Info("dread: scoring complete", "threats", len(scored))
	return scored, nil
}
