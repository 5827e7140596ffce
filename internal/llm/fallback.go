package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/threatmodeling/backend/internal/cache"
	"github.com/threatmodeling/backend/internal/metrics"
)

// Validator accepts or rejects a decoded result for a specific stage.
type Validator func(value any) bool

// NotError is the default validator: any successfully decoded value passes.
func NotError(any) bool { return true }

// RunVisionWithFallback tries each provider in order with a vision prompt.
// A nil cache disables caching (the guardrail does this on purpose).
func RunVisionWithFallback(ctx context.Context, providers []Provider, prompt string, image []byte, c cache.Cache, namespace string, validate Validator) (any, error) {
	parts := []any{prompt, imageDigest(image)}
	return runWithFallback(ctx, providers, c, namespace, parts, validate, func(p Provider) Result {
		return p.InvokeVision(ctx, prompt, image)
	})
}

// RunTextWithFallback tries each provider in order with a message list.
func RunTextWithFallback(ctx context.Context, providers []Provider, messages []Message, c cache.Cache, namespace string, validate Validator) (any, error) {
	parts := []any{messages}
	return runWithFallback(ctx, providers, c, namespace, parts, validate, func(p Provider) Result {
		return p.InvokeText(ctx, messages)
	})
}

func runWithFallback(ctx context.Context, providers []Provider, c cache.Cache, namespace string, parts []any, validate Validator, invoke func(Provider) Result) (any, error) {
	if validate == nil {
		validate = NotError
	}

	if c != nil {
		if raw, ok := c.Get(ctx, namespace, parts...); ok {
			var cached any
			if err := json.Unmarshal(raw, &cached); err == nil && validate(cached) {
				slog.Info("llm: returning cached result", "namespace", namespace)
				metrics.CacheHits.WithLabelValues(namespace).Inc()
				return cached, nil
			}
		}
		metrics.CacheMisses.WithLabelValues(namespace).Inc()
	}

	var engineErrors []EngineError
	for _, p := range providers {
		if !p.IsConfigured() {
			slog.Debug("llm: provider not configured, skipping", "provider", p.Name())
			continue
		}
		slog.Info("llm: trying provider", "provider", p.Name(), "namespace", namespace)
		res := invoke(p)
		if res.Err != nil {
			slog.Warn("llm: provider failed", "provider", p.Name(), "kind", res.Err.Kind, "error", res.Err.Message)
			metrics.ProviderAttempts.WithLabelValues(p.Name(), "error").Inc()
			engineErrors = append(engineErrors, EngineError{Engine: p.Name(), Message: res.Err.Message, Kind: res.Err.Kind})
			continue
		}
		if !validate(res.Value) {
			slog.Warn("llm: provider result rejected by validator", "provider", p.Name(), "namespace", namespace)
			metrics.ProviderAttempts.WithLabelValues(p.Name(), "invalid").Inc()
			engineErrors = append(engineErrors, EngineError{Engine: p.Name(), Message: "result failed stage validation", Kind: KindProcessing})
			continue
		}
		slog.Info("llm: success", "provider", p.Name(), "namespace", namespace)
		metrics.ProviderAttempts.WithLabelValues(p.Name(), "success").Inc()
		if c != nil {
			if raw, err := json.Marshal(res.Value); err == nil {
				c.Put(ctx, namespace, raw, cache.DefaultTTL, parts...)
			}
		}
		return res.Value, nil
	}

	return nil, &AllFailedError{EngineErrors: engineErrors}
}

// imageDigest keeps vision cache keys small and stable: the prompt is hashed
// together with the hex digest of the image bytes.
func imageDigest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}
