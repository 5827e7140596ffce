package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/threatmodeling/backend/internal/config"
)

// chainProvider adapts a langchaingo model to the Provider interface. The
// underlying client is constructed on first use and reused afterwards; the
// langchaingo clients are safe for concurrent calls.
type chainProvider struct {
	name        string
	configured  func() bool
	build       func(ctx context.Context) (llms.Model, error)
	temperature float64

	mu    sync.Mutex
	model llms.Model
}

func (p *chainProvider) Name() string       { return p.name }
func (p *chainProvider) IsConfigured() bool { return p.configured() }

func (p *chainProvider) ensure(ctx context.Context) (llms.Model, *Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model, nil
	}
	model, err := p.build(ctx)
	if err != nil {
		slog.Error("llm: client init failed", "provider", p.name, "error", err)
		return nil, &Error{Kind: KindConfig, Message: err.Error(), Provider: p.name}
	}
	slog.Info("llm: client initialized", "provider", p.name)
	p.model = model
	return model, nil
}

func (p *chainProvider) invoke(ctx context.Context, content []llms.MessageContent) Result {
	model, initErr := p.ensure(ctx)
	if initErr != nil {
		return errResult(initErr)
	}

	slog.Info("llm: request sent, waiting for response", "provider", p.name)
	start := time.Now()
	resp, err := model.GenerateContent(ctx, content, llms.WithTemperature(p.temperature))
	if err != nil {
		return errResult(ClassifyErr(p.name, err))
	}
	if len(resp.Choices) == 0 {
		return errResult(&Error{Kind: KindEmpty, Message: "Empty response", Provider: p.name})
	}
	text := resp.Choices[0].Content
	slog.Info("llm: response received", "provider", p.name,
		"elapsed", time.Since(start).Round(10*time.Millisecond), "length", len(text))

	value, extractErr := ExtractJSON(text)
	if extractErr != nil {
		extractErr.Provider = p.name
		return errResult(extractErr)
	}
	return valueResult(value)
}

func (p *chainProvider) InvokeVision(ctx context.Context, prompt string, image []byte) Result {
	content := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.TextPart(prompt),
			llms.BinaryPart("image/jpeg", image),
		},
	}}
	return p.invoke(ctx, content)
}

func (p *chainProvider) InvokeText(ctx context.Context, messages []Message) Result {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleSystem {
			role = llms.ChatMessageTypeSystem
		}
		content = append(content, llms.TextParts(role, m.Content))
	}
	return p.invoke(ctx, content)
}

// NewGemini returns the Google Gemini provider. Configured iff an API key is set.
func NewGemini(s *config.Settings) Provider {
	return &chainProvider{
		name:        "Gemini",
		configured:  func() bool { return s.GoogleAPIKey != "" },
		temperature: s.LLMTemperature,
		build: func(ctx context.Context) (llms.Model, error) {
			return googleai.New(ctx,
				googleai.WithAPIKey(s.GoogleAPIKey),
				googleai.WithDefaultModel(s.PrimaryModel),
			)
		},
	}
}

// NewOpenAI returns the OpenAI provider. Configured iff an API key is set.
func NewOpenAI(s *config.Settings) Provider {
	return &chainProvider{
		name:        "OpenAI",
		configured:  func() bool { return s.OpenAIAPIKey != "" },
		temperature: s.LLMTemperature,
		build: func(context.Context) (llms.Model, error) {
			return openai.New(
				openai.WithToken(s.OpenAIAPIKey),
				openai.WithModel(s.FallbackModel),
			)
		},
	}
}

// NewOllama returns the local Ollama provider. Always configured: there is
// no credential to check, reachability shows up as a processing error.
func NewOllama(s *config.Settings) Provider {
	return &chainProvider{
		name:        "Ollama",
		configured:  func() bool { return true },
		temperature: s.LLMTemperature,
		build: func(context.Context) (llms.Model, error) {
			return ollama.New(
				ollama.WithServerURL(s.OllamaBaseURL),
				ollama.WithModel(s.OllamaModel),
			)
		},
	}
}

// DefaultProviders returns the standard fallback order used by every stage.
func DefaultProviders(s *config.Settings) []Provider {
	return []Provider{NewGemini(s), NewOpenAI(s), NewOllama(s)}
}
