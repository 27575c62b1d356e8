package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"github.com/hatchworks/conveyor/pkg/log"
)

// contentGenerator is the slice of the langchaingo client surface this
// package uses, separated so tests can stub the provider.
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures the OpenAI-backed provider
type Options struct {
	ModelChoices      []string
	FallbackModel     string
	EmbeddingModel    string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// OpenAI implements ChatModel and Embedder over the OpenAI API with
// key rotation, a shared rate limiter, a circuit breaker and monthly
// cost accounting.
type OpenAI struct {
	opts    Options
	keys    *KeyManager
	costs   *CostTracker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	newClient func(model, apiKey string) (contentGenerator, error)
}

// NewOpenAI wires the provider together
func NewOpenAI(opts Options, keys *KeyManager, costs *CostTracker) *OpenAI {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("provider").Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return &OpenAI{
		opts:    opts,
		keys:    keys,
		costs:   costs,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker: breaker,
		newClient: func(model, apiKey string) (contentGenerator, error) {
			return openai.New(openai.WithModel(model), openai.WithToken(apiKey))
		},
	}
}

// models returns the configured choices with the fallback appended
func (p *OpenAI) models() []string {
	out := append([]string{}, p.opts.ModelChoices...)
	if p.opts.FallbackModel != "" && (len(out) == 0 || out[len(out)-1] != p.opts.FallbackModel) {
		out = append(out, p.opts.FallbackModel)
	}
	return out
}

// Complete runs a JSON-mode chat completion, walking the model list on
// failure and rotating API keys on rate limits.
func (p *OpenAI) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, Usage, error) {
	var lastErr error
	for _, model := range p.models() {
		content, usage, err := p.completeWith(ctx, model, systemPrompt, userPrompt, maxTokens)
		if err == nil {
			return content, usage, nil
		}
		lastErr = err
		if errors.Is(err, ErrAllKeysLimited) || ctx.Err() != nil {
			break
		}
		log.WithComponent("provider").Warn().
			Err(err).
			Str("model", model).
			Msg("model failed, trying next")
	}
	return "", Usage{}, fmt.Errorf("all models failed: %w", lastErr)
}

func (p *OpenAI) completeWith(ctx context.Context, model, systemPrompt, userPrompt string, maxTokens int) (string, Usage, error) {
	key, slot, err := p.keys.Acquire(ctx)
	if err != nil {
		return "", Usage{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", Usage{}, err
	}

	client, err := p.newClient(model, key)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to build client for %s: %w", model, err)
	}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	result, err := p.breaker.Execute(func() (any, error) {
		return client.GenerateContent(ctx,
			[]llms.MessageContent{
				llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
				llms.TextParts(schema.ChatMessageTypeHuman, userPrompt),
			},
			llms.WithTemperature(0.3),
			llms.WithMaxTokens(maxTokens),
			llms.WithJSONMode(),
		)
	})
	if err != nil {
		if isRateLimited(err) {
			p.keys.MarkLimited(ctx, slot)
		}
		return "", Usage{}, err
	}

	resp := result.(*llms.ContentResponse)
	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("empty completion response")
	}
	choice := resp.Choices[0]

	usage := usageFromInfo(model, choice.GenerationInfo)
	p.costs.Record(ctx, usage)
	return choice.Content, usage, nil
}

// Embed produces dense vectors for a batch of texts
func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	key, slot, err := p.keys.Acquire(ctx)
	if err != nil {
		return nil, Usage{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, Usage{}, err
	}

	client, err := p.newClient(p.opts.EmbeddingModel, key)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to build embedding client: %w", err)
	}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	result, err := p.breaker.Execute(func() (any, error) {
		return client.CreateEmbedding(ctx, texts)
	})
	if err != nil {
		if isRateLimited(err) {
			p.keys.MarkLimited(ctx, slot)
		}
		return nil, Usage{}, fmt.Errorf("embedding failed: %w", err)
	}
	vectors := result.([][]float32)
	if len(vectors) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(texts), len(vectors))
	}

	// The embeddings endpoint reports no usage here; approximate from
	// input size so the monthly counters stay meaningful.
	tokens := 0
	for _, text := range texts {
		tokens += len(text) / 4
	}
	usage := Usage{
		Model:        p.opts.EmbeddingModel,
		PromptTokens: tokens,
		TotalTokens:  tokens,
		Cost:         EstimateCost(p.opts.EmbeddingModel, tokens, 0),
	}
	p.costs.Record(ctx, usage)
	return vectors, usage, nil
}

func usageFromInfo(model string, info map[string]any) Usage {
	usage := Usage{
		Model:            model,
		PromptTokens:     intFromInfo(info, "PromptTokens"),
		CompletionTokens: intFromInfo(info, "CompletionTokens"),
		TotalTokens:      intFromInfo(info, "TotalTokens"),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	usage.Cost = EstimateCost(model, usage.PromptTokens, usage.CompletionTokens)
	return usage
}

func intFromInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}
