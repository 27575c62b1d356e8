package provider

import (
	"context"
)

// Usage is the token accounting for one provider call
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Add accumulates usage across calls
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// ChatModel produces a JSON-mode completion from a system and user
// prompt pair. Implementations handle model fallback and retries.
type ChatModel interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, Usage, error)
}

// Embedder turns text batches into dense vectors. Implementations may
// additionally produce token-level vectors; those that cannot return
// nil late-interaction slices.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, Usage, error)
}
