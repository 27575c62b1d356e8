package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hatchworks/conveyor/pkg/embedding"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/types"
)

// maxEmailPromptLen bounds how much email text reaches the prompt
const maxEmailPromptLen = 32 * 1024

// EmailAnalysis produces a structured analysis of one email: summary,
// sentiment, topics, action items, entities, intent and importance.
type EmailAnalysis struct {
	llm            provider.ChatModel
	costs          *provider.CostTracker
	prompt         string
	maxTokens      int
	companyDomains []string
	now            func() time.Time
}

// NewEmailAnalysis wires the processor. companyDomains decides whether
// a sender is classified internal or external.
func NewEmailAnalysis(llm provider.ChatModel, costs *provider.CostTracker, prompt string, maxTokens int, companyDomains []string) *EmailAnalysis {
	return &EmailAnalysis{
		llm:            llm,
		costs:          costs,
		prompt:         prompt,
		maxTokens:      maxTokens,
		companyDomains: companyDomains,
		now:            time.Now,
	}
}

func (p *EmailAnalysis) Type() types.JobType { return types.JobTypeEmailAnalysis }

// rawAnalysis tolerates the model's loose output shapes before
// normalization into types.EmailAnalysis.
type rawAnalysis struct {
	Summary         string          `json:"summary"`
	Sentiment       string          `json:"sentiment"`
	Topics          []string        `json:"topics"`
	ActionItems     json.RawMessage `json:"action_items"`
	Entities        json.RawMessage `json:"entities"`
	Intent          string          `json:"intent"`
	ImportanceScore float64         `json:"importance_score"`
}

func (p *EmailAnalysis) Process(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	if err := p.costs.CheckBudget(ctx); err != nil {
		return nil, err
	}

	var email types.Email
	if err := json.Unmarshal(job.Data, &email); err != nil {
		return nil, fmt.Errorf("invalid email payload: %w", err)
	}

	started := p.now()
	text := provider.SanitizePrompt(embedding.CanonicalEmailText(&email), maxEmailPromptLen)

	content, usage, err := p.llm.Complete(ctx, p.prompt, text, p.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("email analysis failed: %w", err)
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("model returned unparseable analysis: %w", err)
	}

	analysis := types.EmailAnalysis{
		MessageID:       email.MessageID,
		Subject:         email.Subject,
		Date:            email.Date,
		Summary:         raw.Summary,
		Sentiment:       normalizeSentiment(raw.Sentiment),
		Topics:          raw.Topics,
		ActionItems:     normalizeActionItems(raw.ActionItems),
		Entities:        normalizeEntities(raw.Entities),
		Intent:          raw.Intent,
		ImportanceScore: clampScore(raw.ImportanceScore),
		ProcessingTime:  p.now().Sub(started).Seconds(),
		JobID:           job.ID,
		SourceCategory:  p.sourceCategory(email.From.Email),
	}

	log.WithJobID(job.ID).Debug().
		Str("sentiment", analysis.Sentiment).
		Int("tokens", usage.TotalTokens).
		Msg("email analysis completed")

	return json.Marshal(analysis)
}

// sourceCategory labels senders on a company domain internal
func (p *EmailAnalysis) sourceCategory(from string) string {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return "external"
	}
	domain := strings.ToLower(from[at+1:])
	for _, d := range p.companyDomains {
		if domain == strings.ToLower(d) {
			return "internal"
		}
	}
	return "external"
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "negative", "neutral":
		return strings.ToLower(strings.TrimSpace(s))
	default:
		return "neutral"
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// normalizeEntities accepts ["Acme"] as well as [{"name":...,"type":...}]
func normalizeEntities(raw json.RawMessage) []types.Entity {
	if len(raw) == 0 {
		return nil
	}
	var objects []types.Entity
	if err := json.Unmarshal(raw, &objects); err == nil {
		out := objects[:0]
		for _, e := range objects {
			if e.Name != "" {
				if e.Type == "" {
					e.Type = "unknown"
				}
				out = append(out, e)
			}
		}
		return out
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		out := make([]types.Entity, 0, len(names))
		for _, name := range names {
			if name != "" {
				out = append(out, types.Entity{Name: name, Type: "unknown"})
			}
		}
		return out
	}
	return nil
}

// normalizeActionItems accepts plain strings or structured items
func normalizeActionItems(raw json.RawMessage) []types.ActionItem {
	if len(raw) == 0 {
		return nil
	}
	var objects []types.ActionItem
	if err := json.Unmarshal(raw, &objects); err == nil {
		out := objects[:0]
		for _, item := range objects {
			if item.Description == "" {
				continue
			}
			if item.Status == "" {
				item.Status = "pending"
			}
			if item.Priority == "" {
				item.Priority = "medium"
			}
			out = append(out, item)
		}
		return out
	}
	var descriptions []string
	if err := json.Unmarshal(raw, &descriptions); err == nil {
		out := make([]types.ActionItem, 0, len(descriptions))
		for _, d := range descriptions {
			if d != "" {
				out = append(out, types.ActionItem{Description: d, Status: "pending", Priority: "medium"})
			}
		}
		return out
	}
	return nil
}
