package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/types"
)

// stubChat returns a canned completion and records the prompts it saw
type stubChat struct {
	response   string
	err        error
	lastSystem string
	lastUser   string
}

func (s *stubChat) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, provider.Usage, error) {
	s.lastSystem = systemPrompt
	s.lastUser = userPrompt
	if s.err != nil {
		return "", provider.Usage{}, s.err
	}
	return s.response, provider.Usage{TotalTokens: 100, Cost: 0.01}, nil
}

func newTestCosts(t *testing.T, limit float64) *provider.CostTracker {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return provider.NewCostTracker(c, limit)
}

func TestRegistryRoutes(t *testing.T) {
	r := NewRegistry()
	p := NewSubjectAnalysis(&stubChat{}, newTestCosts(t, 0), "prompt", 1000)
	r.Register(p)

	got, err := r.Get(types.JobTypeSubjectAnalysis)
	require.NoError(t, err)
	assert.Same(t, Processor(p), got)

	_, err = r.Get(types.JobTypeEmbedding)
	assert.Error(t, err)

	assert.Panics(t, func() { r.Register(p) })
}

func TestSubjectAnalysisAlignsResults(t *testing.T) {
	chat := &stubChat{response: `{"results":[
		{"tag":"sales","cluster":"deals","subject":"Q3 pipeline review"},
		{"tag":"hr","cluster":"people","subject":"Benefits update"}
	]}`}
	p := NewSubjectAnalysis(chat, newTestCosts(t, 0), "classify", 1000)

	data, _ := json.Marshal(types.SubjectAnalysisRequest{
		Subjects: []string{"Q3 pipeline review", "Benefits update", "Mystery subject"},
	})
	out, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	require.NoError(t, err)

	var result SubjectOutput
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Results, 3)
	assert.Equal(t, "j1", result.JobID)
	assert.Equal(t, "sales", result.Results[0].Tag)
	assert.Equal(t, "hr", result.Results[1].Tag)
	// The model omitted the third subject: filled as unclassified
	assert.Equal(t, "unclassified", result.Results[2].Tag)
	assert.Equal(t, "Mystery subject", result.Results[2].Subject)
}

func TestSubjectAnalysisCapsBatch(t *testing.T) {
	chat := &stubChat{response: `{"results":[]}`}
	p := NewSubjectAnalysis(chat, newTestCosts(t, 0), "classify", 1000)

	subjects := make([]string, 150)
	for i := range subjects {
		subjects[i] = "subject"
	}
	data, _ := json.Marshal(types.SubjectAnalysisRequest{Subjects: subjects})

	out, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	require.NoError(t, err)

	var result SubjectOutput
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Len(t, result.Results, 100)

	var prompt struct {
		Subjects []string `json:"subjects"`
	}
	require.NoError(t, json.Unmarshal([]byte(chat.lastUser), &prompt))
	assert.Len(t, prompt.Subjects, 100)
}

func TestSubjectAnalysisBudgetGate(t *testing.T) {
	costs := newTestCosts(t, 1.0)
	costs.Record(context.Background(), provider.Usage{Cost: 2.0})

	chat := &stubChat{response: `{"results":[]}`}
	p := NewSubjectAnalysis(chat, costs, "classify", 1000)

	data, _ := json.Marshal(types.SubjectAnalysisRequest{Subjects: []string{"a"}})
	_, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	assert.ErrorIs(t, err, provider.ErrBudgetExhausted)
	assert.Empty(t, chat.lastUser, "budget gate must stop the call before the provider")
}

func TestEmailAnalysisNormalizes(t *testing.T) {
	chat := &stubChat{response: `{
		"summary": "Bob asks for the report.",
		"sentiment": "POSITIVE",
		"topics": ["reporting"],
		"action_items": ["send the report"],
		"entities": ["Acme Corp"],
		"intent": "request",
		"importance_score": 1.7
	}`}
	p := NewEmailAnalysis(chat, newTestCosts(t, 0), "analyze", 1000, []string{"corp.example.com"})

	email := types.Email{
		MessageID: "m1",
		Subject:   "Report please",
		From:      types.EmailAddress{Email: "bob@corp.example.com"},
		To:        []types.EmailAddress{{Email: "alice@corp.example.com"}},
		BodyText:  "Can you send the Q3 report?",
	}
	data, _ := json.Marshal(email)

	out, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	require.NoError(t, err)

	var analysis types.EmailAnalysis
	require.NoError(t, json.Unmarshal(out, &analysis))
	assert.Equal(t, "m1", analysis.MessageID)
	assert.Equal(t, "positive", analysis.Sentiment)
	assert.Equal(t, 1.0, analysis.ImportanceScore)
	assert.Equal(t, "internal", analysis.SourceCategory)
	assert.Equal(t, "j1", analysis.JobID)

	require.Len(t, analysis.ActionItems, 1)
	assert.Equal(t, "send the report", analysis.ActionItems[0].Description)
	assert.Equal(t, "pending", analysis.ActionItems[0].Status)

	require.Len(t, analysis.Entities, 1)
	assert.Equal(t, "Acme Corp", analysis.Entities[0].Name)
	assert.Equal(t, "unknown", analysis.Entities[0].Type)

	// The prompt carries the canonical text view
	assert.Contains(t, chat.lastUser, "Subject: Report please")
	assert.Contains(t, chat.lastUser, "Q3 report")
}

func TestEmailAnalysisExternalSender(t *testing.T) {
	chat := &stubChat{response: `{"summary":"s","sentiment":"neutral"}`}
	p := NewEmailAnalysis(chat, newTestCosts(t, 0), "analyze", 1000, []string{"corp.example.com"})

	email := types.Email{
		MessageID: "m1",
		From:      types.EmailAddress{Email: "stranger@elsewhere.com"},
		To:        []types.EmailAddress{{Email: "alice@corp.example.com"}},
		BodyText:  "hello",
	}
	data, _ := json.Marshal(email)

	out, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	require.NoError(t, err)

	var analysis types.EmailAnalysis
	require.NoError(t, json.Unmarshal(out, &analysis))
	assert.Equal(t, "external", analysis.SourceCategory)
}

func TestEmailAnalysisStructuredItems(t *testing.T) {
	chat := &stubChat{response: `{
		"summary": "s",
		"sentiment": "neutral",
		"action_items": [{"description":"review budget","status":"open","priority":"high"}],
		"entities": [{"name":"Finance","type":"department"}]
	}`}
	p := NewEmailAnalysis(chat, newTestCosts(t, 0), "analyze", 1000, nil)

	email := types.Email{
		MessageID: "m1",
		From:      types.EmailAddress{Email: "a@b.com"},
		To:        []types.EmailAddress{{Email: "c@d.com"}},
		BodyText:  "x",
	}
	data, _ := json.Marshal(email)

	out, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	require.NoError(t, err)

	var analysis types.EmailAnalysis
	require.NoError(t, json.Unmarshal(out, &analysis))
	require.Len(t, analysis.ActionItems, 1)
	assert.Equal(t, "open", analysis.ActionItems[0].Status)
	require.Len(t, analysis.Entities, 1)
	assert.Equal(t, "department", analysis.Entities[0].Type)
}
