package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/types"
)

// maxSubjects caps one request's subject list
const maxSubjects = 100

// maxSubjectLen bounds a single subject line inside the prompt
const maxSubjectLen = 500

// SubjectAnalysis classifies batches of email subject lines into tags
// and clusters via a JSON-mode completion.
type SubjectAnalysis struct {
	llm       provider.ChatModel
	costs     *provider.CostTracker
	prompt    string
	maxTokens int
}

// NewSubjectAnalysis wires the processor
func NewSubjectAnalysis(llm provider.ChatModel, costs *provider.CostTracker, prompt string, maxTokens int) *SubjectAnalysis {
	return &SubjectAnalysis{llm: llm, costs: costs, prompt: prompt, maxTokens: maxTokens}
}

func (p *SubjectAnalysis) Type() types.JobType { return types.JobTypeSubjectAnalysis }

// subjectResults is the shape the model is asked to produce
type subjectResults struct {
	Results []types.SubjectResult `json:"results"`
}

// SubjectOutput is the persisted result document
type SubjectOutput struct {
	Results []types.SubjectResult `json:"results"`
	JobID   string                `json:"job_id"`
}

func (p *SubjectAnalysis) Process(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	if err := p.costs.CheckBudget(ctx); err != nil {
		return nil, err
	}

	var req types.SubjectAnalysisRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, fmt.Errorf("invalid subject analysis payload: %w", err)
	}
	if len(req.Subjects) == 0 {
		return nil, fmt.Errorf("no subjects to analyze")
	}

	subjects := req.Subjects
	if len(subjects) > maxSubjects {
		log.WithJobID(job.ID).Warn().
			Int("given", len(subjects)).
			Int("cap", maxSubjects).
			Msg("subject list truncated")
		subjects = subjects[:maxSubjects]
	}

	clean := make([]string, len(subjects))
	for i, s := range subjects {
		clean[i] = provider.SanitizePrompt(s, maxSubjectLen)
	}
	userPrompt, err := json.Marshal(map[string]any{"subjects": clean})
	if err != nil {
		return nil, err
	}

	content, usage, err := p.llm.Complete(ctx, p.prompt, string(userPrompt), p.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("subject analysis failed: %w", err)
	}
	log.WithJobID(job.ID).Debug().
		Int("subjects", len(clean)).
		Int("tokens", usage.TotalTokens).
		Msg("subject analysis completed")

	var parsed subjectResults
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("model returned unparseable results: %w", err)
	}

	// Guarantee one result per input subject, in input order, however
	// creative the model got with ordering or omissions.
	bySubject := make(map[string]types.SubjectResult, len(parsed.Results))
	for _, r := range parsed.Results {
		bySubject[r.Subject] = r
	}
	aligned := make([]types.SubjectResult, len(clean))
	for i, subject := range clean {
		if r, ok := bySubject[subject]; ok {
			aligned[i] = r
			continue
		}
		if i < len(parsed.Results) {
			r := parsed.Results[i]
			r.Subject = subject
			aligned[i] = r
			continue
		}
		aligned[i] = types.SubjectResult{Tag: "unclassified", Cluster: "unclassified", Subject: subject}
	}

	return json.Marshal(SubjectOutput{Results: aligned, JobID: job.ID})
}
