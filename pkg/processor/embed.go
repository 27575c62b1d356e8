package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hatchworks/conveyor/pkg/blob"
	"github.com/hatchworks/conveyor/pkg/embedding"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/types"
)

// embedPayload is the job data for an embedding job: either an inline
// email, inline base64 content, or a pointer into object storage.
type embedPayload struct {
	Email       *types.Email   `json:"email,omitempty"`
	Filename    string         `json:"filename,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Content     string         `json:"content,omitempty"`
	ObjectKey   string         `json:"object_key,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Embedding runs the document pipeline for one job and records the
// processed file. The blob fetcher and file repository are optional:
// inline content needs neither.
type Embedding struct {
	pipeline *embedding.Pipeline
	costs    *provider.CostTracker
	fetcher  blob.Fetcher
	files    *repository.FileRepository
}

// NewEmbedding wires the processor; fetcher and files may be nil
func NewEmbedding(pipeline *embedding.Pipeline, costs *provider.CostTracker, fetcher blob.Fetcher, files *repository.FileRepository) *Embedding {
	return &Embedding{pipeline: pipeline, costs: costs, fetcher: fetcher, files: files}
}

func (p *Embedding) Type() types.JobType { return types.JobTypeEmbedding }

func (p *Embedding) Process(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	if err := p.costs.CheckBudget(ctx); err != nil {
		return nil, err
	}

	var payload embedPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("invalid embedding payload: %w", err)
	}

	var result *embedding.Result
	var err error
	switch {
	case payload.Email != nil:
		result, err = p.pipeline.EmbedEmail(ctx, job.ID, job.Owner, payload.Email)
	default:
		var doc embedding.Document
		doc, err = p.resolveDocument(ctx, job, payload)
		if err == nil {
			result, err = p.pipeline.EmbedDocument(ctx, doc)
		}
	}
	if err != nil {
		p.recordFile(ctx, job, payload, types.StatusFailed, nil)
		return nil, err
	}

	p.recordFile(ctx, job, payload, types.StatusCompleted, result)
	return json.Marshal(result)
}

func (p *Embedding) resolveDocument(ctx context.Context, job *types.Job, payload embedPayload) (embedding.Document, error) {
	doc := embedding.Document{
		JobID:       job.ID,
		Owner:       job.Owner,
		Source:      job.Source,
		Filename:    payload.Filename,
		ContentType: payload.ContentType,
		Tags:        payload.Tags,
		Metadata:    payload.Metadata,
	}

	switch {
	case payload.Content != "":
		data, err := base64.StdEncoding.DecodeString(payload.Content)
		if err != nil {
			return doc, fmt.Errorf("invalid inline content: %w", err)
		}
		doc.Data = data
	case payload.ObjectKey != "":
		if p.fetcher == nil {
			return doc, fmt.Errorf("job references object %s but no object store is configured", payload.ObjectKey)
		}
		data, contentType, err := p.fetcher.Fetch(ctx, payload.ObjectKey)
		if err != nil {
			return doc, err
		}
		doc.Data = data
		if doc.ContentType == "" {
			doc.ContentType = contentType
		}
		if doc.Filename == "" {
			doc.Filename = payload.ObjectKey
		}
	default:
		return doc, fmt.Errorf("embedding payload has neither content nor object key")
	}
	return doc, nil
}

func (p *Embedding) recordFile(ctx context.Context, job *types.Job, payload embedPayload, status types.JobStatus, result *embedding.Result) {
	if p.files == nil || payload.Email != nil {
		return
	}
	var extra json.RawMessage
	if result != nil {
		extra, _ = json.Marshal(result)
	}
	_ = p.files.Record(ctx, &repository.ProcessedFile{
		ID:               job.ID,
		OwnerEmail:       job.Owner,
		SourceType:       string(job.Source),
		OriginalFilename: payload.Filename,
		ContentType:      payload.ContentType,
		SizeBytes:        int64(len(payload.Content)),
		R2ObjectKey:      payload.ObjectKey,
		Status:           string(status),
		AdditionalData:   extra,
	})
}
