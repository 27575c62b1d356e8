package embedding

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hatchworks/conveyor/pkg/extract"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/types"
	"github.com/hatchworks/conveyor/pkg/vectorstore"
)

const (
	// embedBatchSize bounds how many chunks go to the provider per call
	embedBatchSize = 10

	// previewLen is how much chunk content the payload preview carries
	previewLen = 100

	defaultMaxFileSize  = 10 * 1024 * 1024
	defaultMaxEmailText = 500 * 1024
)

// Document is one unit of content entering the pipeline
type Document struct {
	JobID       string
	Owner       string
	Source      types.Source
	Filename    string
	ContentType string
	Data        []byte
	Tags        []string
	Metadata    map[string]any
}

// Result summarizes one pipeline run
type Result struct {
	Chunks int            `json:"chunks"`
	Points int            `json:"points"`
	Usage  provider.Usage `json:"-"`
	Failed []string       `json:"failed_attachments,omitempty"`
}

// Pipeline turns documents into multi-vector points in the owner's
// knowledge base collection.
type Pipeline struct {
	registry *extract.Registry
	chunker  *extract.Chunker
	embedder provider.Embedder
	sparse   *provider.SparseEncoder
	store    *vectorstore.Client

	maxFileSize  int64
	maxEmailText int
}

// New assembles the pipeline with default size gates
func New(registry *extract.Registry, embedder provider.Embedder, store *vectorstore.Client) *Pipeline {
	return &Pipeline{
		registry:     registry,
		chunker:      extract.NewChunker(),
		embedder:     embedder,
		sparse:       provider.NewSparseEncoder(),
		store:        store,
		maxFileSize:  defaultMaxFileSize,
		maxEmailText: defaultMaxEmailText,
	}
}

// SetLimits overrides the file and email text size gates
func (p *Pipeline) SetLimits(maxFileSize int64, maxEmailText int) {
	if maxFileSize > 0 {
		p.maxFileSize = maxFileSize
	}
	if maxEmailText > 0 {
		p.maxEmailText = maxEmailText
	}
}

// EmbedDocument runs one document end to end: gate, extract, chunk,
// embed in batches, upsert. Returns what was written.
func (p *Pipeline) EmbedDocument(ctx context.Context, doc Document) (*Result, error) {
	if int64(len(doc.Data)) > p.maxFileSize {
		return nil, fmt.Errorf("file %s exceeds size limit (%d > %d bytes)",
			doc.Filename, len(doc.Data), p.maxFileSize)
	}

	text, err := p.registry.Text(doc.ContentType, doc.Data)
	if err != nil {
		return nil, err
	}
	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		return &Result{}, nil
	}

	points, usage, err := p.buildPoints(ctx, doc, chunks)
	if err != nil {
		return nil, err
	}

	collection := vectorstore.TargetCollection(doc.Owner)
	if err := p.store.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}
	if err := p.store.UpsertPoints(ctx, collection, points); err != nil {
		return nil, err
	}

	log.WithJobID(doc.JobID).Info().
		Str("filename", doc.Filename).
		Int("chunks", len(chunks)).
		Int("points", len(points)).
		Msg("document embedded")

	return &Result{Chunks: len(chunks), Points: len(points), Usage: usage}, nil
}

// EmbedEmail embeds an email body plus its attachments. A failing
// attachment is recorded and skipped; the rest of the email still
// lands, since partial knowledge beats none.
func (p *Pipeline) EmbedEmail(ctx context.Context, jobID, owner string, email *types.Email) (*Result, error) {
	total := &Result{}

	body := CanonicalEmailText(email)
	if len(body) > p.maxEmailText {
		log.WithJobID(jobID).Warn().
			Int("original_bytes", len(body)).
			Int("truncated_bytes", p.maxEmailText).
			Msg("email body truncated before embedding")
		body = body[:p.maxEmailText]
	}
	if strings.TrimSpace(body) != "" {
		res, err := p.EmbedDocument(ctx, Document{
			JobID:       jobID,
			Owner:       owner,
			Source:      types.SourceEmail,
			Filename:    email.MessageID,
			ContentType: "text/plain",
			Data:        []byte(body),
			Tags:        []string{"email"},
			Metadata: map[string]any{
				"message_id": email.MessageID,
				"subject":    email.Subject,
				"from":       email.From.Email,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to embed email body: %w", err)
		}
		total.Chunks += res.Chunks
		total.Points += res.Points
		total.Usage.Add(res.Usage)
	}

	for _, att := range email.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			log.WithJobID(jobID).Warn().
				Str("filename", att.Filename).
				Err(err).
				Msg("attachment skipped: bad base64")
			total.Failed = append(total.Failed, att.Filename)
			continue
		}
		res, err := p.EmbedDocument(ctx, Document{
			JobID:       jobID,
			Owner:       owner,
			Source:      types.SourceEmail,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Data:        data,
			Tags:        []string{"email", "attachment"},
			Metadata: map[string]any{
				"message_id": email.MessageID,
				"filename":   att.Filename,
			},
		})
		if err != nil {
			log.WithJobID(jobID).Warn().
				Str("filename", att.Filename).
				Err(err).
				Msg("attachment skipped")
			total.Failed = append(total.Failed, att.Filename)
			continue
		}
		total.Chunks += res.Chunks
		total.Points += res.Points
		total.Usage.Add(res.Usage)
	}
	return total, nil
}

func (p *Pipeline) buildPoints(ctx context.Context, doc Document, chunks []string) ([]types.Point, provider.Usage, error) {
	points := make([]types.Point, 0, len(chunks))
	var usage provider.Usage

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		dense, batchUsage, err := p.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, usage, fmt.Errorf("failed to embed batch at chunk %d: %w", start, err)
		}
		usage.Add(batchUsage)

		for i, chunk := range batch {
			points = append(points, types.Point{
				ID:      uuid.NewString(),
				Dense:   dense[i],
				Sparse:  p.sparse.Encode(chunk),
				Payload: p.payload(doc, start+i, chunk),
			})
		}
	}
	return points, usage, nil
}

func (p *Pipeline) payload(doc Document, chunkIndex int, content string) map[string]any {
	preview := content
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	payload := map[string]any{
		"job_id":          doc.JobID,
		"owner":           doc.Owner,
		"chunk_index":     chunkIndex,
		"content":         content,
		"content_preview": preview,
		"source":          string(doc.Source),
		"filename":        doc.Filename,
		"sensitivity":     "internal",
		"tags":            doc.Tags,
	}
	for k, v := range doc.Metadata {
		payload[k] = v
	}
	return payload
}

// CanonicalEmailText renders an email into the single text view used
// for both embedding and analysis prompts.
func CanonicalEmailText(email *types.Email) string {
	var sb strings.Builder
	sb.WriteString("Subject: " + email.Subject + "\n")
	sb.WriteString("From: " + formatAddress(email.From) + "\n")
	if len(email.To) > 0 {
		addrs := make([]string, len(email.To))
		for i, a := range email.To {
			addrs[i] = formatAddress(a)
		}
		sb.WriteString("To: " + strings.Join(addrs, ", ") + "\n")
	}
	if !email.Date.IsZero() {
		sb.WriteString("Date: " + email.Date.Format("2006-01-02 15:04:05") + "\n")
	}
	sb.WriteString("\n")

	switch {
	case strings.TrimSpace(email.BodyText) != "":
		sb.WriteString(email.BodyText)
	case strings.TrimSpace(email.BodyHTML) != "":
		sb.WriteString(extract.HTMLToMarkdown(email.BodyHTML))
	}
	return sb.String()
}

func formatAddress(a types.EmailAddress) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Email)
	}
	return a.Email
}
