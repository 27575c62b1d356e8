package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusScheduled  JobStatus = "scheduled"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// Transitions are monotonic except processing -> pending, which the
// janitor uses to recover jobs whose claim lock expired.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusScheduled || next == StatusProcessing || next == StatusFailed
	case StatusScheduled:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	default:
		return false
	}
}

// JobType identifies the processor a job is routed to
type JobType string

const (
	JobTypeSubjectAnalysis JobType = "subject_analysis"
	JobTypeEmailAnalysis   JobType = "email_analysis"
	JobTypeEmbedding       JobType = "embedding"
)

// Source identifies where a job's payload originates
type Source string

const (
	SourceEmail      Source = "email"
	SourceSharepoint Source = "sharepoint"
	SourceAWSS3      Source = "aws_s3"
	SourceAzure      Source = "azure"
)

// Job represents a unit of work flowing through the platform
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	Source        Source          `json:"source"`
	Owner         string          `json:"owner"`
	Status        JobStatus       `json:"status"`
	Priority      int             `json:"priority"`
	Data          json.RawMessage `json:"data,omitempty"`
	Results       json.RawMessage `json:"results,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	LockExpiresAt *time.Time      `json:"lock_expires_at,omitempty"`
}

// Priority bounds for broker tasks
const (
	PriorityMin     = 1
	PriorityDefault = 5
	PriorityMax     = 10
)

// ClampPriority forces p into the 1..10 range, defaulting zero values
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// JobKey is the wire form "source:id:owner" used by scheduler sweeps
// and broker task arguments.
func JobKey(source Source, jobID, owner string) string {
	return fmt.Sprintf("%s:%s:%s", source, jobID, owner)
}

// ParseJobKey splits a "source:id:owner" key. Owners may contain
// colons in principle, so only the first two separators split.
func ParseJobKey(key string) (source Source, jobID, owner string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("malformed job key: %q", key)
	}
	return Source(parts[0]), parts[1], parts[2], nil
}

// Broker task naming. Task IDs always equal job IDs.
const (
	TaskProcessSubjects = "task_email.process_subjects"

	QueueDefault    = "default"
	QueueBackground = "background"
)

// PendingTaskName returns the periodic sweep task name for a source
func PendingTaskName(source Source) string {
	return fmt.Sprintf("%s_embedding.get_pending_jobs", source)
}

// ProcessingTaskName returns the per-job task name for a source
func ProcessingTaskName(source Source) string {
	return fmt.Sprintf("%s_embedding.task_processing", source)
}

// EmailAddress is a parsed mailbox
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email" validate:"required,email"`
}

// EmailAttachment carries base64 binary content alongside its metadata
type EmailAttachment struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	Content     string `json:"content"`
	Size        int64  `json:"size"`
}

// Email is the canonical ingest object for analysis and embedding jobs
type Email struct {
	MessageID   string            `json:"message_id" validate:"required"`
	Subject     string            `json:"subject"`
	From        EmailAddress      `json:"from" validate:"required"`
	To          []EmailAddress    `json:"to" validate:"required,min=1,dive"`
	CC          []EmailAddress    `json:"cc,omitempty"`
	BCC         []EmailAddress    `json:"bcc,omitempty"`
	Date        time.Time         `json:"date"`
	BodyText    string            `json:"body_text,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Attachments []EmailAttachment `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SparseVector is a BM25-style sparse embedding
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// ChunkEmbedding holds all three representations of one chunk
type ChunkEmbedding struct {
	ChunkIndex      int           `json:"chunk_index"`
	Content         string        `json:"content"`
	Dense           []float32     `json:"dense"`
	Sparse          SparseVector  `json:"sparse"`
	LateInteraction [][]float32   `json:"late_interaction,omitempty"`
}

// Point is a multi-vector record destined for a vector collection
type Point struct {
	ID              string         `json:"id"`
	Dense           []float32      `json:"dense"`
	Sparse          SparseVector   `json:"sparse"`
	LateInteraction [][]float32    `json:"late_interaction,omitempty"`
	Payload         map[string]any `json:"payload"`
}

// Tier classifies API clients for rate limiting and permissions
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise, TierAdmin:
		return true
	}
	return false
}

// APIKeyRecord is the stored metadata for an issued API key
type APIKeyRecord struct {
	ClientID          string    `json:"client_id"`
	Tier              Tier      `json:"tier"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	RateLimitOverride *int      `json:"rate_limit_override"`
	Permissions       []string  `json:"permissions"`
}

// SubjectAnalysisRequest is the body of POST /api/v1/analyze/subjects
type SubjectAnalysisRequest struct {
	Subjects      []string `json:"subjects" validate:"required,min=1"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

// SubjectResult is one classified subject line
type SubjectResult struct {
	Tag     string `json:"tag"`
	Cluster string `json:"cluster"`
	Subject string `json:"subject"`
}

// Entity is a normalized named entity from email analysis
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ActionItem is a normalized action item from email analysis
type ActionItem struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}

// EmailAnalysis is the structured result of an email analysis job
type EmailAnalysis struct {
	MessageID       string       `json:"message_id"`
	Subject         string       `json:"subject"`
	Date            time.Time    `json:"date"`
	Summary         string       `json:"summary"`
	Sentiment       string       `json:"sentiment"`
	Topics          []string     `json:"topics"`
	ActionItems     []ActionItem `json:"action_items"`
	Entities        []Entity     `json:"entities"`
	Intent          string       `json:"intent"`
	ImportanceScore float64      `json:"importance_score"`
	ProcessingTime  float64      `json:"processing_time"`
	JobID           string       `json:"job_id"`
	SourceCategory  string       `json:"source_category"`
}
