package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/types"
)

// Notification describes a finished job to the outside world
type Notification struct {
	JobID       string          `json:"job_id"`
	Type        types.JobType   `json:"type"`
	Status      types.JobStatus `json:"status"`
	Owner       string          `json:"owner,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Notifier delivers completion notifications. Delivery is best effort
// on every implementation: a failed notification never fails the job.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// Config selects and configures a notification channel
type Config struct {
	Channel   string
	URL       string
	Timeout   time.Duration
	AuthToken string

	OutcomeLogPath    string
	OutcomeLogSizeMB  int
	OutcomeLogBackups int
}

// New builds the configured notifier. Unknown channels and "none"
// return a no-op.
func New(cfg Config) Notifier {
	outcomes := outcomeLogger(cfg)
	switch cfg.Channel {
	case "webhook":
		return NewWebhook(cfg.URL, cfg.Timeout, cfg.AuthToken, outcomes)
	case "email":
		return &logOnly{channel: "email", outcomes: outcomes}
	case "sms":
		return &logOnly{channel: "sms", outcomes: outcomes}
	default:
		return &noop{}
	}
}

// outcomeLogger writes delivery outcomes to a rotating file so
// operators can audit notifications without scraping service logs.
func outcomeLogger(cfg Config) zerolog.Logger {
	if cfg.OutcomeLogPath == "" {
		return *log.WithComponent("notifier")
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.OutcomeLogPath,
		MaxSize:    cfg.OutcomeLogSizeMB,
		MaxBackups: cfg.OutcomeLogBackups,
	}
	return zerolog.New(sink).With().Timestamp().Str("component", "notifier").Logger()
}

// logOnly stands in for channels without a real integration yet. The
// notification content is logged so nothing is silently dropped.
type logOnly struct {
	channel  string
	outcomes zerolog.Logger
}

func (l *logOnly) Notify(ctx context.Context, n *Notification) error {
	l.outcomes.Info().
		Str("channel", l.channel).
		Str("job_id", n.JobID).
		Str("status", string(n.Status)).
		Msg("notification logged (channel has no delivery integration)")
	return nil
}

type noop struct{}

func (noop) Notify(ctx context.Context, n *Notification) error { return nil }

// Ensure implementations stay aligned with the interface
var (
	_ Notifier = (*Webhook)(nil)
	_ Notifier = (*logOnly)(nil)
	_ Notifier = noop{}
)

func truncateBody(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return fmt.Sprintf("%s... (%d bytes total)", body[:limit], len(body))
}
