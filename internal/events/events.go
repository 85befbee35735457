package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"docuralis/apps/migrator/internal/config"
	"docuralis/apps/migrator/internal/pipeline"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Completion struct {
	RunID        string            `json:"run_id"`
	CollectionID string            `json:"collection_id"`
	DryRun       bool              `json:"dry_run"`
	Outcome      string            `json:"outcome"`
	Error        string            `json:"error,omitempty"`
	Stats        pipeline.Snapshot `json:"stats"`
	FinishedAt   time.Time         `json:"finished_at"`
}

const (
	OutcomeSucceeded   = "succeeded"
	OutcomeDegraded    = "degraded"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
	OutcomeAborted     = "aborted"
)

// Notifier publishes failures and run completions. A nil Notifier or one
// without a publisher does nothing.
type Notifier struct {
	pub Publisher
}

var _ pipeline.FailureReporter = (*Notifier)(nil)

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) ReportFailure(ctx context.Context, f pipeline.Failure) {
	n.publish(ctx, config.TopicMigrationFailure, f)
}

func (n *Notifier) Completed(ctx context.Context, c Completion) {
	n.publish(ctx, config.TopicMigrationComplete, c)
}

func (n *Notifier) publish(ctx context.Context, topic string, v any) {
	if n == nil || n.pub == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := n.pub.Publish(topic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}
