package notify

import (
	"context"
	"log/slog"
)

// Publisher delivers one notification to an external destination.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Worker consumes notifications from an emitter and hands them to a
// publisher. Publish failures are logged and skipped: the side channel is
// fire-and-forget and must never back-pressure into operations.
type Worker struct {
	publisher Publisher
	inbox     <-chan Notification
	logger    *slog.Logger
}

// NewWorker wires a publisher to an inbox.
func NewWorker(publisher Publisher, inbox <-chan Notification, logger *slog.Logger) *Worker {
	return &Worker{publisher: publisher, inbox: inbox, logger: logger}
}

// Run drains the inbox until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-w.inbox:
			if err := w.publisher.Publish(ctx, n); err != nil {
				w.logger.ErrorContext(ctx, "publish notification failed",
					"event_id", n.EventID,
					"action", n.Action,
					"error", err,
				)
			}
		}
	}
}

// LogPublisher writes notifications to the structured log. The development
// default; production wires the Kafka publisher.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, n Notification) error {
	p.logger.InfoContext(ctx, "recording event",
		"schema_version", n.SchemaVersion,
		"event_id", n.EventID,
		"recording_id", n.RecordingID,
		"root_recording_id", n.RootRecordingID,
		"action", n.Action,
		"recordable_type", n.RecordableType,
		"recordable_id", n.RecordableID,
		"actor_type", n.ActorType,
		"actor_id", n.ActorID,
		"occurred_at", n.OccurredAt,
	)
	return nil
}
