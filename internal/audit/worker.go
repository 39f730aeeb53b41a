package audit

import (
	"context"
	"log/slog"
)

// Sink is an optional secondary destination fanned out to after the store,
// typically the Kafka publisher.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Worker consumes audit events from the publisher channel and persists them.
// Sink failures are logged, not fatal: the store is the source of truth and
// the sink is a best-effort feed.
type Worker struct {
	store  Store
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(store Store, sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{store: store, sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				return err
			}
			if w.sink == nil {
				continue
			}
			if err := w.sink.Publish(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "audit sink publish failed",
					slog.String("action", string(event.Action)),
					slog.String("event_id", event.ID.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}
