// Package alert notifies operators about messages the dispatcher gave up on.
package alert

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindDeadLetter     = "dead_letter"
	KindInvalidPayload = "invalid_payload"
)

// Event describes a message that reached a terminal failure path.
type Event struct {
	Kind        string
	Queue       string
	BodySnippet string
	Error       string
	Attempts    int64
}

type Sink interface {
	Notify(ctx context.Context, event Event) error
}

var Module = fx.Module("alert",
	fx.Provide(NewLogSink),
)

// LogSink reports alert events through the application logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) Sink {
	return &LogSink{log: log.Named("alert")}
}

func (s *LogSink) Notify(_ context.Context, event Event) error {
	s.log.Error("message alert",
		zap.String("kind", event.Kind),
		zap.String("queue", event.Queue),
		zap.String("error", event.Error),
		zap.Int64("attempts", event.Attempts),
		zap.String("body", event.BodySnippet),
	)
	return nil
}

// NoopSink discards alert events.
type NoopSink struct{}

func (NoopSink) Notify(context.Context, Event) error { return nil }
