// Package messaging implements reliable at-least-once delivery on top of
// AMQP: per-queue retry ladders built from TTL'd queues that dead-letter back
// to the main queue, and a terminal dead-letter path with alerting.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Metadata headers carried across republishes.
const (
	HeaderRetryAttempt  = "x-retry-attempt"
	HeaderErrorMessage  = "x-error-message"
	HeaderOriginalQueue = "x-original-queue"
)

// ErrInvalidPayload marks a message body that can never be processed.
// Handlers return it (wrapped or bare) to skip the retry ladder: the message
// is alerted and acknowledged immediately.
var ErrInvalidPayload = errors.New("invalid message payload")

// Handler processes one message body. A nil return acknowledges the message;
// any other error enters the queue's retry policy.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// RetryRung is one step of a retry ladder.
type RetryRung struct {
	Name string
	TTL  time.Duration
}

// QueueConfig declares the topology and retry policy for one logical queue.
type QueueConfig struct {
	Name    string
	Handler Handler

	// Single-retry mode: one retry queue with a fixed TTL and a bounded
	// attempt count (0 means unbounded).
	RetryQueue string
	RetryTTL   time.Duration
	MaxRetries int64

	// Ladder mode: ordered retry queues with increasing TTLs. Mutually
	// exclusive with RetryQueue.
	RetryLadder []RetryRung

	DeadLetterQueue string
}

// Validate rejects contradictory retry configuration.
func (c QueueConfig) Validate() error {
	if c.Name == "" {
		return errors.New("queue config requires a name")
	}
	if c.Handler == nil {
		return fmt.Errorf("queue %q requires a handler", c.Name)
	}
	if c.RetryQueue != "" && len(c.RetryLadder) > 0 {
		return fmt.Errorf("queue %q: specify either a retry queue or a retry ladder, not both", c.Name)
	}
	if c.RetryQueue != "" && c.RetryTTL <= 0 {
		return fmt.Errorf("queue %q: retry queue requires a TTL", c.Name)
	}
	for _, rung := range c.RetryLadder {
		if rung.Name == "" || rung.TTL <= 0 {
			return fmt.Errorf("queue %q: every ladder rung requires a name and a TTL", c.Name)
		}
	}
	return nil
}
