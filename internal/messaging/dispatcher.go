package messaging

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/alert"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
)

const bodySnippetLimit = 512

// Dispatcher routes failed deliveries through a queue's retry policy. The
// delivery itself is settled exactly once per attempt; the logical message
// lives on through republishes.
type Dispatcher struct {
	log        *zap.Logger
	alerts     alert.Sink
	obsMetrics *obsmetrics.Metrics
}

func NewDispatcher(log *zap.Logger, alerts alert.Sink, obsMetrics *obsmetrics.Metrics) *Dispatcher {
	return &Dispatcher{
		log:        log.Named("messaging.dispatcher"),
		alerts:     alerts,
		obsMetrics: obsMetrics,
	}
}

// Process invokes the queue's handler for one delivery and settles it.
// Republishes (retry, dead-letter) go through pub, the channel the delivery
// arrived on.
func (d *Dispatcher) Process(ctx context.Context, pub Publisher, delivery amqp.Delivery, cfg QueueConfig) {
	err := cfg.Handler.Handle(ctx, delivery.Body)
	if err == nil {
		d.ack(delivery, cfg.Name)
		return
	}

	if errors.Is(err, ErrInvalidPayload) {
		// Retrying a schema-invalid body will never succeed.
		d.log.Error("invalid payload, dropping without retry",
			zap.String("queue", cfg.Name),
			zap.Error(err),
		)
		d.notifyAsync(alert.Event{
			Kind:        alert.KindInvalidPayload,
			Queue:       cfg.Name,
			BodySnippet: snippet(delivery.Body),
			Error:       err.Error(),
		})
		d.ack(delivery, cfg.Name)
		return
	}

	attempt := attemptFrom(delivery.Headers)
	d.log.Error("handler failed",
		zap.String("queue", cfg.Name),
		zap.Int64("attempt", attempt),
		zap.Error(err),
	)

	if next := nextRetryQueue(cfg, attempt); next != "" {
		headers := copyHeaders(delivery.Headers)
		headers[HeaderRetryAttempt] = attempt + 1
		if pubErr := publish(ctx, pub, next, delivery.Body, headers); pubErr != nil {
			d.requeue(delivery, cfg.Name, pubErr)
			return
		}
		if d.obsMetrics != nil {
			d.obsMetrics.RecordMessageRetry(ctx, cfg.Name)
		}
		d.log.Info("message requeued for retry",
			zap.String("queue", cfg.Name),
			zap.String("retry_queue", next),
			zap.Int64("attempt", attempt+1),
		)
		d.ack(delivery, cfg.Name)
		return
	}

	if cfg.DeadLetterQueue != "" {
		headers := copyHeaders(delivery.Headers)
		headers[HeaderErrorMessage] = err.Error()
		headers[HeaderOriginalQueue] = cfg.Name
		if pubErr := publish(ctx, pub, cfg.DeadLetterQueue, delivery.Body, headers); pubErr != nil {
			d.requeue(delivery, cfg.Name, pubErr)
			return
		}
		if d.obsMetrics != nil {
			d.obsMetrics.RecordDeadLetter(ctx, cfg.Name)
		}
		d.log.Warn("message dead-lettered",
			zap.String("queue", cfg.Name),
			zap.String("dead_letter_queue", cfg.DeadLetterQueue),
			zap.Int64("attempt", attempt),
		)
		d.notifyAsync(alert.Event{
			Kind:        alert.KindDeadLetter,
			Queue:       cfg.DeadLetterQueue,
			BodySnippet: snippet(delivery.Body),
			Error:       err.Error(),
			Attempts:    attempt,
		})
		d.ack(delivery, cfg.Name)
		return
	}

	// No retry policy configured: drop deliberately.
	d.ack(delivery, cfg.Name)
}

// publish treats a missing publisher like a publish failure so the delivery
// is requeued instead of lost.
func publish(ctx context.Context, pub Publisher, queue string, body []byte, headers amqp.Table) error {
	if pub == nil {
		return errors.New("no publisher available")
	}
	return pub.Publish(ctx, queue, body, headers)
}

// nextRetryQueue picks the retry destination for the given attempt count, or
// "" when the policy is exhausted.
func nextRetryQueue(cfg QueueConfig, attempt int64) string {
	if len(cfg.RetryLadder) > 0 {
		if attempt < int64(len(cfg.RetryLadder)) {
			return cfg.RetryLadder[attempt].Name
		}
		return ""
	}
	if cfg.RetryQueue != "" {
		if cfg.MaxRetries == 0 || attempt < cfg.MaxRetries {
			return cfg.RetryQueue
		}
	}
	return ""
}

func (d *Dispatcher) ack(delivery amqp.Delivery, queue string) {
	if err := delivery.Ack(false); err != nil {
		d.log.Error("failed to ack delivery", zap.String("queue", queue), zap.Error(err))
	}
}

func (d *Dispatcher) requeue(delivery amqp.Delivery, queue string, cause error) {
	d.log.Error("republish failed, requeueing delivery",
		zap.String("queue", queue),
		zap.Error(cause),
	)
	if err := delivery.Nack(false, true); err != nil {
		d.log.Error("failed to nack delivery", zap.String("queue", queue), zap.Error(err))
	}
}

// notifyAsync informs the alert sink without blocking or failing the
// dead-letter path.
func (d *Dispatcher) notifyAsync(event alert.Event) {
	if d.alerts == nil {
		return
	}
	go func() {
		if err := d.alerts.Notify(context.Background(), event); err != nil {
			d.log.Error("alert notification failed",
				zap.String("queue", event.Queue),
				zap.Error(err),
			)
		}
	}()
}

func attemptFrom(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}
	switch v := headers[HeaderRetryAttempt].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func copyHeaders(headers amqp.Table) amqp.Table {
	copied := amqp.Table{}
	for k, v := range headers {
		copied[k] = v
	}
	return copied
}

func snippet(body []byte) string {
	if len(body) > bodySnippetLimit {
		return string(body[:bodySnippetLimit])
	}
	return string(body)
}
