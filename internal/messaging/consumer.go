package messaging

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DeadLetterStore receives deliveries drained from dead-letter queues.
type DeadLetterStore interface {
	Record(ctx context.Context, queueName string, delivery amqp.Delivery) error
}

// Consumer owns the AMQP connection: it declares the topology for every
// configured queue and runs one worker loop per consumed queue.
type Consumer struct {
	url      string
	prefetch int
	log      *zap.Logger

	queues     []QueueConfig
	dispatcher *Dispatcher
	dlqStore   DeadLetterStore

	conn      *amqp.Connection
	ch        *amqp.Channel
	publisher Publisher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type ConsumerOptions struct {
	URL      string
	Prefetch int
	Queues   []QueueConfig
	DLQStore DeadLetterStore
}

func NewConsumer(opts ConsumerOptions, dispatcher *Dispatcher, log *zap.Logger) (*Consumer, error) {
	for _, q := range opts.Queues {
		if err := q.Validate(); err != nil {
			return nil, err
		}
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{
		url:        opts.URL,
		prefetch:   prefetch,
		log:        log.Named("messaging.consumer"),
		queues:     opts.Queues,
		dispatcher: dispatcher,
		dlqStore:   opts.DLQStore,
	}, nil
}

// Start connects, declares queues and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	c.conn = conn
	c.ch = ch

	// Republishes ride the consuming channel.
	c.publisher = NewPublisher(ch)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for _, q := range c.queues {
		if err := c.declareTopology(q); err != nil {
			cancel()
			ch.Close()
			conn.Close()
			return err
		}
		if err := c.consumeMain(runCtx, q); err != nil {
			cancel()
			ch.Close()
			conn.Close()
			return err
		}
		if q.DeadLetterQueue != "" && c.dlqStore != nil {
			if err := c.consumeDeadLetters(runCtx, q.DeadLetterQueue); err != nil {
				cancel()
				ch.Close()
				conn.Close()
				return err
			}
		}
	}

	c.log.Info("consumers started",
		zap.Int("queues", len(c.queues)),
		zap.Int("prefetch", c.prefetch),
	)
	return nil
}

// Stop drains the worker loops and closes the connection.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Info("consumers stopped")
	return nil
}

func (c *Consumer) declareTopology(q QueueConfig) error {
	if _, err := c.ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.Name, err)
	}

	// Retry queues dead-letter back to the main queue after their TTL,
	// giving a delay without a timer service.
	if q.RetryQueue != "" {
		args := amqp.Table{
			"x-message-ttl":             q.RetryTTL.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Name,
		}
		if _, err := c.ch.QueueDeclare(q.RetryQueue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare retry queue %s: %w", q.RetryQueue, err)
		}
	}
	for _, rung := range q.RetryLadder {
		args := amqp.Table{
			"x-message-ttl":             rung.TTL.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Name,
		}
		if _, err := c.ch.QueueDeclare(rung.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare ladder queue %s: %w", rung.Name, err)
		}
	}

	if q.DeadLetterQueue != "" {
		if _, err := c.ch.QueueDeclare(q.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead letter queue %s: %w", q.DeadLetterQueue, err)
		}
	}
	return nil
}

func (c *Consumer) consumeMain(ctx context.Context, q QueueConfig) error {
	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				c.dispatcher.Process(ctx, c.publisher, delivery, q)
			}
		}
	}()
	return nil
}

func (c *Consumer) consumeDeadLetters(ctx context.Context, queueName string) error {
	deliveries, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				c.drainDeadLetter(ctx, queueName, delivery)
			}
		}
	}()
	return nil
}

// drainDeadLetter persists one dead-lettered delivery. A persist failure
// returns the message to the DLQ so a later drain attempt can pick it up;
// the DLQ has no downstream dead-letter target, so a non-requeue reject
// would discard it.
func (c *Consumer) drainDeadLetter(ctx context.Context, queueName string, delivery amqp.Delivery) {
	if err := c.dlqStore.Record(ctx, queueName, delivery); err != nil {
		c.log.Error("failed to persist dead-letter message",
			zap.String("queue", queueName),
			zap.Error(err),
		)
		if rejectErr := delivery.Reject(true); rejectErr != nil {
			c.log.Error("failed to reject delivery", zap.Error(rejectErr))
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.log.Error("failed to ack delivery", zap.Error(ackErr))
	}
}
