package messaging

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends a message body to a named queue via the default exchange.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

type channelPublisher struct {
	ch *amqp.Channel
}

// NewPublisher wraps an AMQP channel as a Publisher. Messages are persistent
// JSON bodies routed through the default exchange.
func NewPublisher(ch *amqp.Channel) Publisher {
	return &channelPublisher{ch: ch}
}

func (p *channelPublisher) Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	return p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
}

// PublishJSON marshals event and publishes it to queue.
func PublishJSON(ctx context.Context, p Publisher, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.Publish(ctx, queue, body, nil)
}
