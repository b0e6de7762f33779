package messaging

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type dlqStoreStub struct {
	err      error
	recorded []string
}

func (s *dlqStoreStub) Record(_ context.Context, queueName string, _ amqp.Delivery) error {
	if s.err != nil {
		return s.err
	}
	s.recorded = append(s.recorded, queueName)
	return nil
}

func newDrainConsumer(store DeadLetterStore) *Consumer {
	return &Consumer{log: zap.NewNop(), dlqStore: store}
}

func TestDrainDeadLetterAcksOnPersist(t *testing.T) {
	store := &dlqStoreStub{}
	c := newDrainConsumer(store)

	acker := &fakeAcker{}
	c.drainDeadLetter(context.Background(), "events_dead", delivery(acker, `{}`, 3))

	assert.Equal(t, []string{"events_dead"}, store.recorded)
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, acker.rejects)
}

func TestDrainDeadLetterRequeuesOnStoreFailure(t *testing.T) {
	store := &dlqStoreStub{err: errors.New("db unavailable")}
	c := newDrainConsumer(store)

	acker := &fakeAcker{}
	c.drainDeadLetter(context.Background(), "events_dead", delivery(acker, `{}`, 3))

	// The DLQ has no downstream dead-letter target: a non-requeue reject
	// would discard the message for good.
	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.rejects)
	assert.True(t, acker.requeue)
}
