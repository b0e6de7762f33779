package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/alert"
)

// fakeAcker records delivery settlement calls.
type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	a.requeue = requeue
	return nil
}

type published struct {
	queue   string
	body    []byte
	headers amqp.Table
}

// stubPublisher records publishes and can be told to fail.
type stubPublisher struct {
	mu        sync.Mutex
	messages  []published
	failState error
}

func (p *stubPublisher) Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failState != nil {
		return p.failState
	}
	p.messages = append(p.messages, published{queue: queue, body: body, headers: headers})
	return nil
}

// recordingSink captures alert events on a channel so async notification can
// be awaited.
type recordingSink struct {
	events chan alert.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan alert.Event, 8)}
}

func (s *recordingSink) Notify(_ context.Context, event alert.Event) error {
	s.events <- event
	return nil
}

func (s *recordingSink) await(t *testing.T) alert.Event {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert event")
		return alert.Event{}
	}
}

func (s *recordingSink) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case event := <-s.events:
		t.Fatalf("unexpected alert event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func delivery(acker *fakeAcker, body string, attempt int64) amqp.Delivery {
	headers := amqp.Table{}
	if attempt > 0 {
		headers[HeaderRetryAttempt] = attempt
	}
	return amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(body),
		Headers:      headers,
	}
}

func failingHandler(err error) Handler {
	return HandlerFunc(func(ctx context.Context, body []byte) error { return err })
}

func newTestDispatcher(sink alert.Sink) *Dispatcher {
	return NewDispatcher(zap.NewNop(), sink, nil)
}

func TestProcessSuccessAcks(t *testing.T) {
	pub := &stubPublisher{}
	sink := newRecordingSink()
	d := newTestDispatcher(sink)

	handled := false
	cfg := QueueConfig{
		Name: "events",
		Handler: HandlerFunc(func(ctx context.Context, body []byte) error {
			handled = true
			return nil
		}),
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), pub, delivery(acker, `{}`, 0), cfg)

	assert.True(t, handled)
	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, pub.messages)
	sink.assertSilent(t)
}

func TestProcessRetriesViaSingleRetryQueue(t *testing.T) {
	pub := &stubPublisher{}
	d := newTestDispatcher(newRecordingSink())

	cfg := QueueConfig{
		Name:            "events",
		Handler:         failingHandler(errors.New("boom")),
		RetryQueue:      "events_retry",
		RetryTTL:        30 * time.Second,
		MaxRetries:      3,
		DeadLetterQueue: "events_dead",
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), pub, delivery(acker, `{"id":1}`, 0), cfg)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "events_retry", pub.messages[0].queue)
	assert.Equal(t, []byte(`{"id":1}`), pub.messages[0].body)
	assert.Equal(t, int64(1), pub.messages[0].headers[HeaderRetryAttempt])
	assert.Equal(t, 1, acker.acks)
}

func TestProcessDeadLettersAfterMaxRetries(t *testing.T) {
	pub := &stubPublisher{}
	sink := newRecordingSink()
	d := newTestDispatcher(sink)

	cfg := QueueConfig{
		Name:            "events",
		Handler:         failingHandler(errors.New("boom")),
		RetryQueue:      "events_retry",
		RetryTTL:        30 * time.Second,
		MaxRetries:      3,
		DeadLetterQueue: "events_dead",
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), pub, delivery(acker, `{"id":1}`, 3), cfg)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "events_dead", pub.messages[0].queue)
	assert.Equal(t, "boom", pub.messages[0].headers[HeaderErrorMessage])
	assert.Equal(t, "events", pub.messages[0].headers[HeaderOriginalQueue])
	assert.Equal(t, 1, acker.acks)

	event := sink.await(t)
	assert.Equal(t, alert.KindDeadLetter, event.Kind)
	assert.Equal(t, "events_dead", event.Queue)
	assert.Equal(t, int64(3), event.Attempts)
}

func TestProcessLadderTermination(t *testing.T) {
	// A handler that always fails walks every rung exactly once and then
	// appears exactly once in the dead-letter queue.
	pub := &stubPublisher{}
	sink := newRecordingSink()
	d := newTestDispatcher(sink)

	cfg := QueueConfig{
		Name:    "events",
		Handler: failingHandler(errors.New("always fails")),
		RetryLadder: []RetryRung{
			{Name: "events_retry_30s", TTL: 30 * time.Second},
			{Name: "events_retry_2m", TTL: 2 * time.Minute},
			{Name: "events_retry_10m", TTL: 10 * time.Minute},
		},
		DeadLetterQueue: "events_dead",
	}

	body := `{"id":42}`
	for attempt := int64(0); attempt <= 3; attempt++ {
		acker := &fakeAcker{}
		d.Process(context.Background(), pub, delivery(acker, body, attempt), cfg)
		assert.Equal(t, 1, acker.acks, "attempt %d", attempt)
	}

	require.Len(t, pub.messages, 4)
	assert.Equal(t, "events_retry_30s", pub.messages[0].queue)
	assert.Equal(t, "events_retry_2m", pub.messages[1].queue)
	assert.Equal(t, "events_retry_10m", pub.messages[2].queue)
	assert.Equal(t, "events_dead", pub.messages[3].queue)

	// The dead-lettered copy carries the final attempt count and origin.
	assert.Equal(t, int64(3), pub.messages[2].headers[HeaderRetryAttempt])
	assert.Equal(t, "events", pub.messages[3].headers[HeaderOriginalQueue])

	event := sink.await(t)
	assert.Equal(t, alert.KindDeadLetter, event.Kind)
	assert.Equal(t, int64(3), event.Attempts)
	sink.assertSilent(t)
}

func TestProcessInvalidPayloadAlertsAndAcks(t *testing.T) {
	pub := &stubPublisher{}
	sink := newRecordingSink()
	d := newTestDispatcher(sink)

	cfg := QueueConfig{
		Name:            "events",
		Handler:         failingHandler(fmt.Errorf("%w: missing record_id", ErrInvalidPayload)),
		RetryQueue:      "events_retry",
		RetryTTL:        30 * time.Second,
		MaxRetries:      3,
		DeadLetterQueue: "events_dead",
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), pub, delivery(acker, `{"bad":true}`, 0), cfg)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, pub.messages)

	event := sink.await(t)
	assert.Equal(t, alert.KindInvalidPayload, event.Kind)
	assert.Equal(t, "events", event.Queue)
}

func TestProcessNoRetryPolicyDrops(t *testing.T) {
	pub := &stubPublisher{}
	sink := newRecordingSink()
	d := newTestDispatcher(sink)

	cfg := QueueConfig{
		Name:    "events",
		Handler: failingHandler(errors.New("boom")),
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), pub, delivery(acker, `{}`, 0), cfg)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, pub.messages)
	sink.assertSilent(t)
}

func TestProcessRepublishFailureRequeuesDelivery(t *testing.T) {
	pub := &stubPublisher{failState: errors.New("broker unavailable")}
	d := newTestDispatcher(newRecordingSink())

	cfg := QueueConfig{
		Name:       "events",
		Handler:    failingHandler(errors.New("boom")),
		RetryQueue: "events_retry",
		RetryTTL:   30 * time.Second,
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), pub, delivery(acker, `{}`, 0), cfg)

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
}

func TestQueueConfigValidate(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, body []byte) error { return nil })

	valid := QueueConfig{
		Name:       "events",
		Handler:    handler,
		RetryQueue: "events_retry",
		RetryTTL:   time.Second,
	}
	assert.NoError(t, valid.Validate())

	both := valid
	both.RetryLadder = []RetryRung{{Name: "r1", TTL: time.Second}}
	assert.Error(t, both.Validate())

	noTTL := QueueConfig{Name: "events", Handler: handler, RetryQueue: "events_retry"}
	assert.Error(t, noTTL.Validate())

	noHandler := QueueConfig{Name: "events"}
	assert.Error(t, noHandler.Validate())

	badRung := QueueConfig{
		Name:        "events",
		Handler:     handler,
		RetryLadder: []RetryRung{{Name: "", TTL: time.Second}},
	}
	assert.Error(t, badRung.Validate())
}

func TestProcessWithoutPublisherRequeuesDelivery(t *testing.T) {
	d := newTestDispatcher(newRecordingSink())

	cfg := QueueConfig{
		Name:       "events",
		Handler:    failingHandler(errors.New("boom")),
		RetryQueue: "events_retry",
		RetryTTL:   30 * time.Second,
	}

	acker := &fakeAcker{}
	d.Process(context.Background(), nil, delivery(acker, `{}`, 0), cfg)

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
}
