package handlers

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/messaging"
	messagingdomain "github.com/metergate/metergate/internal/messaging/domain"
)

// DLQRecorder drains dead-letter queues into dlq_messages rows so stuck
// messages can be inspected, retried, or discarded offline.
type DLQRecorder struct {
	db    *gorm.DB
	genID *snowflake.Node
	log   *zap.Logger
}

func NewDLQRecorder(db *gorm.DB, genID *snowflake.Node, log *zap.Logger) *DLQRecorder {
	return &DLQRecorder{
		db:    db,
		genID: genID,
		log:   log.Named("messaging.dlq_drain"),
	}
}

func (r *DLQRecorder) Record(ctx context.Context, queueName string, delivery amqp.Delivery) error {
	entry := messagingdomain.DLQMessage{
		ID:           r.genID.Generate(),
		QueueName:    queueName,
		MessageBody:  string(delivery.Body),
		ErrorMessage: headerString(delivery.Headers, messaging.HeaderErrorMessage),
		Headers:      sanitizeHeaders(delivery.Headers),
		AttemptCount: attemptCount(delivery.Headers),
		Status:       messagingdomain.DLQStatusPending,
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}

	r.log.Info("persisted dead-letter message",
		zap.String("queue", queueName),
		zap.Int64("attempts", entry.AttemptCount),
	)
	return nil
}

func headerString(headers amqp.Table, key string) *string {
	if headers == nil {
		return nil
	}
	switch v := headers[key].(type) {
	case string:
		return &v
	case []byte:
		s := string(v)
		return &s
	default:
		return nil
	}
}

func attemptCount(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}
	switch v := headers[messaging.HeaderRetryAttempt].(type) {
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

// sanitizeHeaders converts AMQP header values to JSON-safe types.
func sanitizeHeaders(headers amqp.Table) datatypes.JSONMap {
	if len(headers) == 0 {
		return nil
	}
	safe := datatypes.JSONMap{}
	for key, value := range headers {
		switch v := value.(type) {
		case []byte:
			safe[key] = string(v)
		case string, int, int32, int64, float32, float64, bool, nil:
			safe[key] = v
		default:
			safe[key] = fmt.Sprintf("%v", v)
		}
	}
	return safe
}
