// Package domain contains persistence models for message delivery.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DLQMessageStatus is the triage state of a drained dead-letter message.
type DLQMessageStatus string

const (
	DLQStatusPending   DLQMessageStatus = "pending"
	DLQStatusRetried   DLQMessageStatus = "retried"
	DLQStatusDiscarded DLQMessageStatus = "discarded"
)

// DLQMessage is a dead-lettered message drained into the database so it can
// be inspected, retried, or discarded.
type DLQMessage struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	QueueName    string            `gorm:"type:text;not null;index"`
	MessageBody  string            `gorm:"type:text;not null"`
	ErrorMessage *string           `gorm:"type:text"`
	Headers      datatypes.JSONMap `gorm:"type:jsonb"`
	AttemptCount int64             `gorm:"not null;default:0"`
	Status       DLQMessageStatus  `gorm:"type:text;not null;default:'pending';index"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DLQMessage) TableName() string { return "dlq_messages" }
