// Package domain contains persistence models and contracts for usage metering.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AccessDecision is the validation outcome stored on a usage record.
type AccessDecision string

const (
	DecisionGranted AccessDecision = "GRANTED"
	DecisionDenied  AccessDecision = "DENIED"
)

// UsageStatus is the lifecycle state of a usage record. Every state other
// than PENDING is terminal.
type UsageStatus string

const (
	StatusPending UsageStatus = "PENDING"
	StatusSuccess UsageStatus = "SUCCESS"
	StatusFailed  UsageStatus = "FAILED"
	StatusExpired UsageStatus = "EXPIRED"
)

// UsageRecord stores one validated request. The composite unique index over
// (principal_id, client_request_id, fingerprint) is the idempotency key.
type UsageRecord struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	PrincipalID      snowflake.ID      `gorm:"not null;uniqueIndex:idx_usage_records_idempotency"`
	BillingContextID snowflake.ID      `gorm:"not null"`
	ClientRequestID  string            `gorm:"type:text;not null;uniqueIndex:idx_usage_records_idempotency"`
	Fingerprint      string            `gorm:"type:text;not null;uniqueIndex:idx_usage_records_idempotency"`
	AccessDecision   AccessDecision    `gorm:"type:text;not null"`
	FeatureKey       string            `gorm:"type:text;not null"`
	Endpoint         string            `gorm:"type:text;not null"`
	Method           string            `gorm:"type:text;not null"`
	ClientIP         *string           `gorm:"type:text"`
	ClientUserAgent  *string           `gorm:"type:text"`
	UsageEstimate    datatypes.JSONMap `gorm:"type:jsonb"`
	EstimatedCost    decimal.Decimal   `gorm:"type:numeric(20,6);not null"`
	FinalCost        *decimal.Decimal  `gorm:"type:numeric(20,6)"`
	Status           UsageStatus       `gorm:"type:text;not null;default:'PENDING';index"`
	CommittedAt      *time.Time
	ModelUsed        *string `gorm:"type:text"`
	InputTokens      *int64
	OutputTokens     *int64
	LatencyMS        *int64
	FailureKind      *string   `gorm:"type:text"`
	FailureReason    *string   `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// BillingContext tracks a principal's credit allocation and consumption for
// the current billing period. credits_used only moves through the atomic
// increment in the commit transaction.
type BillingContext struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	PrincipalID       snowflake.ID    `gorm:"uniqueIndex;not null"`
	PlanID            string          `gorm:"type:text;not null"`
	CreditsAllocation decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreditsUsed       decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	PeriodStart       time.Time       `gorm:"not null"`
	PeriodEnd         time.Time       `gorm:"not null"`
	CreatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingContext) TableName() string { return "billing_contexts" }

// UsageResult holds the opaque result payload attached to a successful
// commit, addressable independently of the usage record.
type UsageResult struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	UsageRecordID snowflake.ID   `gorm:"uniqueIndex;not null"`
	PrincipalID   snowflake.ID   `gorm:"index;not null"`
	FeatureKey    string         `gorm:"type:text;not null"`
	ResultPayload datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageResult) TableName() string { return "usage_results" }
