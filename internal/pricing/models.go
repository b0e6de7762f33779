// Package pricing resolves the credit cost of a feature invocation and the
// request limits attached to a plan.
package pricing

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// FeatureCost prices a single feature invocation in credits.
type FeatureCost struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	FeatureKey  string          `gorm:"type:text;uniqueIndex;not null"`
	CostCredits decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Active      bool            `gorm:"not null;default:true"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FeatureCost) TableName() string { return "feature_costs" }

// PlanPricing carries the per-plan cost multiplier and request limits.
// Nil limits mean the window is unlimited.
type PlanPricing struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	PlanID             string          `gorm:"type:text;uniqueIndex;not null"`
	Multiplier         decimal.Decimal `gorm:"type:numeric(10,4);not null;default:1"`
	RateLimitPerMinute *int64          `gorm:"column:rate_limit_per_minute"`
	RateLimitPerDay    *int64          `gorm:"column:rate_limit_per_day"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanPricing) TableName() string { return "plan_pricings" }
