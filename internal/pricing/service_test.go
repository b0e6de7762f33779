package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/config"
)

func setupPricingDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&FeatureCost{}, &PlanPricing{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, node
}

func newTestService(db *gorm.DB, ttl time.Duration) *Service {
	return NewService(db, config.Config{PricingCacheTTL: ttl})
}

func TestQuoteAppliesPlanMultiplier(t *testing.T) {
	db, node := setupPricingDB(t)
	require.NoError(t, db.Create(&FeatureCost{
		ID:          node.Generate(),
		FeatureKey:  "analysis",
		CostCredits: decimal.RequireFromString("1.50"),
		Active:      true,
	}).Error)
	require.NoError(t, db.Create(&PlanPricing{
		ID:         node.Generate(),
		PlanID:     "pro",
		Multiplier: decimal.RequireFromString("0.5"),
	}).Error)

	svc := newTestService(db, time.Minute)

	cost, err := svc.Quote(context.Background(), "analysis", "pro")
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.75")), cost.String())
}

func TestQuoteDefaultsMultiplierWithoutPlanRow(t *testing.T) {
	db, node := setupPricingDB(t)
	require.NoError(t, db.Create(&FeatureCost{
		ID:          node.Generate(),
		FeatureKey:  "analysis",
		CostCredits: decimal.RequireFromString("2.00"),
		Active:      true,
	}).Error)

	svc := newTestService(db, time.Minute)

	cost, err := svc.Quote(context.Background(), "analysis", "free")
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.RequireFromString("2.00")), cost.String())
}

func TestQuoteUnknownFeature(t *testing.T) {
	db, _ := setupPricingDB(t)
	svc := newTestService(db, time.Minute)

	_, err := svc.Quote(context.Background(), "missing", "pro")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestQuoteIgnoresInactiveFeature(t *testing.T) {
	db, node := setupPricingDB(t)
	require.NoError(t, db.Create(&FeatureCost{
		ID:          node.Generate(),
		FeatureKey:  "analysis",
		CostCredits: decimal.RequireFromString("1.50"),
		Active:      false,
	}).Error)

	svc := newTestService(db, time.Minute)

	_, err := svc.Quote(context.Background(), "analysis", "pro")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestQuoteServesFromCache(t *testing.T) {
	db, node := setupPricingDB(t)
	require.NoError(t, db.Create(&FeatureCost{
		ID:          node.Generate(),
		FeatureKey:  "analysis",
		CostCredits: decimal.RequireFromString("1.50"),
		Active:      true,
	}).Error)

	svc := newTestService(db, time.Minute)

	first, err := svc.Quote(context.Background(), "analysis", "")
	require.NoError(t, err)

	// A price change is invisible until the cache entry expires.
	require.NoError(t, db.Model(&FeatureCost{}).
		Where("feature_key = ?", "analysis").
		Update("cost_credits", decimal.RequireFromString("9.99")).Error)

	second, err := svc.Quote(context.Background(), "analysis", "")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestPlanReturnsLimits(t *testing.T) {
	db, node := setupPricingDB(t)
	perMinute := int64(10)
	require.NoError(t, db.Create(&PlanPricing{
		ID:                 node.Generate(),
		PlanID:             "pro",
		Multiplier:         decimal.NewFromInt(1),
		RateLimitPerMinute: &perMinute,
	}).Error)

	svc := newTestService(db, time.Minute)

	plan, err := svc.Plan(context.Background(), "pro")
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.NotNil(t, plan.RateLimitPerMinute)
	assert.Equal(t, int64(10), *plan.RateLimitPerMinute)
	assert.Nil(t, plan.RateLimitPerDay)
}
