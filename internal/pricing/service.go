package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/cache"
	"github.com/metergate/metergate/internal/config"
)

// ErrUnknownFeature is returned when no active cost exists for a feature key.
var ErrUnknownFeature = errors.New("pricing: unknown feature key")

var Module = fx.Module("pricing",
	fx.Provide(NewService),
)

// Service resolves costs and plan limits with a small read-through cache.
type Service struct {
	db       *gorm.DB
	features cache.Cache[string, FeatureCost]
	plans    cache.Cache[string, PlanPricing]
	ttl      time.Duration
}

func NewService(db *gorm.DB, cfg config.Config) *Service {
	return &Service{
		db:       db,
		features: cache.NewTTLCache[string, FeatureCost](),
		plans:    cache.NewTTLCache[string, PlanPricing](),
		ttl:      cfg.PricingCacheTTL,
	}
}

// Quote returns the credit cost of one invocation of featureKey under planID:
// the feature's base cost times the plan multiplier. Plans without a pricing
// row use a multiplier of one.
func (s *Service) Quote(ctx context.Context, featureKey, planID string) (decimal.Decimal, error) {
	feature, err := s.feature(ctx, featureKey)
	if err != nil {
		return decimal.Zero, err
	}

	multiplier := decimal.NewFromInt(1)
	if plan, err := s.Plan(ctx, planID); err == nil && plan != nil {
		multiplier = plan.Multiplier
	} else if err != nil {
		return decimal.Zero, err
	}

	return feature.CostCredits.Mul(multiplier), nil
}

// Plan returns the plan's pricing row, or nil when the plan has none.
func (s *Service) Plan(ctx context.Context, planID string) (*PlanPricing, error) {
	key := strings.TrimSpace(planID)
	if key == "" {
		return nil, nil
	}
	if cached, ok := s.plans.Get(key); ok {
		return &cached, nil
	}

	var plan PlanPricing
	err := s.db.WithContext(ctx).Where("plan_id = ?", key).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.plans.Set(key, plan, s.ttl)
	return &plan, nil
}

func (s *Service) feature(ctx context.Context, featureKey string) (FeatureCost, error) {
	key := strings.TrimSpace(featureKey)
	if cached, ok := s.features.Get(key); ok {
		return cached, nil
	}

	var feature FeatureCost
	err := s.db.WithContext(ctx).Where("feature_key = ? AND active = ?", key, true).First(&feature).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FeatureCost{}, ErrUnknownFeature
	}
	if err != nil {
		return FeatureCost{}, err
	}

	s.features.Set(key, feature, s.ttl)
	return feature, nil
}
