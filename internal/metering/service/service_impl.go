// Package service implements the usage metering engine: the idempotent
// validate→log→commit lifecycle over usage records and billing contexts.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/fingerprint"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/ratelimit"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Pricing    *pricing.Service
	Limiter    *ratelimit.Limiter
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	pricing    *pricing.Service
	limiter    *ratelimit.Limiter
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) meteringdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("metering.service"),

		genID:      p.GenID,
		pricing:    p.Pricing,
		limiter:    p.Limiter,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Validate(
	ctx context.Context,
	req meteringdomain.ValidateRequest,
) (*meteringdomain.ValidateResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	fp := fingerprint.Compute(req.Endpoint, req.Method, req.PayloadHash, req.FeatureKey, req.UsageEstimate)

	// Idempotent replay short-circuits everything: a replay must not consume
	// another rate-limit slot or re-check quota.
	if existing, err := s.findByIdempotencyKey(ctx, req.PrincipalID, req.ClientRequestID, fp); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replayResponse(ctx, existing, req), nil
	}

	billingCtx, err := s.findBillingContext(ctx, req)
	if err != nil {
		return nil, err
	}
	if billingCtx == nil {
		s.recordValidation(ctx, req.FeatureKey, "no_billing_context")
		return &meteringdomain.ValidateResponse{
			Decision:   meteringdomain.DecisionDenied,
			Message:    "No active billing context found.",
			StatusCode: http.StatusPaymentRequired,
		}, nil
	}

	planID := billingCtx.PlanID
	if req.PlanID != "" {
		planID = req.PlanID
	}

	plan, err := s.pricing.Plan(ctx, planID)
	if err != nil {
		return nil, err
	}

	snapshot := s.limiter.Check(ctx, req.PrincipalID.String(), planLimits(plan))
	if snapshot.FailedOpen && s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitFailOpen(ctx, req.Endpoint)
	}
	if !snapshot.Allowed {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(ctx, req.Endpoint, snapshot.ExceededWindow)
		}
		s.log.Warn("rate limit exceeded",
			zap.String("principal_id", req.PrincipalID.String()),
			zap.String("window", snapshot.ExceededWindow),
		)
		return &meteringdomain.ValidateResponse{
			Decision:   meteringdomain.DecisionDenied,
			Message:    rateLimitMessage(snapshot),
			StatusCode: http.StatusTooManyRequests,
			RateLimit:  snapshot,
		}, nil
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitAllowed(ctx, req.Endpoint)
	}

	estimatedCost, err := s.pricing.Quote(ctx, req.FeatureKey, planID)
	if err != nil {
		return nil, err
	}

	decision, message, statusCode := checkQuota(billingCtx, estimatedCost)

	now := s.clock.Now()
	record := &meteringdomain.UsageRecord{
		ID:               s.genID.Generate(),
		PrincipalID:      req.PrincipalID,
		BillingContextID: billingCtx.ID,
		ClientRequestID:  req.ClientRequestID,
		Fingerprint:      fp,
		AccessDecision:   decision,
		FeatureKey:       req.FeatureKey,
		Endpoint:         req.Endpoint,
		Method:           req.Method,
		ClientIP:         optionalString(req.ClientIP),
		ClientUserAgent:  optionalString(req.ClientUserAgent),
		UsageEstimate:    estimateMap(req.UsageEstimate),
		EstimatedCost:    estimatedCost,
		Status:           meteringdomain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	inserted, err := s.insertUsageRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent duplicate won the insert; fall back to replay.
		existing, err := s.findByIdempotencyKey(ctx, req.PrincipalID, req.ClientRequestID, fp)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("usage record insert conflict without existing row")
		}
		return s.replayResponse(ctx, existing, req), nil
	}

	s.recordValidation(ctx, req.FeatureKey, strings.ToLower(string(decision)))
	s.log.Info("usage logged",
		zap.String("principal_id", req.PrincipalID.String()),
		zap.String("record_id", record.ID.String()),
		zap.String("access_decision", string(decision)),
		zap.String("feature_key", req.FeatureKey),
		zap.String("estimated_cost", estimatedCost.String()),
	)

	return &meteringdomain.ValidateResponse{
		Decision:     decision,
		RecordID:     &record.ID,
		Message:      message,
		ReservedCost: &estimatedCost,
		StatusCode:   statusCode,
		RateLimit:    snapshot,
	}, nil
}

func (s *Service) Commit(
	ctx context.Context,
	req meteringdomain.CommitRequest,
) (*meteringdomain.CommitResponse, error) {
	var record meteringdomain.UsageRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", req.RecordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &meteringdomain.CommitResponse{
			OK:      true,
			Message: "Usage record not found, but operation is idempotent.",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if record.PrincipalID != req.PrincipalID {
		s.log.Warn("usage commit ownership mismatch",
			zap.String("record_id", req.RecordID.String()),
			zap.String("record_principal", record.PrincipalID.String()),
			zap.String("caller_principal", req.PrincipalID.String()),
		)
		return &meteringdomain.CommitResponse{
			OK:      false,
			Message: "Principal does not own this usage record.",
		}, nil
	}

	if record.Status != meteringdomain.StatusPending {
		return &meteringdomain.CommitResponse{
			OK:      true,
			Message: "Usage record already committed, operation is idempotent.",
		}, nil
	}

	status := meteringdomain.StatusFailed
	if req.Succeeded {
		status = meteringdomain.StatusSuccess
	}

	finalCost := record.EstimatedCost
	if req.FinalCost != nil {
		finalCost = *req.FinalCost
	}

	committed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := commitUpdates(status, s.clock.Now(), req)
		if req.Succeeded {
			updates["final_cost"] = finalCost
		}

		// Compare-and-set on PENDING: exactly one concurrent committer wins
		// the terminal transition.
		result := tx.Model(&meteringdomain.UsageRecord{}).
			Where("id = ? AND status = ?", record.ID, meteringdomain.StatusPending).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		committed = true

		if req.Succeeded {
			if err := tx.Model(&meteringdomain.BillingContext{}).
				Where("id = ?", record.BillingContextID).
				UpdateColumn("credits_used", gorm.Expr("credits_used + ?", finalCost)).Error; err != nil {
				return err
			}

			if len(req.ResultPayload) > 0 {
				result := meteringdomain.UsageResult{
					ID:            s.genID.Generate(),
					UsageRecordID: record.ID,
					PrincipalID:   record.PrincipalID,
					FeatureKey:    record.FeatureKey,
					ResultPayload: datatypes.JSON(req.ResultPayload),
				}
				if err := tx.Create(&result).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !committed {
		return &meteringdomain.CommitResponse{
			OK:      true,
			Message: "Usage record already committed, operation is idempotent.",
		}, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCommit(ctx, string(status))
	}
	s.log.Info("usage committed",
		zap.String("record_id", record.ID.String()),
		zap.String("status", string(status)),
		zap.String("final_cost", finalCost.String()),
	)

	return &meteringdomain.CommitResponse{
		OK:      true,
		Message: fmt.Sprintf("Usage committed as %s.", status),
	}, nil
}

func (s *Service) Result(
	ctx context.Context,
	principalID, recordID snowflake.ID,
) (*meteringdomain.UsageResult, error) {
	var result meteringdomain.UsageResult
	err := s.db.WithContext(ctx).
		First(&result, "usage_record_id = ? AND principal_id = ?", recordID, principalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, meteringdomain.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ExpirePending flips records stuck in PENDING past the TTL to the terminal
// EXPIRED state.
func (s *Service) ExpirePending(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&meteringdomain.UsageRecord{}).
		Where("status = ? AND created_at < ?", meteringdomain.StatusPending, olderThan).
		Updates(map[string]any{
			"status":       meteringdomain.StatusExpired,
			"committed_at": s.clock.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordExpired(ctx, result.RowsAffected)
		}
		s.log.Info("expired pending usage records", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Service) findByIdempotencyKey(
	ctx context.Context,
	principalID snowflake.ID,
	clientRequestID, fp string,
) (*meteringdomain.UsageRecord, error) {
	var record meteringdomain.UsageRecord
	err := s.db.WithContext(ctx).
		First(&record, "principal_id = ? AND client_request_id = ? AND fingerprint = ?",
			principalID, clientRequestID, fp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// findBillingContext resolves by explicit id when supplied, otherwise by
// principal. An id owned by a different principal resolves to nothing.
func (s *Service) findBillingContext(
	ctx context.Context,
	req meteringdomain.ValidateRequest,
) (*meteringdomain.BillingContext, error) {
	var billingCtx meteringdomain.BillingContext
	query := s.db.WithContext(ctx)
	var err error
	if req.BillingContextID != nil {
		err = query.First(&billingCtx, "id = ? AND principal_id = ?", *req.BillingContextID, req.PrincipalID).Error
	} else {
		err = query.First(&billingCtx, "principal_id = ?", req.PrincipalID).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &billingCtx, nil
}

func (s *Service) insertUsageRecord(ctx context.Context, record *meteringdomain.UsageRecord) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "principal_id"},
			{Name: "client_request_id"},
			{Name: "fingerprint"},
		},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) replayResponse(
	ctx context.Context,
	record *meteringdomain.UsageRecord,
	req meteringdomain.ValidateRequest,
) *meteringdomain.ValidateResponse {
	s.log.Info("idempotent request replay",
		zap.String("principal_id", record.PrincipalID.String()),
		zap.String("client_request_id", record.ClientRequestID),
		zap.String("record_id", record.ID.String()),
		zap.String("access_decision", string(record.AccessDecision)),
	)
	s.recordValidation(ctx, req.FeatureKey, "replay")

	reserved := record.EstimatedCost
	return &meteringdomain.ValidateResponse{
		Decision:     record.AccessDecision,
		RecordID:     &record.ID,
		Message:      fmt.Sprintf("Request already processed (idempotent). Access: %s", record.AccessDecision),
		ReservedCost: &reserved,
		StatusCode:   http.StatusOK,
		Replayed:     true,
	}
}

func (s *Service) recordValidation(ctx context.Context, featureKey, decision string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordValidation(ctx, featureKey, decision)
	}
}

func checkQuota(
	billingCtx *meteringdomain.BillingContext,
	estimatedCost decimal.Decimal,
) (meteringdomain.AccessDecision, string, int) {
	remaining := billingCtx.CreditsAllocation.Sub(billingCtx.CreditsUsed)
	if billingCtx.CreditsUsed.Add(estimatedCost).Cmp(billingCtx.CreditsAllocation) <= 0 {
		return meteringdomain.DecisionGranted,
			fmt.Sprintf("Access granted. %s credits remaining after this request.",
				remaining.Sub(estimatedCost).StringFixed(2)),
			http.StatusOK
	}
	return meteringdomain.DecisionDenied,
		fmt.Sprintf("Quota exceeded. Used %s/%s credits. This request requires %s credits.",
			billingCtx.CreditsUsed.StringFixed(2),
			billingCtx.CreditsAllocation.StringFixed(2),
			estimatedCost.StringFixed(2)),
		http.StatusTooManyRequests
}

func rateLimitMessage(snapshot *ratelimit.Snapshot) string {
	window := snapshot.Minute
	unit := "minute"
	if snapshot.ExceededWindow == ratelimit.WindowDay {
		window = snapshot.Day
		unit = "day"
	}
	return fmt.Sprintf("Rate limit exceeded. Limit: %d requests/%s. Try again in %d seconds.",
		window.Limit, unit, int64(snapshot.RetryAfter.Seconds()))
}

func planLimits(plan *pricing.PlanPricing) ratelimit.Limits {
	if plan == nil {
		return ratelimit.Limits{}
	}
	return ratelimit.Limits{
		PerMinute: plan.RateLimitPerMinute,
		PerDay:    plan.RateLimitPerDay,
	}
}

func commitUpdates(
	status meteringdomain.UsageStatus,
	now time.Time,
	req meteringdomain.CommitRequest,
) map[string]any {
	updates := map[string]any{
		"status":       status,
		"committed_at": now,
	}
	if req.Metrics != nil {
		if req.Metrics.ModelUsed != nil {
			updates["model_used"] = *req.Metrics.ModelUsed
		}
		if req.Metrics.InputTokens != nil {
			updates["input_tokens"] = *req.Metrics.InputTokens
		}
		if req.Metrics.OutputTokens != nil {
			updates["output_tokens"] = *req.Metrics.OutputTokens
		}
		if req.Metrics.LatencyMS != nil {
			updates["latency_ms"] = *req.Metrics.LatencyMS
		}
	}
	if !req.Succeeded && req.Failure != nil {
		updates["failure_kind"] = req.Failure.Kind
		updates["failure_reason"] = req.Failure.Reason
	}
	return updates
}

func validateRequest(req meteringdomain.ValidateRequest) error {
	if req.PrincipalID == 0 {
		return meteringdomain.ErrInvalidPrincipal
	}
	if strings.TrimSpace(req.ClientRequestID) == "" {
		return meteringdomain.ErrInvalidRequestID
	}
	if strings.TrimSpace(req.FeatureKey) == "" {
		return meteringdomain.ErrInvalidFeature
	}
	if strings.TrimSpace(req.Endpoint) == "" || strings.TrimSpace(req.Method) == "" {
		return meteringdomain.ErrInvalidEndpoint
	}
	return nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func estimateMap(estimate *fingerprint.UsageEstimate) datatypes.JSONMap {
	if estimate.Empty() {
		return nil
	}
	m := datatypes.JSONMap{}
	if estimate.InputChars != nil {
		m["input_chars"] = *estimate.InputChars
	}
	if estimate.MaxOutputTokens != nil {
		m["max_output_tokens"] = *estimate.MaxOutputTokens
	}
	if estimate.Model != nil {
		m["model"] = *estimate.Model
	}
	return m
}
