package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"github.com/metergate/metergate/internal/fingerprint"
	"github.com/metergate/metergate/internal/ratelimit"
)

type ValidateRequest struct {
	PrincipalID     snowflake.ID               `json:"principal_id"`
	ClientRequestID string                     `json:"client_request_id"`
	FeatureKey      string                     `json:"feature_key"`
	Endpoint        string                     `json:"endpoint"`
	Method          string                     `json:"method"`
	PayloadHash     string                     `json:"payload_hash"`
	ClientIP        string                     `json:"client_ip,omitempty"`
	ClientUserAgent string                     `json:"client_user_agent,omitempty"`
	UsageEstimate   *fingerprint.UsageEstimate `json:"usage_estimate,omitempty"`

	// Optional caller-supplied hints; resolved from storage when absent.
	PlanID           string        `json:"plan_id,omitempty"`
	BillingContextID *snowflake.ID `json:"billing_context_id,omitempty"`
}

type ValidateResponse struct {
	Decision     AccessDecision      `json:"access"`
	RecordID     *snowflake.ID       `json:"record_id,omitempty"`
	Message      string              `json:"message"`
	ReservedCost *decimal.Decimal    `json:"credits_reserved,omitempty"`
	StatusCode   int                 `json:"-"`
	RateLimit    *ratelimit.Snapshot `json:"-"`
	Replayed     bool                `json:"-"`
}

// OutcomeMetrics carries optional measurements attached on commit.
type OutcomeMetrics struct {
	ModelUsed    *string `json:"model_used,omitempty"`
	InputTokens  *int64  `json:"input_tokens,omitempty"`
	OutputTokens *int64  `json:"output_tokens,omitempty"`
	LatencyMS    *int64  `json:"latency_ms,omitempty"`
}

// FailureDetail classifies a failed request. Required when a commit reports
// failure; enforced at the transport boundary.
type FailureDetail struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type CommitRequest struct {
	PrincipalID   snowflake.ID     `json:"principal_id"`
	RecordID      snowflake.ID     `json:"record_id"`
	Succeeded     bool             `json:"success"`
	FinalCost     *decimal.Decimal `json:"final_cost,omitempty"`
	Metrics       *OutcomeMetrics  `json:"metrics,omitempty"`
	Failure       *FailureDetail   `json:"failure,omitempty"`
	ResultPayload json.RawMessage  `json:"result_payload,omitempty"`
}

type CommitResponse struct {
	OK      bool   `json:"success"`
	Message string `json:"message"`
}

type Service interface {
	Validate(context.Context, ValidateRequest) (*ValidateResponse, error)
	Commit(context.Context, CommitRequest) (*CommitResponse, error)
	Result(ctx context.Context, principalID, recordID snowflake.ID) (*UsageResult, error)
	ExpirePending(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	ErrInvalidPrincipal = errors.New("invalid_principal")
	ErrInvalidRequestID = errors.New("invalid_request_id")
	ErrInvalidFeature   = errors.New("invalid_feature_key")
	ErrInvalidEndpoint  = errors.New("invalid_endpoint")
	ErrResultNotFound   = errors.New("result_not_found")
)
