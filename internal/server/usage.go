package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/metergate/metergate/internal/fingerprint"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	"github.com/metergate/metergate/internal/ratelimit"
)

const (
	maxInputChars      = 10_000_000
	maxOutputTokens    = 1_000_000
	maxModelNameLength = 256
)

func (s *Server) ValidateUsage(c *gin.Context) {
	var req meteringdomain.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}
	if err := validateEstimate(req.UsageEstimate); err != nil {
		AbortWithError(c, err)
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = c.ClientIP()
	}
	if req.ClientUserAgent == "" {
		req.ClientUserAgent = c.Request.UserAgent()
	}

	resp, err := s.svc.Validate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	setRateLimitHeaders(c, resp.RateLimit)
	c.JSON(resp.StatusCode, resp)
}

func (s *Server) CommitUsage(c *gin.Context) {
	var req meteringdomain.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}
	if !req.Succeeded && req.Failure == nil {
		AbortWithError(c, newValidationError("failure", "required", "failure detail is required when success is false"))
		return
	}
	if req.Failure != nil && req.Failure.Kind == "" {
		AbortWithError(c, newValidationError("failure.kind", "required", "failure kind is required"))
		return
	}

	resp, err := s.svc.Commit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetUsageResult(c *gin.Context) {
	recordID, err := snowflake.ParseString(c.Param("record_id"))
	if err != nil {
		AbortWithError(c, newValidationError("record_id", "invalid", "record_id must be a valid id"))
		return
	}
	principalID, err := snowflake.ParseString(c.Query("principal_id"))
	if err != nil {
		AbortWithError(c, newValidationError("principal_id", "invalid", "principal_id must be a valid id"))
		return
	}

	result, err := s.svc.Result(c.Request.Context(), principalID, recordID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func validateEstimate(est *fingerprint.UsageEstimate) error {
	if est == nil {
		return nil
	}
	if est.Empty() {
		return newValidationError("usage_estimate", "empty", "usage_estimate must have at least one field when present")
	}
	if est.InputChars != nil && (*est.InputChars < 0 || *est.InputChars > maxInputChars) {
		return newValidationError("usage_estimate.input_chars", "out_of_range", "input_chars is out of range")
	}
	if est.MaxOutputTokens != nil && (*est.MaxOutputTokens < 0 || *est.MaxOutputTokens > maxOutputTokens) {
		return newValidationError("usage_estimate.max_output_tokens", "out_of_range", "max_output_tokens is out of range")
	}
	if est.Model != nil && len(*est.Model) > maxModelNameLength {
		return newValidationError("usage_estimate.model", "too_long", "model name is too long")
	}
	return nil
}

func setRateLimitHeaders(c *gin.Context, snap *ratelimit.Snapshot) {
	if snap == nil {
		return
	}
	window := snap.Minute
	if window == nil {
		window = snap.Day
	}
	if window != nil {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(window.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(window.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(window.ResetAt.Unix(), 10))
	}
	if !snap.Allowed && snap.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(snap.RetryAfter.Seconds()), 10))
	}
}
