// Package handlers contains the message handlers consumed by the worker.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/messaging"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
)

// UsageCommitQueue is the well-known queue for asynchronous commit events.
// The payload shape is identical to the synchronous commit call.
const (
	UsageCommitQueue      = "usage_commits"
	UsageCommitRetryQueue = "usage_commits_retry"
	UsageCommitDeadQueue  = "usage_commits_dead"
)

// UsageCommitHandler applies queued commit events to the metering engine.
type UsageCommitHandler struct {
	engine meteringdomain.Service
	log    *zap.Logger
}

func NewUsageCommitHandler(engine meteringdomain.Service, log *zap.Logger) *UsageCommitHandler {
	return &UsageCommitHandler{
		engine: engine,
		log:    log.Named("messaging.usage_commit"),
	}
}

func (h *UsageCommitHandler) Handle(ctx context.Context, body []byte) error {
	var req meteringdomain.CommitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("%w: %v", messaging.ErrInvalidPayload, err)
	}
	if req.PrincipalID == 0 || req.RecordID == 0 {
		return fmt.Errorf("%w: principal_id and record_id are required", messaging.ErrInvalidPayload)
	}
	if !req.Succeeded && req.Failure == nil {
		return fmt.Errorf("%w: failure detail is required when success is false", messaging.ErrInvalidPayload)
	}

	resp, err := h.engine.Commit(ctx, req)
	if err != nil {
		// Infrastructure failure: let the retry ladder handle it.
		return err
	}

	if !resp.OK {
		// An ownership mismatch will not succeed on retry.
		h.log.Warn("usage commit rejected",
			zap.String("record_id", req.RecordID.String()),
			zap.String("message", resp.Message),
		)
		return nil
	}

	h.log.Info("usage commit processed",
		zap.String("record_id", req.RecordID.String()),
		zap.String("message", resp.Message),
	)
	return nil
}
