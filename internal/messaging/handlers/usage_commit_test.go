package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/messaging"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
)

// engineStub satisfies the metering service for handler tests.
type engineStub struct {
	commitResp *meteringdomain.CommitResponse
	commitErr  error
	lastCommit *meteringdomain.CommitRequest
}

func (s *engineStub) Validate(context.Context, meteringdomain.ValidateRequest) (*meteringdomain.ValidateResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *engineStub) Commit(_ context.Context, req meteringdomain.CommitRequest) (*meteringdomain.CommitResponse, error) {
	s.lastCommit = &req
	return s.commitResp, s.commitErr
}

func (s *engineStub) Result(context.Context, snowflake.ID, snowflake.ID) (*meteringdomain.UsageResult, error) {
	return nil, meteringdomain.ErrResultNotFound
}

func (s *engineStub) ExpirePending(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestUsageCommitHandlerAppliesCommit(t *testing.T) {
	engine := &engineStub{commitResp: &meteringdomain.CommitResponse{OK: true, Message: "Usage committed as SUCCESS."}}
	h := NewUsageCommitHandler(engine, zap.NewNop())

	body := []byte(`{"principal_id":"1234567890123456789","record_id":"9876543210987654321","success":true}`)
	err := h.Handle(context.Background(), body)

	require.NoError(t, err)
	require.NotNil(t, engine.lastCommit)
	assert.True(t, engine.lastCommit.Succeeded)
}

func TestUsageCommitHandlerMalformedJSON(t *testing.T) {
	h := NewUsageCommitHandler(&engineStub{}, zap.NewNop())

	err := h.Handle(context.Background(), []byte(`{not json`))
	assert.ErrorIs(t, err, messaging.ErrInvalidPayload)
}

func TestUsageCommitHandlerMissingIdentifiers(t *testing.T) {
	h := NewUsageCommitHandler(&engineStub{}, zap.NewNop())

	err := h.Handle(context.Background(), []byte(`{"success":true}`))
	assert.ErrorIs(t, err, messaging.ErrInvalidPayload)
}

func TestUsageCommitHandlerFailureDetailRequired(t *testing.T) {
	h := NewUsageCommitHandler(&engineStub{}, zap.NewNop())

	body := []byte(`{"principal_id":"1","record_id":"2","success":false}`)
	err := h.Handle(context.Background(), body)
	assert.ErrorIs(t, err, messaging.ErrInvalidPayload)
}

func TestUsageCommitHandlerPropagatesEngineError(t *testing.T) {
	engine := &engineStub{commitErr: errors.New("database unavailable")}
	h := NewUsageCommitHandler(engine, zap.NewNop())

	body := []byte(`{"principal_id":"1","record_id":"2","success":true}`)
	err := h.Handle(context.Background(), body)

	require.Error(t, err)
	assert.NotErrorIs(t, err, messaging.ErrInvalidPayload)
}

func TestUsageCommitHandlerOwnershipRejectionNotRetried(t *testing.T) {
	engine := &engineStub{commitResp: &meteringdomain.CommitResponse{OK: false, Message: "Principal does not own this usage record."}}
	h := NewUsageCommitHandler(engine, zap.NewNop())

	body := []byte(`{"principal_id":"1","record_id":"2","success":true}`)
	err := h.Handle(context.Background(), body)
	assert.NoError(t, err)
}
