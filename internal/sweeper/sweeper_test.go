package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/clock"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
)

type engineStub struct {
	cutoffs []time.Time
	expired int64
	err     error
}

func (e *engineStub) Validate(context.Context, meteringdomain.ValidateRequest) (*meteringdomain.ValidateResponse, error) {
	panic("not used")
}

func (e *engineStub) Commit(context.Context, meteringdomain.CommitRequest) (*meteringdomain.CommitResponse, error) {
	panic("not used")
}

func (e *engineStub) Result(context.Context, snowflake.ID, snowflake.ID) (*meteringdomain.UsageResult, error) {
	panic("not used")
}

func (e *engineStub) ExpirePending(_ context.Context, olderThan time.Time) (int64, error) {
	e.cutoffs = append(e.cutoffs, olderThan)
	return e.expired, e.err
}

func newSweeper(engine *engineStub, clk clock.Clock) *Sweeper {
	return &Sweeper{
		log:        zap.NewNop(),
		engine:     engine,
		clock:      clk,
		interval:   time.Minute,
		pendingTTL: time.Hour,
	}
}

func TestRunOnceUsesPendingTTLCutoff(t *testing.T) {
	engine := &engineStub{expired: 3}
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newSweeper(engine, clk)

	require.NoError(t, s.RunOnce(context.Background()))
	require.Len(t, engine.cutoffs, 1)
	require.Equal(t, clk.Now().Add(-time.Hour), engine.cutoffs[0])
}

func TestRunOnceCutoffTracksClock(t *testing.T) {
	engine := &engineStub{}
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newSweeper(engine, clk)

	require.NoError(t, s.RunOnce(context.Background()))
	clk.Advance(30 * time.Minute)
	require.NoError(t, s.RunOnce(context.Background()))

	require.Len(t, engine.cutoffs, 2)
	require.Equal(t, 30*time.Minute, engine.cutoffs[1].Sub(engine.cutoffs[0]))
}

func TestRunOnceReturnsEngineError(t *testing.T) {
	engine := &engineStub{err: errors.New("db down")}
	s := newSweeper(engine, clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))

	require.Error(t, s.RunOnce(context.Background()))
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	engine := &engineStub{}
	s := newSweeper(engine, clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunForever did not stop after cancel")
	}
	require.NotEmpty(t, engine.cutoffs)
}
