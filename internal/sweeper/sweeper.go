// Package sweeper expires usage records left PENDING beyond the TTL.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
)

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(register),
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Engine meteringdomain.Service
	Clock  clock.Clock
}

type Sweeper struct {
	log        *zap.Logger
	engine     meteringdomain.Service
	clock      clock.Clock
	interval   time.Duration
	pendingTTL time.Duration
}

func New(p Params) *Sweeper {
	return &Sweeper{
		log:        p.Log.Named("sweeper"),
		engine:     p.Engine,
		clock:      p.Clock,
		interval:   p.Config.SweeperInterval,
		pendingTTL: p.Config.PendingTTL,
	}
}

// RunOnce expires one batch of stale pending records.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.pendingTTL)
	_, err := s.engine.ExpirePending(ctx, cutoff)
	return err
}

// RunForever sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func register(lc fx.Lifecycle, s *Sweeper) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
