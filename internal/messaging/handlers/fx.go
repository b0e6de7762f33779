package handlers

import (
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/alert"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/messaging"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
)

var Module = fx.Module("messaging",
	fx.Provide(
		NewUsageCommitHandler,
		NewDLQRecorder,
		provideQueues,
		provideDispatcher,
		provideConsumer,
	),
	fx.Invoke(registerConsumer),
)

func provideQueues(commit *UsageCommitHandler) []messaging.QueueConfig {
	return []messaging.QueueConfig{
		{
			Name:            UsageCommitQueue,
			Handler:         commit,
			RetryQueue:      UsageCommitRetryQueue,
			RetryTTL:        30 * time.Second,
			MaxRetries:      3,
			DeadLetterQueue: UsageCommitDeadQueue,
		},
	}
}

func provideDispatcher(log *zap.Logger, alerts alert.Sink, obsMetrics *obsmetrics.Metrics) *messaging.Dispatcher {
	return messaging.NewDispatcher(log, alerts, obsMetrics)
}

func provideConsumer(
	cfg config.Config,
	queues []messaging.QueueConfig,
	recorder *DLQRecorder,
	dispatcher *messaging.Dispatcher,
	log *zap.Logger,
) (*messaging.Consumer, error) {
	return messaging.NewConsumer(messaging.ConsumerOptions{
		URL:      cfg.AMQPURL,
		Prefetch: cfg.ConsumerPrefetch,
		Queues:   queues,
		DLQStore: recorder,
	}, dispatcher, log)
}

func registerConsumer(lc fx.Lifecycle, consumer *messaging.Consumer) {
	lc.Append(fx.Hook{
		OnStart: consumer.Start,
		OnStop:  consumer.Stop,
	})
}
