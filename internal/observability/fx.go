package observability

import (
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.MetricsProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}
