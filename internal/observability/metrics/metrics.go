package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	validations       metric.Int64Counter
	commits           metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	rateLimitFailOpen metric.Int64Counter
	messageRetries    metric.Int64Counter
	deadLetters       metric.Int64Counter
	recordsExpired    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "metergate"
	}
	meter := provider.Meter(name)

	validations, err := meter.Int64Counter("metergate_validations_total")
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("metergate_commits_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("metergate_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("metergate_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	rateLimitFailOpen, err := meter.Int64Counter("metergate_rate_limit_fail_open_total")
	if err != nil {
		return nil, err
	}
	messageRetries, err := meter.Int64Counter("metergate_message_retries_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("metergate_dead_letters_total")
	if err != nil {
		return nil, err
	}
	recordsExpired, err := meter.Int64Counter("metergate_records_expired_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		validations:       validations,
		commits:           commits,
		rateLimitAllowed:  rateLimitAllowed,
		rateLimitDenied:   rateLimitDenied,
		rateLimitFailOpen: rateLimitFailOpen,
		messageRetries:    messageRetries,
		deadLetters:       deadLetters,
		recordsExpired:    recordsExpired,
	}, nil
}

// RecordValidation increments validation counts per decision.
func (m *Metrics) RecordValidation(ctx context.Context, featureKey, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature_key", strings.TrimSpace(featureKey)),
		attribute.String("decision", strings.TrimSpace(decision)),
	)
	m.validations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommit increments commit counts per final status.
func (m *Metrics) RecordCommit(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.commits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, window string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("window", strings.TrimSpace(window)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitFailOpen increments counts of requests admitted because the
// limiter backend was unreachable.
func (m *Metrics) RecordRateLimitFailOpen(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitFailOpen.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMessageRetry increments retry counts per queue.
func (m *Metrics) RecordMessageRetry(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("queue", strings.TrimSpace(queue)))
	m.messageRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeadLetter increments dead letter counts per queue.
func (m *Metrics) RecordDeadLetter(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("queue", strings.TrimSpace(queue)))
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExpired increments counts of pending records swept to expired.
func (m *Metrics) RecordExpired(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsExpired.Add(ctx, n)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_key": {},
	"decision":    {},
	"status":      {},
	"endpoint":    {},
	"window":      {},
	"queue":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
