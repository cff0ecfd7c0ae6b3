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

// Metrics exposes the reconciliation counters.
type Metrics struct {
	webhookEvents     metric.Int64Counter
	signatureFailures metric.Int64Counter
	settlements       metric.Int64Counter
	ledgerEntries     metric.Int64Counter
	providerCalls     metric.Int64Counter
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
		name = "lemonsync"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("lemonsync_webhook_events_total",
		metric.WithDescription("Webhook deliveries by event type and outcome."))
	if err != nil {
		return nil, err
	}
	signatureFailures, err := meter.Int64Counter("lemonsync_signature_failures_total",
		metric.WithDescription("Rejected webhook signatures by reason."))
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("lemonsync_settlements_total",
		metric.WithDescription("Settlement attempts by outcome."))
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("lemonsync_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	providerCalls, err := meter.Int64Counter("lemonsync_provider_calls_total",
		metric.WithDescription("Outbound LemonSqueezy API calls by operation and outcome."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:     webhookEvents,
		signatureFailures: signatureFailures,
		settlements:       settlements,
		ledgerEntries:     ledgerEntries,
		providerCalls:     providerCalls,
	}, nil
}

// NewNoop returns instruments bound to a noop provider, for tests and disabled setups.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordWebhookEvent counts one webhook delivery outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSignatureFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.signatureFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
}

// RecordSettlement counts a settlement outcome: settled, or the skip reason.
func (m *Metrics) RecordSettlement(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProviderCall(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", "lemonsqueezy"),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
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
	"event_type":  {},
	"outcome":     {},
	"reason":      {},
	"source_type": {},
	"provider":    {},
	"operation":   {},
	"status_code": {},
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
