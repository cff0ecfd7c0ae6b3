// Package observability wires logging, tracing and metrics from config.Config.
package observability

import (
	"strings"

	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	"github.com/smallbiznis/lemonsync/internal/observability/metrics"
	"github.com/smallbiznis/lemonsync/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoggerConfig,
		logger.New,
		TracingConfig,
		tracing.NewProvider,
		MetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func serviceName(cfg config.Config) string {
	if name := strings.TrimSpace(cfg.AppName); name != "" {
		return name
	}
	return "lemonsync"
}

func LoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:         serviceName(cfg),
		Environment:         strings.TrimSpace(cfg.Environment),
		Version:             strings.TrimSpace(cfg.AppVersion),
		Level:               cfg.Telemetry.LogLevel,
		Format:              cfg.Telemetry.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func TracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.Telemetry.OTLPEnabled,
		ServiceName:      serviceName(cfg),
		ServiceVersion:   strings.TrimSpace(cfg.AppVersion),
		Environment:      strings.TrimSpace(cfg.Environment),
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExporterProtocol: cfg.Telemetry.OTLPProtocol,
		SamplingRatio:    cfg.Telemetry.SamplingRatio,
	}
}

// MetricsConfig shares the trace exporter settings; pushes over remote_write
// are configured separately in metricspush.
func MetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.Telemetry.OTLPEnabled,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExporterProtocol: cfg.Telemetry.OTLPProtocol,
		ServiceName:      serviceName(cfg),
		Environment:      strings.TrimSpace(cfg.Environment),
	}
}
