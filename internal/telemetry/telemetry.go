package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "crab-orchestrator"
	serviceVersion = "0.1.0"

	DefaultExportInterval = 30 * time.Second
)

// Config holds OTLP exporter settings. An empty endpoint keeps metrics in
// process only.
type Config struct {
	Endpoint string
	Insecure bool
	Interval time.Duration
}

// Provider owns the meter provider and the orchestrator instruments.
type Provider struct {
	provider *sdkmetric.MeterProvider
	metrics  *Metrics
}

// Setup builds the meter provider and registers it globally.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(endpoint),
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts,
				otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlpmetricgrpc.WithInsecure(),
			)
		}
		exp, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = DefaultExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	metrics, err := NewMetrics(provider.Meter(serviceName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return &Provider{provider: provider, metrics: metrics}, nil
}

func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Close flushes pending metrics and shuts the provider down.
func (p *Provider) Close(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
