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

// ProviderConfig configures the OTLP meter provider.
type ProviderConfig struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
}

// Instruments are pushed over OTLP alongside the scraped Prometheus
// registry. They carry volumes (units, rows) rather than outcomes.
type Instruments struct {
	allocatedUnits metric.Int64Counter
	cascadeWrites  metric.Int64Counter
}

// NewMeterProvider configures and registers the global meter provider.
func NewMeterProvider(lc fx.Lifecycle, cfg ProviderConfig, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newMetricExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
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

func NewInstruments(cfg ProviderConfig, provider metric.MeterProvider) (*Instruments, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "quotaengine"
	}
	meter := provider.Meter(name)

	allocatedUnits, err := meter.Int64Counter("quotaengine_allocated_units_total",
		metric.WithDescription("Units ledgered against grants"))
	if err != nil {
		return nil, err
	}
	cascadeWrites, err := meter.Int64Counter("quotaengine_cascade_writes_total",
		metric.WithDescription("Dependent aggregate writes issued by lapse cascades"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		allocatedUnits: allocatedUnits,
		cascadeWrites:  cascadeWrites,
	}, nil
}

func (i *Instruments) RecordAllocatedUnits(ctx context.Context, featureKey string, amount int64) {
	if i == nil || amount <= 0 {
		return
	}
	i.allocatedUnits.Add(ctx, amount, metric.WithAttributes(
		attribute.String("feature", strings.TrimSpace(featureKey)),
	))
}

// RecordCascadeWrites counts writes per target kind (principal, storefront, item).
func (i *Instruments) RecordCascadeWrites(ctx context.Context, target string, count int) {
	if i == nil || count <= 0 {
		return
	}
	i.cascadeWrites.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("target", target),
	))
}

func newMetricExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
