// Package telemetry строит источники метрик и трассировки OpenTelemetry для координатора. Метрики экспортируются в
// формате Prometheus через собственный реестр, без глобального состояния.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	qtx "github.com/qbixus/qtx-tm"
)

// Config - параметры телеметрии.
type Config struct {
	// Enabled включает телеметрию. Выключенная телеметрия ничего не собирает.
	Enabled bool `yaml:"enabled"`
	// ServiceName - имя сервиса в метриках и трассах.
	ServiceName string `yaml:"service_name"`
	// TraceSampleRatio - доля записываемых трасс. Значение вне (0, 1] означает 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry - активные источники метрик и трассировки.
type Telemetry struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	// Handler отдает метрики в формате Prometheus.
	Handler http.Handler

	shutdown []func(context.Context) error
}

// New строит телеметрию. Выключенная телеметрия использует noop-источники, а Handler отвечает 404.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{
			MeterProvider:  noop.NewMeterProvider(),
			TracerProvider: nooptrace.NewTracerProvider(),
			Handler:        http.NotFoundHandler(),
		}, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("#TELEMETRY: resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("#TELEMETRY: prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	ratio := cfg.TraceSampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	return &Telemetry{
		MeterProvider:  meterProvider,
		TracerProvider: tracerProvider,
		Handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		shutdown:       []func(context.Context) error{tracerProvider.Shutdown, meterProvider.Shutdown},
	}, nil
}

// Options возвращает параметры координатора, подключающие телеметрию.
func (t *Telemetry) Options() []qtx.Option {
	return []qtx.Option{
		qtx.WithMeterProvider(t.MeterProvider),
		qtx.WithTracerProvider(t.TracerProvider),
	}
}

// Shutdown сбрасывает накопленные данные и останавливает источники.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
