// Package observability wires OpenTelemetry metrics over a Prometheus
// exporter for the relay. The SDK package itself carries no instruments;
// everything observable about delivery is surfaced through the client's
// stats and outcome callback and recorded here.
package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Module owns the metric pipeline: an OTel MeterProvider read by a
// Prometheus exporter over a dedicated registry, so two modules in one
// process (tests, embedded relays) never collide on global collector
// state.
type Module struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider
	meter    otelmetric.Meter
}

// New creates the metric pipeline for the named binary. The provider is
// also installed as the global OTel MeterProvider so instrumented
// libraries share it.
func New(service string) (*Module, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return &Module{
		registry: registry,
		provider: provider,
		meter:    provider.Meter(service),
	}, nil
}

// Shutdown flushes and stops the MeterProvider.
func (m *Module) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// MetricsHandler serves the module's registry in Prometheus exposition
// format. Mount it at "/metrics".
func (m *Module) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Meter returns the Meter instruments are created from.
func (m *Module) Meter() otelmetric.Meter {
	return m.meter
}
