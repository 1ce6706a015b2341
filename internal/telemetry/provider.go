package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ErrUnknownExporter is returned by Setup for an unsupported exporter.
var ErrUnknownExporter = errors.New("unknown metrics exporter")

// Provider owns the process meter provider.
type Provider struct {
	meterProvider metric.MeterProvider
	handler       http.Handler
	shutdown      func(context.Context) error
}

// Setup builds a meter provider for exporter ("prometheus" or "none") and
// installs it as the global provider.
func Setup(exporter string) (*Provider, error) {
	var p *Provider
	switch exporter {
	case "", "none":
		p = &Provider{
			meterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}
	case "prometheus":
		registry := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
		p = &Provider{
			meterProvider: mp,
			handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			shutdown:      mp.Shutdown,
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, exporter)
	}
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

// Meter returns the fulfil meter.
func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter(MeterName)
}

// Observer creates a MetricsObserver on the provider's meter.
func (p *Provider) Observer() (*MetricsObserver, error) {
	return NewMetricsObserver(p.Meter())
}

// Handler serves the Prometheus registry, or nil when metrics are not
// exported over HTTP.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
