// Package otelmetrics wires the OpenTelemetry metric SDK for the server's
// request and queue instruments.
package otelmetrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope name.
const MeterName = "agentd"

// Metrics holds all server metric instruments.
type Metrics struct {
	HTTPRequests    metric.Int64Counter
	RateLimited     metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	WebhookFailures metric.Int64Counter
}

// Provider wraps the meter provider with cleanup.
type Provider struct {
	*Metrics
	provider *sdkmetric.MeterProvider
}

// Init sets up the metric SDK and creates all instruments.
func Init() (*Provider, error) {
	provider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(provider)
	meter := provider.Meter(MeterName)

	m, err := newMetrics(meter)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return &Provider{Metrics: m, provider: provider}, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// RegisterQueueDepth registers an observable gauge fed by fn.
func (p *Provider) RegisterQueueDepth(fn func() int64) error {
	meter := p.provider.Meter(MeterName)
	_, err := meter.Int64ObservableGauge("agentd.queue.active",
		metric.WithDescription("Number of reserved concurrency slots"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequests, err = meter.Int64Counter("agentd.http.requests",
		metric.WithDescription("Total HTTP requests served"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimited, err = meter.Int64Counter("agentd.http.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentd.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookFailures, err = meter.Int64Counter("agentd.webhook.failures",
		metric.WithDescription("Webhook deliveries that exhausted retries"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
