package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the instruments recorded by the orchestrator, the event hub
// and the HTTP layer. A nil *Metrics records nothing.
type Metrics struct {
	RunsFinished   metric.Int64Counter
	StageDuration  metric.Float64Histogram
	HubSubscribers metric.Int64UpDownCounter
	HubEvicted     metric.Int64Counter
	HTTPRequests   metric.Int64Counter
	HTTPDuration   metric.Float64Histogram
}

// NewMetrics creates every instrument on m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	var (
		out Metrics
		err error
	)
	if out.RunsFinished, err = m.Int64Counter("kansoku.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("telemetry: runs.finished: %w", err)
	}
	if out.StageDuration, err = m.Float64Histogram("kansoku.stage.duration",
		metric.WithDescription("Wall time of one pipeline stage"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: stage.duration: %w", err)
	}
	if out.HubSubscribers, err = m.Int64UpDownCounter("kansoku.hub.subscribers",
		metric.WithDescription("Live event subscribers")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.subscribers: %w", err)
	}
	if out.HubEvicted, err = m.Int64Counter("kansoku.hub.evicted",
		metric.WithDescription("Subscribers dropped because their queue was full")); err != nil {
		return nil, fmt.Errorf("telemetry: hub.evicted: %w", err)
	}
	if out.HTTPRequests, err = m.Int64Counter("http.server.request_count",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return nil, fmt.Errorf("telemetry: request_count: %w", err)
	}
	if out.HTTPDuration, err = m.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: duration: %w", err)
	}
	return &out, nil
}

// RunFinished counts a run reaching status.
func (m *Metrics) RunFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.RunsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// StageFinished records how long a stage ran and whether it succeeded.
func (m *Metrics) StageFinished(ctx context.Context, stage string, ms float64, ok bool) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("ok", ok),
	))
}

// SubscriberDelta adjusts the live subscriber gauge.
func (m *Metrics) SubscriberDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.HubSubscribers.Add(ctx, delta)
}

// SubscriberEvicted counts a slow subscriber being dropped.
func (m *Metrics) SubscriberEvicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.HubEvicted.Add(ctx, 1)
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(ctx context.Context, method, route string, status int, ms float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.HTTPRequests.Add(ctx, 1, attrs)
	m.HTTPDuration.Record(ctx, ms, attrs)
}
