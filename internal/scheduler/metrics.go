package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	rejectedCount  metric.Int64Counter
	completedCount metric.Int64Counter
	retryCount     metric.Int64Counter
	waitMS         metric.Float64Histogram
}

func newMetrics(stats func() Stats) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-cast/scheduler")

	inFlight, err := meter.Int64ObservableGauge("loqacast.scheduler.in_flight", metric.WithDescription("Requests holding an engine permit"))
	if err != nil {
		return nil, err
	}
	queued, err := meter.Int64ObservableGauge("loqacast.scheduler.queued", metric.WithDescription("Requests waiting for a permit"))
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		st := stats()
		obs.ObserveInt64(inFlight, int64(st.InFlight))
		obs.ObserveInt64(queued, int64(st.Queued))
		return nil
	}, inFlight, queued); err != nil {
		return nil, err
	}

	m := &metrics{}
	if m.rejectedCount, err = meter.Int64Counter("loqacast.scheduler.rejected", metric.WithDescription("Requests rejected at admission")); err != nil {
		return nil, err
	}
	if m.completedCount, err = meter.Int64Counter("loqacast.scheduler.completed", metric.WithDescription("Requests resolved, by outcome")); err != nil {
		return nil, err
	}
	if m.retryCount, err = meter.Int64Counter("loqacast.scheduler.retries", metric.WithDescription("Transient failures retried")); err != nil {
		return nil, err
	}
	if m.waitMS, err = meter.Float64Histogram("loqacast.scheduler.wait_ms", metric.WithDescription("Queue wait before dispatch"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) rejected(reason Reason) {
	if m == nil {
		return
	}
	m.rejectedCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func (m *metrics) completed(lane Lane, outcome string) {
	if m == nil {
		return
	}
	m.completedCount.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("lane", string(lane)),
		attribute.String("outcome", outcome)))
}

func (m *metrics) retried(lane Lane) {
	if m == nil {
		return
	}
	m.retryCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("lane", string(lane))))
}

func (m *metrics) waited(lane Lane, d time.Duration) {
	if m == nil {
		return
	}
	m.waitMS.Record(context.Background(), float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("lane", string(lane))))
}
