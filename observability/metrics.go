package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"device-client-coap/lwm2m"
)

const meterName = "device-client-coap"

// Recorder records dispatcher and notification metrics. It satisfies
// eventqueue.Metrics and registry.Metrics.
type Recorder struct {
	posted        metric.Int64Counter
	dropped       metric.Int64Counter
	dispatched    metric.Int64Counter
	failed        metric.Int64Counter
	queueWait     metric.Float64Histogram
	runTime       metric.Float64Histogram
	notifications metric.Int64Counter
}

// NewRecorder creates the instruments on mp. A nil provider records nothing.
func NewRecorder(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)
	r := &Recorder{}
	var err error

	if r.posted, err = meter.Int64Counter("device.events.posted",
		metric.WithDescription("Events accepted by the dispatch queue"),
	); err != nil {
		return nil, err
	}
	if r.dropped, err = meter.Int64Counter("device.events.dropped",
		metric.WithDescription("Events dropped because the queue was full"),
	); err != nil {
		return nil, err
	}
	if r.dispatched, err = meter.Int64Counter("device.events.dispatched",
		metric.WithDescription("Events executed by the dispatcher"),
	); err != nil {
		return nil, err
	}
	if r.failed, err = meter.Int64Counter("device.events.failed",
		metric.WithDescription("Events that returned an error or panicked"),
	); err != nil {
		return nil, err
	}
	if r.queueWait, err = meter.Float64Histogram("device.events.wait_ms",
		metric.WithDescription("Time from ready to execution"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.runTime, err = meter.Float64Histogram("device.events.run_ms",
		metric.WithDescription("Event execution time"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.notifications, err = meter.Int64Counter("device.notifications",
		metric.WithDescription("Resource change notifications by delivery status"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) EventPosted(ctx context.Context) {
	r.posted.Add(ctx, 1)
}

func (r *Recorder) EventDropped(ctx context.Context, source string, n int64) {
	r.dropped.Add(ctx, n, metric.WithAttributes(attribute.String("source", source)))
}

func (r *Recorder) EventDispatched(ctx context.Context, source string, wait, run time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	r.dispatched.Add(ctx, 1, attrs)
	if err != nil {
		r.failed.Add(ctx, 1, attrs)
	}
	r.queueWait.Record(ctx, ms(wait), attrs)
	r.runTime.Record(ctx, ms(run), attrs)
}

func (r *Recorder) NotificationDelivered(ctx context.Context, status lwm2m.DeliveryStatus, resources int) {
	r.notifications.Add(ctx, int64(resources),
		metric.WithAttributes(attribute.String("status", status.String())),
	)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// NewMeterProvider returns an SDK provider backed by a manual reader. The
// device has no metrics backend; totals are logged with LogMetrics.
func NewMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// LogMetrics collects reader once and logs one line per instrument.
func LogMetrics(ctx context.Context, reader *sdkmetric.ManualReader, logger *slog.Logger) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				logger.Info("metric", slog.String("name", m.Name), slog.Int64("total", total))
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				attrs := []any{slog.String("name", m.Name), slog.Uint64("count", count)}
				if count > 0 {
					attrs = append(attrs, slog.Float64("mean", sum/float64(count)))
				}
				logger.Info("metric", attrs...)
			}
		}
	}
	return nil
}
