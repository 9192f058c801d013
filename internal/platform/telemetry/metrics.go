package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the instruments the HTTP layer and the booking path record to.
type Metrics struct {
	RequestCount     metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	BookingCount     metric.Int64Counter
	BookingConflicts metric.Int64Counter
	SlotsOffered     metric.Int64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	EventsPublished  metric.Int64Counter
	EventsDropped    metric.Int64Counter
}

// NewMetrics builds instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(instrumentationName))
}

func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.RequestCount, err = meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.BookingCount, err = meter.Int64Counter("scheduling.booking.count",
		metric.WithDescription("Appointments committed")); err != nil {
		return nil, err
	}
	if m.BookingConflicts, err = meter.Int64Counter("scheduling.booking.conflicts",
		metric.WithDescription("Bookings rejected because the slot was taken")); err != nil {
		return nil, err
	}
	if m.SlotsOffered, err = meter.Int64Histogram("scheduling.availability.slots",
		metric.WithDescription("Slots returned per availability query")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("cache.hit.count",
		metric.WithDescription("Availability cache hits")); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("cache.miss.count",
		metric.WithDescription("Availability cache misses")); err != nil {
		return nil, err
	}
	if m.EventsPublished, err = meter.Int64Counter("events.published",
		metric.WithDescription("Domain events delivered to the broker")); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = meter.Int64Counter("events.dropped",
		metric.WithDescription("Domain events that could not be delivered")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.RequestCount.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

func (m *Metrics) RecordBooking(ctx context.Context, providerID string, conflict bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("provider.id", providerID))
	if conflict {
		m.BookingConflicts.Add(ctx, 1, attrs)
		return
	}
	m.BookingCount.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordSlots(ctx context.Context, providerID string, n int) {
	if m == nil {
		return
	}
	m.SlotsOffered.Record(ctx, int64(n), metric.WithAttributes(attribute.String("provider.id", providerID)))
}

func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

func (m *Metrics) RecordEvent(ctx context.Context, routingKey string, delivered bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("messaging.routing_key", routingKey))
	if delivered {
		m.EventsPublished.Add(ctx, 1, attrs)
		return
	}
	m.EventsDropped.Add(ctx, 1, attrs)
}
