package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName  = "github.com/wolfeidau/tutor"
	tracerName = "github.com/wolfeidau/tutor"
)

// Metrics holds the OpenTelemetry instruments for the session coordinator
type Metrics struct {
	// Refresh coordinator
	RefreshFlightsTotal  metric.Int64Counter
	RefreshJoinedTotal   metric.Int64Counter
	RefreshFailuresTotal metric.Int64Counter
	RefreshDuration      metric.Float64Histogram

	// Session lifecycle
	LoginsTotal        metric.Int64Counter
	LogoutsTotal       metric.Int64Counter
	ProfileErrorsTotal metric.Int64Counter

	// Guards
	GuardDecisionsTotal metric.Int64Counter

	// Transport
	RequestRetriesTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments created before InitTelemetry are bound to the global delegating provider
// and start exporting once a real provider is installed.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RefreshFlightsTotal, _ = meter.Int64Counter(
		"tutor.refresh.flights.total",
		metric.WithDescription("Total number of refresh calls sent to the backend"),
		metric.WithUnit("{flight}"),
	)

	m.RefreshJoinedTotal, _ = meter.Int64Counter(
		"tutor.refresh.joined.total",
		metric.WithDescription("Total number of refresh requests that attached to an in-flight refresh"),
		metric.WithUnit("{request}"),
	)

	m.RefreshFailuresTotal, _ = meter.Int64Counter(
		"tutor.refresh.failures.total",
		metric.WithDescription("Total number of refresh flights that failed"),
		metric.WithUnit("{flight}"),
	)

	m.RefreshDuration, _ = meter.Float64Histogram(
		"tutor.refresh.duration",
		metric.WithDescription("Duration of refresh flights"),
		metric.WithUnit("ms"),
	)

	m.LoginsTotal, _ = meter.Int64Counter(
		"tutor.session.logins.total",
		metric.WithDescription("Total number of sessions started"),
		metric.WithUnit("{session}"),
	)

	m.LogoutsTotal, _ = meter.Int64Counter(
		"tutor.session.logouts.total",
		metric.WithDescription("Total number of sessions torn down"),
		metric.WithUnit("{session}"),
	)

	m.ProfileErrorsTotal, _ = meter.Int64Counter(
		"tutor.session.profile_errors.total",
		metric.WithDescription("Total number of failed profile fetches"),
		metric.WithUnit("{error}"),
	)

	m.GuardDecisionsTotal, _ = meter.Int64Counter(
		"tutor.guard.decisions.total",
		metric.WithDescription("Total number of route guard decisions"),
		metric.WithUnit("{decision}"),
	)

	m.RequestRetriesTotal, _ = meter.Int64Counter(
		"tutor.transport.retries.total",
		metric.WithDescription("Total number of requests replayed after a token refresh"),
		metric.WithUnit("{request}"),
	)

	return m
}
