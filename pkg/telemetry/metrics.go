package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tap/pkg/domain"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	tokenAlertCounter metric.Int64Counter
)

// TokenAlert captures the fields recorded for a token inspection alert.
type TokenAlert struct {
	Status domain.TokenStatus
	Method string
	Source string
}

// RecordTokenAlert counts the alert and attaches it to the span in ctx, if
// one is recording.
func RecordTokenAlert(ctx context.Context, alert TokenAlert) {
	attrs := []attribute.KeyValue{
		attribute.String("token.status", string(alert.Status)),
		attribute.String("token.source", alert.Source),
		attribute.String("http.request.method", alert.Method),
	}

	if err := ensureMetrics(); err == nil {
		tokenAlertCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("token.alert", trace.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("proxy.token")

		tokenAlertCounter, metricsInitErr = meter.Int64Counter(
			"proxy.token.alerts_total",
			metric.WithDescription("Token inspection alerts partitioned by status"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
