package binance

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stablebot/internal/infra/telemetry"
)

type clientMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("adapter.binance")
	m := &clientMetrics{}
	m.requests, _ = meter.Int64Counter("stablebot_binance_rest_requests_total",
		metric.WithDescription("Binance REST calls by endpoint and outcome"),
		metric.WithUnit("{request}"))
	m.latency, _ = meter.Float64Histogram("stablebot_binance_rest_latency",
		metric.WithDescription("Binance REST round-trip latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *clientMetrics) recordRequest(ctx context.Context, path, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(venueName, path, result)...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

type streamMetrics struct {
	stream    string
	control   metric.Int64Counter
	acks      metric.Int64Counter
	renewals  metric.Int64Counter
	decodeErr metric.Int64Counter
}

func newStreamMetrics(stream string) *streamMetrics {
	meter := otel.Meter("adapter.binance")
	m := &streamMetrics{stream: stream}
	m.control, _ = meter.Int64Counter("stablebot_binance_stream_control_total",
		metric.WithDescription("SUBSCRIBE, UNSUBSCRIBE and LIST_SUBSCRIPTIONS frames sent"),
		metric.WithUnit("{frame}"))
	m.acks, _ = meter.Int64Counter("stablebot_binance_stream_acks_total",
		metric.WithDescription("Control acks received, split by whether a pending request matched"),
		metric.WithUnit("{ack}"))
	m.renewals, _ = meter.Int64Counter("stablebot_binance_listen_key_renewals_total",
		metric.WithDescription("Listen key keep-alive attempts by outcome"),
		metric.WithUnit("{renewal}"))
	m.decodeErr, _ = meter.Int64Counter("stablebot_binance_stream_ignored_total",
		metric.WithDescription("Stream frames ignored as protocol mismatches"),
		metric.WithUnit("{frame}"))
	return m
}

func (m *streamMetrics) recordControl(ctx context.Context, method string) {
	if m == nil || m.control == nil {
		return
	}
	attrs := append(telemetry.StreamAttributes(m.stream, ""), telemetry.AttrMethod.String(method))
	m.control.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *streamMetrics) recordAck(ctx context.Context, result string) {
	if m == nil || m.acks == nil {
		return
	}
	m.acks.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(m.stream, result)...))
}

func (m *streamMetrics) recordRenewal(ctx context.Context, result string) {
	if m == nil || m.renewals == nil {
		return
	}
	m.renewals.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(m.stream, result)...))
}

func (m *streamMetrics) recordIgnored(ctx context.Context, reason string) {
	if m == nil || m.decodeErr == nil {
		return
	}
	m.decodeErr.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(m.stream, reason)...))
}
