package wsconn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stablebot/internal/infra/telemetry"
)

type sessionMetrics struct {
	stream     string
	connects   metric.Int64Counter
	reconnects metric.Int64Counter
	messages   metric.Int64Counter
	bytes      metric.Int64Counter
	sends      metric.Int64Counter
}

func newSessionMetrics(stream string) *sessionMetrics {
	meter := otel.Meter("wsconn")
	m := &sessionMetrics{stream: stream}
	m.connects, _ = meter.Int64Counter("stablebot_ws_connects_total",
		metric.WithDescription("Websocket dial attempts by outcome"),
		metric.WithUnit("{connect}"))
	m.reconnects, _ = meter.Int64Counter("stablebot_ws_reconnects_total",
		metric.WithDescription("Reconnects scheduled or abandoned after an unexpected close"),
		metric.WithUnit("{reconnect}"))
	m.messages, _ = meter.Int64Counter("stablebot_ws_messages_total",
		metric.WithDescription("JSON frames received"),
		metric.WithUnit("{message}"))
	m.bytes, _ = meter.Int64Counter("stablebot_ws_received_bytes_total",
		metric.WithDescription("Payload bytes received"),
		metric.WithUnit("By"))
	m.sends, _ = meter.Int64Counter("stablebot_ws_sends_total",
		metric.WithDescription("Outbound frames by outcome"),
		metric.WithUnit("{message}"))
	return m
}

func (m *sessionMetrics) recordConnect(ctx context.Context, result string) {
	if m == nil || m.connects == nil {
		return
	}
	m.connects.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(m.stream, result)...))
}

func (m *sessionMetrics) recordReconnect(ctx context.Context, result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(m.stream, result)...))
}

func (m *sessionMetrics) recordMessage(ctx context.Context, size int) {
	if m == nil || m.messages == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.StreamAttributes(m.stream, "")...)
	m.messages.Add(ctx, 1, attrs)
	if m.bytes != nil && size > 0 {
		m.bytes.Add(ctx, int64(size), attrs)
	}
}

func (m *sessionMetrics) recordSend(ctx context.Context, result string) {
	if m == nil || m.sends == nil {
		return
	}
	m.sends.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(m.stream, result)...))
}
