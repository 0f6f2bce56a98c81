package bot

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stablebot/internal/domain/schema"
	"github.com/coachpo/stablebot/internal/infra/telemetry"
)

type botMetrics struct {
	symbol string

	ticks      metric.Int64Counter
	orders     metric.Int64Counter
	userEvents metric.Int64Counter

	quotePrice *prometheus.GaugeVec
	freeAsset  *prometheus.GaugeVec
	tracked    *prometheus.GaugeVec
}

func newBotMetrics(symbol string, reg prometheus.Registerer) *botMetrics {
	meter := otel.Meter("app.bot")
	m := &botMetrics{symbol: symbol}
	m.ticks, _ = meter.Int64Counter("stablebot_ticks_total",
		metric.WithDescription("Book ticker updates by outcome"),
		metric.WithUnit("{tick}"))
	m.orders, _ = meter.Int64Counter("stablebot_order_operations_total",
		metric.WithDescription("Order cancels and placements by side and result"),
		metric.WithUnit("{operation}"))
	m.userEvents, _ = meter.Int64Counter("stablebot_user_events_total",
		metric.WithDescription("User data stream events by type"),
		metric.WithUnit("{event}"))

	if reg == nil {
		return m
	}
	m.quotePrice = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stablebot_quote_price",
		Help: "Price of the resting order per side, 0 when none is tracked",
	}, []string{"symbol", "side"})
	m.freeAsset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stablebot_free_balance",
		Help: "Free balance captured at startup",
	}, []string{"asset"})
	m.tracked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stablebot_tracked_orders",
		Help: "1 when an order is tracked for the side",
	}, []string{"symbol", "side"})
	reg.MustRegister(m.quotePrice, m.freeAsset, m.tracked)
	return m
}

func (m *botMetrics) recordTick(ctx context.Context, result string) {
	if m == nil || m.ticks == nil {
		return
	}
	m.ticks.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrSymbol.String(m.symbol),
		telemetry.AttrResult.String(result)))
}

func (m *botMetrics) recordOrder(ctx context.Context, side schema.TradeSide, operation, result string) {
	if m == nil || m.orders == nil {
		return
	}
	m.orders.Add(ctx, 1, metric.WithAttributes(
		telemetry.OrderAttributes(m.symbol, string(side), operation, result)...))
}

func (m *botMetrics) recordUserEvent(ctx context.Context, kind string) {
	if m == nil || m.userEvents == nil {
		return
	}
	m.userEvents.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrSymbol.String(m.symbol),
		telemetry.AttrEventType.String(kind)))
}

func (m *botMetrics) observeState(s *State) {
	if m == nil || m.quotePrice == nil {
		return
	}
	for _, side := range []schema.TradeSide{schema.TradeSideBuy, schema.TradeSideSell} {
		order := *s.tracked(side)
		price, present := 0.0, 0.0
		if order != nil {
			price = order.Price.InexactFloat64()
			present = 1
		}
		m.quotePrice.WithLabelValues(m.symbol, string(side)).Set(price)
		m.tracked.WithLabelValues(m.symbol, string(side)).Set(present)
	}
	m.freeAsset.WithLabelValues(s.BaseAsset).Set(s.BaseAssetQuantity.InexactFloat64())
	m.freeAsset.WithLabelValues(s.QuoteAsset).Set(s.QuoteAssetQuantity.InexactFloat64())
}
