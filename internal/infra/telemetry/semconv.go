package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by bot, stream and persistence metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrProvider    = attribute.Key("provider")
	AttrSymbol      = attribute.Key("symbol")
	AttrStream      = attribute.Key("stream")
	AttrOrderSide   = attribute.Key("order.side")
	AttrOrderStatus = attribute.Key("order.status")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrMethod      = attribute.Key("method")
	// AttrEventType distinguishes user stream payloads (executionReport, balanceUpdate, ...).
	AttrEventType = attribute.Key("event.type")
)

// StreamAttributes labels connection lifecycle metrics for one named stream.
func StreamAttributes(stream, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStream.String(stream),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// OrderAttributes labels order placement and cancel metrics.
func OrderAttributes(symbol, side, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if operation != "" {
		attrs = append(attrs, AttrOperation.String(operation))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// OperationResultAttributes labels REST calls by endpoint name and outcome.
func OperationResultAttributes(provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
