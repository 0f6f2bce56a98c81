// Package schema holds the venue-neutral values exchanged between the venue adapter and the bot.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the order direction in the venue's wire spelling.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// ParseTradeSide normalises case and rejects anything but BUY or SELL.
func ParseTradeSide(raw string) (TradeSide, bool) {
	switch TradeSide(strings.ToUpper(strings.TrimSpace(raw))) {
	case TradeSideBuy:
		return TradeSideBuy, true
	case TradeSideSell:
		return TradeSideSell, true
	default:
		return "", false
	}
}

// OrderType enumerates the order types the bot submits or may observe.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the venue's order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can never change state again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusFilled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is a snapshot of one venue order as last reported by REST.
type Order struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          TradeSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// OrderRequest is a new-order submission. Numeric fields are pre-formatted
// by the caller; exactly one of Quantity and QuoteOrderQty is set.
type OrderRequest struct {
	Symbol           string
	Side             TradeSide
	Type             OrderType
	Price            string
	Quantity         string
	QuoteOrderQty    string
	TimeInForce      string
	NewClientOrderID string
	ResponseType     string
}

// SymbolInfo is the subset of exchange metadata the bot needs for one pair.
type SymbolInfo struct {
	Symbol                       string `json:"symbol"`
	Status                       string `json:"status"`
	BaseAsset                    string `json:"baseAsset"`
	QuoteAsset                   string `json:"quoteAsset"`
	BaseAssetPrecision           int32  `json:"baseAssetPrecision"`
	QuotePrecision               int32  `json:"quotePrecision"`
	TickSize                     string `json:"tickSize"`
	StepSize                     string `json:"stepSize"`
	IsQuoteOrderQtyMarketAllowed bool   `json:"quoteOrderQtyMarketAllowed"`
}

// AssetBalance is one asset's free and locked amounts.
type AssetBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}
