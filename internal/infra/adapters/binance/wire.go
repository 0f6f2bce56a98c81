package binance

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stablebot/internal/domain/schema"
	"github.com/coachpo/stablebot/internal/numeric"
)

// binanceTimestamp accepts millisecond epochs encoded as numbers or strings.
type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = binanceTimestamp(parsed)
		return nil
	}
	parsed, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return fmt.Errorf("binance timestamp %q: %w", trimmed, err)
	}
	*ts = binanceTimestamp(int64(parsed))
	return nil
}

func (ts binanceTimestamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol                     string               `json:"symbol"`
	Status                     string               `json:"status"`
	BaseAsset                  string               `json:"baseAsset"`
	BaseAssetPrecision         int32                `json:"baseAssetPrecision"`
	QuoteAsset                 string               `json:"quoteAsset"`
	QuotePrecision             int32                `json:"quotePrecision"`
	QuoteAssetPrecision        int32                `json:"quoteAssetPrecision"`
	QuoteOrderQtyMarketAllowed bool                 `json:"quoteOrderQtyMarketAllowed"`
	Filters                    []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
}

func (s exchangeInfoSymbol) toSchema() schema.SymbolInfo {
	info := schema.SymbolInfo{
		Symbol:                       s.Symbol,
		Status:                       s.Status,
		BaseAsset:                    s.BaseAsset,
		QuoteAsset:                   s.QuoteAsset,
		BaseAssetPrecision:           s.BaseAssetPrecision,
		QuotePrecision:               s.QuoteAssetPrecision,
		IsQuoteOrderQtyMarketAllowed: s.QuoteOrderQtyMarketAllowed,
	}
	if info.QuotePrecision == 0 {
		info.QuotePrecision = s.QuotePrecision
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			info.TickSize = f.TickSize
		case "LOT_SIZE":
			info.StepSize = f.StepSize
		}
	}
	return info
}

type userAsset struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountInfoResponse struct {
	Balances []userAsset `json:"balances"`
}

func (a userAsset) toSchema() schema.AssetBalance {
	return schema.AssetBalance{
		Asset:  strings.ToUpper(strings.TrimSpace(a.Asset)),
		Free:   numeric.ParseOrZero(a.Free),
		Locked: numeric.ParseOrZero(a.Locked),
	}
}

type orderResponse struct {
	Symbol        string           `json:"symbol"`
	OrderID       int64            `json:"orderId"`
	ClientOrderID string           `json:"clientOrderId"`
	TransactTime  binanceTimestamp `json:"transactTime"`
	UpdateTime    binanceTimestamp `json:"updateTime"`
	Price         string           `json:"price"`
	OrigQty       string           `json:"origQty"`
	ExecutedQty   string           `json:"executedQty"`
	Status        string           `json:"status"`
	Type          string           `json:"type"`
	Side          string           `json:"side"`
}

func (o orderResponse) toSchema() schema.Order {
	side, _ := schema.ParseTradeSide(o.Side)
	updated := o.UpdateTime.Time()
	if updated.IsZero() {
		updated = o.TransactTime.Time()
	}
	return schema.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          side,
		Type:          schema.OrderType(strings.ToUpper(o.Type)),
		Status:        schema.OrderStatus(strings.ToUpper(o.Status)),
		Price:         numeric.ParseOrZero(o.Price),
		OrigQty:       numeric.ParseOrZero(o.OrigQty),
		ExecutedQty:   numeric.ParseOrZero(o.ExecutedQty),
		UpdatedAt:     updated,
	}
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// subscribeRequest is the control frame for the combined market stream.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

// controlResponse matches acks ({"result":null,"id":1}) and list replies ({"result":[...],"id":3}).
type controlResponse struct {
	ID     *uint64          `json:"id"`
	Result *json.RawMessage `json:"result"`
	Error  *binanceError    `json:"error,omitempty"`
}

type bookTickerEvent struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// DecodeBookTicker parses a bookTicker stream payload. Every price and quantity must be numeric.
func DecodeBookTicker(raw []byte) (schema.BookTicker, error) {
	var evt bookTickerEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return schema.BookTicker{}, fmt.Errorf("decode book ticker: %w", err)
	}
	if evt.Symbol == "" {
		return schema.BookTicker{}, fmt.Errorf("decode book ticker: missing symbol")
	}
	out := schema.BookTicker{UpdateID: evt.UpdateID, Symbol: evt.Symbol}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"b", evt.BidPrice, &out.BidPrice},
		{"B", evt.BidQty, &out.BidQty},
		{"a", evt.AskPrice, &out.AskPrice},
		{"A", evt.AskQty, &out.AskQty},
	}
	for _, f := range fields {
		d, ok := numeric.Parse(f.raw)
		if !ok {
			return schema.BookTicker{}, fmt.Errorf("decode book ticker: field %s=%q is not numeric", f.name, f.raw)
		}
		*f.dst = d
	}
	return out, nil
}

type userEventHeader struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
}

// executionReportEvent declares every single-letter key Binance sends so that
// case-insensitive matching never folds "x" into "X" or "i" into "I".
type executionReportEvent struct {
	EventType          string           `json:"e"`
	EventTime          binanceTimestamp `json:"E"`
	Symbol             string           `json:"s"`
	ClientOrderID      string           `json:"c"`
	Side               string           `json:"S"`
	OrderType          string           `json:"o"`
	TimeInForce        string           `json:"f"`
	Quantity           string           `json:"q"`
	Price              string           `json:"p"`
	StopPrice          string           `json:"P"`
	IcebergQty         string           `json:"F"`
	OrderListID        int64            `json:"g"`
	OrigClientOrderID  string           `json:"C"`
	ExecutionType      string           `json:"x"`
	OrderStatus        string           `json:"X"`
	RejectReason       string           `json:"r"`
	OrderID            int64            `json:"i"`
	Ignore             int64            `json:"I"`
	LastExecutedQty    string           `json:"l"`
	CumulativeQty      string           `json:"z"`
	LastExecutedPrice  string           `json:"L"`
	Commission         string           `json:"n"`
	CommissionAsset    *string          `json:"N"`
	TransactionTime    binanceTimestamp `json:"T"`
	TradeID            int64            `json:"t"`
	Working            bool             `json:"w"`
	Maker              bool             `json:"m"`
	Reserved           bool             `json:"M"`
	CreationTime       binanceTimestamp `json:"O"`
	CumulativeQuoteQty string           `json:"Z"`
	LastQuoteQty       string           `json:"Y"`
	QuoteOrderQty      string           `json:"Q"`
	WorkingTime        binanceTimestamp `json:"W"`
	SelfTradeMode      string           `json:"V"`
}

type balanceUpdateEvent struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Asset     string           `json:"a"`
	Delta     string           `json:"d"`
	ClearTime binanceTimestamp `json:"T"`
}

type accountPositionEvent struct {
	EventType  string           `json:"e"`
	EventTime  binanceTimestamp `json:"E"`
	LastUpdate binanceTimestamp `json:"u"`
	Balances   []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// ErrUnknownUserEvent is wrapped when a user stream payload has an unrecognised "e".
var ErrUnknownUserEvent = errors.New("binance: unknown user event")

// DecodeUserEvent parses one user data stream payload. The listen-key wrapper
// {"stream":..., "data":...} is accepted as well as the bare event.
func DecodeUserEvent(raw []byte) (schema.UserEvent, error) {
	raw = unwrapStreamEnvelope(raw)
	var head userEventHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return schema.UserEvent{}, fmt.Errorf("decode user event: %w", err)
	}
	switch schema.UserEventKind(head.EventType) {
	case schema.UserEventExecutionReport:
		var evt executionReportEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return schema.UserEvent{}, fmt.Errorf("decode execution report: %w", err)
		}
		side, _ := schema.ParseTradeSide(evt.Side)
		report := &schema.ExecutionReport{
			EventTime:       evt.EventTime.Time(),
			Symbol:          evt.Symbol,
			ClientOrderID:   evt.ClientOrderID,
			Side:            side,
			Type:            schema.OrderType(strings.ToUpper(evt.OrderType)),
			ExecutionType:   evt.ExecutionType,
			Status:          schema.OrderStatus(strings.ToUpper(evt.OrderStatus)),
			OrderID:         evt.OrderID,
			Price:           numeric.ParseOrZero(evt.Price),
			Quantity:        numeric.ParseOrZero(evt.Quantity),
			LastFilledQty:   numeric.ParseOrZero(evt.LastExecutedQty),
			LastFilledPrice: numeric.ParseOrZero(evt.LastExecutedPrice),
			CumulativeQty:   numeric.ParseOrZero(evt.CumulativeQty),
			RejectReason:    evt.RejectReason,
			TransactionTime: evt.TransactionTime.Time(),
		}
		return schema.UserEvent{Kind: schema.UserEventExecutionReport, ExecutionReport: report}, nil
	case schema.UserEventBalanceUpdate:
		var evt balanceUpdateEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return schema.UserEvent{}, fmt.Errorf("decode balance update: %w", err)
		}
		return schema.UserEvent{Kind: schema.UserEventBalanceUpdate, BalanceUpdate: &schema.BalanceUpdate{
			EventTime: evt.EventTime.Time(),
			Asset:     evt.Asset,
			Delta:     numeric.ParseOrZero(evt.Delta),
			ClearTime: evt.ClearTime.Time(),
		}}, nil
	case schema.UserEventAccountPosition:
		var evt accountPositionEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return schema.UserEvent{}, fmt.Errorf("decode account position: %w", err)
		}
		pos := &schema.AccountPosition{
			EventTime:  evt.EventTime.Time(),
			LastUpdate: evt.LastUpdate.Time(),
			Balances:   make([]schema.AssetBalance, 0, len(evt.Balances)),
		}
		for _, b := range evt.Balances {
			pos.Balances = append(pos.Balances, userAsset{Asset: b.Asset, Free: b.Free, Locked: b.Locked}.toSchema())
		}
		return schema.UserEvent{Kind: schema.UserEventAccountPosition, AccountPosition: pos}, nil
	default:
		return schema.UserEvent{}, fmt.Errorf("%w %q", ErrUnknownUserEvent, head.EventType)
	}
}

func unwrapStreamEnvelope(raw []byte) []byte {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}
