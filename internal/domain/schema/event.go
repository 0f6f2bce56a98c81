package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookTicker is a best bid/ask update for one symbol.
type BookTicker struct {
	UpdateID int64           `json:"updateId"`
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
}

// ExecutionReport is an order update pushed on the user data stream.
type ExecutionReport struct {
	EventTime       time.Time
	Symbol          string
	ClientOrderID   string
	Side            TradeSide
	Type            OrderType
	ExecutionType   string
	Status          OrderStatus
	OrderID         int64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	LastFilledQty   decimal.Decimal
	LastFilledPrice decimal.Decimal
	CumulativeQty   decimal.Decimal
	RejectReason    string
	TransactionTime time.Time
}

// BalanceUpdate is a deposit, withdrawal or transfer delta for one asset.
type BalanceUpdate struct {
	EventTime time.Time
	Asset     string
	Delta     decimal.Decimal
	ClearTime time.Time
}

// AccountPosition lists assets whose balances changed in one account update.
type AccountPosition struct {
	EventTime  time.Time
	LastUpdate time.Time
	Balances   []AssetBalance
}

// UserEventKind tags which payload of a UserEvent is populated.
type UserEventKind string

const (
	UserEventExecutionReport UserEventKind = "executionReport"
	UserEventBalanceUpdate   UserEventKind = "balanceUpdate"
	UserEventAccountPosition UserEventKind = "outboundAccountPosition"
)

// UserEvent is one decoded message from the user data stream.
type UserEvent struct {
	Kind            UserEventKind
	ExecutionReport *ExecutionReport
	BalanceUpdate   *BalanceUpdate
	AccountPosition *AccountPosition
}
