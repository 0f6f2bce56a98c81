package bot

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/stablebot/internal/domain/schema"
)

// State is the bot's local belief about the market, its balances and its own
// resting orders. Only the bot's event loop writes it.
type State struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`

	BaseAssetQuantity  decimal.Decimal `json:"baseAssetQuantity"`
	QuoteAssetQuantity decimal.Decimal `json:"quoteAssetQuantity"`
	BasePrecision      int32           `json:"basePrecision"`
	QuotePrecision     int32           `json:"quotePrecision"`

	// Read from exchange metadata; no pricing rule branches on it yet.
	IsQuoteOrderQtyMarketAllowed bool `json:"isQuoteOrderQtyMarketAllowed"`

	BuyOrder  *schema.Order `json:"buyOrder,omitempty"`
	SellOrder *schema.Order `json:"sellOrder,omitempty"`

	BuyPriceLimit         decimal.Decimal  `json:"buyPriceLimit"`
	LastBuyPrice          *decimal.Decimal `json:"lastBuyPrice,omitempty"`
	SellUsingLastBuyPrice bool             `json:"sellUsingLastBuyPrice"`

	LastTick *schema.BookTicker `json:"lastTick,omitempty"`
}

func (s State) clone() State {
	out := s
	if s.BuyOrder != nil {
		o := *s.BuyOrder
		out.BuyOrder = &o
	}
	if s.SellOrder != nil {
		o := *s.SellOrder
		out.SellOrder = &o
	}
	if s.LastBuyPrice != nil {
		p := *s.LastBuyPrice
		out.LastBuyPrice = &p
	}
	if s.LastTick != nil {
		t := *s.LastTick
		out.LastTick = &t
	}
	return out
}

// tracked returns the slot holding the resting order for side.
func (s *State) tracked(side schema.TradeSide) **schema.Order {
	if side == schema.TradeSideSell {
		return &s.SellOrder
	}
	return &s.BuyOrder
}
