package bot

import "github.com/shopspring/decimal"

var (
	buyUndercutRatio   = decimal.NewFromInt(2)
	sellUndercutRatio  = decimal.RequireFromString("1.25")
	sellOverbidDivisor = decimal.RequireFromString("0.5")
)

// Quote is the best bid/ask the pricing rules read.
type Quote struct {
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

// BuyPrice quotes one step below the bid when ask depth is at least twice the
// bid depth, otherwise at the bid. The result never exceeds limit.
func BuyPrice(q Quote, step, limit decimal.Decimal) decimal.Decimal {
	price := q.BidPrice
	if ratioAtLeast(q.AskQty, q.BidQty, buyUndercutRatio) {
		price = q.BidPrice.Sub(step)
	}
	if price.GreaterThan(limit) {
		price = limit
	}
	return price
}

// SellPrice quotes one step above the ask when half the bid depth covers the
// ask depth, otherwise at the ask. Ask depth of 1.25x the bid depth or more
// drops the quote to the bid. A positive lastBuyPrice floors the quote, and
// unless sellAtCost is set the floor is lastBuyPrice plus one step.
func SellPrice(q Quote, step decimal.Decimal, lastBuyPrice *decimal.Decimal, sellAtCost bool) decimal.Decimal {
	price := q.AskPrice
	if q.BidQty.Mul(sellOverbidDivisor).GreaterThanOrEqual(q.AskQty) {
		price = q.AskPrice.Add(step)
	}
	if ratioAtLeast(q.AskQty, q.BidQty, sellUndercutRatio) {
		price = q.BidPrice
	}
	if lastBuyPrice != nil && lastBuyPrice.IsPositive() {
		if price.LessThan(*lastBuyPrice) {
			price = *lastBuyPrice
		}
		if floor := lastBuyPrice.Add(step); !sellAtCost && price.LessThan(floor) {
			price = floor
		}
	}
	return price
}

// ratioAtLeast reports num/den >= k without dividing. An empty denominator
// counts as an infinite ratio unless the numerator is empty too.
func ratioAtLeast(num, den, k decimal.Decimal) bool {
	if den.IsZero() {
		return num.IsPositive()
	}
	return num.GreaterThanOrEqual(den.Mul(k))
}
