// Package ledger implements the position ledger and FIFO matching engine.
//
// Completed buys open lots of unmatched quantity per (account, item). A
// settled sell consumes those lots oldest-first, by the buy event's reported
// timestamp, and produces one immutable TradeMatch per lot it touches.
//
// Profit math is exact: tax and ROI are floored through shopspring/decimal
// rather than float64.
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flipledger/ledger-engine/internal/model"
)

var (
	// AfterTaxRate is the share of profit kept after the 2% exchange tax.
	AfterTaxRate = decimal.RequireFromString("0.98")

	// ROIScale multiplies profit/buyPrice in the ROI metric.
	ROIScale = decimal.NewFromInt(10000)
)

// Sell is the settled sell side of one matching pass.
type Sell struct {
	EventID   string
	UserID    int64
	AccountID string
	ItemID    int64
	Price     int64
	Quantity  int64 // filled quantity to settle
}

// SellFromEvent builds the matching input from a sell event.
func SellFromEvent(ev *model.TradeEvent) Sell {
	return Sell{
		EventID:   ev.ID,
		UserID:    ev.UserID,
		AccountID: ev.AccountID,
		ItemID:    ev.ItemID,
		Price:     ev.Price,
		Quantity:  ev.FilledQuantity,
	}
}

// LotChange is the new quantity of a lot after a pass. Zero means delete.
type LotChange struct {
	LotID    string
	Quantity int64
}

// Plan is the full set of writes for one matching pass.
type Plan struct {
	Matches   []model.TradeMatch
	Changes   []LotChange
	Unmatched int64 // sell quantity left after exhausting lots
}

// SortLots orders lots oldest buy timestamp first. Ties break on buy event
// id, then lot id, so the order is total and deterministic.
func SortLots(lots []model.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.BuyTimestamp.Equal(b.BuyTimestamp) {
			return a.BuyTimestamp.Before(b.BuyTimestamp)
		}
		if a.BuyEventID != b.BuyEventID {
			return a.BuyEventID < b.BuyEventID
		}
		return a.ID < b.ID
	})
}

// PlanMatches walks lots oldest-first, consuming min(remaining, lot) from
// each until the sell is settled or lots run out. lots is sorted in place.
// Returned matches carry no ID; the caller assigns one on insert.
func PlanMatches(sell Sell, lots []model.Lot, now time.Time) Plan {
	var plan Plan
	remaining := sell.Quantity
	if remaining <= 0 {
		return plan
	}

	SortLots(lots)
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		if lot.Quantity <= 0 {
			continue
		}

		qty := min(remaining, lot.Quantity)
		profit := Profit(lot.AverageBuyPrice, sell.Price, qty)

		plan.Matches = append(plan.Matches, model.TradeMatch{
			UserID:         sell.UserID,
			AccountID:      sell.AccountID,
			ItemID:         sell.ItemID,
			BuyEventID:     lot.BuyEventID,
			SellEventID:    sell.EventID,
			BuyPrice:       lot.AverageBuyPrice,
			SellPrice:      sell.Price,
			Quantity:       qty,
			Profit:         profit,
			ProfitAfterTax: AfterTax(profit),
			ROI:            ROI(profit, lot.AverageBuyPrice),
			MatchedAt:      now,
		})
		plan.Changes = append(plan.Changes, LotChange{LotID: lot.ID, Quantity: lot.Quantity - qty})
		remaining -= qty
	}

	plan.Unmatched = remaining
	return plan
}

// Profit is the pre-tax profit of qty units; negative for a loss.
func Profit(buyPrice, sellPrice, qty int64) int64 {
	return (sellPrice - buyPrice) * qty
}

// AfterTax returns floor(profit * 0.98).
func AfterTax(profit int64) int64 {
	return decimal.NewFromInt(profit).Mul(AfterTaxRate).Floor().IntPart()
}

// ROI returns floor(profit / buyPrice * 10000), or 0 when buyPrice <= 0.
//
// profit is the total over the matched quantity, not per unit, so the value
// scales with quantity and is not a percentage once more than one unit
// matches. Kept as-is for compatibility with existing consumers.
func ROI(profit, buyPrice int64) int64 {
	if buyPrice <= 0 {
		return 0
	}
	return floorDiv(decimal.NewFromInt(profit).Mul(ROIScale), decimal.NewFromInt(buyPrice))
}

// floorDiv divides exactly and rounds toward negative infinity.
func floorDiv(num, den decimal.Decimal) int64 {
	q, r := num.QuoRem(den, 0)
	if !r.IsZero() && r.Sign() != den.Sign() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.IntPart()
}
