// Package matching implements price/time-priority matching over resting
// orders, triggered either by a fixed-interval coordinator or by order
// creation events.
package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/veloxdex/veloxdex/internal/model"
)

// SplitBook partitions resting orders into bids (price desc, time asc) and
// asks (price asc, time asc).
func SplitBook(orders []*model.Order) (bids, asks []*model.Order) {
	for _, o := range orders {
		if !o.Remaining.IsPositive() {
			continue
		}
		if o.Side == model.OrderSideBuy {
			bids = append(bids, o)
		} else {
			asks = append(asks, o)
		}
	}
	sort.SliceStable(asks, func(i, j int) bool {
		if asks[i].Price.Equal(asks[j].Price) {
			return asks[i].CreatedAt.Before(asks[j].CreatedAt)
		}
		return asks[i].Price.LessThan(asks[j].Price)
	})
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Price.Equal(bids[j].Price) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].Price.GreaterThan(bids[j].Price)
	})
	return bids, asks
}

// FindMatch runs one FIFO matching pass and returns at most one match group,
// or nil when no compatible pairing exists. The scan is ask-led first: the
// earliest compatible ask collects bids in priority order until covered. If no
// ask-led match exists, a symmetric bid-led pass runs. The first valid match
// wins; the pass never searches for a larger aggregate. Orders are read, never
// mutated; the group records consumed amounts only.
func FindMatch(contract string, bids, asks []*model.Order) (*model.MatchGroup, error) {
	if group, err := scanSide(contract, asks, bids, true); group != nil || err != nil {
		return group, err
	}
	return scanSide(contract, bids, asks, false)
}

// scanSide walks the leading side oldest-first collecting counterparties.
// Execution price is the leading (resting, first-listed) order's price.
func scanSide(contract string, leading, opposite []*model.Order, askLed bool) (*model.MatchGroup, error) {
	for _, lead := range leading {
		if !lead.Remaining.IsPositive() {
			continue
		}
		need := lead.Remaining
		var counterFills []model.Fill
		consumed := decimal.Zero

		for _, counter := range opposite {
			if !need.IsPositive() {
				break
			}
			if !counter.Remaining.IsPositive() {
				continue
			}
			// Self-trade prevention: never pair two orders from one account.
			if counter.UserAddress == lead.UserAddress {
				continue
			}
			if !compatible(lead, counter, askLed) {
				continue
			}
			take := decimal.Min(need, counter.Remaining)
			counterFills = append(counterFills, model.Fill{
				OrderID:    counter.ID,
				ExternalID: counter.ExternalID,
				User:       counter.UserAddress,
				Amount:     take,
			})
			consumed = consumed.Add(take)
			need = need.Sub(take)
		}

		if len(counterFills) == 0 {
			continue
		}

		leadFill := []model.Fill{{
			OrderID:    lead.ID,
			ExternalID: lead.ExternalID,
			User:       lead.UserAddress,
			Amount:     consumed,
		}}
		if askLed {
			return model.NewMatchGroup(contract, counterFills, leadFill, lead.Price)
		}
		return model.NewMatchGroup(contract, leadFill, counterFills, lead.Price)
	}
	return nil, nil
}

// compatible requires BUY price >= SELL price.
func compatible(lead, counter *model.Order, askLed bool) bool {
	if askLed {
		// lead is an ask, counter a bid
		return counter.Price.GreaterThanOrEqual(lead.Price)
	}
	// lead is a bid, counter an ask
	return counter.Price.LessThanOrEqual(lead.Price)
}
