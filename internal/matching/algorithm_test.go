package matching

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdex/veloxdex/internal/model"
)

var baseTime = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// resting builds an ACTIVE limit order confirmed on chain, aged by offset so
// time priority is deterministic.
func resting(side, price, amount, user string, extID int64, offset time.Duration) *model.Order {
	amt := dec(amount)
	return &model.Order{
		ID:          uuid.New(),
		ExternalID:  extID,
		Contract:    "0xabc",
		Side:        side,
		Type:        model.OrderTypeLimit,
		Price:       dec(price),
		Amount:      amt,
		Remaining:   amt,
		Filled:      decimal.Zero,
		Status:      model.OrderStatusActive,
		UserAddress: user,
		CreatedAt:   baseTime.Add(offset),
	}
}

func TestSplitBookOrdersByPriceTimePriority(t *testing.T) {
	orders := []*model.Order{
		resting(model.OrderSideSell, "1.02", "5", "0xa", 1, 0),
		resting(model.OrderSideSell, "1.00", "5", "0xb", 2, time.Second),
		resting(model.OrderSideSell, "1.00", "5", "0xc", 3, 2*time.Second),
		resting(model.OrderSideBuy, "1.01", "5", "0xd", 4, 0),
		resting(model.OrderSideBuy, "1.05", "5", "0xe", 5, time.Second),
	}
	bids, asks := SplitBook(orders)

	require.Len(t, asks, 3)
	assert.True(t, asks[0].Price.Equal(dec("1.00")))
	assert.Equal(t, "0xb", asks[0].UserAddress, "earlier order wins the price level")
	assert.Equal(t, "0xc", asks[1].UserAddress)
	assert.True(t, asks[2].Price.Equal(dec("1.02")))

	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(dec("1.05")), "best bid first")
}

func TestFindMatchNoCrossingReturnsNil(t *testing.T) {
	bids, asks := SplitBook([]*model.Order{
		resting(model.OrderSideBuy, "0.99", "10", "0xa", 1, 0),
		resting(model.OrderSideSell, "1.01", "10", "0xb", 2, 0),
	})
	group, err := FindMatch("0xabc", bids, asks)
	require.NoError(t, err)
	assert.Nil(t, group)
}

func TestFindMatchExecutesAtRestingPrice(t *testing.T) {
	ask := resting(model.OrderSideSell, "1.00", "10", "0xseller", 1, 0)
	bid := resting(model.OrderSideBuy, "1.05", "10", "0xbuyer", 2, time.Second)
	bids, asks := SplitBook([]*model.Order{ask, bid})

	group, err := FindMatch("0xabc", bids, asks)
	require.NoError(t, err)
	require.NotNil(t, group)

	assert.True(t, group.Price.Equal(dec("1.00")), "ask-led match executes at the ask price")
	assert.True(t, group.Total.Equal(dec("10")))
	require.Len(t, group.Buys, 1)
	require.Len(t, group.Sells, 1)
	assert.Equal(t, bid.ID, group.Buys[0].OrderID)
	assert.Equal(t, ask.ID, group.Sells[0].OrderID)
}

func TestFindMatchEarliestAskLeadsOverLargerFill(t *testing.T) {
	// The older ask leads even though the younger one could fill more volume.
	small := resting(model.OrderSideSell, "1.00", "2", "0xa", 1, 0)
	large := resting(model.OrderSideSell, "1.00", "50", "0xb", 2, time.Second)
	bid := resting(model.OrderSideBuy, "1.00", "50", "0xc", 3, 2*time.Second)

	bids, asks := SplitBook([]*model.Order{large, small, bid})
	group, err := FindMatch("0xabc", bids, asks)
	require.NoError(t, err)
	require.NotNil(t, group)

	require.Len(t, group.Sells, 1)
	assert.Equal(t, small.ID, group.Sells[0].OrderID)
	assert.True(t, group.Total.Equal(dec("2")))
}

func TestFindMatchAggregatesCounterpartiesInPriorityOrder(t *testing.T) {
	ask := resting(model.OrderSideSell, "1.00", "10", "0xseller", 1, 0)
	bid1 := resting(model.OrderSideBuy, "1.00", "4", "0xa", 2, time.Second)
	bid2 := resting(model.OrderSideBuy, "1.02", "4", "0xb", 3, 2*time.Second)
	bid3 := resting(model.OrderSideBuy, "1.00", "9", "0xc", 4, 3*time.Second)

	bids, asks := SplitBook([]*model.Order{ask, bid1, bid2, bid3})
	group, err := FindMatch("0xabc", bids, asks)
	require.NoError(t, err)
	require.NotNil(t, group)

	// Best price first (bid2), then time priority at 1.00 (bid1 before bid3).
	require.Len(t, group.Buys, 3)
	assert.Equal(t, bid2.ID, group.Buys[0].OrderID)
	assert.Equal(t, bid1.ID, group.Buys[1].OrderID)
	assert.Equal(t, bid3.ID, group.Buys[2].OrderID)
	assert.True(t, group.Buys[2].Amount.Equal(dec("2")), "last counterparty fills partially")
	assert.True(t, group.Total.Equal(dec("10")))
	assert.True(t, group.Price.Equal(dec("1.00")))
}

func TestFindMatchSkipsSelfTrade(t *testing.T) {
	ask := resting(model.OrderSideSell, "1.00", "10", "0xsame", 1, 0)
	ownBid := resting(model.OrderSideBuy, "1.05", "10", "0xsame", 2, time.Second)

	bids, asks := SplitBook([]*model.Order{ask, ownBid})
	group, err := FindMatch("0xabc", bids, asks)
	require.NoError(t, err)
	assert.Nil(t, group, "an account must never trade with itself")

	// A third party unblocks the match.
	other := resting(model.OrderSideBuy, "1.05", "10", "0xother", 3, 2*time.Second)
	bids, asks = SplitBook([]*model.Order{ask, ownBid, other})
	group, err = FindMatch("0xabc", bids, asks)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, other.ID, group.Buys[0].OrderID)
}

func TestScanSideBidLedExecutesAtBidPrice(t *testing.T) {
	bid := resting(model.OrderSideBuy, "1.05", "5", "0xalice", 1, 0)
	ask := resting(model.OrderSideSell, "1.00", "5", "0xbob", 2, time.Second)

	group, err := scanSide("0xabc", []*model.Order{bid}, []*model.Order{ask}, false)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.True(t, group.Price.Equal(dec("1.05")), "bid-led match executes at the bid price")
	assert.Equal(t, bid.ID, group.Buys[0].OrderID)
	assert.Equal(t, ask.ID, group.Sells[0].OrderID)
}

func TestFindMatchDoesNotMutateOrders(t *testing.T) {
	ask := resting(model.OrderSideSell, "1.00", "10", "0xseller", 1, 0)
	bid := resting(model.OrderSideBuy, "1.05", "10", "0xbuyer", 2, time.Second)

	bids, asks := SplitBook([]*model.Order{ask, bid})
	_, err := FindMatch("0xabc", bids, asks)
	require.NoError(t, err)

	assert.True(t, ask.Remaining.Equal(dec("10")), "matching must not consume the order")
	assert.True(t, bid.Remaining.Equal(dec("10")))
	assert.Equal(t, model.OrderStatusActive, ask.Status)
}
