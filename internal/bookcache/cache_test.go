package bookcache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdex/veloxdex/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cachedOrder(side, price string, offset time.Duration) *model.Order {
	return &model.Order{
		ID:        uuid.New(),
		Contract:  "0xabc",
		Side:      side,
		Type:      model.OrderTypeLimit,
		Price:     dec(price),
		Amount:    dec("10"),
		Remaining: dec("10"),
		Status:    model.OrderStatusActive,
		CreatedAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestNewEntryRejectsUnsortablePrices(t *testing.T) {
	valid := cachedOrder(model.OrderSideBuy, "1.05", 0)
	entry, err := NewEntry(valid)
	require.NoError(t, err)
	assert.InDelta(t, 1.05, entry.Score, 1e-9)

	zero := cachedOrder(model.OrderSideBuy, "1.05", 0)
	zero.Price = decimal.Zero
	_, err = NewEntry(zero)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	negative := cachedOrder(model.OrderSideBuy, "1.05", 0)
	negative.Price = dec("-3")
	_, err = NewEntry(negative)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestSortSideAppliesPriceTimePriority(t *testing.T) {
	a := cachedOrder(model.OrderSideSell, "1.02", 0)
	b := cachedOrder(model.OrderSideSell, "1.00", time.Second)
	c := cachedOrder(model.OrderSideSell, "1.00", 2*time.Second)

	asks := []*model.Order{a, c, b}
	sortSide(asks, model.OrderSideSell)
	assert.Equal(t, []*model.Order{b, c, a}, asks, "cheapest first, oldest within a level")

	x := cachedOrder(model.OrderSideBuy, "1.01", 0)
	y := cachedOrder(model.OrderSideBuy, "1.05", time.Second)
	z := cachedOrder(model.OrderSideBuy, "1.05", 2*time.Second)

	bids := []*model.Order{x, z, y}
	sortSide(bids, model.OrderSideBuy)
	assert.Equal(t, []*model.Order{y, z, x}, bids, "best bid first, oldest within a level")
}

func TestCacheKeysSeparateSidesAndContracts(t *testing.T) {
	assert.Equal(t, "book:0xabc:bids", sideKey("0xabc", model.OrderSideBuy))
	assert.Equal(t, "book:0xabc:asks", sideKey("0xabc", model.OrderSideSell))
	assert.Equal(t, "book:0xabc:asks:data", dataKey("0xabc", model.OrderSideSell))
	assert.NotEqual(t, sideKey("0xabc", model.OrderSideBuy), sideKey("0xdef", model.OrderSideBuy))
}
