// Package bookcache maintains per-contract price-ordered order books in Redis.
// Entries are best-effort projections of the durable store, TTL-bound and
// re-derivable at any time; readers fall back to the store on a miss.
package bookcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/model"
)

var (
	// ErrCacheMiss indicates an empty or expired cache side.
	ErrCacheMiss = errors.New("book cache miss")
	// ErrInvalidPrice indicates a price that cannot serve as a sort score.
	// A corrupt score would permanently misplace the entry, so it is rejected
	// at the boundary.
	ErrInvalidPrice = errors.New("invalid price for cache score")
)

// Entry is a cached projection of an order plus its sortable price score.
type Entry struct {
	Order model.Order `json:"order"`
	Score float64     `json:"score"`
}

// NewEntry validates the order's price and derives the score.
func NewEntry(order *model.Order) (*Entry, error) {
	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, order.Price)
	}
	score := order.Price.InexactFloat64()
	if math.IsNaN(score) || math.IsInf(score, 0) || score <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, order.Price)
	}
	return &Entry{Order: *order, Score: score}, nil
}

// Snapshot is a whole-order-book view for one contract.
type Snapshot struct {
	Contract string         `json:"contract"`
	Bids     []*model.Order `json:"bids"`
	Asks     []*model.Order `json:"asks"`
	TakenAt  time.Time      `json:"taken_at"`
}

// Cache is the Redis-backed price-ordered cache. Each (contract, side) pair
// holds a ZSET of order ids scored by price and a hash of serialized entries.
type Cache struct {
	client      redis.Cmdable
	logger      *zap.Logger
	bookTTL     time.Duration
	snapshotTTL time.Duration
}

// NewCache creates a cache with the given TTLs.
func NewCache(client redis.Cmdable, logger *zap.Logger, bookTTL, snapshotTTL time.Duration) *Cache {
	return &Cache{
		client:      client,
		logger:      logger,
		bookTTL:     bookTTL,
		snapshotTTL: snapshotTTL,
	}
}

func sideKey(contract, side string) string {
	if side == model.OrderSideBuy {
		return fmt.Sprintf("book:%s:bids", contract)
	}
	return fmt.Sprintf("book:%s:asks", contract)
}

func dataKey(contract, side string) string {
	return sideKey(contract, side) + ":data"
}

func snapshotKey(contract string) string {
	return fmt.Sprintf("book:%s:snapshot", contract)
}

// Upsert writes or refreshes one order's cache entry.
func (c *Cache) Upsert(ctx context.Context, order *model.Order) error {
	entry, err := NewEntry(order)
	if err != nil {
		c.logger.Warn("rejecting cache write with invalid price",
			zap.String("order_id", order.ID.String()),
			zap.String("price", order.Price.String()))
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	zkey := sideKey(order.Contract, order.Side)
	dkey := dataKey(order.Contract, order.Side)
	id := order.ID.String()

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: entry.Score, Member: id})
	pipe.HSet(ctx, dkey, id, data)
	pipe.Expire(ctx, zkey, c.bookTTL)
	pipe.Expire(ctx, dkey, c.bookTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// Remove drops one order from its side of the book.
func (c *Cache) Remove(ctx context.Context, order *model.Order) error {
	zkey := sideKey(order.Contract, order.Side)
	dkey := dataKey(order.Contract, order.Side)
	id := order.ID.String()

	pipe := c.client.TxPipeline()
	pipe.ZRem(ctx, zkey, id)
	pipe.HDel(ctx, dkey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// RangeCompatible returns opposite-side orders compatible with the price
// bound, in price/time priority order: for a BUY bound, asks priced at or
// below it, cheapest and earliest first; for a SELL bound the symmetric case.
// Equal-price FIFO tie-breaks are applied after the range read since the ZSET
// only orders by score.
func (c *Cache) RangeCompatible(ctx context.Context, contract, oppositeSide string, priceBound decimal.Decimal, limit int) ([]*model.Order, error) {
	zkey := sideKey(contract, oppositeSide)
	bound := priceBound.InexactFloat64()

	var ids []string
	var err error
	switch oppositeSide {
	case model.OrderSideSell:
		ids, err = c.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
			Min: "0", Max: fmt.Sprintf("%v", bound),
		}).Result()
	case model.OrderSideBuy:
		ids, err = c.client.ZRevRangeByScore(ctx, zkey, &redis.ZRangeBy{
			Min: fmt.Sprintf("%v", bound), Max: "+inf",
		}).Result()
	default:
		return nil, fmt.Errorf("invalid side %q", oppositeSide)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to range cache: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrCacheMiss
	}

	orders, err := c.loadEntries(ctx, contract, oppositeSide, ids)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrCacheMiss
	}

	sortSide(orders, oppositeSide)
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// GetSnapshot returns the whole-order-book snapshot, served from the short-TTL
// snapshot key when fresh.
func (c *Cache) GetSnapshot(ctx context.Context, contract string) (*Snapshot, error) {
	if data, err := c.client.Get(ctx, snapshotKey(contract)).Result(); err == nil {
		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err == nil {
			return &snap, nil
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	snap, err := c.buildSnapshot(ctx, contract)
	if err != nil {
		return nil, err
	}
	// An empty book usually means the side keys expired, not that nothing
	// rests; leave it uncached so the caller's store fallback is not masked
	// for a full snapshot TTL.
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		return snap, nil
	}
	if data, err := json.Marshal(snap); err == nil {
		if err := c.client.Set(ctx, snapshotKey(contract), data, c.snapshotTTL).Err(); err != nil {
			c.logger.Warn("failed to cache snapshot", zap.Error(err), zap.String("contract", contract))
		}
	}
	return snap, nil
}

func (c *Cache) buildSnapshot(ctx context.Context, contract string) (*Snapshot, error) {
	snap := &Snapshot{Contract: contract, TakenAt: time.Now().UTC()}
	for _, side := range []string{model.OrderSideBuy, model.OrderSideSell} {
		ids, err := c.client.ZRange(ctx, sideKey(contract, side), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read book side: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		orders, err := c.loadEntries(ctx, contract, side, ids)
		if err != nil {
			return nil, err
		}
		sortSide(orders, side)
		if side == model.OrderSideBuy {
			snap.Bids = orders
		} else {
			snap.Asks = orders
		}
	}
	return snap, nil
}

// Invalidate drops every cached structure for the contract. Used when an
// incremental update is not safe; the next reader repopulates from the store.
func (c *Cache) Invalidate(ctx context.Context, contract string) error {
	keys := []string{
		sideKey(contract, model.OrderSideBuy),
		dataKey(contract, model.OrderSideBuy),
		sideKey(contract, model.OrderSideSell),
		dataKey(contract, model.OrderSideSell),
		snapshotKey(contract),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate book cache for %s: %w", contract, err)
	}
	return nil
}

// Populate rebuilds one contract's book from store rows.
func (c *Cache) Populate(ctx context.Context, contract string, orders []*model.Order) error {
	if err := c.Invalidate(ctx, contract); err != nil {
		return err
	}
	for _, o := range orders {
		if !o.Remaining.IsPositive() {
			continue
		}
		if err := c.Upsert(ctx, o); err != nil {
			if errors.Is(err, ErrInvalidPrice) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) loadEntries(ctx context.Context, contract, side string, ids []string) ([]*model.Order, error) {
	raw, err := c.client.HMGet(ctx, dataKey(contract, side), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entries: %w", err)
	}
	orders := make([]*model.Order, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// ZSET member without a data row; the hash expired first.
			c.logger.Debug("cache entry missing payload", zap.String("id", ids[i]))
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			c.logger.Warn("discarding undecodable cache entry", zap.Error(err), zap.String("id", ids[i]))
			continue
		}
		if !entry.Order.Remaining.IsPositive() {
			continue
		}
		o := entry.Order
		orders = append(orders, &o)
	}
	return orders, nil
}

// sortSide enforces price/time priority: asks ascending by price, bids
// descending, both oldest-first within a price level.
func sortSide(orders []*model.Order, side string) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Price.Equal(orders[j].Price) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		if side == model.OrderSideSell {
			return orders[i].Price.LessThan(orders[j].Price)
		}
		return orders[i].Price.GreaterThan(orders[j].Price)
	})
}
