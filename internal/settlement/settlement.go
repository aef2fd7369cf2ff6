// Package settlement hands match groups to the external on-chain executor and
// folds its confirmations back into local state. The core never holds
// settlement credentials; it only publishes requests and consumes outcomes.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/messaging"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/store"
)

// Executor accepts a match group for external, irreversible execution.
type Executor interface {
	SubmitMatchGroup(ctx context.Context, group *model.MatchGroup) error
}

// Publisher is the queue surface the settlement layer writes to.
// *messaging.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic messaging.Topic, key string, message interface{}) error
}

// BookCache is the price-ordered cache surface the confirmer keeps current.
// *bookcache.Cache satisfies it.
type BookCache interface {
	Upsert(ctx context.Context, order *model.Order) error
	Remove(ctx context.Context, order *model.Order) error
}

// QueueExecutor publishes match groups to the settlement request queue, where
// the external executor picks them up.
type QueueExecutor struct {
	producer Publisher
	logger   *zap.Logger
}

// NewQueueExecutor creates a queue-backed executor.
func NewQueueExecutor(producer Publisher, logger *zap.Logger) *QueueExecutor {
	return &QueueExecutor{producer: producer, logger: logger}
}

// SubmitMatchGroup enqueues the group keyed by contract so one contract's
// settlements stay ordered.
func (e *QueueExecutor) SubmitMatchGroup(ctx context.Context, group *model.MatchGroup) error {
	if err := e.producer.Publish(ctx, messaging.TopicSettlementRequests, group.Contract, group); err != nil {
		return fmt.Errorf("failed to enqueue match group: %w", err)
	}
	e.logger.Info("match group enqueued for settlement",
		zap.String("contract", group.Contract),
		zap.String("total", group.Total.String()),
		zap.String("price", group.Price.String()))
	return nil
}

// Confirmer applies settlement outcomes: fills on success, reservation release
// on failure, and a cache update plus refresh broadcast either way.
type Confirmer struct {
	orders   store.OrderStore
	cache    BookCache
	producer Publisher
	logger   *zap.Logger
}

// NewConfirmer creates a confirmer.
func NewConfirmer(orders store.OrderStore, cache BookCache, producer Publisher, logger *zap.Logger) *Confirmer {
	return &Confirmer{orders: orders, cache: cache, producer: producer, logger: logger}
}

// HandleConfirmation processes one settlement.confirmed message.
func (c *Confirmer) HandleConfirmation(ctx context.Context, msg *messaging.ReceivedMessage) error {
	var event model.SettlementConfirmedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Error("discarding malformed settlement confirmation", zap.Error(err))
		// Malformed input cannot succeed on redelivery; acknowledge it.
		return nil
	}

	group := event.Group
	if !event.Success {
		c.logger.Warn("settlement failed, releasing reservations",
			zap.String("contract", group.Contract),
			zap.String("error", event.Error))
		if err := c.orders.ReleaseOrders(ctx, group.OrderIDs()); err != nil {
			return fmt.Errorf("failed to release failed settlement orders: %w", err)
		}
		c.refreshCache(ctx, &group)
		return c.publishRefresh(ctx, &group)
	}

	fills := append(append([]model.Fill{}, group.Buys...), group.Sells...)
	if err := c.orders.ApplyFills(ctx, fills, group.Price); err != nil {
		return fmt.Errorf("failed to apply settlement fills: %w", err)
	}
	c.refreshCache(ctx, &group)

	c.logger.Info("settlement confirmed",
		zap.String("contract", group.Contract),
		zap.String("tx_hash", event.TxHash),
		zap.Uint64("block", event.BlockNumber),
		zap.String("total", group.Total.String()))

	if err := c.publishTrade(ctx, &event); err != nil {
		c.logger.Warn("failed to publish trade broadcast", zap.Error(err))
	}
	return c.publishRefresh(ctx, &group)
}

// refreshCache writes each affected order's current state through to the book
// cache: a targeted upsert for rows resting again, a removal for rows that are
// filled or still reserved. Best-effort; the cache TTL bounds any miss.
func (c *Confirmer) refreshCache(ctx context.Context, group *model.MatchGroup) {
	for _, id := range group.OrderIDs() {
		order, err := c.orders.GetOrder(ctx, id)
		if err != nil {
			c.logger.Warn("failed to re-read order for cache refresh",
				zap.Error(err), zap.String("order_id", id.String()))
			continue
		}
		if order.Status == model.OrderStatusActive && order.Type == model.OrderTypeLimit && order.Remaining.IsPositive() {
			err = c.cache.Upsert(ctx, order)
		} else {
			err = c.cache.Remove(ctx, order)
		}
		if err != nil {
			c.logger.Warn("failed to refresh cache entry after settlement",
				zap.Error(err), zap.String("order_id", id.String()))
		}
	}
}

func (c *Confirmer) publishRefresh(ctx context.Context, group *model.MatchGroup) error {
	payload, _ := json.Marshal(map[string]string{"contract": group.Contract})
	envelope, err := model.NewBroadcastEnvelope(model.EventOrderBookUpdate, "book:"+group.Contract, payload)
	if err != nil {
		return err
	}
	if err := c.producer.Publish(ctx, messaging.TopicBroadcast, group.Contract, envelope); err != nil {
		return err
	}

	users := make(map[string]struct{})
	for _, f := range append(append([]model.Fill{}, group.Buys...), group.Sells...) {
		users[f.User] = struct{}{}
	}
	for user := range users {
		payload, _ := json.Marshal(map[string]string{"user": user})
		env, err := model.NewBroadcastEnvelope(model.EventUserOrdersUpdate, "orders:"+user, payload)
		if err != nil {
			continue
		}
		if err := c.producer.Publish(ctx, messaging.TopicBroadcast, user, env); err != nil {
			c.logger.Warn("failed to publish user orders refresh", zap.Error(err), zap.String("user", user))
		}
	}
	return nil
}

func (c *Confirmer) publishTrade(ctx context.Context, event *model.SettlementConfirmedEvent) error {
	payload, err := json.Marshal(map[string]interface{}{
		"contract": event.Group.Contract,
		"price":    event.Group.Price,
		"amount":   event.Group.Total,
		"tx_hash":  event.TxHash,
	})
	if err != nil {
		return err
	}
	envelope, err := model.NewBroadcastEnvelope(model.EventTradeExecuted, "trades:"+event.Group.Contract, payload)
	if err != nil {
		return err
	}
	return c.producer.Publish(ctx, messaging.TopicBroadcast, event.Group.Contract, envelope)
}
