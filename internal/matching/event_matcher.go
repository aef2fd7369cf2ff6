package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/bookcache"
	"github.com/veloxdex/veloxdex/internal/messaging"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/settlement"
	"github.com/veloxdex/veloxdex/internal/store"
	"github.com/veloxdex/veloxdex/pkg/metrics"
)

// BookCache is the price-ordered cache surface the event matcher reads and
// maintains. *bookcache.Cache satisfies it.
type BookCache interface {
	Upsert(ctx context.Context, order *model.Order) error
	Remove(ctx context.Context, order *model.Order) error
	RangeCompatible(ctx context.Context, contract, oppositeSide string, priceBound decimal.Decimal, limit int) ([]*model.Order, error)
	Populate(ctx context.Context, contract string, orders []*model.Order) error
}

// candidateLimit bounds one pass's candidate scan. A single incoming order
// rarely crosses more than a handful of price levels.
const candidateLimit = 64

// EventMatcher reacts to individual order events instead of sweeping the whole
// book. It matches one incoming order against resting counter-orders as soon
// as the order lands, keeping latency low between ticks of the coordinator.
type EventMatcher struct {
	orders   store.OrderStore
	cache    BookCache
	executor settlement.Executor
	producer settlement.Publisher
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// NewEventMatcher wires an event matcher.
func NewEventMatcher(orders store.OrderStore, cache BookCache, executor settlement.Executor, producer settlement.Publisher, logger *zap.Logger) *EventMatcher {
	return &EventMatcher{
		orders:   orders,
		cache:    cache,
		executor: executor,
		producer: producer,
		logger:   logger,
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// HandleOrderCreated consumes one orders.created message.
func (m *EventMatcher) HandleOrderCreated(ctx context.Context, msg *messaging.ReceivedMessage) error {
	var event model.OrderCreatedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		m.logger.Error("discarding malformed order created event", zap.Error(err))
		return nil
	}
	return m.OnOrderCreated(ctx, event)
}

// HandleMatchRequest consumes one orders.match-request message.
func (m *EventMatcher) HandleMatchRequest(ctx context.Context, msg *messaging.ReceivedMessage) error {
	var event model.MatchRequestEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		m.logger.Error("discarding malformed match request", zap.Error(err))
		return nil
	}
	return m.OnMatchRequest(ctx, event)
}

// OnOrderCreated matches a newly landed order against resting counter-orders.
// Whatever the matching outcome, the pass ends with a cache refresh for the
// order and an order-book broadcast; the book view never silently lags a new
// order.
func (m *EventMatcher) OnOrderCreated(ctx context.Context, event model.OrderCreatedEvent) error {
	if !m.claim(event.OrderID) {
		m.logger.Debug("order already being matched, skipping duplicate event",
			zap.String("order_id", event.OrderID.String()))
		return nil
	}
	defer m.release(event.OrderID)

	order, err := m.orders.GetOrder(ctx, event.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			// The row may not be visible yet; redelivery will find it.
			return fmt.Errorf("order %s not yet visible: %w", event.OrderID, err)
		}
		return err
	}

	if order.Matchable() {
		if err := m.matchIncoming(ctx, order); err != nil {
			m.logger.Error("event matching pass failed",
				zap.Error(err),
				zap.String("order_id", order.ID.String()),
				zap.String("contract", order.Contract))
		}
	}

	m.refreshAfterPass(ctx, order)
	return nil
}

// matchIncoming reserves the incoming order and walks compatible resting
// orders in price/time priority, submitting one settlement per counter-order.
// A failed submission counts against the pass but does not abort the walk.
func (m *EventMatcher) matchIncoming(ctx context.Context, order *model.Order) error {
	candidates, err := m.compatibleCandidates(ctx, order)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	if err := m.orders.ReserveOrders(ctx, []uuid.UUID{order.ID}); err != nil {
		if errors.Is(err, store.ErrOrderNotReservable) {
			// Another matcher holds this order; its reference is authoritative.
			m.logger.Debug("incoming order already reserved elsewhere",
				zap.String("order_id", order.ID.String()))
			return nil
		}
		return err
	}

	remaining := order.Remaining
	submitted := 0
	failures := 0
	for _, cand := range candidates {
		if !remaining.IsPositive() {
			break
		}
		if cand.UserAddress == order.UserAddress {
			continue
		}

		// The cache entry is a projection; re-read the row before committing.
		fresh, err := m.orders.GetOrder(ctx, cand.ID)
		if err != nil {
			if errors.Is(err, store.ErrOrderNotFound) {
				continue
			}
			m.logger.Warn("failed to refresh candidate, skipping",
				zap.Error(err), zap.String("order_id", cand.ID.String()))
			continue
		}
		if !fresh.Matchable() || !m.compatiblePrices(order, fresh) {
			continue
		}

		qty := decimal.Min(remaining, fresh.Remaining)
		group, err := m.buildGroup(order, fresh, qty)
		if err != nil {
			m.logger.Warn("skipping invalid pairing",
				zap.Error(err), zap.String("order_id", fresh.ID.String()))
			continue
		}

		if err := m.orders.ReserveOrders(ctx, []uuid.UUID{fresh.ID}); err != nil {
			if errors.Is(err, store.ErrOrderNotReservable) {
				continue
			}
			m.logger.Warn("candidate reservation failed",
				zap.Error(err), zap.String("order_id", fresh.ID.String()))
			continue
		}

		// The reservation's own hold covers the first group. Every further
		// group records an extra hold so the incoming order stays PROCESSING
		// until the last group referencing it resolves.
		if submitted > 0 {
			if err := m.orders.AddHold(ctx, order.ID); err != nil {
				if relErr := m.orders.ReleaseOrders(ctx, []uuid.UUID{fresh.ID}); relErr != nil {
					m.logger.Error("failed to release candidate reservation", zap.Error(relErr))
				}
				if errors.Is(err, store.ErrOrderNotReservable) {
					// An earlier group already resolved and the row moved on;
					// it is no longer ours to match.
					m.logger.Debug("incoming order left reservation mid-pass",
						zap.String("order_id", order.ID.String()))
					break
				}
				return err
			}
		}

		if err := m.executor.SubmitMatchGroup(ctx, group); err != nil {
			metrics.SettlementFailures.Inc()
			failures++
			m.logger.Error("settlement submission failed, releasing candidate",
				zap.Error(err),
				zap.String("order_id", fresh.ID.String()),
				zap.String("contract", order.Contract))
			if relErr := m.orders.ReleaseOrders(ctx, []uuid.UUID{fresh.ID}); relErr != nil {
				m.logger.Error("failed to release candidate reservation", zap.Error(relErr))
			}
			if submitted > 0 {
				// Drop the hold taken for this group; earlier groups keep theirs.
				if relErr := m.orders.ReleaseOrders(ctx, []uuid.UUID{order.ID}); relErr != nil {
					m.logger.Error("failed to drop hold after failed submission", zap.Error(relErr))
				}
			}
			continue
		}

		metrics.MatchGroups.WithLabelValues("event").Inc()
		submitted++
		remaining = remaining.Sub(qty)
	}

	if submitted == 0 {
		// Nothing handed off; return the incoming order to the book.
		if err := m.orders.ReleaseOrders(ctx, []uuid.UUID{order.ID}); err != nil {
			return fmt.Errorf("failed to release unmatched order %s: %w", order.ID, err)
		}
	}

	m.logger.Info("event matching pass complete",
		zap.String("order_id", order.ID.String()),
		zap.String("contract", order.Contract),
		zap.Int("submitted", submitted),
		zap.Int("failures", failures),
		zap.String("unmatched", remaining.String()))
	return nil
}

// compatibleCandidates reads the counter side from the cache, falling back to
// the store and repopulating the cache when the side is missing or expired.
func (m *EventMatcher) compatibleCandidates(ctx context.Context, order *model.Order) ([]*model.Order, error) {
	opposite := model.OrderSideSell
	if order.Side == model.OrderSideSell {
		opposite = model.OrderSideBuy
	}

	candidates, err := m.cache.RangeCompatible(ctx, order.Contract, opposite, order.Price, candidateLimit)
	if err == nil {
		return candidates, nil
	}
	if !errors.Is(err, bookcache.ErrCacheMiss) {
		m.logger.Warn("cache range failed, falling back to store",
			zap.Error(err), zap.String("contract", order.Contract))
	}

	candidates, err = m.orders.CompatibleOrders(ctx, order.Contract, opposite, order.Price)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		if popErr := m.cache.Populate(ctx, order.Contract, candidates); popErr != nil {
			m.logger.Warn("failed to repopulate book cache",
				zap.Error(popErr), zap.String("contract", order.Contract))
		}
	}
	if len(candidates) > candidateLimit {
		candidates = candidates[:candidateLimit]
	}
	return candidates, nil
}

func (m *EventMatcher) compatiblePrices(incoming, resting *model.Order) bool {
	if incoming.Side == model.OrderSideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return resting.Price.GreaterThanOrEqual(incoming.Price)
}

// buildGroup pairs the incoming order with one resting counter-order at the
// resting order's price.
func (m *EventMatcher) buildGroup(incoming, resting *model.Order, qty decimal.Decimal) (*model.MatchGroup, error) {
	incomingFill := model.Fill{OrderID: incoming.ID, ExternalID: incoming.ExternalID, User: incoming.UserAddress, Amount: qty}
	restingFill := model.Fill{OrderID: resting.ID, ExternalID: resting.ExternalID, User: resting.UserAddress, Amount: qty}
	if incoming.Side == model.OrderSideBuy {
		return model.NewMatchGroup(incoming.Contract, []model.Fill{incomingFill}, []model.Fill{restingFill}, resting.Price)
	}
	return model.NewMatchGroup(incoming.Contract, []model.Fill{restingFill}, []model.Fill{incomingFill}, resting.Price)
}

// refreshAfterPass updates the cache entry for the order and announces the
// book change. Both are best-effort; the durable store already holds truth.
// The pass may have reserved or partially consumed the order, so the row is
// re-read first; the cache must never resurrect the pre-match copy.
func (m *EventMatcher) refreshAfterPass(ctx context.Context, order *model.Order) {
	if fresh, err := m.orders.GetOrder(ctx, order.ID); err == nil {
		order = fresh
	}
	if order.Status == model.OrderStatusActive && order.Type == model.OrderTypeLimit && order.Remaining.IsPositive() {
		if err := m.cache.Upsert(ctx, order); err != nil && !errors.Is(err, bookcache.ErrInvalidPrice) {
			m.logger.Warn("failed to refresh cache entry",
				zap.Error(err), zap.String("order_id", order.ID.String()))
		}
	} else {
		if err := m.cache.Remove(ctx, order); err != nil {
			m.logger.Warn("failed to drop cache entry",
				zap.Error(err), zap.String("order_id", order.ID.String()))
		}
	}

	payload, _ := json.Marshal(map[string]string{"contract": order.Contract})
	envelope, err := model.NewBroadcastEnvelope(model.EventOrderBookUpdate, "book:"+order.Contract, payload)
	if err != nil {
		return
	}
	if err := m.producer.Publish(ctx, messaging.TopicBroadcast, order.Contract, envelope); err != nil {
		m.logger.Warn("failed to publish order book refresh",
			zap.Error(err), zap.String("contract", order.Contract))
	}
}

// OnMatchRequest settles the exact order sets named by an operator, bypassing
// candidate search. The sets are resolved by on-chain id, reserved as one
// unit and submitted as one group.
func (m *EventMatcher) OnMatchRequest(ctx context.Context, event model.MatchRequestEvent) error {
	buys, err := m.orders.OrdersByExternalIDs(ctx, event.Contract, event.BuyIDs)
	if err != nil {
		return err
	}
	sells, err := m.orders.OrdersByExternalIDs(ctx, event.Contract, event.SellIDs)
	if err != nil {
		return err
	}
	if len(buys) != len(event.BuyIDs) || len(sells) != len(event.SellIDs) {
		m.logger.Error("match request references unknown orders, discarding",
			zap.String("contract", event.Contract),
			zap.Int("buys_found", len(buys)),
			zap.Int("sells_found", len(sells)))
		return nil
	}

	var buyFills, sellFills []model.Fill
	buyTotal, sellTotal := decimal.Zero, decimal.Zero
	for _, o := range buys {
		buyFills = append(buyFills, model.Fill{OrderID: o.ID, ExternalID: o.ExternalID, User: o.UserAddress, Amount: o.Remaining})
		buyTotal = buyTotal.Add(o.Remaining)
	}
	for _, o := range sells {
		sellFills = append(sellFills, model.Fill{OrderID: o.ID, ExternalID: o.ExternalID, User: o.UserAddress, Amount: o.Remaining})
		sellTotal = sellTotal.Add(o.Remaining)
	}

	// The operator names exact sets; totals are trimmed to the smaller side so
	// the group balances, largest fill last absorbing the difference.
	if !buyTotal.Equal(sellTotal) {
		var ok bool
		if buyTotal.GreaterThan(sellTotal) {
			buyFills, ok = trimFills(buyFills, buyTotal.Sub(sellTotal))
		} else {
			sellFills, ok = trimFills(sellFills, sellTotal.Sub(buyTotal))
		}
		if !ok {
			m.logger.Error("match request cannot balance, discarding", zap.String("contract", event.Contract))
			return nil
		}
	}

	price := sells[0].Price
	group, err := model.NewMatchGroup(event.Contract, buyFills, sellFills, price)
	if err != nil {
		m.logger.Error("match request produced invalid group, discarding",
			zap.Error(err), zap.String("contract", event.Contract))
		return nil
	}

	if err := m.orders.ReserveOrders(ctx, group.OrderIDs()); err != nil {
		if errors.Is(err, store.ErrOrderNotReservable) {
			m.logger.Warn("match request lost reservation race, discarding",
				zap.String("contract", event.Contract))
			return nil
		}
		return err
	}

	if err := m.executor.SubmitMatchGroup(ctx, group); err != nil {
		metrics.SettlementFailures.Inc()
		if relErr := m.orders.ReleaseOrders(ctx, group.OrderIDs()); relErr != nil {
			m.logger.Error("failed to release match request reservation", zap.Error(relErr))
		}
		return err
	}

	metrics.MatchGroups.WithLabelValues("request").Inc()
	m.logger.Info("operator match request enqueued",
		zap.String("contract", event.Contract),
		zap.String("total", group.Total.String()))
	return nil
}

// trimFills removes excess from the last fills until the side sheds the given
// amount, dropping fills trimmed to zero. Fails when the excess meets or
// exceeds the side's total.
func trimFills(fills []model.Fill, excess decimal.Decimal) ([]model.Fill, bool) {
	for i := len(fills) - 1; i >= 0 && excess.IsPositive(); i-- {
		cut := decimal.Min(fills[i].Amount, excess)
		fills[i].Amount = fills[i].Amount.Sub(cut)
		excess = excess.Sub(cut)
	}
	if !excess.IsZero() {
		return nil, false
	}
	kept := fills[:0]
	for _, f := range fills {
		if f.Amount.IsPositive() {
			kept = append(kept, f)
		}
	}
	return kept, len(kept) > 0
}

func (m *EventMatcher) claim(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[id]; ok {
		return false
	}
	m.inFlight[id] = struct{}{}
	return true
}

func (m *EventMatcher) release(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}
