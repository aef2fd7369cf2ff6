package matching

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/settlement"
	"github.com/veloxdex/veloxdex/internal/store"
	"github.com/veloxdex/veloxdex/pkg/metrics"
)

// Coordinator cycle states.
const (
	StateIdle          = "IDLE"
	StateLockAcquiring = "LOCK_ACQUIRING"
	StateScanning      = "SCANNING"
	StateMatching      = "MATCHING"
	StateEnqueueing    = "ENQUEUEING"
)

// Locker is the distributed mutex surface. *dlock.Mutex satisfies it.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// ContractRegistry supplies the set of registered trading contracts. Owned by
// the orchestrator and passed by handle.
type ContractRegistry interface {
	Contracts() []string
}

// CoordinatorConfig bounds the cycle loop.
type CoordinatorConfig struct {
	TickInterval time.Duration
	LockKey      string
	LockTTL      time.Duration
}

// Coordinator runs a full matching sweep of all registered contracts on a
// fixed tick, independent of individual order events. It is the safety net
// against missed events and the primary matcher in the current configuration.
type Coordinator struct {
	cfg      CoordinatorConfig
	orders   store.OrderStore
	locker   Locker
	registry ContractRegistry
	executor settlement.Executor
	logger   *zap.Logger

	running int32 // 1 while a cycle is in flight
	state   atomic.Value
	stopped chan struct{}
}

// NewCoordinator wires a coordinator; Run starts the tick loop.
func NewCoordinator(cfg CoordinatorConfig, orders store.OrderStore, locker Locker, registry ContractRegistry, executor settlement.Executor, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		orders:   orders,
		locker:   locker,
		registry: registry,
		executor: executor,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
	c.state.Store(StateIdle)
	return c
}

// State reports the current cycle state for stats aggregation.
func (c *Coordinator) State() string {
	return c.state.Load().(string)
}

// Run ticks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.logger.Info("matching coordinator started",
		zap.Duration("tick", c.cfg.TickInterval),
		zap.String("lock_key", c.cfg.LockKey))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// WaitStopped blocks, bounded by timeout, until the run loop has exited and
// no cycle is in flight. A reservation-to-settlement handoff is never
// interrupted; shutdown waits for it.
func (c *Coordinator) WaitStopped(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	<-c.stopped
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&c.running) == 0 {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return atomic.LoadInt32(&c.running) == 0
}

// RunCycle performs one tick. A tick arriving while a previous cycle is still
// in flight is a no-op: work is never queued on top of an unfinished sweep.
func (c *Coordinator) RunCycle(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		c.logger.Debug("previous cycle still running, skipping tick")
		return
	}
	defer atomic.StoreInt32(&c.running, 0)
	defer c.state.Store(StateIdle)

	c.state.Store(StateLockAcquiring)
	token, ok, err := c.locker.TryAcquire(ctx, c.cfg.LockKey, c.cfg.LockTTL)
	if err != nil {
		metrics.MatchCycles.WithLabelValues("error").Inc()
		c.logger.Error("lock acquisition failed", zap.Error(err))
		return
	}
	if !ok {
		// Another runner is active somewhere in the cluster; skip entirely.
		metrics.MatchCycles.WithLabelValues("lock_skipped").Inc()
		return
	}
	defer func() {
		if _, err := c.locker.Release(context.WithoutCancel(ctx), c.cfg.LockKey, token); err != nil {
			c.logger.Error("lock release failed", zap.Error(err))
		}
	}()

	c.state.Store(StateScanning)
	matched := false
	for _, contract := range c.registry.Contracts() {
		// One contract's failure must not abort the sweep of the others.
		if ok, err := c.matchContract(ctx, contract); err != nil {
			c.logger.Error("contract matching pass failed",
				zap.Error(err),
				zap.String("contract", contract))
		} else if ok {
			matched = true
		}
	}

	if matched {
		metrics.MatchCycles.WithLabelValues("matched").Inc()
	} else {
		metrics.MatchCycles.WithLabelValues("empty").Inc()
	}
}

// matchContract produces and hands off at most one match group per tick for
// the contract. Earliest resting order priority is preferred over maximal
// fill volume.
func (c *Coordinator) matchContract(ctx context.Context, contract string) (bool, error) {
	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	resting, err := c.orders.RestingOrders(ctx, contract)
	if err != nil {
		return false, err
	}
	bids, asks := SplitBook(resting)
	if len(bids) == 0 || len(asks) == 0 {
		return false, nil
	}

	c.state.Store(StateMatching)
	group, err := FindMatch(contract, bids, asks)
	if err != nil {
		return false, err
	}
	if group == nil {
		return false, nil
	}

	// Reservation before handoff is the correctness mechanism: once rows are
	// PROCESSING, neither the next tick nor the event matcher can select them.
	if err := c.orders.ReserveOrders(ctx, group.OrderIDs()); err != nil {
		if errors.Is(err, store.ErrOrderNotReservable) {
			c.logger.Debug("match group lost reservation race, discarding",
				zap.String("contract", contract))
			return false, nil
		}
		return false, err
	}

	c.state.Store(StateEnqueueing)
	if err := c.executor.SubmitMatchGroup(ctx, group); err != nil {
		metrics.SettlementFailures.Inc()
		// Free the reservation so the orders become matchable again instead
		// of sitting in PROCESSING forever.
		if relErr := c.orders.ReleaseOrders(ctx, group.OrderIDs()); relErr != nil {
			c.logger.Error("failed to release reservation after enqueue failure",
				zap.Error(relErr),
				zap.String("contract", contract))
		}
		return false, err
	}

	metrics.MatchGroups.WithLabelValues("cycle").Inc()
	c.logger.Info("match group enqueued",
		zap.String("contract", contract),
		zap.String("price", group.Price.String()),
		zap.String("total", group.Total.String()),
		zap.Int("buys", len(group.Buys)),
		zap.Int("sells", len(group.Sells)))
	return true, nil
}
