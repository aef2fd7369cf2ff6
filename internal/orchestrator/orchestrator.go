// Package orchestrator owns process lifecycle: it builds every component,
// starts them in dependency order, aggregates their health and tears them
// down in reverse on shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/bookcache"
	"github.com/veloxdex/veloxdex/internal/broadcast"
	"github.com/veloxdex/veloxdex/internal/config"
	"github.com/veloxdex/veloxdex/internal/dlock"
	"github.com/veloxdex/veloxdex/internal/matching"
	"github.com/veloxdex/veloxdex/internal/messaging"
	"github.com/veloxdex/veloxdex/internal/reconciler"
	"github.com/veloxdex/veloxdex/internal/server"
	"github.com/veloxdex/veloxdex/internal/settlement"
	"github.com/veloxdex/veloxdex/internal/store"
)

// startupGrace is how long after Start a failing component reports pending
// instead of unhealthy, so orchestration platforms do not kill a process that
// is still warming up.
const startupGrace = 30 * time.Second

// Registry is the in-process contract registry.
type Registry struct {
	mu        sync.RWMutex
	contracts []string
}

// NewRegistry seeds the registry from configuration.
func NewRegistry(contracts []string) *Registry {
	return &Registry{contracts: append([]string(nil), contracts...)}
}

// Contracts returns a copy of the registered contract set.
func (r *Registry) Contracts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.contracts...)
}

// Add registers a contract at runtime; duplicates are ignored.
func (r *Registry) Add(contract string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contracts {
		if c == contract {
			return
		}
	}
	r.contracts = append(r.contracts, contract)
}

// Orchestrator wires and runs the matching core.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	registry    *Registry
	redisClient *redis.Client
	orders      *store.GormStore
	listener    *store.Listener
	cache       *bookcache.Cache
	producer    *messaging.Producer
	consumer    *messaging.Consumer
	coordinator *matching.Coordinator
	eventMatch  *matching.EventMatcher
	confirmer   *settlement.Confirmer
	reconciler  *reconciler.Reconciler
	hub         *broadcast.Hub
	dispatcher  *broadcast.Dispatcher
	httpServer  *http.Server

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	ready     atomic.Bool
}

// New builds every component. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	registry := NewRegistry(cfg.Contracts)

	db, err := store.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return nil, err
	}
	orders, err := store.NewGormStore(db, logger)
	if err != nil {
		return nil, err
	}
	listener := store.NewListener(cfg.Database.DSN, cfg.Database.NotifyChannel, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cache := bookcache.NewCache(redisClient, logger, cfg.Redis.BookTTL, cfg.Redis.SnapshotTTL)
	locker := dlock.NewMutex(redisClient, logger)

	producer := messaging.NewProducer(cfg.Kafka.Brokers, logger)
	consumer := messaging.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupPrefix, logger)

	executor := settlement.NewQueueExecutor(producer, logger)
	confirmer := settlement.NewConfirmer(orders, cache, producer, logger)

	coordinator := matching.NewCoordinator(matching.CoordinatorConfig{
		TickInterval: cfg.Matching.TickInterval,
		LockKey:      cfg.Matching.LockKey,
		LockTTL:      cfg.Matching.LockTTL,
	}, orders, locker, registry, executor, logger)
	eventMatch := matching.NewEventMatcher(orders, cache, executor, producer, logger)

	chainClient, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	rec, err := reconciler.New(reconciler.Config{
		ExchangeAddress: cfg.Chain.ExchangeAddress,
		PendingDelay:    cfg.Reconciler.PendingDelay,
		MissingLogDelay: cfg.Reconciler.MissingLogDelay,
		MaxAttempts:     cfg.Reconciler.MaxAttempts,
		Workers:         cfg.Reconciler.Workers,
	}, orders, chainClient, producer, logger)
	if err != nil {
		return nil, err
	}

	hub := broadcast.NewHub(cfg.Broadcast.RoomCapacity, logger)
	dispatcher := broadcast.NewDispatcher(broadcast.DispatcherConfig{
		RoomRateLimit:  cfg.Broadcast.RoomRateLimit,
		RoomRateWindow: cfg.Broadcast.RoomRateWindow,
		FlushInterval:  cfg.Broadcast.FlushInterval,
		FlushBatchSize: cfg.Broadcast.FlushBatchSize,
		QueueSize:      cfg.Broadcast.QueueSize,
	}, hub, logger)

	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		redisClient: redisClient,
		orders:      orders,
		listener:    listener,
		cache:       cache,
		producer:    producer,
		consumer:    consumer,
		coordinator: coordinator,
		eventMatch:  eventMatch,
		confirmer:   confirmer,
		reconciler:  rec,
		hub:         hub,
		dispatcher:  dispatcher,
	}
	srv := server.NewServer(logger, o, orders, cache, dispatcher, hub)
	o.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}
	return o, nil
}

// Start brings the system up in dependency order: caches first, then the
// consumers and matchers that rely on them, the broadcast path, and finally
// the HTTP surface.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()

	if err := o.orders.Ping(runCtx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := o.cache.Ping(runCtx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	o.primeCaches(runCtx)

	o.consumer.Subscribe(runCtx, messaging.TopicOrderCreated, "matcher", true, o.eventMatch.HandleOrderCreated)
	o.consumer.Subscribe(runCtx, messaging.TopicMatchRequest, "matcher", true, o.eventMatch.HandleMatchRequest)
	o.consumer.Subscribe(runCtx, messaging.TopicSettlementConfirmed, "confirmer", true, o.confirmer.HandleConfirmation)
	o.consumer.Subscribe(runCtx, messaging.TopicBroadcast, "broadcaster", false, o.dispatcher.HandleMessage)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.listener.Run(runCtx); err != nil && runCtx.Err() == nil {
			o.logger.Error("order notification listener exited", zap.Error(err))
		}
	}()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reconciler.Run(runCtx, o.listener.C())
	}()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatcher.Run(runCtx)
	}()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.coordinator.Run(runCtx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.logger.Info("ops server listening", zap.String("addr", o.httpServer.Addr))
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error("ops server exited", zap.Error(err))
		}
	}()

	o.ready.Store(true)
	o.logger.Info("matching core started", zap.Strings("contracts", o.registry.Contracts()))
	return nil
}

// primeCaches seeds each contract's book cache from the store. Failures are
// logged, not fatal; readers repopulate lazily.
func (o *Orchestrator) primeCaches(ctx context.Context) {
	for _, contract := range o.registry.Contracts() {
		resting, err := o.orders.RestingOrders(ctx, contract)
		if err != nil {
			o.logger.Warn("failed to prime book cache",
				zap.Error(err), zap.String("contract", contract))
			continue
		}
		if err := o.cache.Populate(ctx, contract, resting); err != nil {
			o.logger.Warn("failed to populate book cache",
				zap.Error(err), zap.String("contract", contract))
			continue
		}
		o.logger.Info("book cache primed",
			zap.String("contract", contract), zap.Int("orders", len(resting)))
	}
}

// Stop tears components down in reverse start order. A matching cycle in
// flight is allowed to finish its reservation handoff.
func (o *Orchestrator) Stop(timeout time.Duration) {
	o.ready.Store(false)
	o.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.httpServer.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("ops server shutdown failed", zap.Error(err))
	}

	if o.cancel != nil {
		o.cancel()
	}
	if !o.coordinator.WaitStopped(timeout) {
		o.logger.Warn("matching cycle still in flight at shutdown deadline")
	}
	if err := o.consumer.Close(); err != nil {
		o.logger.Warn("consumer close failed", zap.Error(err))
	}
	if err := o.producer.Close(); err != nil {
		o.logger.Warn("producer close failed", zap.Error(err))
	}
	o.wg.Wait()
	if err := o.redisClient.Close(); err != nil {
		o.logger.Warn("redis close failed", zap.Error(err))
	}
	o.logger.Info("shutdown complete")
}

// Health reports per-component status. Within the startup grace period a
// failing dependency reports pending rather than unhealthy.
func (o *Orchestrator) Health(ctx context.Context) map[string]string {
	degraded := "unhealthy"
	if time.Since(o.startedAt) < startupGrace {
		degraded = "pending"
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	components := make(map[string]string, 5)
	if err := o.orders.Ping(checkCtx); err != nil {
		components["database"] = degraded
	} else {
		components["database"] = "healthy"
	}
	if err := o.cache.Ping(checkCtx); err != nil {
		components["redis"] = degraded
	} else {
		components["redis"] = "healthy"
	}
	if err := o.consumer.Ping(checkCtx); err != nil {
		components["kafka"] = degraded
	} else {
		components["kafka"] = "healthy"
	}
	components["broadcaster"] = "healthy"
	if !o.dispatcher.Running() {
		components["broadcaster"] = degraded
	}
	components["coordinator"] = "healthy"
	if !o.ready.Load() {
		components["coordinator"] = degraded
	}
	return components
}

// Ready reports whether startup completed and has not been torn down.
func (o *Orchestrator) Ready() bool {
	return o.ready.Load()
}

// Stats returns a point-in-time operational summary.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"coordinator_state": o.coordinator.State(),
		"contracts":         o.registry.Contracts(),
		"uptime_seconds":    int(time.Since(o.startedAt).Seconds()),
	}
}
