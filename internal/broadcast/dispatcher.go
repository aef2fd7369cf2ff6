package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/messaging"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/pkg/metrics"
)

// Sink is the delivery surface the dispatcher flushes to. *Hub satisfies it.
type Sink interface {
	Publish(room string, data []byte) int
	RoomSize(room string) int
}

// DispatcherConfig bounds ingest and flushing.
type DispatcherConfig struct {
	RoomRateLimit  int
	RoomRateWindow time.Duration
	FlushInterval  time.Duration
	FlushBatchSize int
	QueueSize      int
}

// Dispatcher consumes broadcast queue messages, rate-limits them per room and
// flushes them to the hub on a fixed interval, combining same-room updates
// into one frame.
type Dispatcher struct {
	cfg     DispatcherConfig
	sink    Sink
	limiter *RoomLimiter
	logger  *zap.Logger

	queue   chan model.BroadcastEnvelope
	pending map[string][]model.BroadcastEnvelope
	running atomic.Bool
}

// NewDispatcher creates a dispatcher; Run starts the flush loop.
func NewDispatcher(cfg DispatcherConfig, sink Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		limiter: NewRoomLimiter(cfg.RoomRateLimit, cfg.RoomRateWindow),
		logger:  logger,
		queue:   make(chan model.BroadcastEnvelope, cfg.QueueSize),
		pending: make(map[string][]model.BroadcastEnvelope),
	}
}

// HandleMessage ingests one broadcast queue message. Rate-limited and
// overflowing envelopes are dropped; every envelope is superseded by a later
// one, so dropping never loses terminal state.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *messaging.ReceivedMessage) error {
	var env model.BroadcastEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		d.logger.Error("discarding malformed broadcast envelope", zap.Error(err))
		return nil
	}
	d.Ingest(env)
	return nil
}

// Ingest applies the per-room rate limit and queues the envelope for the next
// flush.
func (d *Dispatcher) Ingest(env model.BroadcastEnvelope) {
	if env.Room == "" || env.Type == "" {
		return
	}
	if !d.limiter.Take(env.Room) {
		metrics.BroadcastsDropped.WithLabelValues(env.Type).Inc()
		return
	}
	select {
	case d.queue <- env:
	default:
		metrics.BroadcastsDropped.WithLabelValues(env.Type).Inc()
		d.logger.Warn("broadcast queue full, dropping envelope",
			zap.String("room", env.Room), zap.String("type", env.Type))
	}
}

// Running reports whether the flush loop is active, for health aggregation.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Run drains the ingest queue and flushes pending rooms on the configured
// interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	flush := time.NewTicker(d.cfg.FlushInterval)
	defer flush.Stop()
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	d.logger.Info("broadcast dispatcher started",
		zap.Duration("flush_interval", d.cfg.FlushInterval),
		zap.Int("room_rate_limit", d.cfg.RoomRateLimit))

	for {
		select {
		case <-ctx.Done():
			d.Flush()
			return
		case env := <-d.queue:
			d.pending[env.Room] = append(d.pending[env.Room], env)
		case <-flush.C:
			d.Flush()
		case <-prune.C:
			d.limiter.Prune()
		}
	}
}

// Flush delivers every pending room's updates. Rooms without subscribers are
// skipped entirely; their updates are discarded, not deferred.
func (d *Dispatcher) Flush() {
	// Drain whatever arrived since the last tick first.
	for {
		select {
		case env := <-d.queue:
			d.pending[env.Room] = append(d.pending[env.Room], env)
			continue
		default:
		}
		break
	}

	for room, envs := range d.pending {
		delete(d.pending, room)
		if d.sink.RoomSize(room) == 0 {
			continue
		}
		if len(envs) > d.cfg.FlushBatchSize {
			// Keep the newest updates; older ones are already stale.
			envs = envs[len(envs)-d.cfg.FlushBatchSize:]
		}
		frame, eventType, err := encodeFlush(room, envs)
		if err != nil {
			d.logger.Error("failed to encode broadcast frame",
				zap.Error(err), zap.String("room", room))
			continue
		}
		if d.sink.Publish(room, frame) > 0 {
			metrics.BroadcastsSent.WithLabelValues(eventType).Inc()
		}
	}
}

// encodeFlush renders one room's flush as a single frame: the envelope itself
// for a lone update, a batch wrapper otherwise.
func encodeFlush(room string, envs []model.BroadcastEnvelope) ([]byte, string, error) {
	if len(envs) == 1 {
		data, err := json.Marshal(envs[0])
		return data, envs[0].Type, err
	}
	batch := model.BatchEnvelope{
		Type:      model.EventBatch,
		Room:      room,
		Timestamp: time.Now().UTC(),
		Batch:     envs,
	}
	data, err := json.Marshal(batch)
	return data, model.EventBatch, err
}
