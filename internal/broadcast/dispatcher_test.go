package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/model"
)

type fakeSink struct {
	mu     sync.Mutex
	sizes  map[string]int
	frames map[string][][]byte
}

func newFakeSink(sizes map[string]int) *fakeSink {
	return &fakeSink{sizes: sizes, frames: make(map[string][][]byte)}
}

func (s *fakeSink) Publish(room string, data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[room] = append(s.frames[room], data)
	return s.sizes[room]
}

func (s *fakeSink) RoomSize(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[room]
}

func testConfig() DispatcherConfig {
	return DispatcherConfig{
		RoomRateLimit:  100,
		RoomRateWindow: time.Second,
		FlushInterval:  10 * time.Millisecond,
		FlushBatchSize: 10,
		QueueSize:      64,
	}
}

func envelope(t *testing.T, eventType, room string) model.BroadcastEnvelope {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"contract": "0xabc"})
	env, err := model.NewBroadcastEnvelope(eventType, room, payload)
	require.NoError(t, err)
	return *env
}

func TestDispatcherRateLimitsPerRoom(t *testing.T) {
	cfg := testConfig()
	cfg.RoomRateLimit = 2
	cfg.RoomRateWindow = 2 * time.Second
	sink := newFakeSink(map[string]int{"book:0xabc": 1})
	d := NewDispatcher(cfg, sink, zap.NewNop())

	for i := 0; i < 10; i++ {
		d.Ingest(envelope(t, model.EventOrderBookUpdate, "book:0xabc"))
	}
	d.Flush()

	frames := sink.frames["book:0xabc"]
	require.Len(t, frames, 1, "one flush produces one frame")

	var batch model.BatchEnvelope
	require.NoError(t, json.Unmarshal(frames[0], &batch))
	assert.Len(t, batch.Batch, 2, "only the in-limit envelopes survive")
}

func TestDispatcherDeliversSingleEnvelopeUnwrapped(t *testing.T) {
	sink := newFakeSink(map[string]int{"trades:0xabc": 3})
	d := NewDispatcher(testConfig(), sink, zap.NewNop())

	d.Ingest(envelope(t, model.EventTradeExecuted, "trades:0xabc"))
	d.Flush()

	frames := sink.frames["trades:0xabc"]
	require.Len(t, frames, 1)
	var env model.BroadcastEnvelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	assert.Equal(t, model.EventTradeExecuted, env.Type)
	assert.Equal(t, "trades:0xabc", env.Room)
}

func TestDispatcherBatchesSameRoomUpdates(t *testing.T) {
	sink := newFakeSink(map[string]int{"book:0xabc": 1})
	d := NewDispatcher(testConfig(), sink, zap.NewNop())

	d.Ingest(envelope(t, model.EventOrderBookUpdate, "book:0xabc"))
	d.Ingest(envelope(t, model.EventTickerUpdate, "book:0xabc"))
	d.Flush()

	frames := sink.frames["book:0xabc"]
	require.Len(t, frames, 1, "same-room updates combine into one frame")

	var batch model.BatchEnvelope
	require.NoError(t, json.Unmarshal(frames[0], &batch))
	assert.Equal(t, model.EventBatch, batch.Type)
	require.Len(t, batch.Batch, 2)
	assert.Equal(t, model.EventOrderBookUpdate, batch.Batch[0].Type)
	assert.Equal(t, model.EventTickerUpdate, batch.Batch[1].Type)
}

func TestDispatcherSkipsRoomsWithoutSubscribers(t *testing.T) {
	sink := newFakeSink(map[string]int{})
	d := NewDispatcher(testConfig(), sink, zap.NewNop())

	d.Ingest(envelope(t, model.EventOrderBookUpdate, "book:0xabc"))
	d.Flush()

	assert.Empty(t, sink.frames, "no subscribers, no delivery")
	assert.Empty(t, d.pending, "skipped updates are discarded, not deferred")
}

func TestDispatcherCapsBatchKeepingNewest(t *testing.T) {
	cfg := testConfig()
	cfg.FlushBatchSize = 3
	sink := newFakeSink(map[string]int{"book:0xabc": 1})
	d := NewDispatcher(cfg, sink, zap.NewNop())

	types := []string{
		model.EventOrderBookUpdate,
		model.EventTickerUpdate,
		model.EventCandlesUpdate,
		model.EventTradeExecuted,
		model.EventUserOrdersUpdate,
	}
	for _, typ := range types {
		d.Ingest(envelope(t, typ, "book:0xabc"))
	}
	d.Flush()

	var batch model.BatchEnvelope
	require.NoError(t, json.Unmarshal(sink.frames["book:0xabc"][0], &batch))
	require.Len(t, batch.Batch, 3)
	assert.Equal(t, model.EventCandlesUpdate, batch.Batch[0].Type, "the oldest updates are shed first")
	assert.Equal(t, model.EventUserOrdersUpdate, batch.Batch[2].Type)
}

func TestDispatcherReportsRunningWhileLoopActive(t *testing.T) {
	d := NewDispatcher(testConfig(), newFakeSink(map[string]int{}), zap.NewNop())
	assert.False(t, d.Running(), "not running before Run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, d.Running, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.False(t, d.Running(), "readiness drops once the loop exits")
}

func TestDispatcherSeparatesRooms(t *testing.T) {
	sink := newFakeSink(map[string]int{"book:0xabc": 1, "book:0xdef": 1})
	d := NewDispatcher(testConfig(), sink, zap.NewNop())

	d.Ingest(envelope(t, model.EventOrderBookUpdate, "book:0xabc"))
	d.Ingest(envelope(t, model.EventOrderBookUpdate, "book:0xdef"))
	d.Flush()

	assert.Len(t, sink.frames["book:0xabc"], 1)
	assert.Len(t, sink.frames["book:0xdef"], 1)
}
