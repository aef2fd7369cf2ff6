package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/bookcache"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/store/storetest"
)

type stubHealth struct {
	components map[string]string
	ready      bool
}

func (h *stubHealth) Health(ctx context.Context) map[string]string { return h.components }
func (h *stubHealth) Ready() bool                                  { return h.ready }
func (h *stubHealth) Stats() map[string]interface{}                { return map[string]interface{}{} }

type stubIngester struct {
	envelopes []model.BroadcastEnvelope
}

func (i *stubIngester) Ingest(env model.BroadcastEnvelope) {
	i.envelopes = append(i.envelopes, env)
}

type stubWS struct{}

func (stubWS) ServeWS(w http.ResponseWriter, r *http.Request) {}

// memorySnapshotCache snapshots whatever Populate last wrote, mimicking a
// cache whose sides expired when empty.
type memorySnapshotCache struct {
	mu        sync.Mutex
	books     map[string][]*model.Order
	populates int
}

func newMemorySnapshotCache() *memorySnapshotCache {
	return &memorySnapshotCache{books: make(map[string][]*model.Order)}
}

func (c *memorySnapshotCache) GetSnapshot(ctx context.Context, contract string) (*bookcache.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := &bookcache.Snapshot{Contract: contract, TakenAt: time.Now().UTC()}
	for _, o := range c.books[contract] {
		if o.Side == model.OrderSideBuy {
			snap.Bids = append(snap.Bids, o)
		} else {
			snap.Asks = append(snap.Asks, o)
		}
	}
	return snap, nil
}

func (c *memorySnapshotCache) Populate(ctx context.Context, contract string, orders []*model.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.populates++
	c.books[contract] = orders
	return nil
}

func restingOrder(side string, extID int64) *model.Order {
	amt := decimal.RequireFromString("5")
	return &model.Order{
		ID:          uuid.New(),
		ExternalID:  extID,
		Contract:    "0xabc",
		Side:        side,
		Type:        model.OrderTypeLimit,
		Price:       decimal.RequireFromString("1.00"),
		Amount:      amt,
		Remaining:   amt,
		Status:      model.OrderStatusActive,
		UserAddress: "0xuser",
		CreatedAt:   time.Now().UTC(),
	}
}

func newTestServer(orders *storetest.Fake, cache SnapshotCache) *Server {
	gin.SetMode(gin.TestMode)
	return NewServer(zap.NewNop(), &stubHealth{ready: true}, orders, cache, &stubIngester{}, stubWS{})
}

func TestBookSnapshotFallsBackToStoreWhenCacheExpired(t *testing.T) {
	orders := storetest.New()
	orders.Seed(restingOrder(model.OrderSideBuy, 1), restingOrder(model.OrderSideSell, 2))
	cache := newMemorySnapshotCache()

	router := newTestServer(orders, cache).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/book/0xabc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, cache.populates, "an empty cache is rebuilt from the store")

	var snap bookcache.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 1)
}

func TestBookSnapshotEmptyBookSkipsRepopulate(t *testing.T) {
	orders := storetest.New()
	cache := newMemorySnapshotCache()

	router := newTestServer(orders, cache).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/book/0xabc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, cache.populates, "a genuinely empty book has nothing to rebuild")

	var snap bookcache.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}
