package reconciler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/messaging"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/store"
	"github.com/veloxdex/veloxdex/internal/store/storetest"
)

const exchangeAddr = "0x1111111111111111111111111111111111111111"

// scriptedFetcher returns its steps in order, repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []fetchStep
	calls int
}

type fetchStep struct {
	receipt *types.Receipt
	err     error
}

func (f *scriptedFetcher) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx].receipt, f.steps[idx].err
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []published
}

type published struct {
	topic   messaging.Topic
	payload interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, topic messaging.Topic, key string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, payload: message})
	return nil
}

func (p *recordingPublisher) byTopic(topic messaging.Topic) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newTestReconciler(t *testing.T, orders *storetest.Fake, fetcher ReceiptFetcher, producer *recordingPublisher, maxAttempts int) *Reconciler {
	t.Helper()
	r, err := New(Config{
		ExchangeAddress: exchangeAddr,
		PendingDelay:    time.Millisecond,
		MissingLogDelay: time.Millisecond,
		MaxAttempts:     maxAttempts,
		Workers:         2,
	}, orders, fetcher, producer, zap.NewNop())
	require.NoError(t, err)
	return r
}

func seedOrder(orders *storetest.Fake) *model.Order {
	o := &model.Order{
		ID:          uuid.New(),
		Contract:    "0xabc",
		Side:        model.OrderSideBuy,
		Type:        model.OrderTypeLimit,
		Price:       decimal.RequireFromString("1.05"),
		Amount:      decimal.RequireFromString("10"),
		Remaining:   decimal.RequireFromString("10"),
		Status:      model.OrderStatusActive,
		UserAddress: "0xbuyer",
		TxHash:      "0x" + "aa",
		CreatedAt:   time.Now().UTC(),
	}
	orders.Seed(o)
	return o
}

// confirmedReceipt builds a successful receipt with an OrderCreated log for
// the given on-chain id.
func confirmedReceipt(r *Reconciler, orderID int64, block int64) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(block),
		Logs: []*types.Log{{
			Address: common.HexToAddress(exchangeAddr),
			Topics: []common.Hash{
				r.topic,
				common.BigToHash(big.NewInt(orderID)),
				common.HexToHash("0x000000000000000000000000000000000000000000000000000000000000beef"),
			},
		}},
	}
}

func TestReconcileConfirmsAfterPendingRetries(t *testing.T) {
	orders := storetest.New()
	o := seedOrder(orders)
	producer := &recordingPublisher{}
	fetcher := &scriptedFetcher{}

	r := newTestReconciler(t, orders, fetcher, producer, 10)
	fetcher.steps = []fetchStep{
		{err: ethereum.NotFound},
		{err: ethereum.NotFound},
		{receipt: confirmedReceipt(r, 42, 7)},
	}

	r.Reconcile(context.Background(), store.OrderNotification{
		OrderID: o.ID, Contract: o.Contract, TxHash: o.TxHash,
	})

	assert.Equal(t, 3, fetcher.calls)
	stored := orders.Get(o.ID)
	assert.Equal(t, int64(42), stored.ExternalID)
	assert.Equal(t, uint64(7), stored.BlockNumber)

	created := producer.byTopic(messaging.TopicOrderCreated)
	require.Len(t, created, 1, "the matcher is told exactly once")
	event, ok := created[0].payload.(model.OrderCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, o.ID, event.OrderID)

	assert.Len(t, producer.byTopic(messaging.TopicBroadcast), 1)
	assert.Empty(t, producer.byTopic(messaging.TopicReconcileDLQ))
}

func TestReconcileRetriesWhenLogMissing(t *testing.T) {
	orders := storetest.New()
	o := seedOrder(orders)
	producer := &recordingPublisher{}
	fetcher := &scriptedFetcher{}

	r := newTestReconciler(t, orders, fetcher, producer, 10)
	logless := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(7),
	}
	fetcher.steps = []fetchStep{
		{receipt: logless},
		{receipt: confirmedReceipt(r, 42, 7)},
	}

	r.Reconcile(context.Background(), store.OrderNotification{
		OrderID: o.ID, Contract: o.Contract, TxHash: o.TxHash,
	})

	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, int64(42), orders.Get(o.ID).ExternalID)
}

func TestReconcileRevertedTransactionGoesToDeadLetter(t *testing.T) {
	orders := storetest.New()
	o := seedOrder(orders)
	producer := &recordingPublisher{}
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(7)}},
	}}

	r := newTestReconciler(t, orders, fetcher, producer, 10)
	r.Reconcile(context.Background(), store.OrderNotification{
		OrderID: o.ID, Contract: o.Contract, TxHash: o.TxHash,
	})

	assert.Zero(t, orders.Get(o.ID).ExternalID, "a reverted creation never gets an id")
	assert.Empty(t, producer.byTopic(messaging.TopicOrderCreated))
	assert.Len(t, producer.byTopic(messaging.TopicReconcileDLQ), 1)
}

func TestReconcileExhaustedAttemptsGoToDeadLetter(t *testing.T) {
	orders := storetest.New()
	o := seedOrder(orders)
	producer := &recordingPublisher{}
	fetcher := &scriptedFetcher{steps: []fetchStep{{err: ethereum.NotFound}}}

	r := newTestReconciler(t, orders, fetcher, producer, 3)
	r.Reconcile(context.Background(), store.OrderNotification{
		OrderID: o.ID, Contract: o.Contract, TxHash: o.TxHash,
	})

	assert.Equal(t, 3, fetcher.calls, "the attempt budget is honored")
	assert.Len(t, producer.byTopic(messaging.TopicReconcileDLQ), 1)
	assert.Empty(t, producer.byTopic(messaging.TopicOrderCreated))
}

func TestRunDrainsNotificationsWithWorkerPool(t *testing.T) {
	orders := storetest.New()
	a := seedOrder(orders)
	b := seedOrder(orders)
	producer := &recordingPublisher{}
	fetcher := &scriptedFetcher{}

	r := newTestReconciler(t, orders, fetcher, producer, 10)
	fetcher.steps = []fetchStep{{receipt: confirmedReceipt(r, 42, 7)}}

	ctx, cancel := context.WithCancel(context.Background())
	notifications := make(chan store.OrderNotification, 2)
	notifications <- store.OrderNotification{OrderID: a.ID, Contract: a.Contract, TxHash: a.TxHash}
	notifications <- store.OrderNotification{OrderID: b.ID, Contract: b.Contract, TxHash: b.TxHash}

	done := make(chan struct{})
	go func() {
		r.Run(ctx, notifications)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		ga, errA := orders.GetOrder(context.Background(), a.ID)
		gb, errB := orders.GetOrder(context.Background(), b.ID)
		return errA == nil && errB == nil && ga.ExternalID == 42 && gb.ExternalID == 42
	}, time.Second, time.Millisecond, "both notifications are drained by the pool")

	cancel()
	<-done
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(2*time.Second, 1))
	assert.Equal(t, 4*time.Second, backoff(2*time.Second, 2))
	assert.Equal(t, 16*time.Second, backoff(2*time.Second, 4))
	assert.Equal(t, maxBackoff, backoff(2*time.Second, 5))
	assert.Equal(t, maxBackoff, backoff(2*time.Second, 30), "large attempts never overflow")
}

func TestExtractOrderIDIgnoresForeignLogs(t *testing.T) {
	orders := storetest.New()
	producer := &recordingPublisher{}
	r := newTestReconciler(t, orders, &scriptedFetcher{}, producer, 1)

	receipt := confirmedReceipt(r, 42, 7)
	foreign := &types.Log{
		Address: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Topics:  receipt.Logs[0].Topics,
	}
	receipt.Logs = append([]*types.Log{foreign}, receipt.Logs...)

	id, ok := r.extractOrderID(receipt)
	require.True(t, ok)
	assert.Equal(t, int64(42), id, "only the exchange contract's log counts")
}
