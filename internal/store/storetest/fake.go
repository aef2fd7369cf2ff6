// Package storetest provides an in-memory OrderStore for tests.
package storetest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/store"
)

// Fake is a map-backed OrderStore. It applies the same reservation semantics
// as the real store: all-or-nothing ACTIVE to PROCESSING transitions. Error
// injection fields force failures on specific calls.
type Fake struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*model.Order

	ReserveErr error
	ReleaseErr error
	HoldErr    error

	// Call records, for assertions.
	ReserveCalls [][]uuid.UUID
	ReleaseCalls [][]uuid.UUID
	HoldCalls    []uuid.UUID
	FillCalls    [][]model.Fill
}

// New creates an empty fake store.
func New() *Fake {
	return &Fake{orders: make(map[uuid.UUID]*model.Order)}
}

// Seed inserts orders directly, bypassing validation.
func (f *Fake) Seed(orders ...*model.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range orders {
		cp := *o
		f.orders[o.ID] = &cp
	}
}

// Get returns the stored order without copying, for assertions.
func (f *Fake) Get(id uuid.UUID) *model.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *Fake) CreateOrder(ctx context.Context, order *model.Order) error {
	f.Seed(order)
	return nil
}

func (f *Fake) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *Fake) RestingOrders(ctx context.Context, contract string) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Order
	for _, o := range f.orders {
		if o.Contract == contract && o.Matchable() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) CompatibleOrders(ctx context.Context, contract, side string, priceBound decimal.Decimal) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Order
	for _, o := range f.orders {
		if o.Contract != contract || o.Side != side || !o.Matchable() {
			continue
		}
		if side == model.OrderSideSell && o.Price.GreaterThan(priceBound) {
			continue
		}
		if side == model.OrderSideBuy && o.Price.LessThan(priceBound) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price.Equal(out[j].Price) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if side == model.OrderSideSell {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out, nil
}

func (f *Fake) ReserveOrders(ctx context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReserveCalls = append(f.ReserveCalls, append([]uuid.UUID(nil), ids...))
	if f.ReserveErr != nil {
		return f.ReserveErr
	}
	for _, id := range ids {
		o, ok := f.orders[id]
		if !ok || o.Status != model.OrderStatusActive {
			return store.ErrOrderNotReservable
		}
	}
	for _, id := range ids {
		f.orders[id].Status = model.OrderStatusProcessing
		f.orders[id].Holds = 1
	}
	return nil
}

func (f *Fake) AddHold(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HoldCalls = append(f.HoldCalls, id)
	if f.HoldErr != nil {
		return f.HoldErr
	}
	o, ok := f.orders[id]
	if !ok || o.Status != model.OrderStatusProcessing {
		return store.ErrOrderNotReservable
	}
	o.Holds++
	return nil
}

func (f *Fake) ReleaseOrders(ctx context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReleaseCalls = append(f.ReleaseCalls, append([]uuid.UUID(nil), ids...))
	if f.ReleaseErr != nil {
		return f.ReleaseErr
	}
	for _, id := range ids {
		o, ok := f.orders[id]
		if !ok || o.Status != model.OrderStatusProcessing {
			continue
		}
		if o.Holds > 0 {
			o.Holds--
		}
		if o.Holds == 0 && o.Remaining.IsPositive() {
			o.Status = model.OrderStatusActive
		}
	}
	return nil
}

func (f *Fake) ApplyFills(ctx context.Context, fills []model.Fill, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FillCalls = append(f.FillCalls, append([]model.Fill(nil), fills...))
	for _, fill := range fills {
		o, ok := f.orders[fill.OrderID]
		if !ok {
			return store.ErrOrderNotFound
		}
		if err := o.ApplyFill(fill.Amount); err != nil {
			return err
		}
		if o.Holds > 0 {
			o.Holds--
		}
		if o.Remaining.IsPositive() && o.Holds == 0 {
			o.Status = model.OrderStatusActive
		}
	}
	return nil
}

func (f *Fake) SetExternalID(ctx context.Context, id uuid.UUID, externalID int64, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return store.ErrOrderNotFound
	}
	o.ExternalID = externalID
	o.BlockNumber = block
	return nil
}

func (f *Fake) OrdersByUser(ctx context.Context, user string) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Order
	for _, o := range f.orders {
		if o.UserAddress == user {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) OrdersByExternalIDs(ctx context.Context, contract string, externalIDs []int64) ([]*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Order
	for _, want := range externalIDs {
		for _, o := range f.orders {
			if o.Contract == contract && o.ExternalID == want {
				cp := *o
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) Ping(ctx context.Context) error { return nil }

var _ store.OrderStore = (*Fake)(nil)
