// Package store owns access to the durable order store. It is the only
// authoritative writer target; cache and matcher copies are projections.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veloxdex/veloxdex/internal/model"
)

var (
	// ErrOrderNotFound indicates the requested order row does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotReservable indicates at least one order in a reservation set
	// was no longer ACTIVE; another matcher won the race.
	ErrOrderNotReservable = errors.New("order not reservable")
)

// OrderStore is the durable-store contract required by the matching core.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)

	// RestingOrders returns matchable LIMIT orders for the contract, oldest
	// first. MARKET orders and PROCESSING reservations are excluded.
	RestingOrders(ctx context.Context, contract string) ([]*model.Order, error)

	// CompatibleOrders returns resting orders on the given side whose price is
	// compatible with the bound: asks priced <= bound, bids priced >= bound.
	// Ordering follows price/time priority for that side.
	CompatibleOrders(ctx context.Context, contract, side string, priceBound decimal.Decimal) ([]*model.Order, error)

	// ReserveOrders atomically transitions every id from ACTIVE to PROCESSING
	// with one hold. It fails with ErrOrderNotReservable (and changes nothing)
	// when any row has already been claimed.
	ReserveOrders(ctx context.Context, ids []uuid.UUID) error

	// AddHold records one more in-flight settlement group referencing an
	// already-PROCESSING row. Fails with ErrOrderNotReservable when the row is
	// no longer reserved.
	AddHold(ctx context.Context, id uuid.UUID) error

	// ReleaseOrders drops one hold from each PROCESSING row and returns rows
	// whose last hold was dropped, with remaining amount, to ACTIVE. Rows still
	// referenced by another in-flight group stay PROCESSING.
	ReleaseOrders(ctx context.Context, ids []uuid.UUID) error

	// ApplyFills records consumed amounts for a settled match group, dropping
	// one hold per fill. Each order moves to FILLED when exhausted, back to
	// ACTIVE when partially filled with no other group in flight, and stays
	// PROCESSING while other groups still reference it.
	ApplyFills(ctx context.Context, fills []model.Fill, price decimal.Decimal) error

	// SetExternalID persists the on-chain order identifier and confirming block.
	SetExternalID(ctx context.Context, id uuid.UUID, externalID int64, block uint64) error

	OrdersByUser(ctx context.Context, user string) ([]*model.Order, error)

	// OrdersByExternalIDs resolves on-chain identifiers back to rows, for
	// operator-triggered match requests.
	OrdersByExternalIDs(ctx context.Context, contract string, externalIDs []int64) ([]*model.Order, error)

	Ping(ctx context.Context) error
}

// OrderNotification is the payload of a low-latency new-row notification.
type OrderNotification struct {
	OrderID  uuid.UUID `json:"order_id"`
	Contract string    `json:"contract"`
	TxHash   string    `json:"tx_hash"`
}
