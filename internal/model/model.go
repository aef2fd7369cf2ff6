package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types and statuses
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Order statuses
	OrderStatusActive     = "ACTIVE"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusFilled     = "FILLED"
	OrderStatusCancelled  = "CANCELLED"
)

// Order represents a resting trading intent. The durable store owns the
// authoritative copy; cache and matcher instances only hold projections.
type Order struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	ExternalID  int64           `json:"external_id" gorm:"index"` // 0 until confirmed on-chain
	Contract    string          `json:"contract" gorm:"index;size:64"`
	Side        string          `json:"side" gorm:"size:8"`
	Type        string          `json:"type" gorm:"size:16"`
	Price       decimal.Decimal `json:"price" gorm:"type:numeric(36,18)"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(36,18)"`
	Remaining   decimal.Decimal `json:"remaining" gorm:"type:numeric(36,18)"`
	Filled      decimal.Decimal `json:"filled" gorm:"type:numeric(36,18)"`
	Status      string          `json:"status" gorm:"index;size:16"`
	Holds       int             `json:"holds"` // in-flight settlement groups referencing this row
	UserAddress string          `json:"user_address" gorm:"index;size:64"`
	TxHash      string          `json:"tx_hash" gorm:"size:80"`
	BlockNumber uint64          `json:"block_number"`
	CreatedAt   time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewOrder builds a validated order in ACTIVE state with Remaining = Amount.
func NewOrder(contract, side, typ string, price, amount decimal.Decimal, user string) (*Order, error) {
	if contract == "" {
		return nil, fmt.Errorf("contract address required")
	}
	if side != OrderSideBuy && side != OrderSideSell {
		return nil, fmt.Errorf("invalid order side %q", side)
	}
	if typ != OrderTypeLimit && typ != OrderTypeMarket {
		return nil, fmt.Errorf("invalid order type %q", typ)
	}
	if typ == OrderTypeLimit && !price.IsPositive() {
		return nil, fmt.Errorf("limit order price must be positive, got %s", price)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("order amount must be positive, got %s", amount)
	}
	now := time.Now().UTC()
	return &Order{
		ID:          uuid.New(),
		Contract:    contract,
		Side:        side,
		Type:        typ,
		Price:       price,
		Amount:      amount,
		Remaining:   amount,
		Filled:      decimal.Zero,
		Status:      OrderStatusActive,
		UserAddress: user,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Matchable reports whether the order may participate in a matching pass.
// MARKET orders settle against the book directly and never rest in it.
func (o *Order) Matchable() bool {
	return o.Status == OrderStatusActive &&
		o.Type == OrderTypeLimit &&
		o.Remaining.IsPositive() &&
		o.ExternalID != 0
}

// ApplyFill consumes qty from the order, keeping remaining = amount - filled.
func (o *Order) ApplyFill(qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("fill quantity must not be negative")
	}
	if qty.GreaterThan(o.Remaining) {
		return fmt.Errorf("fill %s exceeds remaining %s on order %s", qty, o.Remaining, o.ID)
	}
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Amount.Sub(o.Filled)
	if o.Remaining.IsZero() {
		o.Status = OrderStatusFilled
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Fill is one order's contribution to a match group. It references the order
// by identity and records only the amount consumed in this group; the status
// transition and fill application are the caller's responsibility.
type Fill struct {
	OrderID    uuid.UUID       `json:"order_id"`
	ExternalID int64           `json:"external_id"`
	User       string          `json:"user"`
	Amount     decimal.Decimal `json:"amount"`
}

// MatchGroup is the output of one matching attempt: balanced buy and sell
// fragments executing at the resting side's price.
type MatchGroup struct {
	Contract string          `json:"contract"`
	Buys     []Fill          `json:"buys"`
	Sells    []Fill          `json:"sells"`
	Price    decimal.Decimal `json:"price"`
	Total    decimal.Decimal `json:"total"`
}

// NewMatchGroup validates the group invariants: balanced sums, a positive
// execution price and no account appearing on both sides.
func NewMatchGroup(contract string, buys, sells []Fill, price decimal.Decimal) (*MatchGroup, error) {
	if len(buys) == 0 || len(sells) == 0 {
		return nil, fmt.Errorf("match group requires at least one buy and one sell")
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("execution price must be positive, got %s", price)
	}
	buyTotal := decimal.Zero
	buyers := make(map[string]struct{}, len(buys))
	for _, f := range buys {
		if !f.Amount.IsPositive() {
			return nil, fmt.Errorf("buy fill amount must be positive on order %s", f.OrderID)
		}
		buyTotal = buyTotal.Add(f.Amount)
		buyers[f.User] = struct{}{}
	}
	sellTotal := decimal.Zero
	for _, f := range sells {
		if !f.Amount.IsPositive() {
			return nil, fmt.Errorf("sell fill amount must be positive on order %s", f.OrderID)
		}
		if _, ok := buyers[f.User]; ok {
			return nil, fmt.Errorf("self-trade: account %s appears on both sides", f.User)
		}
		sellTotal = sellTotal.Add(f.Amount)
	}
	if !buyTotal.Equal(sellTotal) {
		return nil, fmt.Errorf("unbalanced match group: buys %s != sells %s", buyTotal, sellTotal)
	}
	return &MatchGroup{
		Contract: contract,
		Buys:     buys,
		Sells:    sells,
		Price:    price,
		Total:    buyTotal,
	}, nil
}

// OrderIDs returns every contributing order id, buys first.
func (g *MatchGroup) OrderIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(g.Buys)+len(g.Sells))
	for _, f := range g.Buys {
		ids = append(ids, f.OrderID)
	}
	for _, f := range g.Sells {
		ids = append(ids, f.OrderID)
	}
	return ids
}
