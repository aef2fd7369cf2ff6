package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast event types carried on the fan-out queue.
const (
	EventOrderBookUpdate  = "order_book_update"
	EventUserOrdersUpdate = "user_orders_update"
	EventTradeExecuted    = "trade_executed"
	EventTickerUpdate     = "ticker_update"
	EventCandlesUpdate    = "candles_update"

	// EventBatch wraps several same-room envelopes from one flush interval.
	EventBatch = "batch"
)

// BroadcastEnvelope is the single canonical shape pushed to subscribers.
type BroadcastEnvelope struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// BatchEnvelope combines several same-room updates from one flush interval.
type BatchEnvelope struct {
	Type      string              `json:"type"`
	Room      string              `json:"room"`
	Timestamp time.Time           `json:"timestamp"`
	Batch     []BroadcastEnvelope `json:"batch"`
}

// NewBroadcastEnvelope validates the discriminator and stamps the envelope.
func NewBroadcastEnvelope(eventType, room string, payload json.RawMessage) (*BroadcastEnvelope, error) {
	switch eventType {
	case EventOrderBookUpdate, EventUserOrdersUpdate, EventTradeExecuted,
		EventTickerUpdate, EventCandlesUpdate:
	default:
		return nil, fmt.Errorf("unknown broadcast event type %q", eventType)
	}
	if room == "" {
		return nil, fmt.Errorf("broadcast room required")
	}
	return &BroadcastEnvelope{
		Type:      eventType,
		Room:      room,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// OrderCreatedEvent is published when a new order row lands in the store.
type OrderCreatedEvent struct {
	OrderID  uuid.UUID `json:"order_id"`
	Contract string    `json:"contract"`
	TxHash   string    `json:"tx_hash"`
}

// MatchRequestEvent triggers a direct settlement of explicit order id sets,
// bypassing candidate search. Used for operator intervention.
type MatchRequestEvent struct {
	Contract string  `json:"contract"`
	BuyIDs   []int64 `json:"buy_ids"`
	SellIDs  []int64 `json:"sell_ids"`
}

// SettlementConfirmedEvent is consumed once the external executor reports the
// outcome of a submitted match group. The group is echoed back so fills can be
// applied without extra bookkeeping on this side.
type SettlementConfirmedEvent struct {
	Group       MatchGroup `json:"group"`
	TxHash      string     `json:"tx_hash"`
	BlockNumber uint64     `json:"block_number"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
}
