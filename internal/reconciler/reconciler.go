// Package reconciler confirms submitted orders on chain. It watches for new
// order rows, polls the chain for the creating transaction's receipt, extracts
// the on-chain order id from the exchange contract's OrderCreated log and
// writes it back. Orders without an external id never enter matching.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/messaging"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/settlement"
	"github.com/veloxdex/veloxdex/internal/store"
	"github.com/veloxdex/veloxdex/pkg/metrics"
)

// orderCreatedABI describes the exchange contract event carrying the on-chain
// order id assigned at creation.
const orderCreatedABI = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"orderId","type":"uint256"},{"indexed":true,"internalType":"address","name":"maker","type":"address"}],"name":"OrderCreated","type":"event"}]`

// ReceiptFetcher is the chain read surface. *ethclient.Client satisfies it.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config bounds the polling loop.
type Config struct {
	// ExchangeAddress is the contract whose OrderCreated logs are trusted.
	ExchangeAddress string
	// PendingDelay is the wait between receipt polls while the tx is pending.
	PendingDelay time.Duration
	// MissingLogDelay is the wait before re-reading a mined receipt whose
	// OrderCreated log has not appeared.
	MissingLogDelay time.Duration
	// MaxAttempts caps polling before the notification goes to the dead
	// letter queue.
	MaxAttempts int
	// Workers is the number of goroutines draining the notification channel.
	Workers int
}

// maxBackoff caps the exponential retry delay; a transaction pending longer
// than this polls at a steady interval until MaxAttempts runs out.
const maxBackoff = 30 * time.Second

// backoff doubles the base delay per attempt, capped at maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Reconciler drives receipt confirmation for new orders.
type Reconciler struct {
	cfg      Config
	orders   store.OrderStore
	fetcher  ReceiptFetcher
	producer settlement.Publisher
	logger   *zap.Logger

	exchange common.Address
	eventABI abi.ABI
	topic    common.Hash
}

// New creates a reconciler.
func New(cfg Config, orders store.OrderStore, fetcher ReceiptFetcher, producer settlement.Publisher, logger *zap.Logger) (*Reconciler, error) {
	if !common.IsHexAddress(cfg.ExchangeAddress) {
		return nil, fmt.Errorf("invalid exchange address %q", cfg.ExchangeAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(orderCreatedABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse exchange abi: %w", err)
	}
	return &Reconciler{
		cfg:      cfg,
		orders:   orders,
		fetcher:  fetcher,
		producer: producer,
		logger:   logger,
		exchange: common.HexToAddress(cfg.ExchangeAddress),
		eventABI: parsed,
		topic:    parsed.Events["OrderCreated"].ID,
	}, nil
}

// Run drains order notifications with a fixed worker pool until ctx is
// cancelled. The pool bounds concurrent receipt polls; one slow transaction
// delays at most its own worker.
func (r *Reconciler) Run(ctx context.Context, notifications <-chan store.OrderNotification) {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	r.logger.Info("settlement reconciler started",
		zap.String("exchange", r.exchange.Hex()),
		zap.Int("max_attempts", r.cfg.MaxAttempts),
		zap.Int("workers", workers))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-notifications:
					if !ok {
						return
					}
					r.Reconcile(ctx, n)
				}
			}
		}()
	}
	wg.Wait()
}

// Reconcile polls for the order's creating transaction until the OrderCreated
// log yields the on-chain id, then records it and announces the order. The
// attempt budget covers both pending transactions and mined-but-logless ones;
// exhausting it sends the notification to the dead letter queue.
func (r *Reconciler) Reconcile(ctx context.Context, n store.OrderNotification) {
	txHash := common.HexToHash(n.TxHash)
	log := r.logger.With(
		zap.String("order_id", n.OrderID.String()),
		zap.String("tx_hash", n.TxHash))

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		receipt, err := r.fetcher.TransactionReceipt(ctx, txHash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				metrics.ReconcilerRetries.WithLabelValues("pending").Inc()
				if !sleepCtx(ctx, backoff(r.cfg.PendingDelay, attempt)) {
					return
				}
				continue
			}
			log.Warn("receipt poll failed", zap.Error(err), zap.Int("attempt", attempt))
			metrics.ReconcilerRetries.WithLabelValues("rpc_error").Inc()
			if !sleepCtx(ctx, backoff(r.cfg.PendingDelay, attempt)) {
				return
			}
			continue
		}

		if receipt.Status == types.ReceiptStatusFailed {
			log.Warn("order creation transaction reverted")
			r.deadLetter(ctx, n, "transaction reverted")
			return
		}

		externalID, ok := r.extractOrderID(receipt)
		if !ok {
			// Some providers serve receipts before logs settle; re-read.
			metrics.ReconcilerRetries.WithLabelValues("missing_log").Inc()
			log.Debug("receipt mined without order log, retrying", zap.Int("attempt", attempt))
			if !sleepCtx(ctx, backoff(r.cfg.MissingLogDelay, attempt)) {
				return
			}
			continue
		}

		if err := r.confirm(ctx, n, externalID, receipt.BlockNumber.Uint64()); err != nil {
			log.Error("failed to record confirmed order", zap.Error(err))
			r.deadLetter(ctx, n, err.Error())
			return
		}
		log.Info("order confirmed on chain",
			zap.Int64("external_id", externalID),
			zap.Uint64("block", receipt.BlockNumber.Uint64()))
		return
	}

	log.Error("reconciliation attempts exhausted")
	r.deadLetter(ctx, n, "attempts exhausted")
}

// extractOrderID scans receipt logs for the exchange's OrderCreated event and
// returns the indexed order id.
func (r *Reconciler) extractOrderID(receipt *types.Receipt) (int64, bool) {
	for _, lg := range receipt.Logs {
		if lg.Address != r.exchange {
			continue
		}
		if len(lg.Topics) < 2 || lg.Topics[0] != r.topic {
			continue
		}
		id := lg.Topics[1].Big()
		if !id.IsInt64() || id.Int64() == 0 {
			r.logger.Warn("discarding out-of-range on-chain order id",
				zap.String("raw", id.String()))
			continue
		}
		return id.Int64(), true
	}
	return 0, false
}

// confirm writes the external id and announces the now-matchable order, once.
func (r *Reconciler) confirm(ctx context.Context, n store.OrderNotification, externalID int64, block uint64) error {
	if err := r.orders.SetExternalID(ctx, n.OrderID, externalID, block); err != nil {
		return err
	}

	created := model.OrderCreatedEvent{OrderID: n.OrderID, Contract: n.Contract, TxHash: n.TxHash}
	if err := r.producer.Publish(ctx, messaging.TopicOrderCreated, n.Contract, created); err != nil {
		return fmt.Errorf("failed to publish order created event: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"contract": n.Contract})
	envelope, err := model.NewBroadcastEnvelope(model.EventOrderBookUpdate, "book:"+n.Contract, payload)
	if err != nil {
		return err
	}
	if err := r.producer.Publish(ctx, messaging.TopicBroadcast, n.Contract, envelope); err != nil {
		r.logger.Warn("failed to publish book refresh after confirmation",
			zap.Error(err), zap.String("contract", n.Contract))
	}
	return nil
}

func (r *Reconciler) deadLetter(ctx context.Context, n store.OrderNotification, reason string) {
	msg := map[string]interface{}{
		"order_id": n.OrderID,
		"contract": n.Contract,
		"tx_hash":  n.TxHash,
		"reason":   reason,
		"at":       time.Now().UTC(),
	}
	if err := r.producer.Publish(context.WithoutCancel(ctx), messaging.TopicReconcileDLQ, n.OrderID.String(), msg); err != nil {
		r.logger.Error("failed to publish reconciliation dead letter",
			zap.Error(err),
			zap.String("order_id", n.OrderID.String()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
