package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Listener delivers low-latency new-order notifications via PostgreSQL
// LISTEN/NOTIFY. The order API raises a NOTIFY on the configured channel with
// a JSON payload after every insert.
type Listener struct {
	dsn     string
	channel string
	logger  *zap.Logger
	out     chan OrderNotification
}

// NewListener creates a listener for the given channel. Notifications are
// delivered on C until the context passed to Run is cancelled.
func NewListener(dsn, channel string, logger *zap.Logger) *Listener {
	return &Listener{
		dsn:     dsn,
		channel: channel,
		logger:  logger,
		out:     make(chan OrderNotification, 256),
	}
}

// C returns the notification channel.
func (l *Listener) C() <-chan OrderNotification {
	return l.out
}

// Run blocks consuming notifications, reconnecting with a fixed backoff on
// connection loss. It returns when ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.out)
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("notification listener disconnected, reconnecting",
				zap.Error(err),
				zap.String("channel", l.channel))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{l.channel}.Sanitize())); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", l.channel, err)
	}
	l.logger.Info("listening for order notifications", zap.String("channel", l.channel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var n OrderNotification
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			l.logger.Warn("discarding malformed order notification",
				zap.Error(err),
				zap.String("payload", notification.Payload))
			continue
		}
		select {
		case l.out <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
