package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/veloxdex/veloxdex/internal/model"
)

// GormStore implements OrderStore on PostgreSQL via GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPostgresDB opens a pooled GORM connection.
func NewPostgresDB(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)
	return db, nil
}

// NewGormStore creates the GORM-backed order store and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&model.Order{}); err != nil {
		return nil, fmt.Errorf("failed to migrate orders table: %w", err)
	}
	return &GormStore{db: db, logger: logger}, nil
}

func (s *GormStore) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		s.logger.Error("failed to create order", zap.Error(err), zap.String("order_id", order.ID.String()))
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var order model.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

func (s *GormStore) RestingOrders(ctx context.Context, contract string) ([]*model.Order, error) {
	var orders []*model.Order
	err := s.db.WithContext(ctx).
		Where("contract = ? AND status = ? AND type = ? AND remaining > 0 AND external_id <> 0",
			contract, model.OrderStatusActive, model.OrderTypeLimit).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load resting orders for %s: %w", contract, err)
	}
	return orders, nil
}

func (s *GormStore) CompatibleOrders(ctx context.Context, contract, side string, priceBound decimal.Decimal) ([]*model.Order, error) {
	q := s.db.WithContext(ctx).
		Where("contract = ? AND side = ? AND status = ? AND type = ? AND remaining > 0 AND external_id <> 0",
			contract, side, model.OrderStatusActive, model.OrderTypeLimit)
	switch side {
	case model.OrderSideSell:
		q = q.Where("price <= ?", priceBound).Order("price ASC, created_at ASC")
	case model.OrderSideBuy:
		q = q.Where("price >= ?", priceBound).Order("price DESC, created_at ASC")
	default:
		return nil, fmt.Errorf("invalid side %q", side)
	}
	var orders []*model.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to load compatible orders: %w", err)
	}
	return orders, nil
}

// ReserveOrders claims all ids in one guarded bulk update. The status guard is
// the correctness mechanism preventing two matchers from selecting the same
// rows; a partial claim is rolled back. The reservation itself counts as one
// hold, consumed by the group it was taken for.
func (s *GormStore) ReserveOrders(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).
			Where("id IN ? AND status = ?", ids, model.OrderStatusActive).
			Updates(map[string]interface{}{
				"status":     model.OrderStatusProcessing,
				"holds":      1,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to reserve orders: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			s.logger.Warn("reservation lost race, rolling back",
				zap.Int("requested", len(ids)),
				zap.Int64("claimed", res.RowsAffected))
			return ErrOrderNotReservable
		}
		return nil
	})
}

// AddHold records one more in-flight group referencing a reserved row. The
// status guard rejects rows that have left PROCESSING since the reservation.
func (s *GormStore) AddHold(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", id, model.OrderStatusProcessing).
		Updates(map[string]interface{}{
			"holds":      gorm.Expr("holds + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to add hold on order %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotReservable
	}
	return nil
}

// ReleaseOrders drops one hold per row. A row whose last hold is dropped
// returns to ACTIVE when it still has remaining amount; rows referenced by
// another in-flight group stay PROCESSING. Column references on the right-hand
// side read the pre-update values, so the CASE sees the hold count before the
// decrement.
func (s *GormStore) ReleaseOrders(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id IN ? AND status = ?", ids, model.OrderStatusProcessing).
		Updates(map[string]interface{}{
			"holds":      gorm.Expr("GREATEST(holds - 1, 0)"),
			"status":     gorm.Expr("CASE WHEN holds <= 1 AND remaining > 0 THEN ? ELSE status END", model.OrderStatusActive),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release orders: %w", res.Error)
	}
	return nil
}

func (s *GormStore) ApplyFills(ctx context.Context, fills []model.Fill, price decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, f := range fills {
			var order model.Order
			if err := tx.Where("id = ?", f.OrderID).First(&order).Error; err != nil {
				return fmt.Errorf("failed to load order %s for fill: %w", f.OrderID, err)
			}
			if err := order.ApplyFill(f.Amount); err != nil {
				return err
			}
			if order.Holds > 0 {
				order.Holds--
			}
			// A partially filled order rests again only once no other group in
			// flight still references it; until then it must stay reserved.
			if order.Remaining.IsPositive() && order.Holds == 0 {
				order.Status = model.OrderStatusActive
			}
			if err := tx.Save(&order).Error; err != nil {
				return fmt.Errorf("failed to persist fill on order %s: %w", f.OrderID, err)
			}
		}
		return nil
	})
}

func (s *GormStore) SetExternalID(ctx context.Context, id uuid.UUID, externalID int64, block uint64) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"external_id":  externalID,
			"block_number": block,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set external id on order %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *GormStore) OrdersByUser(ctx context.Context, user string) ([]*model.Order, error) {
	var orders []*model.Order
	err := s.db.WithContext(ctx).
		Where("user_address = ?", user).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load orders for user %s: %w", user, err)
	}
	return orders, nil
}

func (s *GormStore) OrdersByExternalIDs(ctx context.Context, contract string, externalIDs []int64) ([]*model.Order, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var orders []*model.Order
	err := s.db.WithContext(ctx).
		Where("contract = ? AND external_id IN ?", contract, externalIDs).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load orders by external ids: %w", err)
	}
	return orders, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
