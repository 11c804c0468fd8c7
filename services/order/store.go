package order

import (
	"context"

	"gorm.io/gorm"

	"guildwallet/pkg/db/option"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/repository"
	"guildwallet/services/policy"
)

type Store struct {
	db     *gorm.DB
	orders repository.Repository[Order]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, orders: repository.ProvideStore[Order](db)}
}

func (s *Store) WithTrx(tx *gorm.DB) *Store {
	return &Store{db: tx, orders: s.orders.WithTrx(tx)}
}

// Lock loads an order owned by (guildID, userID) for update. Orders of other
// users are reported as not found.
func (s *Store) Lock(ctx context.Context, guildID, userID, orderID string) (*Order, error) {
	o, err := s.orders.FindOne(ctx, &Order{ID: orderID}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Storage("failed to read order", err)
	}
	if o == nil || o.GuildID != guildID || o.UserID != userID {
		return nil, errutil.NotFound("order not found", nil,
			errutil.WithReason(policy.ReasonOrderNotFound), errutil.WithDetail("order_id", orderID))
	}
	return o, nil
}

// MarkRefunded moves a pending order to refunded. It fails with a conflict
// when the order left pending in the meantime.
func (s *Store) MarkRefunded(ctx context.Context, orderID string) error {
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", orderID, StatusPending).
		Updates(map[string]any{"status": StatusRefunded, "updated_at": s.db.NowFunc()})
	if res.Error != nil {
		return errutil.Storage("failed to update order status", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("order status changed concurrently", nil, errutil.WithDetail("order_id", orderID))
	}
	return nil
}

// Create is used by the store subsystem and by tests.
func (s *Store) Create(ctx context.Context, o *Order) error {
	if err := s.orders.Create(ctx, o); err != nil {
		return errutil.Storage("failed to create order", err)
	}
	return nil
}
