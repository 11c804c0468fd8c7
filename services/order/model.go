package order

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusRefunded  = "refunded"
	StatusCancelled = "cancelled"
)

// Order is owned by the store subsystem. The wallet only reads it and flips
// status to refunded.
type Order struct {
	ID        string          `gorm:"column:id;primaryKey"`
	GuildID   string          `gorm:"column:guild_id;not null;index:idx_order_owner,priority:1"`
	UserID    string          `gorm:"column:user_id;not null;index:idx_order_owner,priority:2"`
	Amount    decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	Status    string          `gorm:"column:status;type:varchar(16);not null;default:'pending'"` // pending, completed, refunded, cancelled
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string { return "store_orders" }

func (o *Order) Pending() bool {
	return o.Status == StatusPending
}
