package redemption

import (
	"time"

	"github.com/shopspring/decimal"
)

type CodeType string

const (
	TypePromotion CodeType = "promotion"
	TypeDiscount  CodeType = "discount"
)

type CodeStatus string

const (
	StatusActive   CodeStatus = "active"
	StatusDisabled CodeStatus = "disabled"
	StatusExpired  CodeStatus = "expired"
)

// Code is a promotion (flat credit) or discount (percent off) token. Code
// keeps the admin's spelling, CodeKey its lower-case form for uniqueness.
type Code struct {
	ID           string              `gorm:"column:id;primaryKey" json:"id"`
	GuildID      string              `gorm:"column:guild_id;not null;uniqueIndex:idx_code_key,priority:1" json:"guild_id"`
	Code         string              `gorm:"column:code;not null" json:"code"`
	CodeKey      string              `gorm:"column:code_key;not null;uniqueIndex:idx_code_key,priority:2" json:"-"`
	Type         CodeType            `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Value        decimal.NullDecimal `gorm:"column:value;type:numeric(20,2)" json:"value"`
	Percent      decimal.NullDecimal `gorm:"column:percent;type:numeric(5,2)" json:"percent"`
	MaxUses      *int64              `gorm:"column:max_uses" json:"max_uses"`
	UsedCount    int64               `gorm:"column:used_count;not null;default:0" json:"used_count"`
	PerUserLimit int64               `gorm:"column:per_user_limit;not null;default:1" json:"per_user_limit"`
	MinSpend     decimal.NullDecimal `gorm:"column:min_spend;type:numeric(20,2)" json:"min_spend"`
	Status       CodeStatus          `gorm:"column:status;type:varchar(16);not null;default:'active'" json:"status"`
	ExpiresAt    *time.Time          `gorm:"column:expires_at" json:"expires_at"`
	Rule         string              `gorm:"column:rule;type:text" json:"rule,omitempty"` // CEL eligibility expression
	CreatedAt    time.Time           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"column:updated_at" json:"updated_at"`
}

func (Code) TableName() string { return "redemption_codes" }

// Usage marks one consumption of a code by a user. Slot numbers a user's
// uses from 1, so the unique index caps concurrent inserts at perUserLimit.
type Usage struct {
	ID      string    `gorm:"column:id;primaryKey"`
	CodeID  string    `gorm:"column:code_id;not null;uniqueIndex:idx_usage_slot,priority:1"`
	UserID  string    `gorm:"column:user_id;not null;uniqueIndex:idx_usage_slot,priority:2"`
	Slot    int64     `gorm:"column:slot;not null;uniqueIndex:idx_usage_slot,priority:3"`
	GuildID string    `gorm:"column:guild_id;not null;index"`
	OrderID *string   `gorm:"column:order_id"`
	UsedAt  time.Time `gorm:"column:used_at"`
}

func (Usage) TableName() string { return "redemption_usages" }

func (c *Code) perUserLimit() int64 {
	if c.Type == TypePromotion || c.PerUserLimit <= 0 {
		return 1
	}
	return c.PerUserLimit
}
