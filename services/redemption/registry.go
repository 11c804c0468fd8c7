package redemption

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/celengine"
	"guildwallet/pkg/db"
	"guildwallet/pkg/db/option"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/repository"
	"guildwallet/services/policy"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// RuleVars are the variables a code's eligibility rule may reference.
var RuleVars = celengine.Vars{
	"guild_id":   cel.StringType,
	"user_id":    cel.StringType,
	"cart_total": cel.DoubleType,
	"balance":    cel.DoubleType,
	"used_count": cel.IntType,
	"user_uses":  cel.IntType,
}

// Registry tracks redemption codes and their usage counters.
type Registry struct {
	db    *gorm.DB
	node  *snowflake.Node
	rules *celengine.Engine

	codes  repository.Repository[Code]
	usages repository.Repository[Usage]
}

func NewRegistry(conn *gorm.DB, node *snowflake.Node, rules *celengine.Engine) *Registry {
	return &Registry{
		db:     conn,
		node:   node,
		rules:  rules,
		codes:  repository.ProvideStore[Code](conn),
		usages: repository.ProvideStore[Usage](conn),
	}
}

func (r *Registry) WithTrx(tx *gorm.DB) *Registry {
	return &Registry{
		db:     tx,
		node:   r.node,
		rules:  r.rules,
		codes:  r.codes.WithTrx(tx),
		usages: r.usages.WithTrx(tx),
	}
}

func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

type CreatePromotionInput struct {
	GuildID   string
	Code      string
	Value     decimal.Decimal
	MaxUses   *int64
	ExpiresAt *time.Time
	Rule      string
}

type CreateDiscountInput struct {
	GuildID      string
	Code         string
	Percent      decimal.Decimal
	MaxUses      *int64
	PerUserLimit int64
	MinSpend     *decimal.Decimal
	ExpiresAt    *time.Time
	Rule         string
}

func (r *Registry) validateCommon(code string, maxUses *int64, rule string) error {
	if !codePattern.MatchString(strings.TrimSpace(code)) {
		return errutil.ValidationFailed("code must be 3-32 letters, digits, '-' or '_'", nil,
			errutil.WithReason(policy.ReasonInvalidCode), errutil.WithDetail("code", code))
	}
	if maxUses != nil && *maxUses <= 0 {
		return errutil.ValidationFailed("max_uses must be positive", nil, errutil.WithDetail("max_uses", "must be > 0"))
	}
	if rule != "" {
		if err := r.rules.Validate(rule); err != nil {
			return errutil.ValidationFailed("invalid eligibility rule", err, errutil.WithDetail("rule", err.Error()))
		}
	}
	return nil
}

func (r *Registry) CreatePromotion(ctx context.Context, in CreatePromotionInput) (*Code, error) {
	if err := r.validateCommon(in.Code, in.MaxUses, in.Rule); err != nil {
		return nil, err
	}
	if err := policy.ValidateAmount("value", in.Value); err != nil {
		return nil, err
	}

	return r.insert(ctx, &Code{
		GuildID:      in.GuildID,
		Code:         strings.TrimSpace(in.Code),
		Type:         TypePromotion,
		Value:        decimal.NewNullDecimal(in.Value),
		MaxUses:      in.MaxUses,
		PerUserLimit: 1,
		ExpiresAt:    in.ExpiresAt,
		Rule:         strings.TrimSpace(in.Rule),
	})
}

func (r *Registry) CreateDiscount(ctx context.Context, in CreateDiscountInput) (*Code, error) {
	if err := r.validateCommon(in.Code, in.MaxUses, in.Rule); err != nil {
		return nil, err
	}
	if err := policy.ValidatePercent(in.Percent); err != nil {
		return nil, err
	}
	if in.PerUserLimit < 0 {
		return nil, errutil.ValidationFailed("per_user_limit must be positive", nil, errutil.WithDetail("per_user_limit", "must be > 0"))
	}
	if in.PerUserLimit == 0 {
		in.PerUserLimit = 1
	}

	c := &Code{
		GuildID:      in.GuildID,
		Code:         strings.TrimSpace(in.Code),
		Type:         TypeDiscount,
		Percent:      decimal.NewNullDecimal(in.Percent),
		MaxUses:      in.MaxUses,
		PerUserLimit: in.PerUserLimit,
		ExpiresAt:    in.ExpiresAt,
		Rule:         strings.TrimSpace(in.Rule),
	}
	if in.MinSpend != nil {
		if in.MinSpend.IsNegative() {
			return nil, errutil.ValidationFailed("min_spend must not be negative", nil, errutil.WithDetail("min_spend", in.MinSpend.String()))
		}
		c.MinSpend = decimal.NewNullDecimal(*in.MinSpend)
	}

	return r.insert(ctx, c)
}

func (r *Registry) insert(ctx context.Context, c *Code) (*Code, error) {
	now := r.db.NowFunc()
	c.ID = r.node.Generate().String()
	c.CodeKey = NormalizeCode(c.Code)
	c.Status = StatusActive
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := r.codes.Create(ctx, c); err != nil {
		if db.IsConflict(err) {
			return nil, errutil.Conflict("code already exists in this guild", err, errutil.WithDetail("code", c.Code))
		}
		return nil, errutil.Storage("failed to create code", err)
	}

	zap.L().Info("redemption code created",
		zap.String("guild_id", c.GuildID),
		zap.String("code", c.Code),
		zap.String("type", string(c.Type)))
	return c, nil
}

// Get returns a code by its case-insensitive name.
func (r *Registry) Get(ctx context.Context, guildID, code string) (*Code, error) {
	c, err := r.codes.FindOne(ctx, &Code{GuildID: guildID, CodeKey: NormalizeCode(code)})
	if err != nil {
		return nil, errutil.Storage("failed to read code", err)
	}
	if c == nil {
		return nil, errutil.NotFound("code not found", nil,
			errutil.WithReason(policy.ReasonInvalidCode), errutil.WithDetail("code", code))
	}
	return c, nil
}

// Lock loads a code for update. A missing code yields (nil, nil) so the
// policy check reports it.
func (r *Registry) Lock(ctx context.Context, guildID, code string) (*Code, error) {
	key := NormalizeCode(code)
	if key == "" {
		return nil, nil
	}
	c, err := r.codes.FindOne(ctx, &Code{GuildID: guildID, CodeKey: key}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Storage("failed to lock code", err)
	}
	return c, nil
}

// Find is Lock without the row lock, for read-only checks.
func (r *Registry) Find(ctx context.Context, guildID, code string) (*Code, error) {
	key := NormalizeCode(code)
	if key == "" {
		return nil, nil
	}
	c, err := r.codes.FindOne(ctx, &Code{GuildID: guildID, CodeKey: key})
	if err != nil {
		return nil, errutil.Storage("failed to read code", err)
	}
	return c, nil
}

func (r *Registry) Disable(ctx context.Context, guildID, code string) (*Code, error) {
	c, err := r.Get(ctx, guildID, code)
	if err != nil {
		return nil, err
	}

	now := r.db.NowFunc()
	if err := r.codes.Update(ctx, c.ID, map[string]any{"status": StatusDisabled, "updated_at": now}); err != nil {
		return nil, errutil.Storage("failed to disable code", err)
	}
	c.Status = StatusDisabled
	c.UpdatedAt = now
	return c, nil
}

// UserUses counts the usages of c by userID.
func (r *Registry) UserUses(ctx context.Context, codeID, userID string) (int64, error) {
	n, err := r.usages.Count(ctx, &Usage{CodeID: codeID, UserID: userID})
	if err != nil {
		return 0, errutil.Storage("failed to count code usages", err)
	}
	return n, nil
}

type CheckInput struct {
	GuildID   string
	UserID    string
	Type      CodeType
	CartTotal decimal.Decimal
	Balance   decimal.Decimal
	Now       time.Time
}

// Check applies the eligibility policy to c (nil when the code does not
// exist) and then the code's own rule, if any.
func (r *Registry) Check(ctx context.Context, c *Code, in CheckInput) error {
	if c == nil || c.Type != in.Type {
		return policy.CheckRedemption(policy.RedemptionCheck{Found: false})
	}

	uses, err := r.UserUses(ctx, c.ID, in.UserID)
	if err != nil {
		return err
	}

	check := policy.RedemptionCheck{
		Found:        true,
		Status:       string(c.Status),
		ExpiresAt:    c.ExpiresAt,
		MaxUses:      c.MaxUses,
		UsedCount:    c.UsedCount,
		UserUses:     uses,
		PerUserLimit: c.perUserLimit(),
		CartTotal:    in.CartTotal,
		Now:          in.Now,
	}
	if c.Type == TypeDiscount && c.MinSpend.Valid {
		minSpend := c.MinSpend.Decimal
		check.MinSpend = &minSpend
	}
	if err := policy.CheckRedemption(check); err != nil {
		return err
	}

	if c.Rule == "" {
		return nil
	}

	cart, _ := in.CartTotal.Float64()
	balance, _ := in.Balance.Float64()
	ok, err := r.rules.Evaluate(c.Rule, map[string]any{
		"guild_id":   in.GuildID,
		"user_id":    in.UserID,
		"cart_total": cart,
		"balance":    balance,
		"used_count": c.UsedCount,
		"user_uses":  uses,
	})
	if err != nil {
		zap.L().Warn("code rule evaluation failed", zap.String("code_id", c.ID), zap.Error(err))
		return errutil.PolicyViolation(policy.ReasonNotEligible, "not eligible for this code")
	}
	if !ok {
		return errutil.PolicyViolation(policy.ReasonNotEligible, "not eligible for this code")
	}
	return nil
}

// Consume increments the usage counter, guarded by max_uses, and records the
// usage row. Run it in the same transaction as the matching balance change.
func (r *Registry) Consume(ctx context.Context, c *Code, userID string, orderID *string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&Code{}).
		Where("id = ? AND (max_uses IS NULL OR used_count < max_uses)", c.ID).
		Updates(map[string]any{"used_count": gorm.Expr("used_count + 1"), "updated_at": now})
	if res.Error != nil {
		return errutil.Storage("failed to increment code usage", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.PolicyViolation(policy.ReasonLimitReached, "code usage limit reached")
	}

	uses, err := r.UserUses(ctx, c.ID, userID)
	if err != nil {
		return err
	}

	if err := r.usages.Create(ctx, &Usage{
		ID:      r.node.Generate().String(),
		CodeID:  c.ID,
		UserID:  userID,
		Slot:    uses + 1,
		GuildID: c.GuildID,
		OrderID: orderID,
		UsedAt:  now,
	}); err != nil {
		if db.IsConflict(err) {
			return errutil.Conflict("concurrent redemption of the same code", err)
		}
		return errutil.Storage("failed to record code usage", err)
	}

	c.UsedCount++
	return nil
}
