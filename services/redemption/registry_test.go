package redemption

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/celengine"
	"guildwallet/pkg/errutil"
	"guildwallet/services/policy"
	"guildwallet/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	rules, err := celengine.New(RuleVars)
	require.NoError(t, err)
	return NewRegistry(db, node, rules), db
}

func ptr[T any](v T) *T { return &v }

func TestCreatePromotionCaseInsensitiveUnique(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, err := reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "g", Code: "WELCOME50", Value: decimal.NewFromInt(50), MaxUses: ptr(int64(1))})
	require.NoError(t, err)
	require.Equal(t, "welcome50", c.CodeKey)
	require.Equal(t, StatusActive, c.Status)

	_, err = reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "g", Code: "welcome50", Value: decimal.NewFromInt(5)})
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	// other guilds have their own namespace
	_, err = reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "other", Code: "Welcome50", Value: decimal.NewFromInt(5)})
	require.NoError(t, err)

	got, err := reg.Get(ctx, "g", "WeLcOmE50")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "g", Code: "x", Value: decimal.NewFromInt(5)})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "g", Code: "FREE", Value: decimal.Zero})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = reg.CreateDiscount(ctx, CreateDiscountInput{GuildID: "g", Code: "SAVE0", Percent: decimal.Zero})
	require.Equal(t, policy.ReasonInvalidPercent, errutil.ReasonOf(err))

	_, err = reg.CreateDiscount(ctx, CreateDiscountInput{GuildID: "g", Code: "SAVE200", Percent: decimal.NewFromInt(200)})
	require.Equal(t, policy.ReasonInvalidPercent, errutil.ReasonOf(err))

	_, err = reg.CreateDiscount(ctx, CreateDiscountInput{GuildID: "g", Code: "RULED", Percent: decimal.NewFromInt(10), Rule: "cart_total >"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	c, err := reg.CreateDiscount(ctx, CreateDiscountInput{GuildID: "g", Code: "SAVE10", Percent: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, int64(1), c.PerUserLimit)
}

func TestCheckAndConsumePromotion(t *testing.T) {
	reg, db := newRegistry(t)
	ctx := context.Background()
	now := time.Now()

	_, err := reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "g", Code: "WELCOME50", Value: decimal.NewFromInt(50), MaxUses: ptr(int64(2))})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		r := reg.WithTrx(tx)
		c, err := r.Lock(ctx, "g", "welcome50")
		if err != nil {
			return err
		}
		if err := r.Check(ctx, c, CheckInput{GuildID: "g", UserID: "alice", Type: TypePromotion, Now: now}); err != nil {
			return err
		}
		return r.Consume(ctx, c, "alice", nil, now)
	})
	require.NoError(t, err)

	c, err := reg.Get(ctx, "g", "WELCOME50")
	require.NoError(t, err)
	require.Equal(t, int64(1), c.UsedCount)

	err = reg.Check(ctx, c, CheckInput{GuildID: "g", UserID: "alice", Type: TypePromotion, Now: now})
	require.Equal(t, policy.ReasonAlreadyUsed, errutil.ReasonOf(err))

	require.NoError(t, reg.Check(ctx, c, CheckInput{GuildID: "g", UserID: "bob", Type: TypePromotion, Now: now}))

	// a discount lookup does not match a promotion code
	err = reg.Check(ctx, c, CheckInput{GuildID: "g", UserID: "bob", Type: TypeDiscount, Now: now})
	require.Equal(t, policy.ReasonInvalidCode, errutil.ReasonOf(err))
}

func TestConsumeRespectsMaxUses(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	now := time.Now()

	c, err := reg.CreateDiscount(ctx, CreateDiscountInput{GuildID: "g", Code: "LAST1", Percent: decimal.NewFromInt(10), MaxUses: ptr(int64(1))})
	require.NoError(t, err)

	require.NoError(t, reg.Consume(ctx, c, "alice", ptr("order-1"), now))

	stale := *c
	stale.UsedCount = 0
	err = reg.Consume(ctx, &stale, "bob", ptr("order-2"), now)
	require.Equal(t, policy.ReasonLimitReached, errutil.ReasonOf(err))
}

func TestDisable(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.CreatePromotion(ctx, CreatePromotionInput{GuildID: "g", Code: "GONE", Value: decimal.NewFromInt(1)})
	require.NoError(t, err)

	c, err := reg.Disable(ctx, "g", "gone")
	require.NoError(t, err)
	require.Equal(t, StatusDisabled, c.Status)

	err = reg.Check(ctx, c, CheckInput{GuildID: "g", UserID: "alice", Type: TypePromotion, Now: time.Now()})
	require.Equal(t, policy.ReasonInvalidCode, errutil.ReasonOf(err))

	_, err = reg.Disable(ctx, "g", "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestCheckEvaluatesRule(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, err := reg.CreateDiscount(ctx, CreateDiscountInput{
		GuildID: "g", Code: "VIP", Percent: decimal.NewFromInt(20), PerUserLimit: 3,
		Rule: `balance >= 100.0 && user_uses < 2`,
	})
	require.NoError(t, err)

	in := CheckInput{GuildID: "g", UserID: "alice", Type: TypeDiscount, CartTotal: decimal.NewFromInt(10), Balance: decimal.NewFromInt(50), Now: time.Now()}
	err = reg.Check(ctx, c, in)
	require.Equal(t, policy.ReasonNotEligible, errutil.ReasonOf(err))

	in.Balance = decimal.NewFromInt(150)
	require.NoError(t, reg.Check(ctx, c, in))
}

func TestCheckMinSpend(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, err := reg.CreateDiscount(ctx, CreateDiscountInput{GuildID: "g", Code: "SAVE10", Percent: decimal.NewFromInt(10), MinSpend: ptr(decimal.NewFromInt(20))})
	require.NoError(t, err)

	err = reg.Check(ctx, c, CheckInput{GuildID: "g", UserID: "alice", Type: TypeDiscount, CartTotal: decimal.NewFromInt(15), Now: time.Now()})
	require.Equal(t, policy.ReasonMinSpendNotMet, errutil.ReasonOf(err))
	remaining, ok := errutil.From(err).Detail("remaining")
	require.True(t, ok)
	require.Equal(t, "5", remaining)
}
