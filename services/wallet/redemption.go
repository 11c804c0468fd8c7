package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"guildwallet/pkg/errutil"
	"guildwallet/services/ledger"
	"guildwallet/services/policy"
	"guildwallet/services/redemption"
)

type RedeemInput struct {
	GuildID    string
	UserID     string
	Code       string
	RequestKey string
}

type PromotionResult struct {
	Outcome
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	UsedCount int64           `json:"used_count"`
}

// PromotionSourceRef keys the credit of a promotion to a user.
func PromotionSourceRef(codeID, userID string) string {
	return "promotion:" + codeID + ":" + userID
}

// RedeemPromotion credits the promotion's value once per user.
func (c *Coordinator) RedeemPromotion(ctx context.Context, in RedeemInput) (*PromotionResult, error) {
	if err := requireIDs("guild_id", in.GuildID, "user_id", in.UserID); err != nil {
		return nil, err
	}

	out := &PromotionResult{}
	m := mutation{op: OpPromotionRedeem, guildID: in.GuildID, userID: in.UserID, requestKey: in.RequestKey}
	err := c.mutate(ctx, m, out, func(ctx context.Context, u *unit) error {
		codes := c.codes.WithTrx(u.tx)
		store := c.ledger.WithTrx(u.tx)
		k := ledger.Key{GuildID: in.GuildID, UserID: in.UserID}

		code, err := codes.Lock(ctx, in.GuildID, in.Code)
		if err != nil {
			return err
		}

		tips, err := store.LockWallets(ctx, k)
		if err != nil {
			return err
		}

		if err := codes.Check(ctx, code, redemption.CheckInput{
			GuildID: in.GuildID,
			UserID:  in.UserID,
			Type:    redemption.TypePromotion,
			Balance: tips[k].Balance,
			Now:     u.now,
		}); err != nil {
			return err
		}
		if !code.Value.Valid || !code.Value.Decimal.IsPositive() {
			return errutil.Internal("promotion has no value", nil, errutil.WithDetail("code", code.Code))
		}

		if err := codes.Consume(ctx, code, in.UserID, nil, u.now); err != nil {
			return err
		}

		ref := PromotionSourceRef(code.ID, in.UserID)
		entry, err := newEntry(u, ledger.Promotion{PromoID: code.ID, Code: code.Code}, code.Value.Decimal, &ref)
		if err != nil {
			return err
		}
		if err := store.Append(ctx, tips[k], entry); err != nil {
			return err
		}
		if err := store.SetBalance(ctx, k, tips[k].Balance); err != nil {
			return err
		}

		out.Code = code.Code
		out.Amount = code.Value.Decimal
		out.Balance = tips[k].Balance
		out.UsedCount = code.UsedCount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type DiscountInput struct {
	GuildID    string
	UserID     string
	Code       string
	CartTotal  decimal.Decimal
	OrderID    string
	RequestKey string
}

type DiscountQuote struct {
	Code           string          `json:"code"`
	CartTotal      decimal.Decimal `json:"cart_total"`
	Percent        decimal.Decimal `json:"percent"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalPrice     decimal.Decimal `json:"final_price"`
}

type DiscountResult struct {
	Outcome
	DiscountQuote
	OrderID   string `json:"order_id,omitempty"`
	UsedCount int64  `json:"used_count"`
}

func quote(code *redemption.Code, cart decimal.Decimal) *DiscountQuote {
	discount, final := policy.DiscountAmount(cart, code.Percent.Decimal)
	return &DiscountQuote{
		Code:           code.Code,
		CartTotal:      cart,
		Percent:        code.Percent.Decimal,
		DiscountAmount: discount,
		FinalPrice:     final,
	}
}

// ValidateDiscount prices a cart with a discount code without using it up.
// The answer is advisory: ConsumeDiscount checks again under lock.
func (c *Coordinator) ValidateDiscount(ctx context.Context, in DiscountInput) (q *DiscountQuote, err error) {
	start := time.Now()
	defer func() { observe(OpDiscountValidate, start, err) }()

	if err := requireIDs("guild_id", in.GuildID, "user_id", in.UserID); err != nil {
		return nil, err
	}
	if err := policy.ValidateAmount("cart_total", in.CartTotal); err != nil {
		return nil, err
	}

	code, err := c.codes.Find(ctx, in.GuildID, in.Code)
	if err != nil {
		return nil, err
	}

	balance, err := c.ledger.GetBalance(ctx, ledger.Key{GuildID: in.GuildID, UserID: in.UserID})
	if err != nil {
		return nil, err
	}

	if err := c.codes.Check(ctx, code, redemption.CheckInput{
		GuildID:   in.GuildID,
		UserID:    in.UserID,
		Type:      redemption.TypeDiscount,
		CartTotal: in.CartTotal,
		Balance:   balance,
		Now:       c.now().UTC(),
	}); err != nil {
		return nil, err
	}

	return quote(code, in.CartTotal), nil
}

// ConsumeDiscount is the checkout step: it re-checks the code, takes one use
// of it and records the order it was used for. Balances are not touched.
func (c *Coordinator) ConsumeDiscount(ctx context.Context, in DiscountInput) (*DiscountResult, error) {
	if err := requireIDs("guild_id", in.GuildID, "user_id", in.UserID, "order_id", in.OrderID); err != nil {
		return nil, err
	}
	if err := policy.ValidateAmount("cart_total", in.CartTotal); err != nil {
		return nil, err
	}

	out := &DiscountResult{}
	m := mutation{op: OpDiscountConsume, guildID: in.GuildID, userID: in.UserID, requestKey: in.RequestKey}
	err := c.mutate(ctx, m, out, func(ctx context.Context, u *unit) error {
		codes := c.codes.WithTrx(u.tx)
		store := c.ledger.WithTrx(u.tx)

		code, err := codes.Lock(ctx, in.GuildID, in.Code)
		if err != nil {
			return err
		}

		balance, err := store.GetBalance(ctx, ledger.Key{GuildID: in.GuildID, UserID: in.UserID})
		if err != nil {
			return err
		}

		if err := codes.Check(ctx, code, redemption.CheckInput{
			GuildID:   in.GuildID,
			UserID:    in.UserID,
			Type:      redemption.TypeDiscount,
			CartTotal: in.CartTotal,
			Balance:   balance,
			Now:       u.now,
		}); err != nil {
			return err
		}

		orderID := in.OrderID
		if err := codes.Consume(ctx, code, in.UserID, &orderID, u.now); err != nil {
			return err
		}

		out.DiscountQuote = *quote(code, in.CartTotal)
		out.OrderID = orderID
		out.UsedCount = code.UsedCount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
