package wallet

import (
	"context"

	"github.com/shopspring/decimal"

	"guildwallet/pkg/errutil"
	"guildwallet/services/ledger"
	"guildwallet/services/policy"
)

type RefundInput struct {
	GuildID    string
	UserID     string
	OrderID    string
	RequestKey string
}

type RefundResult struct {
	Outcome
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

// RefundSourceRef keys the refund entry of an order; an order is credited back
// at most once.
func RefundSourceRef(orderID string) string {
	return "order:" + orderID
}

// Refund returns a pending order's amount to its owner and marks it refunded.
func (c *Coordinator) Refund(ctx context.Context, in RefundInput) (*RefundResult, error) {
	if err := requireIDs("guild_id", in.GuildID, "user_id", in.UserID, "order_id", in.OrderID); err != nil {
		return nil, err
	}

	out := &RefundResult{}
	m := mutation{op: OpRefund, guildID: in.GuildID, userID: in.UserID, requestKey: in.RequestKey}
	err := c.mutate(ctx, m, out, func(ctx context.Context, u *unit) error {
		orders := c.orders.WithTrx(u.tx)
		store := c.ledger.WithTrx(u.tx)
		k := ledger.Key{GuildID: in.GuildID, UserID: in.UserID}

		o, err := orders.Lock(ctx, in.GuildID, in.UserID, in.OrderID)
		if err != nil {
			return err
		}
		if err := policy.CheckRefund(o.Pending(), o.CreatedAt, u.now, c.offset); err != nil {
			return err
		}
		if !o.Amount.IsPositive() {
			return errutil.Internal("order amount is not positive", nil,
				errutil.WithDetail("order_id", o.ID), errutil.WithDetail("amount", o.Amount.String()))
		}

		tips, err := store.LockWallets(ctx, k)
		if err != nil {
			return err
		}

		if err := orders.MarkRefunded(ctx, o.ID); err != nil {
			return err
		}

		ref := RefundSourceRef(o.ID)
		entry, err := newEntry(u, ledger.Refund{OrderID: o.ID}, o.Amount, &ref)
		if err != nil {
			return err
		}
		if err := store.Append(ctx, tips[k], entry); err != nil {
			return err
		}
		if err := store.SetBalance(ctx, k, tips[k].Balance); err != nil {
			return err
		}

		out.OrderID = o.ID
		out.Amount = o.Amount
		out.Balance = tips[k].Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
