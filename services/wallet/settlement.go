package wallet

import (
	"context"

	"github.com/shopspring/decimal"

	"guildwallet/services/ledger"
)

type SettleInput struct {
	GuildID    string
	UserID     string
	RequestKey string
}

type SettlementResult struct {
	Outcome
	TotalTransferred decimal.Decimal `json:"total_transferred"`
	Count            int             `json:"count"`
	Balance          decimal.Decimal `json:"balance"`
}

// Settle moves the member's pending earnings into the wallet. Running it with
// nothing pending returns a zero result and changes nothing.
func (c *Coordinator) Settle(ctx context.Context, in SettleInput) (*SettlementResult, error) {
	if err := requireIDs("guild_id", in.GuildID, "user_id", in.UserID); err != nil {
		return nil, err
	}

	out := &SettlementResult{}
	m := mutation{op: OpSettle, guildID: in.GuildID, userID: in.UserID, requestKey: in.RequestKey}
	err := c.mutate(ctx, m, out, func(ctx context.Context, u *unit) error {
		res, err := c.settler.Settle(ctx, u.tx, ledger.Key{GuildID: in.GuildID, UserID: in.UserID}, u.txID, u.now)
		if err != nil {
			return err
		}
		out.TotalTransferred = res.TotalTransferred
		out.Count = res.Count
		out.Balance = res.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
