package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"guildwallet/pkg/logger"
	"guildwallet/services/ledger"
	"guildwallet/services/notification"
	"guildwallet/services/policy"
)

const notifyTimeout = 2 * time.Second

type TransferInput struct {
	GuildID     string
	SenderID    string
	RecipientID string
	Amount      decimal.Decimal
	RequestKey  string
}

type TransferResult struct {
	Outcome
	Amount          decimal.Decimal `json:"amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	SenderBalance   decimal.Decimal `json:"sender_balance"`
	ReceiverBalance decimal.Decimal `json:"receiver_balance"`
}

// Transfer moves amount from sender to recipient. The sender pays
// amount + tax; the recipient receives amount. The recipient is notified
// after commit.
func (c *Coordinator) Transfer(ctx context.Context, in TransferInput) (*TransferResult, error) {
	if err := requireIDs("guild_id", in.GuildID, "sender_id", in.SenderID, "recipient_id", in.RecipientID); err != nil {
		return nil, err
	}

	out := &TransferResult{}
	m := mutation{op: OpTransfer, guildID: in.GuildID, userID: in.SenderID, requestKey: in.RequestKey}
	err := c.mutate(ctx, m, out, func(ctx context.Context, u *unit) error {
		store := c.ledger.WithTrx(u.tx)
		sender := ledger.Key{GuildID: in.GuildID, UserID: in.SenderID}
		recipient := ledger.Key{GuildID: in.GuildID, UserID: in.RecipientID}

		tips, err := store.LockWallets(ctx, sender, recipient)
		if err != nil {
			return err
		}

		sentOut, err := store.SumAmount(ctx, sender, ledger.KindTransferOut, policy.LocalDayStart(u.now, c.offset))
		if err != nil {
			return err
		}

		quote, err := policy.ValidateTransfer(policy.TransferInput{
			Sender:    in.SenderID,
			Recipient: in.RecipientID,
			Amount:    in.Amount,
			Balance:   tips[sender].Balance,
			SentToday: sentOut.Neg(),
			Policy:    u.policy,
		})
		if err != nil {
			return err
		}

		out.Amount = quote.Amount
		out.TaxAmount = quote.Tax

		debit, err := newEntry(u, ledger.TransferOut{Recipient: in.RecipientID, Tax: quote.Tax}, quote.Amount.Neg(), nil)
		if err != nil {
			return err
		}
		if err := store.Append(ctx, tips[sender], debit); err != nil {
			return err
		}

		if quote.Tax.IsPositive() {
			tax, err := newEntry(u, ledger.TransferTax{Recipient: in.RecipientID}, quote.Tax.Neg(), nil)
			if err != nil {
				return err
			}
			if err := store.Append(ctx, tips[sender], tax); err != nil {
				return err
			}
		}

		credit, err := newEntry(u, ledger.TransferIn{Sender: in.SenderID}, quote.Amount, nil)
		if err != nil {
			return err
		}
		if err := store.Append(ctx, tips[recipient], credit); err != nil {
			return err
		}

		if err := store.SetBalance(ctx, sender, tips[sender].Balance); err != nil {
			return err
		}
		if err := store.SetBalance(ctx, recipient, tips[recipient].Balance); err != nil {
			return err
		}

		out.SenderBalance = tips[sender].Balance
		out.ReceiverBalance = tips[recipient].Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.Replayed {
		c.notifyTransfer(ctx, notification.TransferReceived{
			GuildID:       in.GuildID,
			RecipientID:   in.RecipientID,
			SenderID:      in.SenderID,
			Amount:        out.Amount,
			TransactionID: out.TransactionID,
			OccurredAt:    c.now().UTC(),
		})
	}
	return out, nil
}

func (c *Coordinator) notifyTransfer(ctx context.Context, n notification.TransferReceived) {
	if c.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := c.notifier.NotifyTransferReceived(ctx, n); err != nil {
		notificationFailures.Inc()
		logger.FromContext(ctx).Warn("failed to publish transfer notification",
			zap.String("guild_id", n.GuildID),
			zap.String("recipient_id", n.RecipientID),
			zap.String("transaction_id", n.TransactionID),
			zap.Error(err))
	}
}
