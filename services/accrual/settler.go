package accrual

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/errutil"
	"guildwallet/pkg/logger"
	"guildwallet/services/ledger"
)

// Result of one settlement run.
type Result struct {
	TotalTransferred decimal.Decimal `json:"total_transferred"`
	Count            int             `json:"count"`
	Balance          decimal.Decimal `json:"balance"`
}

// SourceRef keys the ledger entry of a pending earning, so a row can be
// credited at most once even if its settled_at stamp is lost.
func SourceRef(pendingEarningID string) string {
	return "pending_earning:" + pendingEarningID
}

// Settler moves pending earnings into the ledger.
type Settler struct {
	store *ledger.Store
}

func NewSettler(store *ledger.Store) *Settler {
	return &Settler{store: store}
}

// Settle credits every unsettled earning of k inside tx: one ledger entry per
// row, oldest first, then a single balance write and a single batch stamp.
// Calling it again with nothing new pending is a no-op.
func (s *Settler) Settle(ctx context.Context, tx *gorm.DB, k ledger.Key, txID string, now time.Time) (*Result, error) {
	store := s.store.WithTrx(tx)

	tips, err := store.LockWallets(ctx, k)
	if err != nil {
		return nil, err
	}
	tip := tips[k]

	rows, err := store.ListUnsettled(ctx, k)
	if err != nil {
		return nil, err
	}

	res := &Result{TotalTransferred: decimal.Zero, Balance: tip.Balance}
	if len(rows) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)

		ref := SourceRef(row.ID)
		exists, err := store.SourceRefExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if exists {
			// credited by an earlier run that did not get to stamp it
			logger.FromContext(ctx).Warn("pending earning already in ledger, stamping only",
				zap.String("pending_earning_id", row.ID))
			continue
		}

		if !row.Amount.IsPositive() {
			return nil, errutil.Internal("pending earning with non-positive amount", nil,
				errutil.WithDetail("pending_earning_id", row.ID),
				errutil.WithDetail("amount", row.Amount.String()))
		}

		meta, err := ledger.EncodeMetadata(ledger.Earning{
			EarnKind:         ledger.KindForSource(row.Source),
			PendingEarningID: row.ID,
			Source:           row.Source,
			Context:          decodeContext(row.Metadata),
		})
		if err != nil {
			return nil, errutil.Internal("failed to encode earning metadata", err)
		}

		entry := &ledger.LedgerEntry{
			Kind:          ledger.KindForSource(row.Source),
			Amount:        row.Amount,
			TransactionID: txID,
			SourceRef:     &ref,
			Metadata:      meta,
			CreatedAt:     now,
		}
		if err := store.Append(ctx, tip, entry); err != nil {
			return nil, err
		}

		res.TotalTransferred = res.TotalTransferred.Add(row.Amount)
		res.Count++
	}

	if err := store.SetBalance(ctx, k, tip.Balance); err != nil {
		return nil, err
	}
	if err := store.MarkSettled(ctx, ids, now); err != nil {
		return nil, err
	}

	res.Balance = tip.Balance
	return res, nil
}

// decodeContext keeps the earning's metadata byte-for-byte so numeric
// snowflakes are not rounded through float64.
func decodeContext(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(raw)})
		return wrapped
	}
	return json.RawMessage(raw)
}
