package ledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/db/pagination"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/logger"
)

// Service exposes the read side of the ledger: balances, history and chain
// verification. Reads are retried once on storage failure.
type Service struct {
	db    *gorm.DB
	store *Store
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		store: NewStore(p.DB, p.Node),
	}
}

func (s *Service) Store() *Store {
	return s.store
}

type WalletView struct {
	GuildID   string          `json:"guild_id"`
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

type EntryView struct {
	ID            string          `json:"id"`
	Sequence      int64           `json:"sequence"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	Hash          string          `json:"hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ChainReport struct {
	Valid    bool            `json:"valid"`
	Entries  int             `json:"entries"`
	Balance  decimal.Decimal `json:"balance"`
	BrokenAt int64           `json:"broken_at,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// readOnce runs fn and retries it a single time when it fails with a storage error.
func readOnce[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := fn()
		if err != nil {
			if errutil.StatusOf(err) != errutil.StatusInternal {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return out, err
	}
	return out, nil
}

// GetWallet returns the balance of a key; unknown keys read as a zero balance.
func (s *Service) GetWallet(ctx context.Context, k Key) (*WalletView, error) {
	w, err := readOnce(ctx, func() (*Wallet, error) {
		return s.store.GetWallet(ctx, k)
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to read wallet", zap.String("guild_id", k.GuildID), zap.String("user_id", k.UserID), zap.Error(err))
		return nil, err
	}

	view := &WalletView{GuildID: k.GuildID, UserID: k.UserID, Balance: decimal.Zero}
	if w != nil {
		view.Balance = w.Balance
		updated := w.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view, nil
}

// ListEntries pages through the history of a key, newest first.
func (s *Service) ListEntries(ctx context.Context, k Key, page pagination.Pagination) ([]*EntryView, *pagination.PageInfo, error) {
	page = page.Normalize()

	var before int64
	if page.Cursor != "" {
		c, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.ValidationFailed("invalid cursor", err, errutil.WithDetail("cursor", "malformed"))
		}
		before = c.Sequence
	}

	entries, err := readOnce(ctx, func() ([]*LedgerEntry, error) {
		return s.store.ListEntries(ctx, k, before, page.Limit+1)
	})
	if err != nil {
		return nil, nil, err
	}

	entries, info, err := pagination.BuildCursorPageInfo(entries, page.Limit, func(e *LedgerEntry) pagination.Cursor {
		return pagination.Cursor{Sequence: e.Sequence, ID: e.ID}
	})
	if err != nil {
		return nil, nil, errutil.Internal("failed to encode cursor", err)
	}

	views := make([]*EntryView, 0, len(entries))
	for _, e := range entries {
		meta, err := e.DecodeMetadata()
		if err != nil {
			return nil, nil, errutil.Internal("corrupt ledger metadata", err, errutil.WithDetail("entry_id", e.ID))
		}
		views = append(views, &EntryView{
			ID:            e.ID,
			Sequence:      e.Sequence,
			Kind:          e.Kind,
			Amount:        e.Amount,
			BalanceAfter:  e.BalanceAfter,
			TransactionID: e.TransactionID,
			Metadata:      meta,
			Hash:          e.Hash,
			CreatedAt:     e.CreatedAt,
		})
	}

	return views, info, nil
}

// VerifyChain recomputes every hash of a key, checks sequence and balance
// continuity, and compares the tip with the stored wallet balance.
func (s *Service) VerifyChain(ctx context.Context, k Key) (*ChainReport, error) {
	entries, err := readOnce(ctx, func() ([]*LedgerEntry, error) {
		return s.store.ListChain(ctx, k)
	})
	if err != nil {
		return nil, err
	}

	balance, err := readOnce(ctx, func() (decimal.Decimal, error) {
		return s.store.GetBalance(ctx, k)
	})
	if err != nil {
		return nil, err
	}

	report := Verify(entries, balance)
	if !report.Valid {
		logger.FromContext(ctx).Warn("ledger chain verification failed",
			zap.String("guild_id", k.GuildID),
			zap.String("user_id", k.UserID),
			zap.Int64("broken_at", report.BrokenAt),
			zap.String("reason", report.Reason))
	}
	return report, nil
}

// Verify checks an ordered chain against the wallet balance.
func Verify(entries []*LedgerEntry, walletBalance decimal.Decimal) *ChainReport {
	report := &ChainReport{Valid: true, Entries: len(entries), Balance: decimal.Zero}

	prevHash := ""
	running := decimal.Zero
	for i, e := range entries {
		fail := func(reason string) *ChainReport {
			report.Valid = false
			report.BrokenAt = e.Sequence
			report.Reason = reason
			report.Balance = running
			return report
		}

		if e.Sequence != int64(i+1) {
			return fail("sequence gap")
		}
		if e.PreviousHash != prevHash {
			return fail("previous hash mismatch")
		}
		if e.GenerateHash() != e.Hash {
			return fail("hash mismatch")
		}
		running = running.Add(e.Amount)
		if !running.Equal(e.BalanceAfter) {
			return fail("balance_after mismatch")
		}
		prevHash = e.Hash
	}

	report.Balance = running
	if !running.Equal(walletBalance) {
		report.Valid = false
		report.Reason = "wallet balance differs from ledger sum"
	}
	return report
}
