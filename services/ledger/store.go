package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"guildwallet/pkg/db"
	"guildwallet/pkg/db/option"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/repository"
)

// Key identifies a wallet.
type Key struct {
	GuildID string
	UserID  string
}

func (k Key) less(o Key) bool {
	if k.GuildID != o.GuildID {
		return k.GuildID < o.GuildID
	}
	return k.UserID < o.UserID
}

// Tip is the head of a key's chain: the last sequence, its hash and balance.
type Tip struct {
	Key      Key
	Sequence int64
	Hash     string
	Balance  decimal.Decimal
}

// Store is the balance store and the append-only ledger. Mutating methods are
// meant to run on a transaction obtained through WithTrx.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node

	wallets repository.Repository[Wallet]
	entries repository.Repository[LedgerEntry]
	pending repository.Repository[PendingEarning]
}

func NewStore(conn *gorm.DB, node *snowflake.Node) *Store {
	return &Store{
		db:      conn,
		node:    node,
		wallets: repository.ProvideStore[Wallet](conn),
		entries: repository.ProvideStore[LedgerEntry](conn),
		pending: repository.ProvideStore[PendingEarning](conn),
	}
}

func (s *Store) WithTrx(tx *gorm.DB) *Store {
	return &Store{
		db:      tx,
		node:    s.node,
		wallets: s.wallets.WithTrx(tx),
		entries: s.entries.WithTrx(tx),
		pending: s.pending.WithTrx(tx),
	}
}

// GetBalance returns 0 for a key without a wallet row.
func (s *Store) GetBalance(ctx context.Context, k Key) (decimal.Decimal, error) {
	w, err := s.wallets.FindOne(ctx, &Wallet{GuildID: k.GuildID, UserID: k.UserID})
	if err != nil {
		return decimal.Zero, errutil.Storage("failed to read balance", err)
	}
	if w == nil {
		return decimal.Zero, nil
	}
	return w.Balance, nil
}

func (s *Store) GetWallet(ctx context.Context, k Key) (*Wallet, error) {
	w, err := s.wallets.FindOne(ctx, &Wallet{GuildID: k.GuildID, UserID: k.UserID})
	if err != nil {
		return nil, errutil.Storage("failed to read wallet", err)
	}
	return w, nil
}

// SetBalance upserts the wallet row for k. Callers compute the value.
func (s *Store) SetBalance(ctx context.Context, k Key, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return errutil.Internal("refusing to store a negative balance", nil,
			errutil.WithDetail("balance", balance.StringFixed(2)))
	}

	now := s.db.NowFunc()
	w := &Wallet{
		ID:        s.node.Generate().String(),
		GuildID:   k.GuildID,
		UserID:    k.UserID,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
	}).Create(w).Error
	if err != nil {
		return errutil.Storage("failed to write balance", err)
	}
	return nil
}

// LockWallets creates missing wallet rows and takes row locks on all of them
// in a stable key order, so two operations touching the same pair of wallets
// cannot deadlock. It returns the chain tip of every key.
func (s *Store) LockWallets(ctx context.Context, keys ...Key) (map[Key]*Tip, error) {
	sorted := make([]Key, 0, len(keys))
	seen := map[Key]bool{}
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	tips := make(map[Key]*Tip, len(sorted))
	now := s.db.NowFunc()
	for _, k := range sorted {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Wallet{
			ID:        s.node.Generate().String(),
			GuildID:   k.GuildID,
			UserID:    k.UserID,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
		if err != nil {
			return nil, errutil.Storage("failed to ensure wallet", err)
		}

		w, err := s.wallets.FindOne(ctx, &Wallet{GuildID: k.GuildID, UserID: k.UserID}, option.WithLockingUpdate())
		if err != nil {
			return nil, errutil.Storage("failed to lock wallet", err)
		}
		if w == nil {
			return nil, errutil.Internal("wallet vanished after upsert", nil)
		}

		tip, err := s.tip(ctx, k)
		if err != nil {
			return nil, err
		}
		if !tip.Balance.Equal(w.Balance) {
			return nil, errutil.Internal("wallet balance diverges from ledger", nil,
				errutil.WithDetail("wallet", w.Balance.StringFixed(2)),
				errutil.WithDetail("ledger", tip.Balance.StringFixed(2)))
		}
		tips[k] = tip
	}

	return tips, nil
}

func (s *Store) tip(ctx context.Context, k Key) (*Tip, error) {
	last, err := s.entries.FindOne(ctx, &LedgerEntry{GuildID: k.GuildID, UserID: k.UserID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}))
	if err != nil {
		return nil, errutil.Storage("failed to read ledger tip", err)
	}

	tip := &Tip{Key: k, Balance: decimal.Zero}
	if last != nil {
		tip.Sequence = last.Sequence
		tip.Hash = last.Hash
		tip.Balance = last.BalanceAfter
	}
	return tip, nil
}

// Append inserts e after tip and advances tip. It fills the chain fields
// (id, sequence, previous hash, balance after, hash). The entry is never
// updated afterwards.
func (s *Store) Append(ctx context.Context, tip *Tip, e *LedgerEntry) error {
	balanceAfter := tip.Balance.Add(e.Amount)
	if balanceAfter.IsNegative() {
		return errutil.Internal("ledger append would make the balance negative", nil,
			errutil.WithDetail("kind", string(e.Kind)),
			errutil.WithDetail("balance", tip.Balance.StringFixed(2)),
			errutil.WithDetail("amount", e.Amount.StringFixed(2)))
	}

	if e.ID == "" {
		e.ID = s.node.Generate().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.db.NowFunc()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(HashTimePrecision)
	e.GuildID = tip.Key.GuildID
	e.UserID = tip.Key.UserID
	e.Sequence = tip.Sequence + 1
	e.PreviousHash = tip.Hash
	e.BalanceAfter = balanceAfter
	e.Hash = e.GenerateHash()

	if err := s.entries.Create(ctx, e); err != nil {
		if db.IsConflict(err) {
			return errutil.Conflict("concurrent ledger append", err)
		}
		return errutil.Storage("failed to append ledger entry", err)
	}

	tip.Sequence = e.Sequence
	tip.Hash = e.Hash
	tip.Balance = balanceAfter
	return nil
}

// SourceRefExists reports whether an entry keyed by ref was already appended.
func (s *Store) SourceRefExists(ctx context.Context, ref string) (bool, error) {
	n, err := s.entries.Count(ctx, &LedgerEntry{SourceRef: &ref})
	if err != nil {
		return false, errutil.Storage("failed to look up source ref", err)
	}
	return n > 0, nil
}

// SumAmount sums the signed amounts of kind for k created at or after since.
func (s *Store) SumAmount(ctx context.Context, k Key, kind Kind, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	row := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Select("SUM(amount)").
		Where("guild_id = ? AND user_id = ? AND kind = ? AND created_at >= ?", k.GuildID, k.UserID, kind, since.UTC()).
		Row()
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, errutil.Storage("failed to sum ledger amounts", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal.Round(2), nil
}

// ListEntries returns entries newest first, strictly before beforeSeq when it is positive.
func (s *Store) ListEntries(ctx context.Context, k Key, beforeSeq int64, limit int) ([]*LedgerEntry, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc", Allow: map[string]bool{"sequence": true}}),
		option.WithLimit(limit),
	}
	if beforeSeq > 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "sequence", Operator: option.LT, Value: beforeSeq}))
	}

	entries, err := s.entries.Find(ctx, &LedgerEntry{GuildID: k.GuildID, UserID: k.UserID}, opts...)
	if err != nil {
		return nil, errutil.Storage("failed to list ledger entries", err)
	}
	return entries, nil
}

// ListChain returns every entry of k in sequence order.
func (s *Store) ListChain(ctx context.Context, k Key) ([]*LedgerEntry, error) {
	entries, err := s.entries.Find(ctx, &LedgerEntry{GuildID: k.GuildID, UserID: k.UserID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc", Allow: map[string]bool{"sequence": true}}))
	if err != nil {
		return nil, errutil.Storage("failed to read ledger chain", err)
	}
	return entries, nil
}

// ListUnsettled returns pending earnings of k that are neither settled nor
// deleted, oldest first, locked for update.
func (s *Store) ListUnsettled(ctx context.Context, k Key) ([]*PendingEarning, error) {
	rows, err := s.pending.Find(ctx, &PendingEarning{GuildID: k.GuildID, UserID: k.UserID},
		option.ApplyOperator(option.Condition{Field: "settled_at", Operator: option.IsNull}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, errutil.Storage("failed to list pending earnings", err)
	}
	return rows, nil
}

// MarkSettled stamps settled_at on ids in one statement.
func (s *Store) MarkSettled(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&PendingEarning{}).
		Where("id IN ? AND settled_at IS NULL", ids).
		Update("settled_at", at.UTC())
	if res.Error != nil {
		return errutil.Storage("failed to stamp pending earnings", res.Error)
	}
	if res.RowsAffected != int64(len(ids)) {
		return errutil.Conflict("pending earnings were settled concurrently", nil)
	}
	return nil
}
