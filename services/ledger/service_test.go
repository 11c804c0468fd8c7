package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/db/option"
	"guildwallet/pkg/db/pagination"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/repository"
	"guildwallet/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	findFn    func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] { return m }

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(context.Context, *T) error         { return nil }
func (m *repoMock[T]) Update(context.Context, string, any) error { return nil }
func (m *repoMock[T]) BatchCreate(context.Context, []*T) error   { return nil }
func (m *repoMock[T]) BatchUpdate(context.Context, []*T) error   { return nil }
func (m *repoMock[T]) Count(context.Context, *T) (int64, error)  { return 0, nil }

var key = Key{GuildID: "guild", UserID: "alice"}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node}), db
}

func appendAll(t *testing.T, db *gorm.DB, svc *Service, k Key, entries ...*LedgerEntry) {
	t.Helper()
	ctx := context.Background()
	err := db.Transaction(func(tx *gorm.DB) error {
		store := svc.Store().WithTrx(tx)
		tips, err := store.LockWallets(ctx, k)
		if err != nil {
			return err
		}
		tip := tips[k]
		for _, e := range entries {
			if err := store.Append(ctx, tip, e); err != nil {
				return err
			}
		}
		return store.SetBalance(ctx, k, tip.Balance)
	})
	require.NoError(t, err)
}

func entry(t *testing.T, amount string, meta Metadata) *LedgerEntry {
	t.Helper()
	raw, err := EncodeMetadata(meta)
	require.NoError(t, err)
	return &LedgerEntry{Kind: meta.Kind(), Amount: decimal.RequireFromString(amount), Metadata: raw}
}

func TestAppendBuildsChain(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	appendAll(t, db, svc, key,
		entry(t, "100", Promotion{PromoID: "p1", Code: "WELCOME"}),
		entry(t, "-40", TransferOut{Recipient: "bob", Tax: decimal.RequireFromString("2")}),
		entry(t, "-2", TransferTax{Recipient: "bob"}),
	)

	chain, err := svc.Store().ListChain(ctx, key)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, int64(1), chain[0].Sequence)
	require.Equal(t, "", chain[0].PreviousHash)
	require.Equal(t, chain[0].Hash, chain[1].PreviousHash)
	require.True(t, chain[2].BalanceAfter.Equal(decimal.RequireFromString("58")))

	bal, err := svc.Store().GetBalance(ctx, key)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("58")))

	report, err := svc.VerifyChain(ctx, key)
	require.NoError(t, err)
	require.True(t, report.Valid, report.Reason)
	require.Equal(t, 3, report.Entries)
}

func TestAppendRejectsNegativeBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		store := svc.Store().WithTrx(tx)
		tips, err := store.LockWallets(ctx, key)
		if err != nil {
			return err
		}
		return store.Append(ctx, tips[key], entry(t, "-1", TransferTax{Recipient: "bob"}))
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusInternal, errutil.StatusOf(err))

	var count int64
	require.NoError(t, db.Model(&LedgerEntry{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestDuplicateSourceRefConflicts(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	ref := "order:1"

	first := entry(t, "10", Refund{OrderID: "1"})
	first.SourceRef = &ref
	appendAll(t, db, svc, key, first)

	exists, err := svc.Store().SourceRefExists(ctx, ref)
	require.NoError(t, err)
	require.True(t, exists)

	err = db.Transaction(func(tx *gorm.DB) error {
		store := svc.Store().WithTrx(tx)
		tips, err := store.LockWallets(ctx, key)
		if err != nil {
			return err
		}
		dup := entry(t, "10", Refund{OrderID: "1"})
		dup.SourceRef = &ref
		return store.Append(ctx, tips[key], dup)
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestSumAmountSince(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	old := entry(t, "100", Promotion{PromoID: "p"})
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	appendAll(t, db, svc, key,
		old,
		entry(t, "-10", TransferOut{Recipient: "bob", Tax: decimal.Zero}),
		entry(t, "-15.5", TransferOut{Recipient: "carol", Tax: decimal.Zero}),
	)

	sum, err := svc.Store().SumAmount(ctx, key, KindTransferOut, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, sum.Equal(decimal.RequireFromString("-25.5")), sum.String())

	none, err := svc.Store().SumAmount(ctx, key, KindRefund, time.Time{})
	require.NoError(t, err)
	require.True(t, none.IsZero())
}

func TestSetBalanceUpserts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	store := svc.Store()

	bal, err := store.GetBalance(ctx, key)
	require.NoError(t, err)
	require.True(t, bal.IsZero())

	require.NoError(t, store.SetBalance(ctx, key, decimal.RequireFromString("12.5")))
	require.NoError(t, store.SetBalance(ctx, key, decimal.RequireFromString("7.25")))

	bal, err = store.GetBalance(ctx, key)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("7.25")))

	require.Error(t, store.SetBalance(ctx, key, decimal.RequireFromString("-1")))
}

func TestListEntriesPaginates(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	appendAll(t, db, svc, key,
		entry(t, "1", Promotion{PromoID: "a"}),
		entry(t, "2", Promotion{PromoID: "b"}),
		entry(t, "3", Promotion{PromoID: "c"}),
	)

	page, info, err := svc.ListEntries(ctx, key, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)
	require.Equal(t, int64(3), page[0].Sequence)
	require.Equal(t, int64(2), page[1].Sequence)

	promo, ok := page[0].Metadata.(*Promotion)
	require.True(t, ok)
	require.Equal(t, "c", promo.PromoID)

	rest, info, err := svc.ListEntries(ctx, key, pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)
	require.Equal(t, int64(1), rest[0].Sequence)

	_, _, err = svc.ListEntries(ctx, key, pagination.Pagination{Cursor: "%%%"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	first := &LedgerEntry{ID: "1", GuildID: "g", UserID: "u", Sequence: 1, Kind: KindPromotion,
		Amount: decimal.NewFromInt(100), BalanceAfter: decimal.NewFromInt(100), CreatedAt: time.Now()}
	first.Hash = first.GenerateHash()

	second := &LedgerEntry{ID: "2", GuildID: "g", UserID: "u", Sequence: 2, Kind: KindTransferOut,
		Amount: decimal.NewFromInt(-50), BalanceAfter: decimal.NewFromInt(50), PreviousHash: first.Hash, CreatedAt: time.Now()}
	second.Hash = second.GenerateHash()

	require.True(t, Verify([]*LedgerEntry{first, second}, decimal.NewFromInt(50)).Valid)

	report := Verify([]*LedgerEntry{first, second}, decimal.NewFromInt(60))
	require.False(t, report.Valid)
	require.Equal(t, "wallet balance differs from ledger sum", report.Reason)

	second.Amount = decimal.NewFromInt(-10)
	report = Verify([]*LedgerEntry{first, second}, decimal.NewFromInt(50))
	require.False(t, report.Valid)
	require.Equal(t, int64(2), report.BrokenAt)
	require.Equal(t, "hash mismatch", report.Reason)
}

func TestHashSurvivesMillisecondColumns(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	entry := &LedgerEntry{ID: "1", GuildID: "g", UserID: "u", Sequence: 1, Kind: KindEarnMessage,
		Amount: decimal.NewFromInt(1), BalanceAfter: decimal.NewFromInt(1), CreatedAt: at}
	entry.Hash = entry.GenerateHash()

	// read back from a datetime(3) column
	stored := *entry
	stored.CreatedAt = at.Truncate(time.Millisecond)
	require.Equal(t, entry.Hash, stored.GenerateHash())
	require.True(t, Verify([]*LedgerEntry{&stored}, decimal.NewFromInt(1)).Valid)
}

func TestVerifyChainWithMockRepository(t *testing.T) {
	first := &LedgerEntry{ID: "1", GuildID: "g", UserID: "u", Sequence: 1, Kind: KindEarnVoice,
		Amount: decimal.NewFromInt(5), BalanceAfter: decimal.NewFromInt(5), CreatedAt: time.Now()}
	first.Hash = first.GenerateHash()

	svc := &Service{store: &Store{
		entries: &repoMock[LedgerEntry]{
			findFn: func(ctx context.Context, _ *LedgerEntry, _ ...option.QueryOption) ([]*LedgerEntry, error) {
				return []*LedgerEntry{first}, nil
			},
		},
		wallets: &repoMock[Wallet]{
			findOneFn: func(ctx context.Context, _ *Wallet, _ ...option.QueryOption) (*Wallet, error) {
				return &Wallet{Balance: decimal.NewFromInt(5)}, nil
			},
		},
	}}

	report, err := svc.VerifyChain(context.Background(), Key{GuildID: "g", UserID: "u"})
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func TestGetWalletRetriesReadOnce(t *testing.T) {
	calls := 0
	svc := &Service{store: &Store{
		wallets: &repoMock[Wallet]{
			findOneFn: func(ctx context.Context, _ *Wallet, _ ...option.QueryOption) (*Wallet, error) {
				calls++
				if calls == 1 {
					return nil, errors.New("connection reset")
				}
				return &Wallet{Balance: decimal.NewFromInt(9)}, nil
			},
		},
	}}

	view, err := svc.GetWallet(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.True(t, view.Balance.Equal(decimal.NewFromInt(9)))
}

func TestGetWalletGivesUpAfterOneRetry(t *testing.T) {
	calls := 0
	svc := &Service{store: &Store{
		wallets: &repoMock[Wallet]{
			findOneFn: func(ctx context.Context, _ *Wallet, _ ...option.QueryOption) (*Wallet, error) {
				calls++
				return nil, errors.New("connection reset")
			},
		},
	}}

	_, err := svc.GetWallet(context.Background(), key)
	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, errutil.StatusInternal, errutil.StatusOf(err))
}

func TestDecodeMetadataByKind(t *testing.T) {
	raw, err := EncodeMetadata(Earning{EarnKind: KindEarnMessage, PendingEarningID: "pe-1", Source: "message"})
	require.NoError(t, err)

	e := &LedgerEntry{Kind: KindEarnMessage, Metadata: raw}
	meta, err := e.DecodeMetadata()
	require.NoError(t, err)

	earn, ok := meta.(*Earning)
	require.True(t, ok)
	require.Equal(t, KindEarnMessage, earn.Kind())
	require.Equal(t, "pe-1", earn.PendingEarningID)

	_, err = (&LedgerEntry{Kind: "bogus"}).DecodeMetadata()
	require.Error(t, err)
}

func TestKindForSource(t *testing.T) {
	require.Equal(t, KindEarnMessage, KindForSource("message"))
	require.Equal(t, KindEarnVoice, KindForSource("voice"))
	require.Equal(t, KindEarnOther, KindForSource("event"))
}
