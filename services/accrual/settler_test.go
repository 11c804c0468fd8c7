package accrual

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"guildwallet/services/ledger"
	"guildwallet/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var key = ledger.Key{GuildID: "g", UserID: "alice"}

func setup(t *testing.T) (*Settler, *ledger.Store, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, ledger.Models()...)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	store := ledger.NewStore(db, node)
	return NewSettler(store), store, db
}

func addPending(t *testing.T, db *gorm.DB, id, amount, source string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&ledger.PendingEarning{
		ID:        id,
		GuildID:   key.GuildID,
		UserID:    key.UserID,
		Amount:    decimal.RequireFromString(amount),
		Source:    source,
		Metadata:  datatypes.JSON(`{"channel_id":"c1"}`),
		CreatedAt: createdAt.UTC(),
	}).Error)
}

func settle(t *testing.T, s *Settler, db *gorm.DB) *Result {
	t.Helper()
	var res *Result
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.Settle(context.Background(), tx, key, "tx-1", time.Now())
		return err
	})
	require.NoError(t, err)
	return res
}

func TestSettleAppendsOneEntryPerEarning(t *testing.T) {
	s, store, db := setup(t)
	base := time.Now().Add(-time.Hour)

	// inserted out of order to check oldest-first processing
	addPending(t, db, "pe-3", "1.5", "voice", base.Add(2*time.Minute))
	addPending(t, db, "pe-1", "1.5", "message", base)
	addPending(t, db, "pe-2", "1.5", "message", base.Add(time.Minute))

	res := settle(t, s, db)
	require.Equal(t, 3, res.Count)
	require.True(t, res.TotalTransferred.Equal(decimal.RequireFromString("4.5")))

	chain, err := store.ListChain(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	want := []string{"1.5", "3.0", "4.5"}
	for i, e := range chain {
		require.True(t, e.BalanceAfter.Equal(decimal.RequireFromString(want[i])), "entry %d: %s", i, e.BalanceAfter)
		require.Equal(t, SourceRef([]string{"pe-1", "pe-2", "pe-3"}[i]), *e.SourceRef)
	}
	require.Equal(t, ledger.KindEarnMessage, chain[0].Kind)
	require.Equal(t, ledger.KindEarnVoice, chain[2].Kind)

	meta, err := chain[0].DecodeMetadata()
	require.NoError(t, err)
	earn := meta.(*ledger.Earning)
	require.Equal(t, "pe-1", earn.PendingEarningID)
	require.JSONEq(t, `{"channel_id":"c1"}`, string(earn.Context))

	bal, err := store.GetBalance(context.Background(), key)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("4.5")))

	var unsettled int64
	require.NoError(t, db.Model(&ledger.PendingEarning{}).Where("settled_at IS NULL").Count(&unsettled).Error)
	require.Zero(t, unsettled)
}

func TestSettleKeepsSnowflakePrecision(t *testing.T) {
	s, store, db := setup(t)
	require.NoError(t, db.Create(&ledger.PendingEarning{
		ID:        "pe-big",
		GuildID:   key.GuildID,
		UserID:    key.UserID,
		Amount:    decimal.RequireFromString("1"),
		Source:    "message",
		Metadata:  datatypes.JSON(`{"message_id":1234567890123456789}`),
		CreatedAt: time.Now().UTC(),
	}).Error)

	settle(t, s, db)

	chain, err := store.ListChain(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Contains(t, string(chain[0].Metadata), "1234567890123456789")

	meta, err := chain[0].DecodeMetadata()
	require.NoError(t, err)
	require.Contains(t, string(meta.(*ledger.Earning).Context), "1234567890123456789")
	require.True(t, ledger.Verify(chain, decimal.RequireFromString("1")).Valid)
}

func TestSettleTwiceIsNoop(t *testing.T) {
	s, store, db := setup(t)
	addPending(t, db, "pe-1", "2", "message", time.Now().Add(-time.Minute))

	first := settle(t, s, db)
	require.Equal(t, 1, first.Count)

	second := settle(t, s, db)
	require.Equal(t, 0, second.Count)
	require.True(t, second.TotalTransferred.IsZero())

	bal, err := store.GetBalance(context.Background(), key)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(2)))
}

func TestSettleSkipsSoftDeleted(t *testing.T) {
	s, _, db := setup(t)
	addPending(t, db, "pe-1", "2", "message", time.Now().Add(-time.Minute))
	addPending(t, db, "pe-2", "5", "message", time.Now().Add(-time.Minute))
	require.NoError(t, db.Delete(&ledger.PendingEarning{}, "id = ?", "pe-2").Error)

	res := settle(t, s, db)
	require.Equal(t, 1, res.Count)
	require.True(t, res.TotalTransferred.Equal(decimal.NewFromInt(2)))
}

func TestSettleRecoversFromLostStamp(t *testing.T) {
	s, store, db := setup(t)
	addPending(t, db, "pe-1", "2", "message", time.Now().Add(-time.Minute))
	settle(t, s, db)

	// simulate a run that wrote the ledger but lost its stamp
	require.NoError(t, db.Model(&ledger.PendingEarning{}).Where("id = ?", "pe-1").Update("settled_at", nil).Error)
	addPending(t, db, "pe-2", "3", "voice", time.Now())

	res := settle(t, s, db)
	require.Equal(t, 1, res.Count)
	require.True(t, res.TotalTransferred.Equal(decimal.NewFromInt(3)))

	bal, err := store.GetBalance(context.Background(), key)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(5)))

	chain, err := store.ListChain(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.True(t, ledger.Verify(chain, bal).Valid)
}
