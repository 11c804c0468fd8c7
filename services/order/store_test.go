package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"guildwallet/pkg/errutil"
	"guildwallet/services/policy"
	"guildwallet/services/testutil"
)

func seed(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store := NewStore(db)
	require.NoError(t, store.Create(context.Background(), &Order{
		ID: "o-1", GuildID: "g", UserID: "alice", Amount: decimal.NewFromInt(25),
		Status: StatusPending, CreatedAt: time.Now().UTC(),
	}))
	return store
}

func TestLockChecksOwnership(t *testing.T) {
	db := testutil.NewTestDB(t, &Order{})
	store := seed(t, db)
	ctx := context.Background()

	o, err := store.Lock(ctx, "g", "alice", "o-1")
	require.NoError(t, err)
	require.True(t, o.Pending())
	require.True(t, o.Amount.Equal(decimal.NewFromInt(25)))

	_, err = store.Lock(ctx, "g", "bob", "o-1")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
	require.Equal(t, policy.ReasonOrderNotFound, errutil.ReasonOf(err))

	_, err = store.Lock(ctx, "g", "alice", "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestMarkRefundedOnlyOnce(t *testing.T) {
	db := testutil.NewTestDB(t, &Order{})
	store := seed(t, db)
	ctx := context.Background()

	require.NoError(t, store.MarkRefunded(ctx, "o-1"))

	err := store.MarkRefunded(ctx, "o-1")
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	o, err := store.Lock(ctx, "g", "alice", "o-1")
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, o.Status)
}
