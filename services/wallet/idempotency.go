package wallet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"guildwallet/pkg/db"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/repository"
)

const maxRequestKeyLen = 128

// WalletRequest remembers the response of a mutation sent with an
// Idempotency-Key, so a retried request gets the same answer instead of a
// second balance change.
type WalletRequest struct {
	ID         string         `gorm:"column:id;primaryKey"`
	GuildID    string         `gorm:"column:guild_id;not null;uniqueIndex:idx_request_key,priority:1"`
	RequestKey string         `gorm:"column:request_key;type:varchar(128);not null;uniqueIndex:idx_request_key,priority:2"`
	UserID     string         `gorm:"column:user_id;not null"`
	Operation  string         `gorm:"column:operation;type:varchar(32);not null"`
	Response   datatypes.JSON `gorm:"column:response"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (WalletRequest) TableName() string { return "wallet_requests" }

type requestLog struct {
	node     *snowflake.Node
	requests repository.Repository[WalletRequest]
}

func newRequestLog(conn *gorm.DB, node *snowflake.Node) *requestLog {
	return &requestLog{node: node, requests: repository.ProvideStore[WalletRequest](conn)}
}

// replay loads the stored response of m into out. It reports false when the
// key has not been seen.
func (l *requestLog) replay(ctx context.Context, tx *gorm.DB, m mutation, out replayable) (bool, error) {
	row, err := l.requests.WithTrx(tx).FindOne(ctx, &WalletRequest{GuildID: m.guildID, RequestKey: m.requestKey})
	if err != nil {
		return false, errutil.Storage("failed to read idempotency record", err)
	}
	if row == nil {
		return false, nil
	}

	if row.Operation != m.op || row.UserID != m.userID {
		return false, errutil.ValidationFailed("idempotency key was already used for a different request", nil,
			errutil.WithDetail("idempotency_key", m.requestKey),
			errutil.WithDetail("operation", row.Operation))
	}

	if err := json.Unmarshal(row.Response, out); err != nil {
		return false, errutil.Internal("stored response is unreadable", err)
	}
	out.outcome().Replayed = true
	return true, nil
}

func (l *requestLog) record(ctx context.Context, tx *gorm.DB, m mutation, out replayable, now time.Time) error {
	body, err := json.Marshal(out)
	if err != nil {
		return errutil.Internal("failed to encode response", err)
	}

	err = l.requests.WithTrx(tx).Create(ctx, &WalletRequest{
		ID:         l.node.Generate().String(),
		GuildID:    m.guildID,
		RequestKey: m.requestKey,
		UserID:     m.userID,
		Operation:  m.op,
		Response:   body,
		CreatedAt:  now,
	})
	if err != nil {
		if db.IsConflict(err) {
			return errutil.Conflict("concurrent request with the same idempotency key", err)
		}
		return errutil.Storage("failed to store idempotency record", err)
	}
	return nil
}
