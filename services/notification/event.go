package notification

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"guildwallet/pkg/taskname"
)

const queue = "notifications"

// TransferReceived tells a member that coins arrived in their wallet.
type TransferReceived struct {
	GuildID       string          `json:"guild_id"`
	RecipientID   string          `json:"recipient_id"`
	SenderID      string          `json:"sender_id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewTransferReceivedTask(p TransferReceived) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.WalletTransferReceived, payload,
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
		asynq.Queue(queue)), nil
}
