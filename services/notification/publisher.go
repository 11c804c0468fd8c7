package notification

import (
	"context"

	"go.uber.org/zap"

	"guildwallet/pkg/task"
)

// Publisher hands notifications to the task queue. Delivery happens in the
// worker; a successful publish says nothing about the webhook.
type Publisher struct {
	enqueuer task.Enqueuer
}

func NewPublisher(enqueuer task.Enqueuer) *Publisher {
	return &Publisher{enqueuer: enqueuer}
}

func (p *Publisher) NotifyTransferReceived(ctx context.Context, n TransferReceived) error {
	t, err := NewTransferReceivedTask(n)
	if err != nil {
		return err
	}

	info, err := p.enqueuer.Enqueue(ctx, t)
	if err != nil {
		return err
	}

	zap.L().Debug("transfer notification enqueued",
		zap.String("task_id", info.ID),
		zap.String("guild_id", n.GuildID),
		zap.String("transaction_id", n.TransactionID))
	return nil
}
