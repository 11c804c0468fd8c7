package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"guildwallet/pkg/config"
	"guildwallet/pkg/taskname"
)

type webhookMessage struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Users []string `json:"users"`
}

// Handler delivers queued notifications to the Discord webhook.
type Handler struct {
	client     *resty.Client
	webhookURL string
}

func NewHandler(cfg *config.Config) *Handler {
	return &Handler{
		client:     resty.New().SetTimeout(cfg.Discord.Timeout),
		webhookURL: cfg.Discord.WebhookURL,
	}
}

// Message is the text posted for a received transfer.
func Message(n TransferReceived) string {
	return fmt.Sprintf("<@%s> you received %s coins from <@%s> (txn %s)",
		n.RecipientID, n.Amount.StringFixed(2), n.SenderID, n.TransactionID)
}

func (h *Handler) HandleTransferReceived(ctx context.Context, t *asynq.Task) error {
	var n TransferReceived
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("guild_id", n.GuildID),
		zap.String("recipient_id", n.RecipientID),
		zap.String("transaction_id", n.TransactionID),
	)

	if h.webhookURL == "" {
		zapLog.Warn("discord webhook not configured, dropping notification")
		return nil
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookMessage{
			Content:         Message(n),
			AllowedMentions: allowedMentions{Users: []string{n.RecipientID}},
		}).
		Post(h.webhookURL)
	if err != nil {
		zapLog.Error("failed to post discord webhook", zap.Error(err))
		return err
	}

	if resp.IsError() {
		err := fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode(), resp.String())
		zapLog.Error("discord webhook rejected notification", zap.Int("status", resp.StatusCode()))
		if resp.StatusCode() != http.StatusTooManyRequests && resp.StatusCode() < 500 {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	zapLog.Info("transfer notification delivered")
	return nil
}

func Register(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(taskname.WalletTransferReceived, h.HandleTransferReceived)
}
