package ledger

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Kind string

const (
	KindTransferIn  Kind = "transfer_in"
	KindTransferOut Kind = "transfer_out"
	KindTransferTax Kind = "transfer_tax"
	KindRefund      Kind = "refund"
	KindPromotion   Kind = "promotion"
	KindEarnMessage Kind = "earn_message"
	KindEarnVoice   Kind = "earn_voice"
	KindEarnOther   Kind = "earn_other"
)

// Wallet is the materialized balance for a (guild, user) key. It always equals
// the sum of the key's ledger amounts.
type Wallet struct {
	ID        string          `gorm:"column:id;primaryKey"`
	GuildID   string          `gorm:"column:guild_id;not null;uniqueIndex:idx_wallet_key,priority:1"`
	UserID    string          `gorm:"column:user_id;not null;uniqueIndex:idx_wallet_key,priority:2"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

type LedgerEntry struct {
	ID            string          `gorm:"column:id;primaryKey"`
	GuildID       string          `gorm:"column:guild_id;not null;uniqueIndex:idx_ledger_seq,priority:1"`
	UserID        string          `gorm:"column:user_id;not null;uniqueIndex:idx_ledger_seq,priority:2"`
	Sequence      int64           `gorm:"column:sequence;not null;uniqueIndex:idx_ledger_seq,priority:3"`
	Kind          Kind            `gorm:"column:kind;type:varchar(32);not null;index"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	TransactionID string          `gorm:"column:transaction_id;index"`
	SourceRef     *string         `gorm:"column:source_ref;uniqueIndex"`
	Metadata      datatypes.JSON  `gorm:"column:metadata"`
	PreviousHash  string          `gorm:"column:previous_hash"`
	Hash          string          `gorm:"column:hash;not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;index"`
}

func (LedgerEntry) TableName() string { return "ledger" }

// HashTimePrecision is the finest created_at resolution every supported
// dialect round-trips. mysql datetime columns keep milliseconds.
const HashTimePrecision = time.Millisecond

// PendingEarning is written by the activity tracker and consumed once by the settler.
type PendingEarning struct {
	ID        string          `gorm:"column:id;primaryKey"`
	GuildID   string          `gorm:"column:guild_id;not null;index:idx_pending_key,priority:1"`
	UserID    string          `gorm:"column:user_id;not null;index:idx_pending_key,priority:2"`
	Amount    decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	Source    string          `gorm:"column:source;type:varchar(32)"`
	Metadata  datatypes.JSON  `gorm:"column:metadata"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	SettledAt *time.Time      `gorm:"column:settled_at;index"`
	DeletedAt gorm.DeletedAt  `gorm:"column:deleted_at;index"`
}

func (PendingEarning) TableName() string { return "pending_earnings" }

// KindForSource maps an accrual source to its ledger kind.
func KindForSource(source string) Kind {
	switch source {
	case "message":
		return KindEarnMessage
	case "voice":
		return KindEarnVoice
	default:
		return KindEarnOther
	}
}

func (e *LedgerEntry) HashFields() map[string]string {
	sourceRef := ""
	if e.SourceRef != nil {
		sourceRef = *e.SourceRef
	}

	return map[string]string{
		"id":             e.ID,
		"guild_id":       e.GuildID,
		"user_id":        e.UserID,
		"sequence":       fmt.Sprintf("%d", e.Sequence),
		"kind":           string(e.Kind),
		"amount":         e.Amount.StringFixed(2),
		"balance_after":  e.BalanceAfter.StringFixed(2),
		"transaction_id": e.TransactionID,
		"source_ref":     sourceRef,
		"metadata":       canonicalJSON(e.Metadata),
		"created_at":     e.CreatedAt.UTC().Truncate(HashTimePrecision).Format(time.RFC3339Nano),
		"previous_hash":  e.PreviousHash,
	}
}

func (e *LedgerEntry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// canonicalJSON re-encodes raw so that storage-side whitespace or key order
// (e.g. jsonb) does not change the hash.
func canonicalJSON(raw datatypes.JSON) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

// GenerateTransactionID returns a "YYYYMMDD-XXXXXX" id, used when no sequence
// generator is configured.
func GenerateTransactionID(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}
