package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Metadata is the per-kind context stored with a ledger entry. Each kind has
// exactly one variant so readers cannot decode the wrong shape.
type Metadata interface {
	Kind() Kind
}

type TransferOut struct {
	Recipient string          `json:"recipient"`
	Tax       decimal.Decimal `json:"tax"`
}

func (TransferOut) Kind() Kind { return KindTransferOut }

type TransferTax struct {
	Recipient string `json:"recipient"`
}

func (TransferTax) Kind() Kind { return KindTransferTax }

type TransferIn struct {
	Sender string `json:"sender"`
}

func (TransferIn) Kind() Kind { return KindTransferIn }

type Refund struct {
	OrderID string `json:"order_id"`
}

func (Refund) Kind() Kind { return KindRefund }

type Promotion struct {
	PromoID string `json:"promo_id"`
	Code    string `json:"code"`
}

func (Promotion) Kind() Kind { return KindPromotion }

// Earning covers the earn_* kinds; EarnKind selects which one.
type Earning struct {
	EarnKind         Kind            `json:"-"`
	PendingEarningID string          `json:"pending_earning_id"`
	Source           string          `json:"source"`
	Context          json.RawMessage `json:"context,omitempty"`
}

func (m Earning) Kind() Kind {
	if m.EarnKind == "" {
		return KindEarnOther
	}
	return m.EarnKind
}

func EncodeMetadata(m Metadata) (datatypes.JSON, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// DecodeMetadata returns the variant matching the entry's kind.
func (e *LedgerEntry) DecodeMetadata() (Metadata, error) {
	var m Metadata
	switch e.Kind {
	case KindTransferOut:
		m = &TransferOut{}
	case KindTransferTax:
		m = &TransferTax{}
	case KindTransferIn:
		m = &TransferIn{}
	case KindRefund:
		m = &Refund{}
	case KindPromotion:
		m = &Promotion{}
	case KindEarnMessage, KindEarnVoice, KindEarnOther:
		m = &Earning{EarnKind: e.Kind}
	default:
		return nil, fmt.Errorf("unknown ledger kind %q", e.Kind)
	}

	if len(e.Metadata) > 0 {
		if err := json.Unmarshal(e.Metadata, m); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", e.Kind, err)
		}
	}

	// Earning's kind is not serialized
	if earn, ok := m.(*Earning); ok {
		earn.EarnKind = e.Kind
	}

	return m, nil
}
