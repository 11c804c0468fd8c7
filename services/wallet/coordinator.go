package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/config"
	"guildwallet/pkg/db"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/featureflags"
	"guildwallet/pkg/logger"
	"guildwallet/pkg/sequence"
	"guildwallet/services/accrual"
	"guildwallet/services/ledger"
	"guildwallet/services/notification"
	"guildwallet/services/order"
	"guildwallet/services/policy"
	"guildwallet/services/redemption"
)

// Operation names, also used as metric labels and idempotency scopes.
const (
	OpTransfer         = "transfer"
	OpRefund           = "refund"
	OpPromotionRedeem  = "promotion_redeem"
	OpDiscountValidate = "discount_validate"
	OpDiscountConsume  = "discount_consume"
	OpSettle           = "settle"
)

const ReasonMaintenance = "MAINTENANCE"

// Notifier receives transfer notifications after commit. Failures are logged
// and never undo the transfer.
type Notifier interface {
	NotifyTransferReceived(ctx context.Context, n notification.TransferReceived) error
}

// Outcome is embedded in every mutation result.
type Outcome struct {
	TransactionID string `json:"transaction_id"`
	// Replayed is set when the result was served from the idempotency log.
	Replayed bool `json:"-"`
}

func (o *Outcome) outcome() *Outcome { return o }

type replayable interface {
	outcome() *Outcome
}

// Coordinator runs every balance-changing operation as one database
// transaction: validate, mutate balances, append ledger entries and bump
// counters, or do nothing at all.
type Coordinator struct {
	db       *gorm.DB
	ledger   *ledger.Store
	orders   *order.Store
	codes    *redemption.Registry
	settler  *accrual.Settler
	policies policy.Source
	requests *requestLog

	notifier Notifier
	flags    featureflags.FeatureFlag
	sequence sequence.Generator

	now             func() time.Time
	offset          time.Duration
	maxRetries      int
	maintenanceFlag string
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Ledger   *ledger.Service
	Codes    *redemption.Registry
	Policies policy.Source
	Notifier Notifier                 `optional:"true"`
	Flags    featureflags.FeatureFlag `optional:"true"`
	Sequence sequence.Generator       `optional:"true"`
}

func NewCoordinator(p Params) *Coordinator {
	store := p.Ledger.Store()
	c := &Coordinator{
		db:       p.DB,
		ledger:   store,
		orders:   order.NewStore(p.DB),
		codes:    p.Codes,
		settler:  accrual.NewSettler(store),
		policies: p.Policies,
		requests: newRequestLog(p.DB, p.Node),
		notifier: p.Notifier,
		flags:    p.Flags,
		sequence: p.Sequence,
		now:      time.Now,
	}
	if p.Config != nil {
		c.offset = p.Config.Wallet.LocalUTCOffset
		c.maxRetries = p.Config.Wallet.MaxConflictRetries
		c.maintenanceFlag = p.Config.Wallet.MaintenanceFlag
	}
	return c
}

// mutation identifies one coordinator call.
type mutation struct {
	op         string
	guildID    string
	userID     string
	requestKey string
}

// unit is the state shared by one attempt of a mutation.
type unit struct {
	tx     *gorm.DB
	txID   string
	now    time.Time
	policy policy.Policy
}

// mutate runs fn in a transaction. Conflicts (lost row locks, duplicate
// chain sequences, serialization failures) restart the whole transaction from
// validation, up to maxRetries times. Any other error rolls back and is
// returned as is.
func (c *Coordinator) mutate(ctx context.Context, m mutation, out replayable, fn func(ctx context.Context, u *unit) error) (err error) {
	start := time.Now()
	defer func() { observe(m.op, start, err) }()

	if len(m.requestKey) > maxRequestKeyLen {
		return errutil.ValidationFailed("idempotency key is too long", nil,
			errutil.WithDetail("idempotency_key", "at most 128 characters"))
	}
	if err := c.gate(ctx, m.guildID); err != nil {
		return err
	}

	// policy reads stay outside the transaction
	pol, err := c.policies.Get(ctx, m.guildID)
	if err != nil {
		return err
	}

	now := c.now().UTC().Truncate(time.Microsecond)
	txID, err := c.transactionID(ctx, m.guildID, now)
	if err != nil {
		return err
	}

	zapLog := logger.FromContext(ctx).With(
		zap.String("operation", m.op),
		zap.String("guild_id", m.guildID),
		zap.String("user_id", m.userID),
		zap.String("transaction_id", txID),
	)

	attempt := 0
	err = backoff.Retry(func() error {
		if attempt > 0 {
			conflictRetries.WithLabelValues(m.op).Inc()
			zapLog.Warn("retrying after conflict", zap.Int("attempt", attempt))
		}
		attempt++

		out.outcome().TransactionID = txID
		txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if m.requestKey != "" {
				replayed, err := c.requests.replay(ctx, tx, m, out)
				if err != nil || replayed {
					return err
				}
			}

			if err := fn(ctx, &unit{tx: tx, txID: txID, now: now, policy: pol}); err != nil {
				return err
			}

			if m.requestKey != "" {
				return c.requests.record(ctx, tx, m, out, now)
			}
			return nil
		})
		if txErr != nil && !isConflict(txErr) {
			return backoff.Permanent(txErr)
		}
		return txErr
	}, c.retryPolicy(ctx))

	if err != nil {
		err = normalize(err)
		if errutil.StatusOf(err) == errutil.StatusInternal {
			zapLog.Error("wallet operation failed", zap.Error(err))
		} else {
			zapLog.Debug("wallet operation rejected", zap.Error(err))
		}
		return err
	}

	if out.outcome().Replayed {
		zapLog.Info("wallet operation replayed", zap.String("idempotency_key", m.requestKey))
	} else {
		zapLog.Info("wallet operation committed")
	}
	return nil
}

func (c *Coordinator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func isConflict(err error) bool {
	return db.IsConflict(err) || errutil.StatusOf(err) == errutil.StatusConflict
}

func normalize(err error) error {
	var be errutil.BaseError
	switch {
	case errors.As(err, &be):
		if be.Code == errutil.StatusConflict {
			return errutil.Conflict("concurrent update, retry the operation", be.Err, errutil.WithDetails(be.Details...))
		}
		return err
	case db.IsConflict(err):
		return errutil.Conflict("concurrent update, retry the operation", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errutil.Timeout("operation did not finish in time", err)
	default:
		return errutil.Storage("wallet operation failed", err)
	}
}

// gate rejects mutations while the guild is in maintenance. A flag lookup
// failure lets the operation through.
func (c *Coordinator) gate(ctx context.Context, guildID string) error {
	if c.flags == nil || c.maintenanceFlag == "" {
		return nil
	}

	on, err := c.flags.Enabled(ctx, c.maintenanceFlag, guildID)
	if err != nil {
		logger.FromContext(ctx).Warn("maintenance flag lookup failed",
			zap.String("guild_id", guildID), zap.Error(err))
		return nil
	}
	if on {
		return errutil.ServiceUnavailable("wallet is under maintenance", nil,
			errutil.WithReason(ReasonMaintenance), errutil.WithDetail("guild_id", guildID))
	}
	return nil
}

func (c *Coordinator) transactionID(ctx context.Context, guildID string, now time.Time) (string, error) {
	if c.sequence != nil {
		code, err := c.sequence.NextTransactionCode(ctx, guildID)
		if err == nil {
			return code, nil
		}
		logger.FromContext(ctx).Warn("transaction code sequence unavailable, using random id", zap.Error(err))
	}

	id, err := ledger.GenerateTransactionID(now)
	if err != nil {
		return "", errutil.Internal("failed to generate transaction id", err)
	}
	return id, nil
}

// requireIDs takes field/value pairs and rejects blank values.
func requireIDs(pairs ...string) error {
	details := make([]errutil.Detail, 0)
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			details = append(details, errutil.Detail{Field: pairs[i], Message: "required"})
		}
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("missing identifiers", nil, errutil.WithDetails(details...))
	}
	return nil
}

// newEntry builds a ledger entry for m; Append fills in the chain fields.
func newEntry(u *unit, m ledger.Metadata, amount decimal.Decimal, sourceRef *string) (*ledger.LedgerEntry, error) {
	meta, err := ledger.EncodeMetadata(m)
	if err != nil {
		return nil, errutil.Internal("failed to encode ledger metadata", err)
	}
	return &ledger.LedgerEntry{
		Kind:          m.Kind(),
		Amount:        amount,
		TransactionID: u.txID,
		SourceRef:     sourceRef,
		Metadata:      meta,
		CreatedAt:     u.now,
	}, nil
}
