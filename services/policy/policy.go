package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"guildwallet/pkg/errutil"
)

// Violation reasons. Callers switch on these through errutil.ReasonOf.
const (
	ReasonInvalidAmount      = "INVALID_AMOUNT"
	ReasonSelfTransfer       = "SELF_TRANSFER"
	ReasonDailyLimitExceeded = "DAILY_LIMIT_EXCEEDED"
	ReasonInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ReasonRefundWindowClosed = "REFUND_WINDOW_CLOSED"
	ReasonOrderNotFound      = "ORDER_NOT_FOUND"
	ReasonInvalidCode        = "INVALID_CODE"
	ReasonExpired            = "EXPIRED"
	ReasonLimitReached       = "LIMIT_REACHED"
	ReasonAlreadyUsed        = "ALREADY_USED"
	ReasonMinSpendNotMet     = "MIN_SPEND_NOT_MET"
	ReasonNotEligible        = "NOT_ELIGIBLE"
	ReasonInvalidPercent     = "INVALID_PERCENT"
)

var hundred = decimal.NewFromInt(100)

// Policy is the transfer policy of a guild. A nil DailyLimit means unlimited.
type Policy struct {
	DailyLimit *decimal.Decimal
	TaxRate    decimal.Decimal
}

// Tax is round(amount * rate, 2).
func (p Policy) Tax(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.TaxRate).Round(2)
}

// ValidateAmount rejects non-positive amounts and amounts finer than a cent.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errutil.ValidationFailed("amount must be greater than zero", nil,
			errutil.WithReason(ReasonInvalidAmount), errutil.WithDetail(field, amount.String()))
	}
	if !amount.Equal(amount.Truncate(2)) {
		return errutil.ValidationFailed("amount supports at most two decimal places", nil,
			errutil.WithReason(ReasonInvalidAmount), errutil.WithDetail(field, amount.String()))
	}
	return nil
}

type TransferInput struct {
	Sender    string
	Recipient string
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	// SentToday is the positive total already transferred out since the local day start.
	SentToday decimal.Decimal
	Policy    Policy
}

type Quote struct {
	Amount decimal.Decimal
	Tax    decimal.Decimal
	Total  decimal.Decimal
}

// ValidateTransfer checks a transfer and prices it.
func ValidateTransfer(in TransferInput) (Quote, error) {
	if err := ValidateAmount("amount", in.Amount); err != nil {
		return Quote{}, err
	}
	if in.Sender == in.Recipient {
		return Quote{}, errutil.PolicyViolation(ReasonSelfTransfer, "cannot transfer to yourself")
	}

	if in.Policy.DailyLimit != nil {
		limit := *in.Policy.DailyLimit
		if in.SentToday.Add(in.Amount).GreaterThan(limit) {
			remaining := decimal.Max(limit.Sub(in.SentToday), decimal.Zero)
			return Quote{}, errutil.PolicyViolation(ReasonDailyLimitExceeded, "daily transfer limit exceeded",
				errutil.WithDetail("limit", limit.String()),
				errutil.WithDetail("remaining", remaining.String()))
		}
	}

	tax := in.Policy.Tax(in.Amount)
	total := in.Amount.Add(tax)
	if in.Balance.LessThan(total) {
		return Quote{}, errutil.PolicyViolation(ReasonInsufficientFunds, "insufficient funds",
			errutil.WithDetail("required", total.String()),
			errutil.WithDetail("balance", in.Balance.String()))
	}

	return Quote{Amount: in.Amount, Tax: tax, Total: total}, nil
}

// LocalDayStart returns, in UTC, the instant the local calendar day containing
// now began, for a zone offset from UTC.
func LocalDayStart(now time.Time, offset time.Duration) time.Time {
	zone := time.FixedZone("local", int(offset.Seconds()))
	local := now.In(zone)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, zone)
	return start.UTC()
}

// CheckRefund allows refunds of pending orders placed since the local midnight.
func CheckRefund(pending bool, createdAt, now time.Time, offset time.Duration) error {
	if !pending {
		return errutil.PolicyViolation(ReasonRefundWindowClosed, "order is not pending")
	}
	if createdAt.Before(LocalDayStart(now, offset)) {
		return errutil.PolicyViolation(ReasonRefundWindowClosed, "refund window closed at local midnight")
	}
	return nil
}

// RedemptionCheck is the state a redemption is judged on.
type RedemptionCheck struct {
	Found        bool
	Status       string
	ExpiresAt    *time.Time
	MaxUses      *int64
	UsedCount    int64
	UserUses     int64
	PerUserLimit int64
	MinSpend     *decimal.Decimal
	CartTotal    decimal.Decimal
	Now          time.Time
}

// CheckRedemption enforces code eligibility: existence, status, expiry, the
// per-user cap, the global cap and, for discounts, the minimum spend. A user
// who already redeemed a spent code is told so rather than that it ran out.
func CheckRedemption(c RedemptionCheck) error {
	if !c.Found {
		return errutil.PolicyViolation(ReasonInvalidCode, "code does not exist")
	}

	switch c.Status {
	case "active":
	case "expired":
		return errutil.PolicyViolation(ReasonExpired, "code has expired")
	default:
		return errutil.PolicyViolation(ReasonInvalidCode, "code is not active", errutil.WithDetail("status", c.Status))
	}

	if c.ExpiresAt != nil && !c.Now.Before(*c.ExpiresAt) {
		return errutil.PolicyViolation(ReasonExpired, "code has expired")
	}
	limit := c.PerUserLimit
	if limit <= 0 {
		limit = 1
	}
	if c.UserUses >= limit {
		return errutil.PolicyViolation(ReasonAlreadyUsed, "code already used")
	}

	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return errutil.PolicyViolation(ReasonLimitReached, "code usage limit reached")
	}

	if c.MinSpend != nil && c.CartTotal.LessThan(*c.MinSpend) {
		remaining := c.MinSpend.Sub(c.CartTotal)
		return errutil.PolicyViolation(ReasonMinSpendNotMet, "cart total below minimum spend",
			errutil.WithDetail("min_spend", c.MinSpend.String()),
			errutil.WithDetail("remaining", remaining.String()))
	}

	return nil
}

// DiscountAmount returns round(cart * percent / 100, 2) and the final price.
func DiscountAmount(cartTotal, percent decimal.Decimal) (discount, final decimal.Decimal) {
	discount = cartTotal.Mul(percent).Div(hundred).Round(2)
	return discount, cartTotal.Sub(discount)
}

// ValidatePercent accepts percentages in (0, 100].
func ValidatePercent(percent decimal.Decimal) error {
	if !percent.IsPositive() || percent.GreaterThan(hundred) {
		return errutil.ValidationFailed("percent must be in (0, 100]", nil,
			errutil.WithReason(ReasonInvalidPercent), errutil.WithDetail("percent", percent.String()))
	}
	return nil
}
