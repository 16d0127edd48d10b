package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"payfast/internal/types"
)

// billingDayGuard is the minimum distance to the next charge at which
// schedule mutations are still allowed. Ordering a change inside this window
// races the gateway's own billing run.
const billingDayGuard = 48 * time.Hour

// UpdateParams are the mutable fields of a remote subscription. At least one
// must be set. Amount and AmountCents are alternatives; Amount wins when both
// are given.
type UpdateParams struct {
	Cycles      int
	RunDate     time.Time
	AmountCents int
	Amount      decimal.Decimal
}

// IsZero reports whether no field was set.
func (p UpdateParams) IsZero() bool {
	return p.Cycles == 0 && p.RunDate.IsZero() && p.AmountCents == 0 && p.Amount.IsZero()
}

// SubscriptionAPI is the remote subscription resource consumed by the domain
// model. Every mutation is a network call producing a fresh snapshot or a
// bare acknowledgement; nothing is edited in place.
type SubscriptionAPI interface {
	Fetch(ctx context.Context, token string) (*Subscription, error)
	Cancel(ctx context.Context, token string) (bool, error)
	Update(ctx context.Context, token string, params UpdateParams) (*Subscription, error)
	Pause(ctx context.Context, token string) (bool, error)
	Unpause(ctx context.Context, token string) (bool, error)
}

// SubscriptionData is the decoded remote representation of a subscription,
// as returned inside the gateway's response envelope.
type SubscriptionData struct {
	Token            string
	AmountCents      int
	Cycles           int
	CyclesComplete   int
	Frequency        types.Frequency
	RunDate          time.Time
	StatusText       types.SubscriptionStatus
	StatusReason     string
	SubscriptionType types.SubscriptionType
}

// Subscription is a point-in-time snapshot of a remote subscription. It is a
// value object: classification methods derive state from the snapshot, while
// mutating methods delegate to the injected SubscriptionAPI and return the
// remote result. GracePeriodDays comes from configuration (minimum 6).
type Subscription struct {
	SubscriptionData

	// Amount is AmountCents converted to a decimal ZAR amount.
	Amount decimal.Decimal

	api             SubscriptionAPI
	gracePeriodDays int
}

// NewSubscription builds a snapshot from decoded remote data. The api may be
// nil for a read-only snapshot; mutating methods then fail with a business
// error rather than constructing a client behind the caller's back.
func NewSubscription(data SubscriptionData, api SubscriptionAPI, gracePeriodDays int) *Subscription {
	if gracePeriodDays < 6 {
		gracePeriodDays = 6
	}
	data.RunDate = types.NormalizeToGateway(data.RunDate)
	return &Subscription{
		SubscriptionData: data,
		Amount:           decimal.NewFromInt(int64(data.AmountCents)).Div(decimal.NewFromInt(100)).Round(2),
		api:              api,
		gracePeriodDays:  gracePeriodDays,
	}
}

// IsActive reports whether the gateway considers the subscription active.
func (s *Subscription) IsActive() bool {
	return s.StatusText == types.SubStatusActive
}

// IsCancelled reports whether the gateway considers the subscription cancelled.
func (s *Subscription) IsCancelled() bool {
	return s.StatusText == types.SubStatusCancelled
}

// IsTrial reports whether the customer has not yet completed a billing cycle.
// Only CyclesComplete matters here: after a payment failure the run date is
// no longer in the future, so it cannot be part of the trial definition
// without breaking the unpaid cutoff below.
func (s *Subscription) IsTrial() bool {
	return s.CyclesComplete < 1
}

// StartDate derives the subscription start by walking CyclesComplete whole
// billing periods back from the run date.
func (s *Subscription) StartDate() time.Time {
	if s.CyclesComplete == 0 {
		return s.RunDate
	}
	return s.Frequency.AddPeriods(s.RunDate, -s.CyclesComplete)
}

// EndDate returns the final billing date, or a zero time with ok=false for
// indefinite subscriptions (Cycles == 0).
func (s *Subscription) EndDate() (time.Time, bool) {
	if s.Cycles == types.CyclesIndefinite {
		return time.Time{}, false
	}
	return s.Frequency.AddPeriods(s.StartDate(), s.Cycles), true
}

// NextCharge returns the run date, the next date the customer will be billed.
// The gateway only moves it after a successful payment.
func (s *Subscription) NextCharge() time.Time {
	return s.RunDate
}

// unpaidCutoff is the date after which a missed payment counts as unpaid:
// one day into a trial, otherwise the configured grace period.
func (s *Subscription) unpaidCutoff() time.Time {
	if s.IsTrial() {
		return types.GatewayDate(s.RunDate).AddDate(0, 0, 1)
	}
	return types.GatewayDate(s.RunDate).AddDate(0, 0, s.gracePeriodDays)
}

// IsUnpaid reports whether the subscription has an overdue payment as of the
// current gateway date.
func (s *Subscription) IsUnpaid() bool {
	return s.IsUnpaidAt(types.GatewayNow())
}

// IsUnpaidAt is IsUnpaid with an explicit "today".
func (s *Subscription) IsUnpaidAt(today time.Time) bool {
	now := types.GatewayDate(today)
	runDate := types.GatewayDate(s.RunDate)
	if now.Before(runDate) {
		return false
	}
	return now.After(s.unpaidCutoff())
}

// IsPaid is the complement of IsUnpaid.
func (s *Subscription) IsPaid() bool {
	return !s.IsUnpaid()
}

// PaymentMissed reports whether a charge has been missed at all, regardless
// of whether the grace period has lapsed.
func (s *Subscription) PaymentMissed() bool {
	return s.PaymentMissedAt(types.GatewayNow())
}

// PaymentMissedAt is PaymentMissed with an explicit "today".
func (s *Subscription) PaymentMissedAt(today time.Time) bool {
	if s.IsUnpaidAt(today) {
		return true
	}
	return types.GatewayDate(s.RunDate).Before(types.GatewayDate(today))
}

// Cancel cancels the subscription on the gateway. Cancelling an already
// cancelled subscription is a successful no-op (the resource normalizes the
// gateway's known failure response).
func (s *Subscription) Cancel(ctx context.Context) (bool, error) {
	api, err := s.boundAPI()
	if err != nil {
		return false, err
	}
	return api.Cancel(ctx, s.Token)
}

// Update applies params to the remote subscription and returns the refreshed
// snapshot.
func (s *Subscription) Update(ctx context.Context, params UpdateParams) (*Subscription, error) {
	api, err := s.boundAPI()
	if err != nil {
		return nil, err
	}
	return api.Update(ctx, s.Token, params)
}

// Pause suspends billing on the gateway.
func (s *Subscription) Pause(ctx context.Context) (bool, error) {
	api, err := s.boundAPI()
	if err != nil {
		return false, err
	}
	return api.Pause(ctx, s.Token)
}

// Unpause resumes billing on the gateway.
func (s *Subscription) Unpause(ctx context.Context) (bool, error) {
	api, err := s.boundAPI()
	if err != nil {
		return false, err
	}
	return api.Unpause(ctx, s.Token)
}

// Downgrade lowers the recurring amount in place. No payment is collected
// for a downgrade. Disabled while the gateway's in-place update defect is
// worked around with cancel+restart (allowInPlaceUpdate=false).
func (s *Subscription) Downgrade(ctx context.Context, amount decimal.Decimal, allowInPlaceUpdate bool) (*Subscription, error) {
	if !allowInPlaceUpdate {
		return nil, types.NewAppError(
			types.ErrCodeBusinessDowngradeDisabled,
			"in-place subscription updates are disabled; cancel and start a new subscription instead",
			nil,
		)
	}
	if !s.IsActive() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessNotActive,
			"cannot downgrade a subscription that is not active",
			nil,
			map[string]any{"token": s.Token},
		)
	}
	return s.Update(ctx, UpdateParams{Amount: amount.Round(2)})
}

// ChangeBillingDay moves the next charge to the given day of month.
//
// Guards: not available during a trial (it would shorten or extend the
// trial), the day must be in [1,28] so it exists in every month, the run
// date must not already be in the past (payment failures put it there), and
// the change must not land inside the 48 hour window before the next charge.
// If the run date already falls on the requested day this is a successful
// no-op.
func (s *Subscription) ChangeBillingDay(ctx context.Context, day int) (bool, error) {
	return s.changeBillingDayAt(ctx, day, types.GatewayNow())
}

func (s *Subscription) changeBillingDayAt(ctx context.Context, day int, today time.Time) (bool, error) {
	if s.IsTrial() {
		return false, types.NewAppError(
			types.ErrCodeBusinessTrialRestriction,
			"cannot change the billing day of a subscription still in its free trial",
			nil,
		)
	}
	if day < 1 || day > 28 {
		return false, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidField,
			"billing day must be between 1 and 28",
			nil,
			map[string]any{"day": day},
		)
	}

	now := types.GatewayDate(today)
	runDate := types.GatewayDate(s.RunDate)
	if day == runDate.Day() {
		return true, nil
	}
	if runDate.Before(now) {
		return false, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessTooCloseToRunDate,
			"run date is in the past; the subscription may have missed payments",
			nil,
			map[string]any{"run_date": runDate.Format("2006-01-02")},
		)
	}
	if runDate.Sub(now) < billingDayGuard {
		return false, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessTooCloseToRunDate,
			"cannot change the billing day this close to the next charge",
			nil,
			map[string]any{"run_date": runDate.Format("2006-01-02")},
		)
	}

	api, err := s.boundAPI()
	if err != nil {
		return false, err
	}
	newRunDate := time.Date(runDate.Year(), runDate.Month(), day, 0, 0, 0, 0, types.GatewayLocation())
	if _, err := api.Update(ctx, s.Token, UpdateParams{RunDate: newRunDate, AmountCents: s.AmountCents}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Subscription) boundAPI() (SubscriptionAPI, error) {
	if s.api == nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"subscription snapshot has no API bound; construct it through the subscriptions resource",
			nil,
		)
	}
	return s.api, nil
}
