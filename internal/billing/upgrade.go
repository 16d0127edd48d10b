package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"payfast/internal/types"
)

// UpgradeState tracks an upgrade intent through its lifecycle.
type UpgradeState int

const (
	// UpgradeImmediate means the upgrade was applied in place with no
	// buyer interaction (trial subscriptions, or sub-minimum proration
	// absorbed by the merchant).
	UpgradeImmediate UpgradeState = iota
	// UpgradePaymentRequired means a prorated payment was prepared and the
	// upgrade completes only after a verified notification confirms it.
	UpgradePaymentRequired
	// UpgradeFinalized means the remote side effect has been applied.
	UpgradeFinalized
)

func (s UpgradeState) String() string {
	switch s {
	case UpgradeImmediate:
		return "immediate"
	case UpgradePaymentRequired:
		return "payment_required"
	case UpgradeFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// UpgradeMetadata is the structured payload carried in custom_str2 of a
// prorated upgrade payment, so the notification processor can recover the
// intent when the buyer completes payment.
type UpgradeMetadata struct {
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	ItemName    string          `json:"item_name"`
	PlanID      string          `json:"plan_id,omitempty"`
	UpgradeToID string          `json:"upgrade_to_id,omitempty"`
	Cancel      bool            `json:"cancel"`
}

// VerifiedNotification is the slice of a payment notification the upgrade
// finalizer needs. The notification package's type satisfies it.
type VerifiedNotification interface {
	SecurityChecksPassed() bool
	UpgradeToken() string
}

// UpgradeParams describes the target of an upgrade.
type UpgradeParams struct {
	NewAmount    decimal.Decimal
	NewFrequency types.Frequency
	ItemName     string
	PlanID       string
	UpgradeToID  string

	// NewPeriodStart and NewPeriodEnd are the billing period the new
	// amount is prorated over. They are required on a frequency change,
	// where the current period no longer describes the new agreement, and
	// setting them forces a replacement signup.
	NewPeriodStart time.Time
	NewPeriodEnd   time.Time

	// ForceCancel replaces the agreement with a fresh signup instead of
	// updating the amount in place. A frequency change always forces it.
	ForceCancel bool
}

// hasNewPeriod reports whether an explicit new billing period was supplied.
func (p UpgradeParams) hasNewPeriod() bool {
	return !p.NewPeriodStart.IsZero() || !p.NewPeriodEnd.IsZero()
}

// UpgradeIntent is the outcome of planning an upgrade. Depending on the
// subscription's state it either already applied the change, or holds a
// prepared payment whose completion finalizes it.
type UpgradeIntent struct {
	State    UpgradeState
	Prorated decimal.Decimal
	Cancel   bool
	Payment  *Payment

	sub    *Subscription
	target UpgradeParams
	logger *slog.Logger
}

// Upgrade plans moving the subscription to a higher amount, optionally on a
// different frequency. Trial subscriptions upgrade in place immediately; paid
// subscriptions get a prorated payment that must complete before the remote
// change is applied.
func (s *Subscription) Upgrade(ctx context.Context, merchant MerchantConfig, target UpgradeParams, logger *slog.Logger) (*UpgradeIntent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return s.upgradeAt(ctx, merchant, target, logger, types.GatewayNow())
}

func (s *Subscription) upgradeAt(ctx context.Context, merchant MerchantConfig, target UpgradeParams, logger *slog.Logger, now time.Time) (*UpgradeIntent, error) {
	if !s.IsActive() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessNotActive,
			"only active subscriptions can be upgraded",
			nil,
			map[string]any{"status": s.StatusText},
		)
	}

	newAmount := target.NewAmount.Round(2)
	if newAmount.LessThanOrEqual(s.Amount) {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessNotAnUpgrade,
			"target amount must be greater than the current amount",
			nil,
			map[string]any{
				"current_amount": s.Amount.StringFixed(2),
				"target_amount":  newAmount.StringFixed(2),
			},
		)
	}

	cancel := target.ForceCancel
	if target.hasNewPeriod() {
		if target.NewPeriodStart.IsZero() || target.NewPeriodEnd.IsZero() {
			return nil, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"a new billing period needs both its start and end",
				nil,
			)
		}
		// A custom period describes a fresh agreement, not an in-place
		// amount change.
		cancel = true
	}
	if target.NewFrequency != 0 && target.NewFrequency != s.Frequency {
		if !target.NewFrequency.Valid() {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidField,
				"unknown billing frequency",
				nil,
				map[string]any{"frequency": int(target.NewFrequency)},
			)
		}
		if !target.hasNewPeriod() {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeBusinessFrequencyChange,
				"a frequency change requires the new billing period for proration",
				nil,
				map[string]any{
					"current_frequency": int(s.Frequency),
					"target_frequency":  int(target.NewFrequency),
				},
			)
		}
		// A frequency change cannot be expressed as an in-place amount
		// update; the agreement has to be replaced.
		cancel = true
	}

	// Trials upgrade in place for free: nothing has been charged yet, so
	// there is nothing to prorate. The remote update happens at Finalize.
	if s.IsTrial() {
		logger.InfoContext(ctx, "planned trial upgrade, no proration",
			slog.String("token", s.Token),
			slog.String("new_amount", newAmount.StringFixed(2)))
		return &UpgradeIntent{
			State:    UpgradeImmediate,
			Prorated: decimal.Zero.Round(2),
			sub:      s,
			target:   target,
			logger:   logger,
		}, nil
	}

	runDate := types.GatewayDate(s.RunDate)
	today := types.GatewayDate(now)
	if runDate.Equal(today) || runDate.Sub(now) < billingDayGuard {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessTooCloseToRunDate,
			"the next billing run is too close to upgrade safely",
			nil,
			map[string]any{"run_date": runDate.Format("2006-01-02")},
		)
	}

	// The new amount is valued over the period it will actually cover; the
	// old amount's consumed share always comes from the current period.
	newStart, newEnd := s.StartDate(), runDate
	if target.hasNewPeriod() {
		newStart, newEnd = target.NewPeriodStart, target.NewPeriodEnd
	}
	prorated, err := proratedDifference(newAmount, s.Amount, newStart, newEnd, s.StartDate(), runDate, now)
	if err != nil {
		return nil, err
	}

	intent := &UpgradeIntent{
		Prorated: prorated,
		Cancel:   cancel,
		sub:      s,
		target:   target,
		logger:   logger,
	}

	// A below-minimum proration cannot be charged. Without a replacement
	// signup pending, the merchant absorbs it and the upgrade applies at
	// Finalize with no payment gate.
	if !cancel && prorated.LessThan(MinAmount) {
		logger.InfoContext(ctx, "planned immediate upgrade, proration below charge minimum",
			slog.String("token", s.Token),
			slog.String("prorated", prorated.StringFixed(2)))
		intent.State = UpgradeImmediate
		return intent, nil
	}

	blob, err := json.Marshal(UpgradeMetadata{
		Amount:      newAmount,
		Token:       s.Token,
		ItemName:    target.ItemName,
		PlanID:      target.PlanID,
		UpgradeToID: target.UpgradeToID,
		Cancel:      cancel,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize upgrade metadata", err)
	}
	if len(blob) > metadataMaxLen {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMetadataLength,
			"custom_str2 upgrade metadata exceeds the gateway's 255 character limit",
			nil,
			map[string]any{"length": len(blob)},
		)
	}

	chargeAmount := prorated
	if cancel && chargeAmount.LessThan(MinAmount) {
		// Replacement signups are gated on the payment regardless; a
		// sub-minimum proration is waived rather than rejected.
		chargeAmount = decimal.Zero.Round(2)
	}

	payment, err := NewPayment(merchant, chargeAmount, target.ItemName,
		withUpgradeMetadata(string(blob)),
		WithMetadata(Metadata{PlanID: target.PlanID}),
	)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "prepared prorated upgrade payment",
		slog.String("token", s.Token),
		slog.String("prorated", prorated.StringFixed(2)),
		slog.Bool("cancel", cancel))

	intent.State = UpgradePaymentRequired
	intent.Payment = payment
	return intent, nil
}

// proratedDifference is the unused value of the new amount's remaining
// period minus the value already consumed at the old amount over the current
// period, floored at zero.
func proratedDifference(newAmount, oldAmount decimal.Decimal, newStart, newEnd, oldStart, oldEnd, now time.Time) (decimal.Decimal, error) {
	creditNew, err := ProrateAt(newAmount, newStart, newEnd, ProrateRemaining, now)
	if err != nil {
		return decimal.Zero, err
	}
	usedOld, err := ProrateAt(oldAmount, oldStart, oldEnd, ProrateUsed, now)
	if err != nil {
		return decimal.Zero, err
	}
	diff := creditNew.Sub(usedOld).RoundBank(2)
	if diff.IsNegative() {
		return decimal.Zero.Round(2), nil
	}
	return diff, nil
}

// Finalize applies the upgrade's remote side effect. Immediate upgrades
// update the subscription in place with no payment gate; payment-gated ones
// need a verified notification for this subscription first. Calling it
// twice is a conflict.
func (u *UpgradeIntent) Finalize(ctx context.Context, note VerifiedNotification) error {
	switch u.State {
	case UpgradeFinalized:
		return types.NewAppError(
			types.ErrCodeConflictAlreadyFinalized,
			"upgrade has already been finalized",
			nil,
		)
	case UpgradeImmediate:
		newAmount := u.target.NewAmount.Round(2)
		if _, err := u.sub.Update(ctx, UpdateParams{Amount: newAmount}); err != nil {
			return err
		}
		u.logger.InfoContext(ctx, "applied immediate upgrade in place",
			slog.String("token", u.sub.Token),
			slog.String("new_amount", newAmount.StringFixed(2)))
		u.State = UpgradeFinalized
		return nil
	}

	if note == nil || !note.SecurityChecksPassed() || note.UpgradeToken() != u.sub.Token {
		return types.NewAppError(
			types.ErrCodeBusinessPaymentNotConfirmed,
			"upgrade requires a verified payment notification for this subscription",
			nil,
		)
	}

	if u.Cancel {
		if _, err := u.sub.Cancel(ctx); err != nil {
			return err
		}
		u.logger.InfoContext(ctx, "cancelled subscription for replacement upgrade",
			slog.String("token", u.sub.Token))
	} else {
		if _, err := u.sub.Update(ctx, UpdateParams{Amount: u.target.NewAmount.Round(2)}); err != nil {
			return err
		}
		u.logger.InfoContext(ctx, "applied upgrade amount after confirmed payment",
			slog.String("token", u.sub.Token),
			slog.String("new_amount", u.target.NewAmount.StringFixed(2)))
	}

	u.State = UpgradeFinalized
	return nil
}
