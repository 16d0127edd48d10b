package types

import (
	"fmt"
	"time"
)

// Frequency is the billing frequency of a recurring subscription, using the
// gateway's integer encoding.
type Frequency int

const (
	FrequencyDaily     Frequency = 1
	FrequencyWeekly    Frequency = 2
	FrequencyMonthly   Frequency = 3
	FrequencyQuarterly Frequency = 4
	FrequencyBiannual  Frequency = 5
	FrequencyAnnual    Frequency = 6
)

// String returns the human-readable name of the frequency.
func (f Frequency) String() string {
	switch f {
	case FrequencyDaily:
		return "daily"
	case FrequencyWeekly:
		return "weekly"
	case FrequencyMonthly:
		return "monthly"
	case FrequencyQuarterly:
		return "quarterly"
	case FrequencyBiannual:
		return "biannually"
	case FrequencyAnnual:
		return "yearly"
	default:
		return fmt.Sprintf("frequency(%d)", int(f))
	}
}

// Valid reports whether f is one of the gateway's defined frequencies.
func (f Frequency) Valid() bool {
	return f >= FrequencyDaily && f <= FrequencyAnnual
}

// AddPeriods returns t advanced by n whole billing periods. Negative n moves
// backwards, which is how a subscription start date is recovered from its
// run date and completed cycle count. Calendar arithmetic follows time.AddDate,
// so month-length overflow normalizes the same way the gateway does.
func (f Frequency) AddPeriods(t time.Time, n int) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, n)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7*n)
	case FrequencyMonthly:
		return t.AddDate(0, n, 0)
	case FrequencyQuarterly:
		return t.AddDate(0, 3*n, 0)
	case FrequencyBiannual:
		return t.AddDate(0, 6*n, 0)
	case FrequencyAnnual:
		return t.AddDate(n, 0, 0)
	default:
		return t
	}
}

// SubscriptionType distinguishes scheduled subscriptions from ad-hoc
// tokenization agreements.
type SubscriptionType int

const (
	SubscriptionTypeRegular      SubscriptionType = 1
	SubscriptionTypeTokenization SubscriptionType = 2
)

// PaymentStatus is the payment state reported in a gateway notification.
// Values other than the known constants are passed through untouched.
type PaymentStatus string

const (
	PaymentStatusComplete  PaymentStatus = "COMPLETE"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// IsComplete reports whether the payment finished successfully.
func (s PaymentStatus) IsComplete() bool {
	return s == PaymentStatusComplete
}

// SubscriptionStatus is the status_text reported on a subscription resource.
type SubscriptionStatus string

const (
	SubStatusActive    SubscriptionStatus = "ACTIVE"
	SubStatusCancelled SubscriptionStatus = "CANCELLED"
)

// PaymentMethod is the gateway's payment method selector for hosted payments.
type PaymentMethod string

const (
	PaymentMethodEFT        PaymentMethod = "eft"
	PaymentMethodCreditCard PaymentMethod = "cc"
	PaymentMethodDebitCard  PaymentMethod = "dc"
	PaymentMethodMasterpass PaymentMethod = "mp"
	PaymentMethodMobicred   PaymentMethod = "mc"
	PaymentMethodSCode      PaymentMethod = "sc"
	PaymentMethodSnapScan   PaymentMethod = "ss"
	PaymentMethodZapper     PaymentMethod = "zp"
	PaymentMethodMoreTyme   PaymentMethod = "mt"
	PaymentMethodStore      PaymentMethod = "rcs"
)

// CyclesIndefinite is the cycles value meaning "bill until cancelled".
const CyclesIndefinite = 0

// CheckStatus is the typed outcome of a single ITN security check. A check
// that could not run because its input was absent is Skipped, never silently
// coerced to Failed; the overall pass policy decides how Skipped counts.
type CheckStatus int

const (
	CheckSkipped CheckStatus = iota
	CheckFailed
	CheckPassed
)

// String returns the lowercase name of the check status.
func (s CheckStatus) String() string {
	switch s {
	case CheckPassed:
		return "passed"
	case CheckFailed:
		return "failed"
	default:
		return "skipped"
	}
}
