// Package billing contains the subscription domain model: proration math,
// the subscription snapshot and its state classification, hosted-payment
// builders, and the upgrade orchestrator.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"payfast/internal/types"
)

// ProrationMode selects which day-fraction of the billing period is priced.
type ProrationMode int

const (
	// ProrateRemaining prices the days from today until the period end.
	ProrateRemaining ProrationMode = iota
	// ProrateUsed prices the days from the period start until today.
	ProrateUsed
)

// MinAmount is the smallest payment the gateway accepts, in ZAR.
var MinAmount = decimal.NewFromInt(5)

// Prorate computes the prorated share of amount for the billing period
// [start, end] relative to the current gateway date. See ProrateAt for the
// arithmetic.
func Prorate(amount decimal.Decimal, start, end time.Time, mode ProrationMode) (decimal.Decimal, error) {
	return ProrateAt(amount, start, end, mode, types.GatewayNow())
}

// ProrateAt is Prorate with an explicit "today".
//
// All three instants are truncated to gateway-local dates. With
// total = end−start days:
//
//	remaining: (end−today)/total × amount
//	used:      (today−start)/total × amount
//
// rounded half-even to two decimal places. A negative total is an error; a
// zero total yields 0.00. The fraction is deliberately not clamped to [0,1];
// callers that floor negative differentials do so themselves.
func ProrateAt(amount decimal.Decimal, start, end time.Time, mode ProrationMode, today time.Time) (decimal.Decimal, error) {
	total := types.DaysBetween(start, end)
	if total < 0 {
		return decimal.Zero, types.NewAppErrorWithDetails(
			types.ErrCodeBusinessInvalidPeriod,
			"billing period end precedes start",
			nil,
			map[string]any{
				"start": types.GatewayDate(start).Format("2006-01-02"),
				"end":   types.GatewayDate(end).Format("2006-01-02"),
			},
		)
	}
	if total == 0 {
		return decimal.Zero.Round(2), nil
	}

	var share decimal.Decimal
	switch mode {
	case ProrateUsed:
		used := types.DaysBetween(start, today)
		share = decimal.NewFromInt(int64(used))
	default:
		left := types.DaysBetween(today, end)
		share = decimal.NewFromInt(int64(left))
	}
	fraction := share.Div(decimal.NewFromInt(int64(total)))
	return fraction.Mul(amount).RoundBank(2), nil
}
