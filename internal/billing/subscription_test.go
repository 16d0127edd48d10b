package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payfast/internal/types"
)

// mockSubscriptionAPI is a struct-of-funcs test double for SubscriptionAPI.
type mockSubscriptionAPI struct {
	FetchFunc   func(ctx context.Context, token string) (*Subscription, error)
	CancelFunc  func(ctx context.Context, token string) (bool, error)
	UpdateFunc  func(ctx context.Context, token string, params UpdateParams) (*Subscription, error)
	PauseFunc   func(ctx context.Context, token string) (bool, error)
	UnpauseFunc func(ctx context.Context, token string) (bool, error)
}

func (m *mockSubscriptionAPI) Fetch(ctx context.Context, token string) (*Subscription, error) {
	return m.FetchFunc(ctx, token)
}

func (m *mockSubscriptionAPI) Cancel(ctx context.Context, token string) (bool, error) {
	return m.CancelFunc(ctx, token)
}

func (m *mockSubscriptionAPI) Update(ctx context.Context, token string, params UpdateParams) (*Subscription, error) {
	return m.UpdateFunc(ctx, token, params)
}

func (m *mockSubscriptionAPI) Pause(ctx context.Context, token string) (bool, error) {
	return m.PauseFunc(ctx, token)
}

func (m *mockSubscriptionAPI) Unpause(ctx context.Context, token string) (bool, error) {
	return m.UnpauseFunc(ctx, token)
}

func activeSub(runDate time.Time, cyclesComplete int, api SubscriptionAPI) *Subscription {
	return NewSubscription(SubscriptionData{
		Token:            "a3b3ae55-ab8b-b388-df23-4e6882b86ce0",
		AmountCents:      10000,
		Cycles:           0,
		CyclesComplete:   cyclesComplete,
		Frequency:        types.FrequencyMonthly,
		RunDate:          runDate,
		StatusText:       types.SubStatusActive,
		SubscriptionType: types.SubscriptionTypeRegular,
	}, api, 7)
}

func TestNewSubscriptionConvertsCentsToAmount(t *testing.T) {
	sub := activeSub(day(2026, time.June, 1), 3, nil)
	assert.Equal(t, "100.00", sub.Amount.StringFixed(2))
}

func TestSubscriptionClassification(t *testing.T) {
	sub := activeSub(day(2026, time.June, 1), 3, nil)
	assert.True(t, sub.IsActive())
	assert.False(t, sub.IsCancelled())
	assert.False(t, sub.IsTrial())

	cancelled := activeSub(day(2026, time.June, 1), 3, nil)
	cancelled.StatusText = types.SubStatusCancelled
	assert.False(t, cancelled.IsActive())
	assert.True(t, cancelled.IsCancelled())
}

func TestIsTrialIgnoresRunDate(t *testing.T) {
	// After a payment failure the run date is in the past, but with no
	// completed cycles this is still a trial.
	sub := activeSub(day(2020, time.January, 1), 0, nil)
	assert.True(t, sub.IsTrial())

	sub = activeSub(day(2020, time.January, 1), 1, nil)
	assert.False(t, sub.IsTrial())
}

func TestStartDateWalksBackCompletedCycles(t *testing.T) {
	sub := activeSub(day(2026, time.June, 15), 3, nil)
	assert.Equal(t, day(2026, time.March, 15), types.GatewayDate(sub.StartDate()))

	fresh := activeSub(day(2026, time.June, 15), 0, nil)
	assert.Equal(t, day(2026, time.June, 15), types.GatewayDate(fresh.StartDate()))
}

func TestEndDate(t *testing.T) {
	indefinite := activeSub(day(2026, time.June, 15), 3, nil)
	_, ok := indefinite.EndDate()
	assert.False(t, ok)

	finite := activeSub(day(2026, time.June, 15), 3, nil)
	finite.Cycles = 12
	end, ok := finite.EndDate()
	require.True(t, ok)
	// start = March 15, 12 monthly cycles later.
	assert.Equal(t, day(2027, time.March, 15), types.GatewayDate(end))
}

func TestIsUnpaidAt(t *testing.T) {
	runDate := day(2026, time.June, 1)

	tests := []struct {
		name           string
		cyclesComplete int
		today          time.Time
		wantUnpaid     bool
	}{
		{"before run date", 6, day(2026, time.May, 20), false},
		{"on run date", 6, runDate, false},
		{"inside grace period", 6, day(2026, time.June, 5), false},
		{"last day of grace period", 6, day(2026, time.June, 8), false},
		{"one day past grace period", 6, day(2026, time.June, 9), true},
		{"well past grace period", 6, day(2026, time.June, 20), true},
		{"trial one day past run date", 0, day(2026, time.June, 2), false},
		{"trial two days past run date", 0, day(2026, time.June, 3), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := activeSub(runDate, tt.cyclesComplete, nil)
			assert.Equal(t, tt.wantUnpaid, sub.IsUnpaidAt(tt.today))
		})
	}
}

func TestIsUnpaidUsesConfiguredGracePeriod(t *testing.T) {
	runDate := day(2026, time.June, 1)
	sub := NewSubscription(SubscriptionData{
		Token:          "tok",
		AmountCents:    10000,
		CyclesComplete: 2,
		Frequency:      types.FrequencyMonthly,
		RunDate:        runDate,
		StatusText:     types.SubStatusActive,
	}, nil, 10)

	assert.False(t, sub.IsUnpaidAt(day(2026, time.June, 11)))
	assert.True(t, sub.IsUnpaidAt(day(2026, time.June, 12)))
}

func TestGracePeriodFloor(t *testing.T) {
	// A grace period below the gateway's retry window is raised to 6 days.
	sub := NewSubscription(SubscriptionData{
		Token:          "tok",
		AmountCents:    10000,
		CyclesComplete: 2,
		Frequency:      types.FrequencyMonthly,
		RunDate:        day(2026, time.June, 1),
		StatusText:     types.SubStatusActive,
	}, nil, 1)

	assert.False(t, sub.IsUnpaidAt(day(2026, time.June, 7)))
	assert.True(t, sub.IsUnpaidAt(day(2026, time.June, 8)))
}

func TestPaymentMissedAt(t *testing.T) {
	runDate := day(2026, time.June, 1)
	sub := activeSub(runDate, 6, nil)

	// Past the run date but inside the grace period: missed but not yet
	// unpaid.
	assert.True(t, sub.PaymentMissedAt(day(2026, time.June, 3)))
	assert.False(t, sub.IsUnpaidAt(day(2026, time.June, 3)))

	assert.False(t, sub.PaymentMissedAt(day(2026, time.May, 30)))
}

func TestChangeBillingDayGuards(t *testing.T) {
	ctx := context.Background()
	today := day(2026, time.June, 1)

	t.Run("rejected during trial", func(t *testing.T) {
		sub := activeSub(day(2026, time.June, 20), 0, nil)
		_, err := sub.changeBillingDayAt(ctx, 15, today)
		requireAppCode(t, err, types.ErrCodeBusinessTrialRestriction)
	})

	t.Run("rejected outside 1..28", func(t *testing.T) {
		sub := activeSub(day(2026, time.June, 20), 2, nil)
		for _, bad := range []int{0, -1, 29, 31} {
			_, err := sub.changeBillingDayAt(ctx, bad, today)
			requireAppCode(t, err, types.ErrCodeValidationInvalidField)
		}
	})

	t.Run("no-op when already on that day", func(t *testing.T) {
		sub := activeSub(day(2026, time.June, 20), 2, nil)
		ok, err := sub.changeBillingDayAt(ctx, 20, today)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejected when run date is in the past", func(t *testing.T) {
		sub := activeSub(day(2026, time.May, 20), 2, nil)
		_, err := sub.changeBillingDayAt(ctx, 15, today)
		requireAppCode(t, err, types.ErrCodeBusinessTooCloseToRunDate)
	})

	t.Run("rejected inside the 48 hour window", func(t *testing.T) {
		sub := activeSub(day(2026, time.June, 2), 2, nil)
		_, err := sub.changeBillingDayAt(ctx, 15, today)
		requireAppCode(t, err, types.ErrCodeBusinessTooCloseToRunDate)
	})

	t.Run("updates run date keeping the amount", func(t *testing.T) {
		var got UpdateParams
		api := &mockSubscriptionAPI{
			UpdateFunc: func(ctx context.Context, token string, params UpdateParams) (*Subscription, error) {
				got = params
				return activeSub(params.RunDate, 2, nil), nil
			},
		}
		sub := activeSub(day(2026, time.June, 20), 2, api)
		ok, err := sub.changeBillingDayAt(ctx, 15, today)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, day(2026, time.June, 15), types.GatewayDate(got.RunDate))
		assert.Equal(t, 10000, got.AmountCents)
	})
}

func TestDowngrade(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without in-place updates", func(t *testing.T) {
		sub := activeSub(day(2026, time.June, 20), 2, nil)
		_, err := sub.Downgrade(ctx, decimal.NewFromInt(50), false)
		requireAppCode(t, err, types.ErrCodeBusinessDowngradeDisabled)
	})

	t.Run("rejected when not active", func(t *testing.T) {
		sub := activeSub(day(2026, time.June, 20), 2, nil)
		sub.StatusText = types.SubStatusCancelled
		_, err := sub.Downgrade(ctx, decimal.NewFromInt(50), true)
		requireAppCode(t, err, types.ErrCodeBusinessNotActive)
	})

	t.Run("updates the amount", func(t *testing.T) {
		var got UpdateParams
		api := &mockSubscriptionAPI{
			UpdateFunc: func(ctx context.Context, token string, params UpdateParams) (*Subscription, error) {
				got = params
				return activeSub(day(2026, time.June, 20), 2, nil), nil
			},
		}
		sub := activeSub(day(2026, time.June, 20), 2, api)
		_, err := sub.Downgrade(ctx, decimal.NewFromInt(50), true)
		require.NoError(t, err)
		assert.Equal(t, "50.00", got.Amount.StringFixed(2))
	})
}

func TestMutationsRequireBoundAPI(t *testing.T) {
	ctx := context.Background()
	sub := activeSub(day(2026, time.June, 20), 2, nil)

	_, err := sub.Cancel(ctx)
	requireAppCode(t, err, types.ErrCodeInternalUnexpected)

	_, err = sub.Update(ctx, UpdateParams{Amount: decimal.NewFromInt(10)})
	requireAppCode(t, err, types.ErrCodeInternalUnexpected)

	_, err = sub.Pause(ctx)
	requireAppCode(t, err, types.ErrCodeInternalUnexpected)
}

func requireAppCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}
