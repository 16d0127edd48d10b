package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payfast/internal/billing"
	"payfast/internal/cache"
	"payfast/internal/signature"
	"payfast/internal/types"
)

const testToken = "a3b3ae55-ab8b-b388-df23-4e6882b86ce0"

func testClient(t *testing.T, serverURL string, opts ...ClientOption) *Client {
	t.Helper()
	cfg := ClientConfig{
		MerchantID:      "10000100",
		Passphrase:      "jt7NOE43FZPn",
		APIRoot:         serverURL,
		APIVersion:      "v1",
		Host:            "sandbox.payfast.co.za",
		GracePeriodDays: 7,
	}
	fixed := time.Date(2026, time.June, 1, 8, 30, 0, 0, types.GatewayLocation())
	opts = append(opts, withNowFunc(func() time.Time { return fixed }))
	return NewClient(cfg, opts...)
}

func subscriptionEnvelope(amountCents int) string {
	return `{
		"code": 200,
		"status": "success",
		"data": {
			"response": {
				"amount": ` + decimal.NewFromInt(int64(amountCents)).String() + `,
				"cycles": 12,
				"cycles_complete": 3,
				"frequency": 3,
				"run_date": "2026-06-15",
				"status_text": "ACTIVE",
				"token": ""
			},
			"message": "Success"
		}
	}`
}

func TestFetchDecodesSubscription(t *testing.T) {
	var gotPath, gotMethod string
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		io.WriteString(w, subscriptionEnvelope(10000))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	sub, err := c.Fetch(context.Background(), testToken)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/subscriptions/"+testToken+"/fetch", gotPath)

	// Token is injected from the request when the payload omits it.
	assert.Equal(t, testToken, sub.Token)
	assert.Equal(t, 10000, sub.AmountCents)
	assert.Equal(t, "100.00", sub.Amount.StringFixed(2))
	assert.Equal(t, 12, sub.Cycles)
	assert.Equal(t, 3, sub.CyclesComplete)
	assert.Equal(t, types.FrequencyMonthly, sub.Frequency)
	assert.Equal(t, types.SubscriptionTypeRegular, sub.SubscriptionType)
	assert.Equal(t, types.SubStatusActive, sub.StatusText)
	assert.Equal(t, time.Date(2026, time.June, 15, 0, 0, 0, 0, types.GatewayLocation()), sub.RunDate)

	// The snapshot is bound to the client and can mutate itself.
	assert.True(t, sub.IsActive())

	// Header set: authenticated and signed over headers plus payload.
	assert.Equal(t, "10000100", gotHeader.Get("merchant-id"))
	assert.Equal(t, "v1", gotHeader.Get("version"))
	assert.Equal(t, "2026-06-01T08:30:00", gotHeader.Get("timestamp"))

	want, err := signature.Make(map[string]string{
		"merchant-id": "10000100",
		"version":     "v1",
		"timestamp":   "2026-06-01T08:30:00",
	}, "jt7NOE43FZPn", signature.Permissive)
	require.NoError(t, err)
	assert.Equal(t, want, gotHeader.Get("signature"))
}

func TestFetchDetectsTokenizationAgreement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"code": 200,
			"status": "success",
			"data": {"response": {"amount": 5000, "status_text": "ACTIVE", "token": "`+testToken+`"}}
		}`)
	}))
	defer srv.Close()

	sub, err := testClient(t, srv.URL).Fetch(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionTypeTokenization, sub.SubscriptionType)
	assert.Equal(t, types.Frequency(0), sub.Frequency)
}

func TestSandboxAppendsTestingFlag(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, subscriptionEnvelope(10000))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.cfg.Sandbox = true
	_, err := c.Fetch(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, "testing=true", gotQuery)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code": 400, "status": "failed", "data": {"response": "not found", "message": "Failure"}}`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), testToken)
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamSubscriptionLookup, appErr.Code)
}

func TestCancelAlreadyCancelledIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{
			"code": 400,
			"status": "failed",
			"data": {"response": false, "message": "Failure - The subscription status is cancelled"}
		}`)
	}))
	defer srv.Close()

	ok, err := testClient(t, srv.URL).Cancel(context.Background(), testToken)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code": 400, "status": "failed", "data": {"response": false, "message": "Failure - invalid token"}}`)
	}))
	defer srv.Close()

	ok, err := testClient(t, srv.URL).Cancel(context.Background(), testToken)
	require.Error(t, err)
	assert.False(t, ok)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamAPI, appErr.Code)
}

func TestUpdateSendsCentsPayload(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, subscriptionEnvelope(25000))
	}))
	defer srv.Close()

	runDate := time.Date(2026, time.July, 1, 0, 0, 0, 0, types.GatewayLocation())
	sub, err := testClient(t, srv.URL).Update(context.Background(), testToken, billing.UpdateParams{
		Amount:  decimal.RequireFromString("250.00"),
		Cycles:  6,
		RunDate: runDate,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, float64(25000), gotBody["amount"])
	assert.Equal(t, float64(6), gotBody["cycles"])
	assert.Equal(t, "2026-07-01", gotBody["run_date"])
	assert.Equal(t, 25000, sub.AmountCents)
}

func TestUpdateRequiresAmount(t *testing.T) {
	c := testClient(t, "http://unused.invalid")

	_, err := c.Update(context.Background(), testToken, billing.UpdateParams{})
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)

	_, err = c.Update(context.Background(), testToken, billing.UpdateParams{Cycles: 6})
	require.Error(t, err)
}

func TestPauseAcknowledgement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code": 200, "status": "success", "data": {"response": true, "message": "Success"}}`)
	}))
	defer srv.Close()

	ok, err := testClient(t, srv.URL).Pause(context.Background(), testToken)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChargeExtractsPaymentID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "string id",
			body: `{"code": 200, "status": "success", "data": {"response": true, "message": "Success", "pf_payment_id": "1340754"}}`,
			want: "1340754",
		},
		{
			name: "numeric id",
			body: `{"code": 200, "status": "success", "data": {"response": true, "message": "Success", "pf_payment_id": 1340754}}`,
			want: "1340754",
		},
		{
			name: "missing id",
			body: `{"code": 200, "status": "success", "data": {"response": true, "message": "Success"}}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			id, err := testClient(t, srv.URL).Charge(context.Background(), testToken, 36452, "Plan upgrade", ChargeParams{
				ItemDescription: "Prorated difference",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
			assert.Equal(t, float64(36452), gotBody["amount"])
			assert.Equal(t, "Plan upgrade", gotBody["item_name"])
			assert.Equal(t, "true", gotBody["itn"])
			assert.Equal(t, "Prorated difference", gotBody["item_description"])
		})
	}
}

func TestFetchUsesCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method == http.MethodPatch {
			io.WriteString(w, subscriptionEnvelope(25000))
			return
		}
		io.WriteString(w, subscriptionEnvelope(10000))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, WithCache(cache.NewMemory(), time.Minute, "payfast:"))

	first, err := c.Fetch(context.Background(), testToken)
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), testToken)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.AmountCents, second.AmountCents)
	assert.Equal(t, testToken, second.Token)

	// An update refills the cache with the snapshot from its own
	// response, so the next read needs no extra gateway call.
	_, err = c.Update(context.Background(), testToken, billing.UpdateParams{AmountCents: 25000})
	require.NoError(t, err)
	refreshed, err := c.Fetch(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 25000, refreshed.AmountCents)
}

func TestCancelRefillsCache(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			io.WriteString(w, `{"code": 200, "status": "success", "data": {"response": true}}`)
			return
		}
		fetches++
		io.WriteString(w, subscriptionEnvelope(10000))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, WithCache(cache.NewMemory(), time.Minute, "payfast:"))

	_, err := c.Fetch(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	// A cancel response carries no subscription state, so the client
	// refetches to refill the entry; the next read is then served from
	// cache.
	ok, err := c.Cancel(context.Background(), testToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, fetches)

	_, err = c.Fetch(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestUpdateCardLink(t *testing.T) {
	c := testClient(t, "http://unused.invalid")
	assert.Equal(t,
		"https://sandbox.payfast.co.za/eng/recurring/update/"+testToken+"?return=https%3A%2F%2Fexample.com%2Fbilling",
		c.UpdateCardLink(testToken, "https://example.com/billing"))
	assert.Equal(t,
		"https://sandbox.payfast.co.za/eng/recurring/update/"+testToken,
		c.UpdateCardLink(testToken, ""))
}

func TestParseWireDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-06-15T00:00:00+02:00", time.Date(2026, time.June, 15, 0, 0, 0, 0, time.FixedZone("", 2*60*60))},
		{"2026-06-15T10:20:30", time.Date(2026, time.June, 15, 10, 20, 30, 0, types.GatewayLocation())},
		{"2026-06-15", time.Date(2026, time.June, 15, 0, 0, 0, 0, types.GatewayLocation())},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseWireDate(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}

	_, err := parseWireDate("15/06/2026")
	require.Error(t, err)
}
