package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payfast/internal/billing"
	"payfast/internal/cache"
	"payfast/internal/signature"
	"payfast/internal/types"
)

// timestampFormat is the header timestamp the gateway accepts. It rejects
// offsets and microseconds, so a full RFC 3339 stamp does not work.
const timestampFormat = "2006-01-02T15:04:05"

// centsFactor converts decimal ZAR amounts to the cent integers the API
// expects.
var centsFactor = decimal.NewFromInt(100)

// ClientConfig carries the merchant credentials and endpoints for the
// gateway client.
type ClientConfig struct {
	MerchantID string
	Passphrase types.SecretString
	APIRoot    string
	APIVersion string
	// Host is the payment host for non-API URLs such as the hosted card
	// update page.
	Host string
	// Sandbox appends the gateway's testing flag to every API call.
	Sandbox         bool
	GracePeriodDays int
	Timeout         time.Duration
}

// Client talks to the gateway's REST API. It implements
// billing.SubscriptionAPI, so subscription snapshots it returns can mutate
// themselves through it.
type Client struct {
	base   *BaseClient
	cfg    ClientConfig
	cache  *cache.ReadThrough
	keyFmt string
	logger *slog.Logger
	nowFn  func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCache serves Fetch from the given cache. Mutations invalidate the
// entry and refill it with the fresh snapshot.
func WithCache(c cache.Cache, ttl time.Duration, keyPrefix string) ClientOption {
	return func(cl *Client) {
		cl.cache = cache.NewReadThrough(c, ttl)
		cl.keyFmt = keyPrefix + "subscription:%s"
	}
}

// WithClientLogger overrides the default logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

// WithBaseClient replaces the resilient HTTP core, mainly for tests.
func WithBaseClient(base *BaseClient) ClientOption {
	return func(cl *Client) { cl.base = base }
}

// withNowFunc pins the header timestamp clock in tests.
func withNowFunc(fn func() time.Time) ClientOption {
	return func(cl *Client) { cl.nowFn = fn }
}

// NewClient builds a gateway client with the default resilience stack.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cl := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		nowFn:  types.GatewayNow,
	}
	cl.base = NewBaseClient(
		&http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// The API answers redirects with 405s on the replayed
				// method; surface the redirect instead of following it.
				return http.ErrUseLastResponse
			},
		},
		"payfast-api",
		DefaultRetryPolicy(),
		"payfast-go",
	)
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// signedHeaders builds the authenticated header set. The signature covers
// the headers merged with the request payload, encoded permissively.
func (c *Client) signedHeaders(payload map[string]string) (http.Header, error) {
	headers := map[string]string{
		"merchant-id": c.cfg.MerchantID,
		"version":     c.cfg.APIVersion,
		"timestamp":   c.nowFn().Format(timestampFormat),
	}
	forSignature := make(map[string]string, len(headers)+len(payload))
	for k, v := range headers {
		forSignature[k] = v
	}
	for k, v := range payload {
		forSignature[k] = v
	}
	sig, err := signature.Make(forSignature, c.cfg.Passphrase, signature.Permissive)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	h.Set("signature", sig)
	return h, nil
}

// endpoint joins path segments onto the API root, adding the sandbox flag
// when configured. The flag must be appended without a trailing slash on the
// path or the API answers with a redirect.
func (c *Client) endpoint(segments ...string) string {
	u := c.cfg.APIRoot
	for _, s := range segments {
		u += "/" + url.PathEscape(s)
	}
	if c.cfg.Sandbox {
		u += "?testing=true"
	}
	return u
}

// request performs one signed API call and parses the envelope. payload is
// sent as JSON; signing uses its stringified form. A nil payload sends no
// body.
func (c *Client) request(ctx context.Context, method, endpoint string, payload map[string]any) (*Envelope, error) {
	signPayload := make(map[string]string, len(payload))
	for k, v := range payload {
		signPayload[k] = fmt.Sprint(v)
	}
	headers, err := c.signedHeaders(signPayload)
	if err != nil {
		return nil, err
	}

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode request payload", err)
		}
		body = bytes.NewReader(raw)
		headers.Set("Content-Type", "application/json")
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build gateway request", err)
	}
	req.Header = headers

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readEnvelope(resp)
}

// wireSubscription is the subscription payload as the API returns it. The
// amount is in cents.
type wireSubscription struct {
	Amount         json.Number `json:"amount"`
	Cycles         json.Number `json:"cycles"`
	CyclesComplete json.Number `json:"cycles_complete"`
	Frequency      json.Number `json:"frequency"`
	RunDate        string      `json:"run_date"`
	StatusReason   string      `json:"status_reason"`
	StatusText     string      `json:"status_text"`
	Token          string      `json:"token"`
}

// decodeSubscription turns an envelope payload into a snapshot bound to this
// client. A payload without a frequency is a tokenization agreement.
func (c *Client) decodeSubscription(payload json.RawMessage, token string) (*billing.Subscription, error) {
	var wire wireSubscription
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamAPI, "gateway returned an undecodable subscription payload", err)
	}

	data := billing.SubscriptionData{
		Token:            wire.Token,
		StatusText:       types.SubscriptionStatus(wire.StatusText),
		StatusReason:     wire.StatusReason,
		SubscriptionType: types.SubscriptionTypeTokenization,
	}
	if data.Token == "" {
		data.Token = token
	}
	if n, err := wire.Amount.Int64(); err == nil {
		data.AmountCents = int(n)
	}
	if n, err := wire.Cycles.Int64(); err == nil {
		data.Cycles = int(n)
	}
	if n, err := wire.CyclesComplete.Int64(); err == nil {
		data.CyclesComplete = int(n)
	}
	if n, err := wire.Frequency.Int64(); err == nil && n != 0 {
		data.Frequency = types.Frequency(n)
		data.SubscriptionType = types.SubscriptionTypeRegular
	}
	if wire.RunDate != "" {
		runDate, err := parseWireDate(wire.RunDate)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidDate,
				"gateway returned an unparseable run date",
				err,
				map[string]any{"run_date": wire.RunDate},
			)
		}
		data.RunDate = runDate
	}

	return billing.NewSubscription(data, c, c.cfg.GracePeriodDays), nil
}

// parseWireDate accepts the API's date shapes: full RFC 3339 with offset,
// a bare datetime, or a bare date, the latter two in the gateway's zone.
func parseWireDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(timestampFormat, v, types.GatewayLocation()); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, types.GatewayLocation())
}

func (c *Client) cacheKey(token string) string {
	return fmt.Sprintf(c.keyFmt, token)
}

// Fetch retrieves a subscription snapshot, served from cache when one is
// configured.
func (c *Client) Fetch(ctx context.Context, token string) (*billing.Subscription, error) {
	if c.cache == nil {
		return c.fetchRemote(ctx, token)
	}
	payload, err := c.cache.Get(ctx, c.cacheKey(token), func(ctx context.Context) ([]byte, error) {
		sub, err := c.fetchRemote(ctx, token)
		if err != nil {
			return nil, err
		}
		return json.Marshal(sub.SubscriptionData)
	})
	if err != nil {
		return nil, err
	}
	var data billing.SubscriptionData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode cached subscription", err)
	}
	return billing.NewSubscription(data, c, c.cfg.GracePeriodDays), nil
}

func (c *Client) fetchRemote(ctx context.Context, token string) (*billing.Subscription, error) {
	endpoint := c.endpoint("subscriptions", token, "fetch")
	env, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, apiError(env, endpoint)
	}
	return c.decodeSubscription(env.Payload, token)
}

// Cancel cancels the subscription. Cancelling one the gateway already
// considers cancelled is reported as success: the desired state holds.
func (c *Client) Cancel(ctx context.Context, token string) (bool, error) {
	endpoint := c.endpoint("subscriptions", token, "cancel")
	env, err := c.request(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return false, err
	}
	if !env.OK {
		if strings.Contains(strings.ToLower(env.Message), "failure - the subscription status is cancelled") {
			c.logger.InfoContext(ctx, "subscription was already cancelled",
				slog.String("token", token))
			c.refresh(ctx, token)
			return true, nil
		}
		return false, apiError(env, endpoint)
	}
	c.refresh(ctx, token)
	return true, nil
}

// Update patches the subscription. The gateway requires an amount on every
// update, so params must set Amount or AmountCents.
func (c *Client) Update(ctx context.Context, token string, params billing.UpdateParams) (*billing.Subscription, error) {
	if params.IsZero() {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"subscription update requires at least one field",
			nil,
		)
	}

	amountCents := params.AmountCents
	if !params.Amount.IsZero() {
		amountCents = int(params.Amount.Round(2).Mul(centsFactor).IntPart())
	}
	if amountCents == 0 {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"subscription update requires an amount",
			nil,
		)
	}

	payload := map[string]any{"amount": amountCents}
	if params.Cycles != 0 {
		payload["cycles"] = params.Cycles
	}
	if !params.RunDate.IsZero() {
		payload["run_date"] = types.GatewayDate(params.RunDate).Format("2006-01-02")
	}

	endpoint := c.endpoint("subscriptions", token, "update")
	env, err := c.request(ctx, http.MethodPatch, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, apiError(env, endpoint)
	}
	c.invalidate(ctx, token)
	sub, err := c.decodeSubscription(env.Payload, token)
	if err != nil {
		return nil, err
	}
	c.refill(ctx, token, sub)
	return sub, nil
}

// Pause suspends billing.
func (c *Client) Pause(ctx context.Context, token string) (bool, error) {
	return c.putAck(ctx, token, "pause")
}

// Unpause resumes billing.
func (c *Client) Unpause(ctx context.Context, token string) (bool, error) {
	return c.putAck(ctx, token, "unpause")
}

func (c *Client) putAck(ctx context.Context, token, action string) (bool, error) {
	endpoint := c.endpoint("subscriptions", token, action)
	env, err := c.request(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return false, err
	}
	if !env.OK {
		return false, apiError(env, endpoint)
	}
	c.refresh(ctx, token)
	var ack bool
	if json.Unmarshal(env.Payload, &ack) == nil {
		return ack, nil
	}
	return true, nil
}

// ChargeParams are the optional fields of an ad-hoc charge.
type ChargeParams struct {
	ItemDescription string
	MPaymentID      string
	// SendNotification controls whether the gateway posts a transaction
	// notification for the charge. Defaults to true.
	SendNotification *bool
}

// Charge bills a tokenized agreement once, returning the gateway payment
// id. A successful charge without a payment id in the response is logged
// and returned with an empty id rather than failed: retrying it would risk
// a double charge.
func (c *Client) Charge(ctx context.Context, token string, amountCents int, itemName string, params ChargeParams) (string, error) {
	payload := map[string]any{
		"amount":    amountCents,
		"item_name": itemName,
		"itn":       "true",
	}
	if params.SendNotification != nil && !*params.SendNotification {
		payload["itn"] = "false"
	}
	if params.ItemDescription != "" {
		payload["item_description"] = params.ItemDescription
	}
	if params.MPaymentID != "" {
		payload["m_payment_id"] = params.MPaymentID
	}

	endpoint := c.endpoint("subscriptions", token, "adhoc")
	env, err := c.request(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return "", err
	}
	if !env.OK {
		return "", apiError(env, endpoint)
	}

	var pfPaymentID string
	if raw, ok := env.Extra["pf_payment_id"]; ok {
		if json.Unmarshal(raw, &pfPaymentID) != nil {
			var n json.Number
			if json.Unmarshal(raw, &n) == nil {
				pfPaymentID = n.String()
			}
		}
	}
	if pfPaymentID == "" {
		c.logger.ErrorContext(ctx, "charge succeeded but the response carried no payment id",
			slog.String("token", token),
			slog.Int("amount_cents", amountCents))
	}
	return pfPaymentID, nil
}

// UpdateCardLink returns the hosted page where the buyer updates the card
// behind a recurring agreement.
func (c *Client) UpdateCardLink(token, returnURL string) string {
	link := fmt.Sprintf("https://%s/eng/recurring/update/%s", c.cfg.Host, url.PathEscape(token))
	if returnURL != "" {
		link += "?return=" + url.QueryEscape(returnURL)
	}
	return link
}

func (c *Client) invalidate(ctx context.Context, token string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, c.cacheKey(token)); err != nil {
		c.logger.WarnContext(ctx, "failed to invalidate cached subscription",
			slog.String("token", token),
			slog.String("error", err.Error()))
	}
}

// refill stores the snapshot under the token's cache key, restarting its
// TTL. Failures only cost a reload on the next Fetch.
func (c *Client) refill(ctx context.Context, token string, sub *billing.Subscription) {
	if c.cache == nil || sub == nil {
		return
	}
	payload, err := json.Marshal(sub.SubscriptionData)
	if err != nil {
		return
	}
	if err := c.cache.Refresh(ctx, c.cacheKey(token), payload); err != nil {
		c.logger.WarnContext(ctx, "failed to refill cached subscription",
			slog.String("token", token),
			slog.String("error", err.Error()))
	}
}

// refresh drops the cached snapshot and refills it from the gateway, for
// mutations whose response does not carry the new state.
func (c *Client) refresh(ctx context.Context, token string) {
	c.invalidate(ctx, token)
	if c.cache == nil {
		return
	}
	sub, err := c.fetchRemote(ctx, token)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to refresh cached subscription",
			slog.String("token", token),
			slog.String("error", err.Error()))
		return
	}
	c.refill(ctx, token, sub)
}
