package external

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"payfast/internal/types"
)

// Envelope is the gateway's response wrapper. Most endpoints answer
//
//	{"code": 200, "status": "success", "data": {"response": ..., "message": ...}}
//
// but the payload type varies per endpoint (object, bool, int or string) and
// the transactions endpoints skip the data nesting entirely, so the payload
// is kept raw for the caller to decode.
type Envelope struct {
	Code    int
	Status  string
	Message string
	Payload json.RawMessage

	HTTPStatus int
	OK         bool

	// Body is the raw response body, kept for error reporting.
	Body []byte

	// Extra fields some endpoints attach alongside the payload, such as
	// pf_payment_id on adhoc charges.
	Extra map[string]json.RawMessage
}

// wireEnvelope matches the outer JSON shape. Code arrives as either a number
// or a string depending on the endpoint.
type wireEnvelope struct {
	Code     json.RawMessage            `json:"code"`
	Status   string                     `json:"status"`
	Data     map[string]json.RawMessage `json:"data"`
	Response json.RawMessage            `json:"response"`
}

// ParseEnvelope decodes a gateway response body. It never fails on malformed
// bodies; the envelope falls back to the HTTP status so error mapping still
// has something to work with.
func ParseEnvelope(resp *http.Response, body []byte) *Envelope {
	env := &Envelope{
		HTTPStatus: resp.StatusCode,
		Code:       resp.StatusCode,
		OK:         resp.StatusCode < 400,
		Body:       body,
	}

	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		env.OK = false
		return env
	}

	env.Status = wire.Status
	if code, ok := parseWireCode(wire.Code); ok {
		env.Code = code
	}

	if wire.Data != nil {
		env.Payload = wire.Data["response"]
		if raw, ok := wire.Data["message"]; ok {
			_ = json.Unmarshal(raw, &env.Message)
		}
		env.Extra = wire.Data
	}
	if len(env.Payload) == 0 {
		// The transactions endpoints put the payload at the top level.
		env.Payload = wire.Response
	}

	// Some lookups answer 400 with a "not found" payload string.
	var payloadStr string
	if json.Unmarshal(env.Payload, &payloadStr) == nil && strings.EqualFold(payloadStr, "not found") {
		env.Code = http.StatusNotFound
	}

	if env.Code == 0 {
		env.Code = resp.StatusCode
	}
	env.OK = resp.StatusCode < 400 && env.Code >= 200 && env.Code < 300
	return env
}

// parseWireCode accepts both numeric and quoted codes.
func parseWireCode(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	return 0, false
}

// readEnvelope drains a response into an envelope. The caller keeps
// ownership of closing the body.
func readEnvelope(resp *http.Response) (*Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeTransportConnection, "failed to read gateway response", err)
	}
	return ParseEnvelope(resp, body), nil
}

// errorBodyLimit caps how much of a failed response body ends up in error
// details.
const errorBodyLimit = 2048

// apiError wraps a non-OK envelope in a domain error carrying the gateway's
// own code and message, plus the transport status and raw body for
// debugging.
func apiError(env *Envelope, url string) *types.AppError {
	code := types.ErrCodeUpstreamAPI
	if env.Code == http.StatusNotFound {
		code = types.ErrCodeUpstreamSubscriptionLookup
	}
	msg := env.Message
	if msg == "" {
		msg = fmt.Sprintf("gateway request failed with code %d", env.Code)
	}
	body := env.Body
	if len(body) > errorBodyLimit {
		body = body[:errorBodyLimit]
	}
	return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{
		"gateway_code":   env.Code,
		"gateway_status": env.Status,
		"http_status":    env.HTTPStatus,
		"url":            url,
		"body":           string(body),
	})
}
