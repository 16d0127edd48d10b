package external

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"payfast/internal/signature"
	"payfast/internal/types"
)

// Validator replays notification data to the gateway's validation endpoint.
// The gateway answers the literal string VALID when the notification is
// genuinely one it sent.
type Validator struct {
	base        *BaseClient
	validateURL string
	passphrase  types.SecretString
	logger      *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger overrides the default logger.
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// WithValidatorBaseClient replaces the resilient HTTP core, mainly for tests.
func WithValidatorBaseClient(base *BaseClient) ValidatorOption {
	return func(v *Validator) { v.base = base }
}

// NewValidator builds a validator for the given endpoint, normally
// https://<host>/eng/query/validate.
func NewValidator(validateURL string, passphrase types.SecretString, opts ...ValidatorOption) *Validator {
	v := &Validator{
		validateURL: validateURL,
		passphrase:  passphrase,
		logger:      slog.Default(),
	}
	v.base = NewBaseClient(
		&http.Client{Timeout: 30 * time.Second},
		"payfast-validate",
		DefaultRetryPolicy(),
		"payfast-go",
	)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate posts the notification body back to the gateway and reports
// whether it answered VALID.
func (v *Validator) Validate(ctx context.Context, data map[string]string) (bool, error) {
	body, err := signature.Encode(data, v.passphrase, signature.Permissive)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.validateURL, strings.NewReader(body))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build validation request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.base.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeTransportConnection, "failed to read validation response", err)
	}
	if string(answer) == "VALID" {
		return true, nil
	}
	v.logger.WarnContext(ctx, "gateway did not confirm notification",
		slog.Int("status", resp.StatusCode),
		slog.String("answer", string(answer)))
	return false, nil
}
