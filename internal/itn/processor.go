package itn

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"payfast/internal/billing"
	"payfast/internal/types"
)

// RemoteValidator confirms a notification body against the gateway itself.
// The gateway answers the literal string VALID for genuine notifications.
type RemoteValidator interface {
	Validate(ctx context.Context, data map[string]string) (bool, error)
}

// ExpectedAmountLookup resolves the amount the merchant expects for a
// payment, keyed by the merchant payment id. ok is false when no
// expectation is recorded, which leaves the amount check unresolved and the
// notification untrusted.
type ExpectedAmountLookup func(ctx context.Context, mPaymentID string) (amount decimal.Decimal, ok bool, err error)

// IdempotencyStore deduplicates notifications by gateway payment id. Mark
// returns false when the id was already recorded.
type IdempotencyStore interface {
	Mark(ctx context.Context, pfPaymentID string) (bool, error)
}

// Hooks are the merchant callbacks invoked after a notification has been
// fully verified. A nil hook is skipped. Hook errors are returned to the
// caller but do not undo gateway-side effects.
type Hooks struct {
	OnPaymentComplete  func(ctx context.Context, n *Notification) error
	OnPaymentCancelled func(ctx context.Context, n *Notification) error
	OnUpgradeApplied   func(ctx context.Context, n *Notification, upgrade billing.UpgradeMetadata) error
}

// Result is the outcome of processing one notification.
type Result struct {
	Notification *Notification
	Duplicate    bool
	Verified     bool
	// UpgradeApplied is set when the notification settled an upgrade and
	// the remote subscription change went through.
	UpgradeApplied bool
	// UpgradeRetryable is set when the upgrade side effect failed in a way
	// worth retrying (the payment itself is verified and recorded).
	UpgradeRetryable bool
	// SubscriptionRetryable is set when the notification carries a
	// subscription token whose snapshot lookup failed; the notification is
	// verified but uncorrelated, and reprocessing it may attach it.
	SubscriptionRetryable bool
}

// Processor runs the verification pipeline over incoming notifications.
type Processor struct {
	merchantID   string
	passphrase   types.SecretString
	allowList    *IPAllowList
	validator    RemoteValidator
	expectAmount ExpectedAmountLookup
	subs         billing.SubscriptionAPI
	store        IdempotencyStore
	hooks        Hooks
	logger       *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithIdempotencyStore enables duplicate suppression keyed on pf_payment_id.
func WithIdempotencyStore(store IdempotencyStore) ProcessorOption {
	return func(p *Processor) { p.store = store }
}

// WithHooks installs the merchant callbacks.
func WithHooks(hooks Hooks) ProcessorOption {
	return func(p *Processor) { p.hooks = hooks }
}

// WithSubscriptionAPI enables upgrade settlement for notifications carrying
// an upgrade payload.
func WithSubscriptionAPI(subs billing.SubscriptionAPI) ProcessorOption {
	return func(p *Processor) { p.subs = subs }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor builds a notification processor. The allow list, remote
// validator and expected amount lookup are mandatory: without all three the
// pipeline cannot reach a trusted verdict.
func NewProcessor(
	merchantID string,
	passphrase types.SecretString,
	allowList *IPAllowList,
	validator RemoteValidator,
	expectAmount ExpectedAmountLookup,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		merchantID:   merchantID,
		passphrase:   passphrase,
		allowList:    allowList,
		validator:    validator,
		expectAmount: expectAmount,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process parses, deduplicates and verifies a posted notification, then
// applies any upgrade it settles and invokes the merchant hooks. remoteAddr
// is the source address the gateway connected from.
func (p *Processor) Process(ctx context.Context, form map[string]string, remoteAddr string) (*Result, error) {
	n, err := Parse(form)
	if err != nil {
		return nil, err
	}
	res := &Result{Notification: n}

	if n.MerchantID != p.merchantID {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidField,
			"notification is addressed to a different merchant",
			nil,
			map[string]any{"merchant_id": n.MerchantID},
		)
	}

	p.runSecurityChecks(ctx, n, remoteAddr)
	res.Verified = n.Checks.Passed()

	p.logger.InfoContext(ctx, "processed notification",
		slog.String("pf_payment_id", n.PFPaymentID),
		slog.String("payment_status", string(n.PaymentStatus)),
		slog.Bool("verified", res.Verified),
		slog.String("signature_check", n.Checks.Signature.String()),
		slog.String("origin_check", n.Checks.Origin.String()),
		slog.String("amount_check", n.Checks.Amount.String()),
		slog.String("remote_check", n.Checks.RemoteConfirmation.String()))

	// Unverified notifications never consume the payment id: a transient
	// failure (a gateway blip on remote confirmation, say) must not turn
	// the gateway's retry of a genuine payment into a duplicate.
	if !res.Verified {
		return res, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPayment,
			"notification failed security verification",
			nil,
			map[string]any{
				"signature":           n.Checks.Signature.String(),
				"origin":              n.Checks.Origin.String(),
				"amount":              n.Checks.Amount.String(),
				"remote_confirmation": n.Checks.RemoteConfirmation.String(),
			},
		)
	}

	if p.store != nil {
		fresh, err := p.store.Mark(ctx, n.PFPaymentID)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record notification id", err)
		}
		if !fresh {
			p.logger.InfoContext(ctx, "ignoring duplicate notification",
				slog.String("pf_payment_id", n.PFPaymentID))
			res.Duplicate = true
			return res, nil
		}
	}

	p.attachSubscription(ctx, n, res)

	if n.IsComplete() && n.Upgrade != nil {
		applied, retryable := p.settleUpgrade(ctx, n)
		res.UpgradeApplied = applied
		res.UpgradeRetryable = retryable
		if applied && p.hooks.OnUpgradeApplied != nil {
			if err := p.hooks.OnUpgradeApplied(ctx, n, *n.Upgrade); err != nil {
				return res, err
			}
		}
	}

	switch {
	case n.IsComplete() && p.hooks.OnPaymentComplete != nil:
		if err := p.hooks.OnPaymentComplete(ctx, n); err != nil {
			return res, err
		}
	case n.IsCancellation() && p.hooks.OnPaymentCancelled != nil:
		if err := p.hooks.OnPaymentCancelled(ctx, n); err != nil {
			return res, err
		}
	}

	return res, nil
}

// runSecurityChecks populates n.Checks, running the full battery at most
// once. Every check runs regardless of earlier failures so operators get
// the complete breakdown; a check whose input is missing stays Skipped,
// which never counts as a pass.
func (p *Processor) runSecurityChecks(ctx context.Context, n *Notification, remoteAddr string) {
	if n.Checks != (CheckResults{}) {
		return
	}

	n.Checks.Signature = checkSignature(n, p.passphrase)

	// Without a source address the origin cannot be judged either way.
	if remoteAddr != "" {
		if p.allowList.Contains(remoteAddr) {
			n.Checks.Origin = types.CheckPassed
		} else {
			n.Checks.Origin = types.CheckFailed
		}
	}

	expected, ok, err := p.expectAmount(ctx, n.MPaymentID)
	switch {
	case err != nil:
		p.logger.ErrorContext(ctx, "expected amount lookup failed",
			slog.String("m_payment_id", n.MPaymentID),
			slog.String("error", err.Error()))
		n.Checks.Amount = types.CheckFailed
	case !ok:
		// No recorded expectation. The check cannot resolve, and an
		// unresolved check is not a pass.
	default:
		n.Checks.Amount = checkAmount(n, expected)
	}

	valid, err := p.validator.Validate(ctx, n.raw)
	switch {
	case err != nil:
		p.logger.ErrorContext(ctx, "remote confirmation failed",
			slog.String("pf_payment_id", n.PFPaymentID),
			slog.String("error", err.Error()))
		n.Checks.RemoteConfirmation = types.CheckFailed
	case valid:
		n.Checks.RemoteConfirmation = types.CheckPassed
	default:
		n.Checks.RemoteConfirmation = types.CheckFailed
	}
}

// attachSubscription correlates a verified token-carrying notification with
// its current remote subscription snapshot. A failed lookup is not fatal:
// the notification stays valid and the miss is surfaced as retryable.
func (p *Processor) attachSubscription(ctx context.Context, n *Notification, res *Result) {
	if n.Token == "" || p.subs == nil {
		return
	}
	sub, err := p.subs.Fetch(ctx, n.Token)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch subscription for notification",
			slog.String("token", n.Token),
			slog.String("error", err.Error()))
		res.SubscriptionRetryable = true
		return
	}
	n.Subscription = sub
}

// settleUpgrade applies the subscription change a verified upgrade payment
// pays for. Failures here do not invalidate the payment; they are logged
// and reported as retryable so the merchant can reconcile.
func (p *Processor) settleUpgrade(ctx context.Context, n *Notification) (applied, retryable bool) {
	upgrade := *n.Upgrade
	if p.subs == nil {
		p.logger.WarnContext(ctx, "upgrade payment received but no subscription client is configured",
			slog.String("token", upgrade.Token))
		return false, true
	}

	if upgrade.Cancel {
		if _, err := p.subs.Cancel(ctx, upgrade.Token); err != nil {
			p.logger.ErrorContext(ctx, "failed to cancel subscription for upgrade",
				slog.String("token", upgrade.Token),
				slog.String("error", err.Error()))
			return false, true
		}
		p.logger.InfoContext(ctx, "cancelled subscription for replacement upgrade",
			slog.String("token", upgrade.Token))
		return true, false
	}

	if _, err := p.subs.Update(ctx, upgrade.Token, billing.UpdateParams{Amount: upgrade.Amount}); err != nil {
		p.logger.ErrorContext(ctx, "failed to apply upgrade amount",
			slog.String("token", upgrade.Token),
			slog.String("error", err.Error()))
		return false, true
	}
	p.logger.InfoContext(ctx, "applied upgrade amount",
		slog.String("token", upgrade.Token),
		slog.String("amount", upgrade.Amount.StringFixed(2)))
	return true, false
}
