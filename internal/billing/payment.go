package billing

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payfast/internal/signature"
	"payfast/internal/types"
)

// metadataMaxLen is the gateway's hard limit on any custom_str field.
const metadataMaxLen = 255

// MerchantConfig is the merchant identity a payment is prepared against.
type MerchantConfig struct {
	MerchantID  string
	MerchantKey types.SecretString
	Passphrase  types.SecretString
	ReturnURL   string
	CancelURL   string
	NotifyURL   string
}

// Metadata is the structured general metadata serialized into custom_str1.
// custom_str1 and custom_str2 are reserved; merchants get custom_str3..5.
type Metadata struct {
	UserID          string           `json:"user_id,omitempty"`
	PlanID          string           `json:"plan_id,omitempty"`
	TrialStartedAt  *time.Time       `json:"trial_started_at,omitempty"`
	TrialExpiresAt  *time.Time       `json:"trial_expires_at,omitempty"`
	RunDate         *time.Time       `json:"run_date,omitempty"`
	RecurringAmount *decimal.Decimal `json:"recurring_amount,omitempty"`
	IsTokenized     bool             `json:"is_tokenized,omitempty"`
}

// Payment is a prepared once-off hosted payment. Construction validates the
// amount and field constraints; Fields() produces the signed form data the
// buyer is redirected with.
type Payment struct {
	Amount          decimal.Decimal
	ItemName        string
	ItemDescription string
	MPaymentID      string

	Merchant MerchantConfig

	NameFirst    string
	NameLast     string
	EmailAddress string
	CellNumber   string

	CustomInts [5]*int
	// CustomStr3..5; slots 1 and 2 are reserved for metadata and upgrade
	// payloads respectively.
	CustomStr3 string
	CustomStr4 string
	CustomStr5 string

	EmailConfirmation   *bool
	ConfirmationAddress string
	PaymentMethod       types.PaymentMethod

	Meta Metadata

	// upgradeMetadata is the serialized upgrade payload destined for
	// custom_str2. Only the upgrade orchestrator sets it.
	upgradeMetadata string
}

// PaymentOption mutates a Payment during construction.
type PaymentOption func(*Payment)

// WithMPaymentID sets the merchant payment id. Without it a UUID is
// generated, since the expected-amount lookup during ITN verification is
// keyed on this value.
func WithMPaymentID(id string) PaymentOption {
	return func(p *Payment) { p.MPaymentID = id }
}

// WithBuyer sets the buyer identity fields.
func WithBuyer(first, last, email string) PaymentOption {
	return func(p *Payment) {
		p.NameFirst = first
		p.NameLast = last
		p.EmailAddress = email
	}
}

// WithMetadata sets the general metadata serialized into custom_str1.
func WithMetadata(meta Metadata) PaymentOption {
	return func(p *Payment) { p.Meta = meta }
}

// WithPaymentMethod overrides the default credit-card payment method.
func WithPaymentMethod(m types.PaymentMethod) PaymentOption {
	return func(p *Payment) { p.PaymentMethod = m }
}

// withUpgradeMetadata carries the serialized upgrade payload in custom_str2.
func withUpgradeMetadata(blob string) PaymentOption {
	return func(p *Payment) { p.upgradeMetadata = blob }
}

// paymentForm mirrors the gateway's field constraints for validation.
type paymentForm struct {
	Amount     string `validate:"required"`
	ItemName   string `validate:"required,max=100"`
	MPaymentID string `validate:"max=100"`
	Email      string `validate:"omitempty,email"`
	CustomStr1 string `validate:"max=255"`
	CustomStr2 string `validate:"max=255"`
	CustomStr3 string `validate:"max=255"`
	CustomStr4 string `validate:"max=255"`
	CustomStr5 string `validate:"max=255"`
}

var formValidator = validator.New()

// NewPayment prepares a once-off payment. The amount must be at least the
// gateway minimum (5.00 ZAR) unless it is exactly zero, which the gateway
// allows for trial signups.
func NewPayment(merchant MerchantConfig, amount decimal.Decimal, itemName string, opts ...PaymentOption) (*Payment, error) {
	p := &Payment{
		Amount:        amount.Round(2),
		ItemName:      itemName,
		Merchant:      merchant,
		PaymentMethod: types.PaymentMethodCreditCard,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.MPaymentID == "" {
		p.MPaymentID = uuid.NewString()
	}

	if p.Amount.LessThan(MinAmount) && !p.Amount.IsZero() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMinAmount,
			"payment amount is below the gateway minimum",
			nil,
			map[string]any{"amount": p.Amount.StringFixed(2), "minimum": MinAmount.StringFixed(2)},
		)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Payment) validate() error {
	meta, err := p.MetadataJSON()
	if err != nil {
		return err
	}
	form := paymentForm{
		Amount:     p.Amount.StringFixed(2),
		ItemName:   p.ItemName,
		MPaymentID: p.MPaymentID,
		Email:      p.EmailAddress,
		CustomStr1: meta,
		CustomStr2: p.upgradeMetadata,
		CustomStr3: p.CustomStr3,
		CustomStr4: p.CustomStr4,
		CustomStr5: p.CustomStr5,
	}
	if err := formValidator.Struct(form); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationInvalidPayment,
			"payment fields failed validation",
			err,
		)
	}
	return nil
}

// MetadataJSON serializes the general metadata for custom_str1, enforcing
// the gateway's 255 character limit.
func (p *Payment) MetadataJSON() (string, error) {
	if p.Meta == (Metadata{}) {
		return "", nil
	}
	raw, err := json.Marshal(p.Meta)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize payment metadata", err)
	}
	if len(raw) > metadataMaxLen {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationMetadataLength,
			"custom_str1 metadata exceeds the gateway's 255 character limit",
			nil,
			map[string]any{"length": len(raw)},
		)
	}
	return string(raw), nil
}

// baseFields assembles the unsigned field map shared by all payment kinds.
func (p *Payment) baseFields() (map[string]string, error) {
	fields := map[string]string{
		"merchant_id":  p.Merchant.MerchantID,
		"merchant_key": p.Merchant.MerchantKey.Unmask(),
		"amount":       p.Amount.StringFixed(2),
		"item_name":    p.ItemName,
	}
	putIfSet := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	putIfSet("m_payment_id", p.MPaymentID)
	putIfSet("item_description", p.ItemDescription)
	putIfSet("return_url", p.Merchant.ReturnURL)
	putIfSet("cancel_url", p.Merchant.CancelURL)
	putIfSet("notify_url", p.Merchant.NotifyURL)
	putIfSet("name_first", p.NameFirst)
	putIfSet("name_last", p.NameLast)
	putIfSet("email_address", p.EmailAddress)
	putIfSet("cell_number", p.CellNumber)
	putIfSet("custom_str3", p.CustomStr3)
	putIfSet("custom_str4", p.CustomStr4)
	putIfSet("custom_str5", p.CustomStr5)
	putIfSet("payment_method", string(p.PaymentMethod))

	meta, err := p.MetadataJSON()
	if err != nil {
		return nil, err
	}
	putIfSet("custom_str1", meta)
	putIfSet("custom_str2", p.upgradeMetadata)

	for i, v := range p.CustomInts {
		if v != nil {
			fields["custom_int"+strconv.Itoa(i+1)] = strconv.Itoa(*v)
		}
	}
	if p.EmailConfirmation != nil {
		if *p.EmailConfirmation {
			fields["email_confirmation"] = "1"
		} else {
			fields["email_confirmation"] = "0"
		}
		putIfSet("confirmation_address", p.ConfirmationAddress)
	}
	return fields, nil
}

// Fields returns the complete signed form data for the hosted payment page.
// The signature is computed in strict canonical order.
func (p *Payment) Fields() (map[string]string, error) {
	fields, err := p.baseFields()
	if err != nil {
		return nil, err
	}
	sig, err := signature.Make(fields, p.Merchant.Passphrase, signature.Strict)
	if err != nil {
		return nil, err
	}
	fields["signature"] = sig
	return fields, nil
}

// ---------------------------------------------------------------------------
// Subscription payments
// ---------------------------------------------------------------------------

// SubscriptionPayment prepares a hosted payment that also establishes a
// recurring billing agreement.
type SubscriptionPayment struct {
	Payment

	Frequency       types.Frequency
	Cycles          int
	BillingDate     time.Time
	RecurringAmount decimal.Decimal

	TrialStartedAt time.Time
	TrialExpiresAt time.Time

	freeDays    int
	paymentOpts []PaymentOption
}

// SubscriptionOption mutates a SubscriptionPayment during construction.
type SubscriptionOption func(*SubscriptionPayment)

// WithFrequency sets the billing frequency (default monthly).
func WithFrequency(f types.Frequency) SubscriptionOption {
	return func(sp *SubscriptionPayment) { sp.Frequency = f }
}

// WithCycles sets the total number of billing cycles (default indefinite).
func WithCycles(n int) SubscriptionOption {
	return func(sp *SubscriptionPayment) { sp.Cycles = n }
}

// WithBillingDate sets the first charge date explicitly. Mutually exclusive
// with WithFreeDays.
func WithBillingDate(d time.Time) SubscriptionOption {
	return func(sp *SubscriptionPayment) { sp.BillingDate = d }
}

// WithFreeDays starts the agreement with a free trial of n days. Billing
// begins the day after the trial ends, never on the final trial day.
func WithFreeDays(n int) SubscriptionOption {
	return func(sp *SubscriptionPayment) { sp.freeDays = n }
}

// WithRecurringAmount sets the per-cycle amount when it differs from the
// upfront amount (required for free trials, where the upfront amount is 0).
func WithRecurringAmount(amount decimal.Decimal) SubscriptionOption {
	return func(sp *SubscriptionPayment) { sp.RecurringAmount = amount.Round(2) }
}

// WithPaymentOptions forwards base payment options.
func WithPaymentOptions(opts ...PaymentOption) SubscriptionOption {
	return func(sp *SubscriptionPayment) { sp.paymentOpts = append(sp.paymentOpts, opts...) }
}

// NewSubscriptionPayment prepares a recurring hosted payment.
func NewSubscriptionPayment(merchant MerchantConfig, amount decimal.Decimal, itemName string, opts ...SubscriptionOption) (*SubscriptionPayment, error) {
	sp := &SubscriptionPayment{
		Frequency: types.FrequencyMonthly,
		Cycles:    types.CyclesIndefinite,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if !sp.Frequency.Valid() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidField,
			"unknown billing frequency",
			nil,
			map[string]any{"frequency": int(sp.Frequency)},
		)
	}
	if sp.freeDays > 0 && !sp.BillingDate.IsZero() {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidField,
			"free trial days and an explicit billing date are mutually exclusive",
			nil,
		)
	}

	amount = amount.Round(2)
	if sp.RecurringAmount.IsZero() {
		if amount.IsZero() {
			return nil, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"a recurring amount is required when the upfront amount is zero",
				nil,
			)
		}
		sp.RecurringAmount = amount
	}
	if sp.RecurringAmount.LessThan(MinAmount) && !sp.RecurringAmount.IsZero() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMinAmount,
			"recurring amount is below the gateway minimum",
			nil,
			map[string]any{"recurring_amount": sp.RecurringAmount.StringFixed(2)},
		)
	}

	if sp.freeDays > 0 {
		now := types.GatewayNow()
		sp.TrialStartedAt = now
		// Bill the day after the trial expires, not on the day itself.
		sp.BillingDate = now.AddDate(0, 0, sp.freeDays+1)
		sp.TrialExpiresAt = sp.BillingDate
		amount = decimal.Zero.Round(2)
	}
	if sp.BillingDate.IsZero() {
		sp.BillingDate = types.GatewayNow()
	}

	paymentOpts := sp.paymentOpts
	base, err := NewPayment(merchant, amount, itemName, paymentOpts...)
	if err != nil {
		return nil, err
	}
	sp.Payment = *base

	// Fold the trial window and billing schedule into the reserved metadata.
	if !sp.TrialStartedAt.IsZero() {
		started, expires := sp.TrialStartedAt, sp.TrialExpiresAt
		sp.Meta.TrialStartedAt = &started
		sp.Meta.TrialExpiresAt = &expires
	}
	runDate := sp.BillingDate
	sp.Meta.RunDate = &runDate
	recurring := sp.RecurringAmount
	sp.Meta.RecurringAmount = &recurring
	return sp, nil
}

// Fields returns the complete signed form data including the recurring
// billing fields.
func (sp *SubscriptionPayment) Fields() (map[string]string, error) {
	fields, err := sp.baseFields()
	if err != nil {
		return nil, err
	}
	fields["subscription_type"] = strconv.Itoa(int(types.SubscriptionTypeRegular))
	fields["frequency"] = strconv.Itoa(int(sp.Frequency))
	fields["cycles"] = strconv.Itoa(sp.Cycles)
	fields["billing_date"] = types.GatewayDate(sp.BillingDate).Format("2006-01-02")
	fields["recurring_amount"] = sp.RecurringAmount.StringFixed(2)

	sig, err := signature.Make(fields, sp.Merchant.Passphrase, signature.Strict)
	if err != nil {
		return nil, err
	}
	fields["signature"] = sig
	return fields, nil
}

// TokenizedPayment prepares a hosted payment that stores the card for later
// ad-hoc charges instead of a fixed schedule.
type TokenizedPayment struct {
	Payment
}

// NewTokenizedPayment prepares a tokenization payment.
func NewTokenizedPayment(merchant MerchantConfig, amount decimal.Decimal, itemName string, opts ...PaymentOption) (*TokenizedPayment, error) {
	base, err := NewPayment(merchant, amount, itemName, opts...)
	if err != nil {
		return nil, err
	}
	tp := &TokenizedPayment{Payment: *base}
	tp.Meta.IsTokenized = true
	return tp, nil
}

// Fields returns the signed form data with the tokenization subscription type.
func (tp *TokenizedPayment) Fields() (map[string]string, error) {
	fields, err := tp.baseFields()
	if err != nil {
		return nil, err
	}
	fields["subscription_type"] = strconv.Itoa(int(types.SubscriptionTypeTokenization))
	sig, err := signature.Make(fields, tp.Merchant.Passphrase, signature.Strict)
	if err != nil {
		return nil, err
	}
	fields["signature"] = sig
	return fields, nil
}
