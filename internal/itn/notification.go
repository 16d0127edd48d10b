// Package itn receives and verifies the gateway's instant transaction
// notifications. A notification is only trusted after all four security
// checks pass: signature, source address, expected amount, and a remote
// confirmation against the gateway itself.
package itn

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"payfast/internal/billing"
	"payfast/internal/types"
)

// Notification is a decoded transaction notification. Numeric and date
// fields are coerced from their wire form; coercion failures on optional
// fields leave the field nil rather than failing the whole notification.
type Notification struct {
	MPaymentID      string
	PFPaymentID     string
	PaymentStatus   types.PaymentStatus
	ItemName        string
	ItemDescription string

	AmountGross *decimal.Decimal
	// AmountFee is the gateway's fee. The wire value is negative; it is
	// stored as a positive amount.
	AmountFee *decimal.Decimal
	AmountNet *decimal.Decimal

	NameFirst    string
	NameLast     string
	EmailAddress string
	CellNumber   string

	MerchantID string
	Token      string

	BillingDate *time.Time

	CustomStrs [5]string
	CustomInts [5]*int

	// Meta is the structured metadata recovered from custom_str1, when
	// present and decodable.
	Meta *billing.Metadata
	// Upgrade is the upgrade payload recovered from custom_str2.
	Upgrade *billing.UpgradeMetadata

	Signature string

	// Checks is populated by the processor's security pipeline.
	Checks CheckResults

	// Subscription is the remote snapshot fetched for token-carrying
	// notifications once the security checks have passed.
	Subscription *billing.Subscription

	raw map[string]string
}

// Parse decodes a notification from the posted form data. Only the fields
// every notification carries are required; everything else is best effort.
func Parse(data map[string]string) (*Notification, error) {
	for _, required := range []string{"pf_payment_id", "payment_status", "merchant_id"} {
		if data[required] == "" {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField,
				"notification is missing a required field",
				nil,
				map[string]any{"field": required},
			)
		}
	}

	n := &Notification{
		MPaymentID:      data["m_payment_id"],
		PFPaymentID:     data["pf_payment_id"],
		PaymentStatus:   types.PaymentStatus(data["payment_status"]),
		ItemName:        data["item_name"],
		ItemDescription: data["item_description"],
		NameFirst:       data["name_first"],
		NameLast:        data["name_last"],
		EmailAddress:    data["email_address"],
		CellNumber:      data["cell_number"],
		MerchantID:      data["merchant_id"],
		Token:           data["token"],
		Signature:       data["signature"],
		raw:             data,
	}

	n.AmountGross = parseAmount(data["amount_gross"], false)
	n.AmountFee = parseAmount(data["amount_fee"], true)
	n.AmountNet = parseAmount(data["amount_net"], false)

	if v := data["billing_date"]; v != "" {
		if t, err := time.ParseInLocation("2006-01-02", v, types.GatewayLocation()); err == nil {
			n.BillingDate = &t
		}
	}

	for i := 0; i < 5; i++ {
		idx := strconv.Itoa(i + 1)
		n.CustomStrs[i] = data["custom_str"+idx]
		if v := data["custom_int"+idx]; v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				n.CustomInts[i] = &parsed
			}
		}
	}

	// custom_str1 and custom_str2 are reserved; a blob that does not decode
	// is treated as merchant data and left in CustomStrs untouched.
	if blob := n.CustomStrs[0]; blob != "" {
		var meta billing.Metadata
		if err := json.Unmarshal([]byte(blob), &meta); err == nil {
			n.Meta = &meta
		}
	}
	if blob := n.CustomStrs[1]; blob != "" {
		var upgrade billing.UpgradeMetadata
		if err := json.Unmarshal([]byte(blob), &upgrade); err == nil && upgrade.Token != "" {
			n.Upgrade = &upgrade
		}
	}

	return n, nil
}

// parseAmount coerces a wire amount, optionally flipping sign. The gateway
// reports its fee as a negative number.
func parseAmount(v string, abs bool) *decimal.Decimal {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil
	}
	if abs {
		d = d.Abs()
	}
	d = d.Round(2)
	return &d
}

// IsComplete reports whether the notification carries a completed payment.
func (n *Notification) IsComplete() bool {
	return n.PaymentStatus.IsComplete()
}

// IsCancellation reports whether the notification announces a cancelled
// recurring agreement.
func (n *Notification) IsCancellation() bool {
	return n.PaymentStatus == types.PaymentStatusCancelled
}

// UserID returns the user id attached at payment time, if any.
func (n *Notification) UserID() string {
	if n.Meta == nil {
		return ""
	}
	return n.Meta.UserID
}

// SecurityChecksPassed reports whether every verification check passed.
func (n *Notification) SecurityChecksPassed() bool {
	return n.Checks.Passed()
}

// UpgradeToken returns the subscription token of the upgrade this payment
// settles, or empty when the payment is not an upgrade.
func (n *Notification) UpgradeToken() string {
	if n.Upgrade == nil {
		return ""
	}
	return n.Upgrade.Token
}

// Raw returns the posted form data the notification was decoded from.
func (n *Notification) Raw() map[string]string {
	return n.raw
}
