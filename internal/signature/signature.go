// Package signature implements the gateway's canonical signing codec: a
// deterministic, field-ordered URL-form encoding of a parameter set plus an
// MD5 digest over it. The same codec signs outbound requests and verifies
// inbound notification signatures, so the encoding must match the gateway
// byte for byte.
package signature

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"payfast/internal/types"
)

// Mode selects the canonical field ordering.
type Mode int

const (
	// Strict orders fields by their position in the gateway's published
	// field list and rejects any field not on it. The passphrase is appended
	// as a trailing pair, never sorted in. Used for hosted-payment form data.
	Strict Mode = iota

	// Permissive sorts all present fields lexicographically and injects the
	// passphrase as an ordinary "passphrase" field. Inbound notifications
	// and API calls may carry fields outside the published list, which is
	// why verification cannot use Strict.
	Permissive
)

// passphraseField is the synthetic field name carrying the shared secret.
const passphraseField = "passphrase"

// signatureField is always excluded from the encoding; it is the output,
// not an input.
const signatureField = "signature"

// canonicalOrder is the gateway's published field order for Strict mode.
var canonicalOrder = []string{
	"merchant_id",
	"merchant_key",
	"return_url",
	"cancel_url",
	"notify_url",

	"name_first",
	"name_last",
	"email_address",
	"cell_number",

	"m_payment_id",

	"pf_payment_id",
	"payment_status",

	"amount",
	"item_name",
	"item_description",

	"amount_gross",
	"amount_fee",
	"amount_net",

	"custom_int1",
	"custom_int2",
	"custom_int3",
	"custom_int4",
	"custom_int5",
	"custom_str1",
	"custom_str2",
	"custom_str3",
	"custom_str4",
	"custom_str5",

	"email_confirmation",
	"confirmation_address",

	"payment_method",

	"subscription_type",
	"token",
	"billing_date",
	"recurring_amount",
	"frequency",
	"cycles",
	"subscription_notify_email",
	"subscription_notify_webhook",
	"subscription_notify_buyer",

	"signature",
}

// canonicalIndex maps a field name to its Strict-mode position.
var canonicalIndex = func() map[string]int {
	m := make(map[string]int, len(canonicalOrder))
	for i, k := range canonicalOrder {
		m[k] = i
	}
	return m
}()

// Encode produces the canonical URL-form encoding of data in the given mode.
// The signature field is excluded, absent fields are simply not present
// (present-but-empty values ARE encoded, matching how the gateway posts
// blank notification fields), and the passphrase is merged in according to
// the mode. In Strict mode an unknown field name is an error.
func Encode(data map[string]string, passphrase types.SecretString, mode Mode) (string, error) {
	keys := make([]string, 0, len(data)+1)
	for k := range data {
		if k == signatureField {
			continue
		}
		keys = append(keys, k)
	}

	switch mode {
	case Permissive:
		keys = append(keys, passphraseField)
		sort.Strings(keys)
	default:
		for _, k := range keys {
			if _, ok := canonicalIndex[k]; !ok {
				return "", types.NewAppError(
					types.ErrCodeValidationUnknownField,
					"field "+k+" is not in the gateway's signing field list",
					nil,
				)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			return canonicalIndex[keys[i]] < canonicalIndex[keys[j]]
		})
	}

	var b strings.Builder
	for i, k := range keys {
		v := ""
		if k == passphraseField {
			v = passphrase.Unmask()
		} else {
			v = data[k]
		}
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}

	if mode == Strict {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(passphraseField)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(passphrase.Unmask()))
	}
	return b.String(), nil
}

// Make computes the lowercase hex MD5 signature of the canonical encoding.
func Make(data map[string]string, passphrase types.SecretString, mode Mode) (string, error) {
	encoded, err := Encode(data, passphrase, mode)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(encoded))
	return hex.EncodeToString(sum[:]), nil
}

// IsValid recomputes the Permissive-mode signature for data and compares it
// against candidate. The comparison is case-sensitive and constant-time.
// It never returns an error: anything that prevents recomputation simply
// fails verification.
func IsValid(candidate string, data map[string]string, passphrase types.SecretString) bool {
	if candidate == "" {
		return false
	}
	expected, err := Make(data, passphrase, Permissive)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}
