package itn

import (
	"net/netip"

	"github.com/shopspring/decimal"

	"payfast/internal/signature"
	"payfast/internal/types"
)

// amountTolerance bounds the rounding drift allowed between the amount the
// merchant expects and the gross amount the gateway reports. The difference
// must stay strictly below one cent; a full cent is a mismatch.
var amountTolerance = decimal.NewFromFloat(0.01)

// CheckResults records the outcome of each security check. A check that was
// not run stays Skipped, which is distinct from passing: the overall verdict
// requires every check to have actually passed.
type CheckResults struct {
	Signature          types.CheckStatus
	Origin             types.CheckStatus
	Amount             types.CheckStatus
	RemoteConfirmation types.CheckStatus
}

// Passed reports whether all four checks ran and passed.
func (r CheckResults) Passed() bool {
	return r.Signature == types.CheckPassed &&
		r.Origin == types.CheckPassed &&
		r.Amount == types.CheckPassed &&
		r.RemoteConfirmation == types.CheckPassed
}

// IPAllowList is the set of source networks notifications are accepted from.
type IPAllowList struct {
	prefixes []netip.Prefix
}

// NewIPAllowList parses CIDR prefixes and bare addresses into an allow list.
func NewIPAllowList(entries []string) (*IPAllowList, error) {
	list := &IPAllowList{}
	for _, entry := range entries {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, types.NewAppErrorWithDetails(
					types.ErrCodeValidationInvalidField,
					"allow list entry is neither a CIDR prefix nor an address",
					err,
					map[string]any{"entry": entry},
				)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		list.prefixes = append(list.prefixes, prefix)
	}
	return list, nil
}

// Contains reports whether the address falls inside any allowed network. An
// unparseable address is never allowed.
func (l *IPAllowList) Contains(remoteAddr string) bool {
	addr, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// checkSignature verifies the posted signature against a permissive
// recomputation over the notification body.
func checkSignature(n *Notification, passphrase types.SecretString) types.CheckStatus {
	if n.Signature == "" {
		return types.CheckFailed
	}
	if signature.IsValid(n.Signature, n.raw, passphrase) {
		return types.CheckPassed
	}
	return types.CheckFailed
}

// checkAmount compares the reported gross amount to the merchant's expected
// amount, tolerating only sub-cent drift.
func checkAmount(n *Notification, expected decimal.Decimal) types.CheckStatus {
	if n.AmountGross == nil {
		return types.CheckFailed
	}
	if n.AmountGross.Sub(expected).Abs().LessThan(amountTolerance) {
		return types.CheckPassed
	}
	return types.CheckFailed
}
