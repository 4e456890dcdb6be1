// Package phone canonicalizes inbound phone identities so that every
// contact lookup and write uses a single representation, with a bounded
// set of legacy equivalents for records written before normalization.
package phone

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var nonDigitRe = regexp.MustCompile(`\D`)

// ErrInvalidNumber marks identities that cannot be a phone number. The
// boundary layers test for it with errors.Is to reject such input as a
// validation failure rather than an internal error.
var ErrInvalidNumber = eris.New("phone: invalid number")

// Normalizer converts raw channel identities to canonical phone numbers.
type Normalizer struct {
	countryCode string
}

// New creates a Normalizer with the given default country code, applied
// to numbers that arrive without one.
func New(countryCode string) *Normalizer {
	if countryCode == "" {
		countryCode = "55"
	}
	return &Normalizer{countryCode: countryCode}
}

// Canonical normalizes a raw phone identity:
//  1. Strips every non-digit character
//  2. Prefixes the default country code when the number is in national form
//  3. Restores the mobile ninth digit for legacy 8-digit mobile numbers
func (n *Normalizer) Canonical(raw string) (string, error) {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if len(digits) < 8 {
		return "", eris.Wrapf(ErrInvalidNumber, "too short: %q", raw)
	}
	if len(digits) > 15 {
		return "", eris.Wrapf(ErrInvalidNumber, "too long: %q", raw)
	}

	// National form: area code + subscriber, no country code.
	if !strings.HasPrefix(digits, n.countryCode) && (len(digits) == 10 || len(digits) == 11) {
		digits = n.countryCode + digits
	}

	// Legacy 8-digit mobile: insert the ninth digit after the area code.
	// Only applies to country code 55, whose mobile numbers start 6-9.
	if n.countryCode == "55" && strings.HasPrefix(digits, "55") && len(digits) == 12 {
		subscriber := digits[4:]
		if subscriber[0] >= '6' && subscriber[0] <= '9' {
			digits = digits[:4] + "9" + subscriber
		}
	}

	return digits, nil
}

// Equivalents returns the bounded set of legacy representations that may
// still identify the same contact in rows written before normalization.
// The canonical form is always first.
func (n *Normalizer) Equivalents(canonical string) []string {
	eq := []string{canonical}

	// Form without country code.
	if strings.HasPrefix(canonical, n.countryCode) && len(canonical) > len(n.countryCode)+8 {
		eq = append(eq, canonical[len(n.countryCode):])
	}

	// Mobile form without the ninth digit.
	if n.countryCode == "55" && strings.HasPrefix(canonical, "55") && len(canonical) == 13 && canonical[4] == '9' {
		short := canonical[:4] + canonical[5:]
		eq = append(eq, short, short[2:])
	}

	return eq
}
