// Package identifier turns raw phone numbers and cell identifiers into
// canonical forms and sets of equivalent textual variants used for matching.
package identifier

import (
	"strings"
	"unicode"
)

const (
	// DefaultCountryCode is the dialing code assumed for national numbers
	DefaultCountryCode = "221"
	// DefaultLocalLength is the length of a national subscriber number without trunk prefix
	DefaultLocalLength = 9
)

// PhoneNormalizer canonicalizes phone numbers for a single numbering plan
type PhoneNormalizer struct {
	countryCode string
	localLength int
}

// NewPhoneNormalizer creates a normalizer; zero values fall back to the defaults
func NewPhoneNormalizer(countryCode string, localLength int) *PhoneNormalizer {
	countryCode = digitsOnly(countryCode)
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if localLength <= 0 {
		localLength = DefaultLocalLength
	}
	return &PhoneNormalizer{countryCode: countryCode, localLength: localLength}
}

// Normalize returns the international digits-only form of raw (country code
// followed by the national number). Numbers that do not fit the numbering
// plan are returned as bare digits. An input without digits yields "".
func (n *PhoneNormalizer) Normalize(raw string) string {
	local, digits := n.split(raw)
	if local == "" {
		return digits
	}
	return n.countryCode + local
}

// Variants lists every textual form the same number may be stored under:
// international, +international, 00international, local and 0local.
func (n *PhoneNormalizer) Variants(raw string) []string {
	local, digits := n.split(raw)
	if local == "" {
		return dedupe([]string{digits, strings.TrimSpace(raw)})
	}
	intl := n.countryCode + local
	return dedupe([]string{
		intl,
		"+" + intl,
		"00" + intl,
		local,
		"0" + local,
	})
}

// split returns the national number (empty when raw does not fit the plan)
// and the digits extracted from raw.
func (n *PhoneNormalizer) split(raw string) (string, string) {
	trimmed := strings.TrimSpace(raw)
	digits := digitsOnly(trimmed)
	if digits == "" {
		return "", ""
	}

	international := strings.HasPrefix(trimmed, "+")
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}

	switch {
	case international || len(digits) == len(n.countryCode)+n.localLength:
		if strings.HasPrefix(digits, n.countryCode) && len(digits) == len(n.countryCode)+n.localLength {
			return digits[len(n.countryCode):], digits
		}
		return "", digits
	case len(digits) == n.localLength+1 && digits[0] == '0':
		return digits[1:], digits
	case len(digits) == n.localLength:
		return digits, digits
	}
	return "", digits
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
