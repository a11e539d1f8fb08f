package model

import (
	"crypto/md5" //nolint:gosec // key derivation, not security
	"encoding/hex"
	"regexp"
	"strings"
)

// nonWord matches every character dropped from key material.
var nonWord = regexp.MustCompile(`\W+`)

// makeKey lowercases the concatenation of its parts and strips everything
// that is not a word character. The result is the idempotent upsert key for
// repeated imports: stable under case, punctuation, and whitespace
// variation of the source fields.
func makeKey(parts ...string) string {
	joined := strings.Join(parts, "")
	return strings.ToLower(nonWord.ReplaceAllString(joined, ""))
}

// ProspectKey derives a prospect's external id from its normalized identity
// fields.
func ProspectKey(fullName, address1, address2, city, state, postalShort string) string {
	return makeKey(fullName, address1, address2, city, state, postalShort)
}

// AddressKey derives an address's external id from its normalized component
// fields. Two prospects sharing a physical address produce the same key.
func AddressKey(address1, address2, city, state, postalShort string) string {
	return makeKey(address1, address2, city, state, postalShort)
}

// InvoiceKey derives an invoice's external id from its owning prospect's
// key, the invoice total, a digest of the description, and the invoice
// date (YYYYMMDD).
func InvoiceKey(prospectKey, total, description, invoicedAt string) string {
	return makeKey(prospectKey, total, hashString(description), invoicedAt)
}

// hashString returns the hex md5 of s, or "" for empty input.
func hashString(s string) string {
	if s == "" {
		return ""
	}
	sum := md5.Sum([]byte(s)) //nolint:gosec // key derivation, not security
	return hex.EncodeToString(sum[:])
}

// PostalCodeShort reduces a postal code to its 5-character base form,
// dropping any +4 suffix.
func PostalCodeShort(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexByte(code, '-'); i >= 0 {
		code = code[:i]
	}
	if len(code) > 5 {
		code = code[:5]
	}
	return code
}
