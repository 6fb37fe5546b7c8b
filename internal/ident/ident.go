// Package ident normalises the account, site, product and order identifiers
// that arrive from the storefront before they are compared or stored.
package ident

import "strings"

// Normalize trims surrounding whitespace. Identifiers are compared as strings,
// so " 12345 " and "12345" refer to the same account.
func Normalize(id string) string {
	return strings.TrimSpace(id)
}

// Equal reports whether two identifiers are the same after normalisation.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// EqualTolerant is Equal, except that a blank value on either side matches.
// Legacy records were written without an account id, so account comparisons
// use this form.
func EqualTolerant(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	if a == "" || b == "" {
		return true
	}
	return a == b
}
