package identifier

import "strings"

// NormalizeCGI returns the lookup key for a cell global identifier.
// CGIs are compared as exact strings once surrounding whitespace is removed.
func NormalizeCGI(raw string) string {
	return strings.TrimSpace(raw)
}
