// Package turnid normalizes and compares turn identifiers.
//
// The agent runtime is inconsistent about how it encodes turn ids: the push
// stream may carry "7", the pull snapshot "07", and older backends
// "turn-7" or "turn_7". Every component in the engine compares turn ids
// through this package, never with ==.
package turnid

import (
	"regexp"
	"strings"
)

// External is the wildcard id meaning "some turn owned by a party outside
// this client". It matches any member of a non-empty running set.
const External = "external-run"

var turnPrefixRe = regexp.MustCompile(`^turn[-_:]?(\d+)$`)

// Normalize reduces a raw id to its comparable form.
// Empty, whitespace-only and "0" ids normalize to "" (no id). Purely
// numeric ids lose leading zeros; a "turn-<digits>" style prefix is
// equivalent to its digit suffix. The wildcard passes through unchanged.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if s == External {
		return s
	}
	if m := turnPrefixRe.FindStringSubmatch(strings.ToLower(s)); m != nil {
		s = m[1]
	}
	if isDigits(s) {
		s = strings.TrimLeft(s, "0")
		if s == "" {
			// "0", "00", ... mean "no id"
			return ""
		}
	}
	return s
}

// Same reports whether a and b identify the same turn. It is reflexive and
// symmetric. The wildcard is only equal to itself here; use Matches for
// set-membership semantics.
func Same(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return na == "" && nb == ""
	}
	return na == nb
}

// Matches reports whether id refers to a member of active. The wildcard
// matches iff the set is non-empty; a concrete id matches iff an equal id
// is present. Keys of active are assumed normalized.
func Matches(id string, active map[string]struct{}) bool {
	n := Normalize(id)
	if n == "" {
		return false
	}
	if n == External {
		return len(active) > 0
	}
	_, ok := active[n]
	return ok
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
