// Package trainnum extracts a train's reporting number from free-text
// candidate strings (trip ids, block ids, headsigns) and classifies it by
// parity.
package trainnum

import "regexp"

var (
	platformToken = regexp.MustCompile(`(?i)PLATF\.\([^)]*\)`)
	trailingRun   = regexp.MustCompile(`\d{4,6}$`)
	anyRun        = regexp.MustCompile(`\d{3,6}`)
)

// Extract returns a train number found among candidates. Each candidate is
// first stripped of platform tokens. All candidates are tried in order
// against the trailing 4-6 digit pattern; only when none matches are they
// tried again in order for any 3-6 digit run, taking the rightmost run of
// the first candidate that has one.
func Extract(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		cleaned := platformToken.ReplaceAllString(c, "")
		if m := trailingRun.FindString(cleaned); m != "" {
			return m, true
		}
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		cleaned := platformToken.ReplaceAllString(c, "")
		matches := anyRun.FindAllString(cleaned, -1)
		if len(matches) > 0 {
			return matches[len(matches)-1], true
		}
	}
	return "", false
}

// IsEven reports whether a train number's last digit is even. Used as a
// directional hint via the parity map.
func IsEven(number string) bool {
	if number == "" {
		return false
	}
	last := number[len(number)-1]
	switch last {
	case '0', '2', '4', '6', '8':
		return true
	default:
		return false
	}
}
