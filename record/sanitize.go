package record

import (
	"strings"
	"unicode"
)

// maxTitleLen bounds sanitized filenames well under common filesystem limits.
const maxTitleLen = 64

// SafeTitle turns a room topic into a filesystem-safe base name: letters, digits,
// '-' and '_' survive, runs of anything else collapse into a single underscore, and
// the result is length-bounded. An empty or fully-stripped topic yields "recording".
func SafeTitle(topic string) string {
	var b strings.Builder
	lastSep := true // swallow leading separators
	for _, r := range topic {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
		if b.Len() >= maxTitleLen {
			break
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "recording"
	}
	return out
}
