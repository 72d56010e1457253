// Package timeparsing parses the date expressions the pipeline sees:
// compact offsets and natural phrases on the command line, and the
// assorted date formats the upstream systems emit.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// compactOffsetRe matches offsets like +6h, -1d, 2w.
var compactOffsetRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// IsCompactDuration reports whether s looks like a compact offset.
func IsCompactDuration(s string) bool {
	return compactOffsetRe.MatchString(s)
}

// ParseCompactDuration resolves a compact offset against now. The unit
// letters follow the usual shorthand: h hours, d days, w weeks,
// m months, y years. No sign means forward.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactOffsetRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, amount), nil
	case "w":
		return now.AddDate(0, 0, amount*7), nil
	case "m":
		// AddDate normalizes overflow, so Jan 31 +1m lands in March.
		return now.AddDate(0, amount, 0), nil
	default:
		return now.AddDate(amount, 0, 0), nil
	}
}
