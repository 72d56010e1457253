package timeparsing

import (
	"fmt"
	"strings"
	"time"
)

// dateLayouts covers the date formats seen in LIMS values, ACORD
// submissions, and imaging timestamps.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"20060102",
	"02-Jan-2006",
	"Jan 2 2006",
	"Jan  2 2006 3:04PM",
}

// ParseDate parses a date string in any of the formats produced by the
// upstream systems. Returns an error when no layout matches.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date string")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}
