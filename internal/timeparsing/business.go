package timeparsing

import "time"

// BusinessDayOffset returns t shifted by the given number of business
// days, skipping Saturdays and Sundays. A zero offset normalizes t to the
// nearest preceding business day.
func BusinessDayOffset(t time.Time, days int) time.Time {
	step := -1
	if days > 0 {
		step = 1
	}
	remaining := days
	if remaining < 0 {
		remaining = -remaining
	}
	for remaining > 0 {
		t = t.AddDate(0, 0, step)
		if isBusinessDay(t) {
			remaining--
		}
	}
	for !isBusinessDay(t) {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// PreviousBusinessDay returns the business day before t.
func PreviousBusinessDay(t time.Time) time.Time {
	return BusinessDayOffset(t, -1)
}

func isBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
