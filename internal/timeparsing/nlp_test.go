package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ymd ignores the time-of-day the NLP layer fills in.
func ymd(t time.Time) (int, time.Month, int) {
	return t.Year(), t.Month(), t.Day()
}

func TestParseNaturalLanguage(t *testing.T) {
	// Wednesday. "next friday" and friends resolve relative to this.
	now := time.Date(2024, 5, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"yesterday", time.Date(2024, 5, 14, 0, 0, 0, 0, time.Local)},
		{"tomorrow", time.Date(2024, 5, 16, 0, 0, 0, 0, time.Local)},
		{"next monday", time.Date(2024, 5, 20, 0, 0, 0, 0, time.Local)},
		{"3 days ago", time.Date(2024, 5, 12, 0, 0, 0, 0, time.Local)},
		{"in 1 week", time.Date(2024, 5, 22, 0, 0, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		got, err := ParseNaturalLanguage(tt.input, now)
		require.NoError(t, err, "input %q", tt.input)
		gy, gm, gd := ymd(got)
		wy, wm, wd := ymd(tt.want)
		assert.Equal(t, [3]int{wy, int(wm), wd}, [3]int{gy, int(gm), gd}, "input %q", tt.input)
	}

	for _, input := range []string{"", "   ", "feed never came"} {
		_, err := ParseNaturalLanguage(input, now)
		assert.Error(t, err, "input %q", input)
	}
}

// TestParseRelativeTime covers the layered CLI argument forms: compact
// offsets first, then absolute dates, then natural phrases.
func TestParseRelativeTime(t *testing.T) {
	now := time.Date(2024, 5, 15, 10, 0, 0, 0, time.Local)

	// Compact offsets keep the time of day.
	got, err := ParseRelativeTime("-1d", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(now.AddDate(0, 0, -1)))

	// Absolute dates are not handed to the NLP layer.
	got, err = ParseRelativeTime("2024-04-30", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 4, 30, 0, 0, 0, 0, time.Local)))

	got, err = ParseRelativeTime("2024-04-30 17:15:00", now)
	require.NoError(t, err)
	assert.Equal(t, 17, got.Hour())

	// Natural phrases are the fallback.
	got, err = ParseRelativeTime("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 14, got.Day())

	_, err = ParseRelativeTime("", now)
	assert.Error(t, err)
	_, err = ParseRelativeTime("not-a-date", now)
	assert.Error(t, err)
}
