package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactDuration(t *testing.T) {
	// Friday afternoon, mid-cycle for the weekly carriers.
	now := time.Date(2024, 5, 17, 14, 0, 0, 0, time.Local)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"-1d", now.AddDate(0, 0, -1)},
		{"-2w", now.AddDate(0, 0, -14)},
		{"-6h", now.Add(-6 * time.Hour)},
		{"+1d", now.AddDate(0, 0, 1)},
		{"3m", now.AddDate(0, 3, 0)},
		{"1y", now.AddDate(1, 0, 0)},
		{"+45d", now.AddDate(0, 0, 45)},
	}
	for _, tt := range tests {
		got, err := ParseCompactDuration(tt.input, now)
		require.NoError(t, err, "input %q", tt.input)
		assert.True(t, got.Equal(tt.want), "input %q: got %v, want %v", tt.input, got, tt.want)
	}

	for _, input := range []string{"", "1x", "d", "6", "++1d", "1d ago", "2024-05-17"} {
		_, err := ParseCompactDuration(input, now)
		assert.Error(t, err, "input %q", input)
	}
}

func TestIsCompactDuration(t *testing.T) {
	assert.True(t, IsCompactDuration("-1d"))
	assert.True(t, IsCompactDuration("+2w"))
	assert.True(t, IsCompactDuration("6h"))
	assert.False(t, IsCompactDuration("yesterday"))
	assert.False(t, IsCompactDuration("2024-05-17"))
	assert.False(t, IsCompactDuration(""))
}
