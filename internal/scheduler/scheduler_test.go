package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4H", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{" 2h ", 2 * time.Hour, true},
		{"", 0, false},
		{"h", 0, false},
		{"0m", 0, false},
		{"-1h", 0, false},
		{"1x", 0, false},
		{"1.5h", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseIntervalDuration(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNextTimesAlignsToBoundary(t *testing.T) {
	s := &AlignedScheduler{Interval: time.Hour, Offset: 2 * time.Minute}
	now := time.Date(2026, 3, 1, 10, 17, 30, 0, time.UTC)

	boundary, wakeAt, wait := s.nextTimes(now)
	require.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), boundary)
	require.Equal(t, boundary.Add(2*time.Minute), wakeAt)
	assert.Equal(t, wakeAt.Sub(now), wait)
}

func TestNextTimesAtExactBoundary(t *testing.T) {
	s := &AlignedScheduler{Interval: 15 * time.Minute}
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	boundary, _, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), boundary)
	assert.Equal(t, 15*time.Minute, wait)
}
