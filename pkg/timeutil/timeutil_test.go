package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinelink/extsource/pkg/errors"
)

func TestParseTime(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  time.Time
	}{
		{"rfc3339", "2023-04-01T10:00:00Z", time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)},
		{"fractional", "2023-04-01T10:00:00.500Z", time.Date(2023, 4, 1, 10, 0, 0, 500000000, time.UTC)},
		{"date only", "2023-04-01", time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"posix int", int64(1680343200), time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)},
		{"posix float", 1680343200.5, time.Date(2023, 4, 1, 10, 0, 0, 500000000, time.UTC)},
		{"already a time", time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC), time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTime(tc.value)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "want %v, got %v", tc.want, got)
		})
	}
}

func TestParseTimeFailures(t *testing.T) {
	for _, value := range []any{"not a time", true, []any{}} {
		_, err := ParseTime(value)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDataType))
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{"go string", "90m", 90 * time.Minute},
		{"clock", "01:30:00", 90 * time.Minute},
		{"clock with fraction", "00:00:01.5", 1500 * time.Millisecond},
		{"minutes seconds", "02:30", 150 * time.Second},
		{"negative clock", "-01:00:00", -time.Hour},
		{"bare seconds string", "90", 90 * time.Second},
		{"int seconds", int64(60), time.Minute},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"already a duration", 5 * time.Second, 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDuration(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseDurationFailures(t *testing.T) {
	for _, value := range []any{"soon", "1:2:3:4", true} {
		_, err := ParseDuration(value)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDataType))
	}
}

func TestRequireAware(t *testing.T) {
	assert.NoError(t, RequireAware("start_time", time.Now()))

	err := RequireAware("start_time", time.Time{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTime))
	assert.Contains(t, err.Error(), "start_time")
}

func TestSplitWindows(t *testing.T) {
	base := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)
	points := []time.Time{
		base,
		base.Add(10 * time.Minute),
		base.Add(20 * time.Minute),
		base.Add(2 * time.Hour),
		base.Add(2*time.Hour + 5*time.Minute),
	}

	windows := SplitWindows(points, 30*time.Minute)
	require.Len(t, windows, 2)
	assert.Len(t, windows[0], 3)
	assert.Len(t, windows[1], 2)
	assert.Equal(t, base, windows[0][0])
	assert.Equal(t, base.Add(2*time.Hour), windows[1][0])
}

func TestSplitWindowsZeroSpan(t *testing.T) {
	base := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)
	points := []time.Time{base, base.Add(time.Minute)}

	windows := SplitWindows(points, 0)
	require.Len(t, windows, 2)
	assert.Len(t, windows[0], 1)
	assert.Len(t, windows[1], 1)
}

func TestSplitWindowsEmpty(t *testing.T) {
	assert.Empty(t, SplitWindows(nil, time.Hour))
}
