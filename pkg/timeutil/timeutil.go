// Package timeutil provides lenient time and duration parsing for
// configuration values and response data.
package timeutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/machinelink/extsource/pkg/errors"
)

// Layouts accepted by ParseTime for string inputs, most specific first.
// Layouts without a zone produce a time error from RequireAware, since a
// request window must be timezone-aware.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime converts a value into a time.Time. It accepts time.Time
// values, ISO-8601 / RFC3339 strings (with or without fractional seconds
// or zone), date-only strings, and numeric POSIX timestamps.
func ParseTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, errors.Newf(errors.ErrorTypeDataType,
			"cannot parse %q as a timestamp", v)
	case float64:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	case float32:
		return ParseTime(float64(v))
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeDataType,
		"cannot create a timestamp from %T value: %v", value, value)
}

// ParseDuration converts a value into a time.Duration. It accepts
// time.Duration values, Go duration strings ("90m", "1h30m"),
// "HH:MM:SS[.fraction]" clock spellings, and bare numbers meaning
// seconds.
func ParseDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		if d, err := parseClockDuration(v); err == nil {
			return d, nil
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return 0, errors.Newf(errors.ErrorTypeDataType,
			"cannot parse %q as a duration", v)
	}
	return 0, errors.Newf(errors.ErrorTypeDataType,
		"cannot create a duration from %T value: %v", value, value)
}

// parseClockDuration parses "HH:MM:SS[.fraction]" and "MM:SS" spellings.
func parseClockDuration(s string) (time.Duration, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("not a clock duration: %q", s)
	}
	var total float64
	for _, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("not a clock duration: %q", s)
		}
		total = total*60 + f
	}
	d := time.Duration(total * float64(time.Second))
	if neg {
		d = -d
	}
	return d, nil
}

// RequireAware fails with a time error unless t is a usable, explicitly
// anchored timestamp. The zero time marks a value that was never set or
// was parsed from a zone-less spelling.
func RequireAware(name string, t time.Time) error {
	if t.IsZero() {
		return errors.Newf(errors.ErrorTypeTime,
			"%q is not a timezone-aware timestamp", name)
	}
	return nil
}

// SplitWindows groups sorted timestamps into sub-ranges such that each
// range spans at most span. A zero span yields one range per timestamp.
func SplitWindows(timestamps []time.Time, span time.Duration) [][]time.Time {
	var windows [][]time.Time
	for start := 0; start < len(timestamps); {
		end := start + 1
		limit := timestamps[start].Add(span)
		for end < len(timestamps) && !timestamps[end].After(limit) {
			end++
		}
		windows = append(windows, timestamps[start:end])
		start = end
	}
	return windows
}
