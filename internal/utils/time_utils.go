package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeUnits is checked in order, so "ms" must come before "m" and "s".
var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses strings such as "500ms", "10s", "20M", "48h" or "2d".
// Invalid input yields an error and a zero duration.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	for _, u := range timeUnits {
		number, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		value, err := strconv.Atoi(number)
		if err != nil {
			return 0, fmt.Errorf("invalid time string %q: %w", timeString, err)
		}
		if value < 0 {
			return 0, fmt.Errorf("negative time string %q", timeString)
		}
		return time.Duration(value) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// ParseStringTimeOr returns fallback when timeString cannot be parsed.
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
