package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"500ms", 500 * time.Millisecond},
		{" 5m ", 5 * time.Minute},
	}

	for _, test := range tests {
		result, err := ParseStringTime(test.timeString)
		if err != nil {
			t.Errorf("ParseStringTime(%s): unexpected error %v", test.timeString, err)
			continue
		}
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestParseStringTimeInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "10", "xs", "-5s"} {
		if _, err := ParseStringTime(input); err == nil {
			t.Errorf("ParseStringTime(%q): expected error", input)
		}
	}
}

func TestParseStringTimeOr(t *testing.T) {
	if got := ParseStringTimeOr("bad", time.Second); got != time.Second {
		t.Errorf("expected fallback, got %v", got)
	}
	if got := ParseStringTimeOr("0s", time.Second); got != time.Second {
		t.Errorf("expected fallback for zero, got %v", got)
	}
	if got := ParseStringTimeOr("3s", time.Second); got != 3*time.Second {
		t.Errorf("expected 3s, got %v", got)
	}
}
