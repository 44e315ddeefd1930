package utils

import "testing"

func TestShortHash(t *testing.T) {
	// sha1("abc") = a9993e364706816aba3e25717850c26c9cd0d89d
	if got := ShortHash("abc", 8); got != "a9993e36" {
		t.Errorf("ShortHash: expected a9993e36, got %s", got)
	}
	if got := ShortHash("abc", 0); len(got) != 40 {
		t.Errorf("ShortHash with length 0 should return full digest, got %s", got)
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		input  string
		expect string
	}{
		{"127.0.0.1:6666", "127.0.0.1"},
		{"[::1]:80", "::1"},
		{"pipe", "pipe"},
	}
	for _, tt := range tests {
		if got := HostOf(tt.input); got != tt.expect {
			t.Errorf("HostOf(%s): expected %s, got %s", tt.input, tt.expect, got)
		}
	}
}

func TestValidFilename(t *testing.T) {
	tests := []struct {
		name   string
		expect bool
	}{
		{"output.wav", true},
		{"scene_01-a.wav", true},
		{"../etc/passwd", false},
		{"a b.wav", false},
		{"..", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidFilename(tt.name); got != tt.expect {
			t.Errorf("ValidFilename(%q): expected %v, got %v", tt.name, tt.expect, got)
		}
	}
}

func TestOptionIn(t *testing.T) {
	if !OptionIn("START", "start", "stop") {
		t.Error("expected case-insensitive match")
	}
	if OptionIn("jump", "start", "stop") {
		t.Error("unexpected match")
	}
}
