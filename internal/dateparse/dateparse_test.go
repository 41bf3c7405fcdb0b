package dateparse

import (
	"testing"
	"time"
)

// Fixed reference time: Wednesday, 2026-02-18 12:00:00 UTC
var testNow = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

func TestParseFrom(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		// Exact dates
		{"2026-03-01", "2026-03-01"},
		{"2025-12-31", "2025-12-31"},

		// Keywords
		{"today", "2026-02-18"},
		{"TODAY", "2026-02-18"},
		{" tomorrow ", "2026-02-19"},
		{"yesterday", "2026-02-17"},
		{"next-week", "2026-02-23"},
		{"next-month", "2026-03-01"},

		// Relative offsets
		{"+0d", "2026-02-18"},
		{"+10d", "2026-02-28"},
		{"-3d", "2026-02-15"},
		{"+2w", "2026-03-04"},
		{"+1m", "2026-03-18"},
		{"-1m", "2026-01-18"},

		// Day names advance to the next occurrence
		{"thursday", "2026-02-19"},
		{"wednesday", "2026-02-25"},
		{"monday", "2026-02-23"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFrom(tt.input, testNow)
			if err != nil {
				t.Fatalf("ParseFrom(%q): unexpected error: %v", tt.input, err)
			}
			if s := got.Format("2006-01-02"); s != tt.want {
				t.Errorf("ParseFrom(%q) = %s, want %s", tt.input, s, tt.want)
			}
			if got.Hour() != 0 || got.Minute() != 0 {
				t.Errorf("ParseFrom(%q) = %v, want midnight", tt.input, got)
			}
		})
	}
}

func TestParseFromNow(t *testing.T) {
	got, err := ParseFrom("now", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(testNow) {
		t.Errorf("now = %v, want %v", got, testNow)
	}
}

func TestParseFromNextWeekOnMonday(t *testing.T) {
	monday := time.Date(2026, 2, 23, 9, 0, 0, 0, time.UTC)
	got, err := ParseFrom("next-week", monday)
	if err != nil {
		t.Fatal(err)
	}
	if s := got.Format("2006-01-02"); s != "2026-03-02" {
		t.Errorf("next-week from Monday = %s, want 2026-03-02", s)
	}
}

func TestParseFromErrors(t *testing.T) {
	for _, input := range []string{"", "   ", "someday", "+3y", "+xd", "2026-13-01", "+d"} {
		if _, err := ParseFrom(input, testNow); err == nil {
			t.Errorf("ParseFrom(%q): expected error", input)
		}
	}
}
