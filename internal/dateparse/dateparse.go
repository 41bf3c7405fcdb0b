// Package dateparse turns relative day expressions ("today", "+3d",
// "friday") into instants, for query parameters that take a point in time.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse resolves input relative to the current UTC time.
func Parse(input string) (time.Time, error) {
	return ParseFrom(input, time.Now().UTC())
}

// ParseFrom resolves input relative to now. Day expressions yield midnight
// of that day in now's location; "now" yields now itself.
//
// Supported formats:
//   - Exact dates: "2026-03-01"
//   - Keywords: "now", "today", "tomorrow", "yesterday", "next-week", "next-month"
//   - Relative offsets: "+7d", "-2d", "+2w", "+1m"
//   - Day names: "monday", "tuesday", etc. (next occurrence)
func ParseFrom(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return time.Time{}, fmt.Errorf("empty date input")
	}

	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}

	today := midnight(now)
	switch input {
	case "now":
		return now, nil
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	case "next-week":
		// Next Monday
		days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days), nil
	case "next-month":
		year, month, _ := now.Date()
		return time.Date(year, month+1, 1, 0, 0, 0, 0, now.Location()), nil
	}

	if (input[0] == '+' || input[0] == '-') && len(input) >= 3 {
		sign := 1
		if input[0] == '-' {
			sign = -1
		}
		unit := input[len(input)-1]
		n, err := strconv.Atoi(input[1 : len(input)-1])
		if err == nil && n >= 0 {
			n *= sign
			switch unit {
			case 'd':
				return today.AddDate(0, 0, n), nil
			case 'w':
				return today.AddDate(0, 0, n*7), nil
			case 'm':
				return today.AddDate(0, n, 0), nil
			default:
				return time.Time{}, fmt.Errorf("unknown relative unit %q in %q (use d, w, or m)", string(unit), input)
			}
		}
	}

	days := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if target, ok := days[input]; ok {
		ahead := (int(target) - int(now.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7 // always advance to next occurrence
		}
		return today.AddDate(0, 0, ahead), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized date format: %q", input)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
