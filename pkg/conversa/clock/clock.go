// Package clock provides timezone-aware time helpers for trigger evaluation:
// resolving "now" in a configured IANA zone, parsing HH:MM wall-clock times,
// and testing containment in a quiet-hours window (with overnight wraparound).
package clock

import (
	"strconv"
	"strings"
	"time"
)

// Now returns the current time in the given IANA timezone.
// An empty or invalid zone falls back to local time; it never fails.
func Now(tz string) time.Time {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return time.Now().In(loc)
		}
	}
	return time.Now()
}

// ParseHHMM parses a wall-clock time in "H:MM" or "HH:MM" form.
// Hour must be 0-23 and minute a two-digit 00-59. Returns ok=false for
// anything else.
func ParseHHMM(s string) (hour, minute int, ok bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || len(hh) < 1 || len(hh) > 2 || len(mm) != 2 {
		return 0, 0, false
	}

	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// InQuietWindow reports whether now falls inside the quiet-hours window,
// given as "HH:MM-HH:MM". When start <= end the window is same-day inclusive;
// when start > end it wraps midnight (true when now >= start OR now <= end).
// Malformed input returns false: bad config must never suppress triggers.
func InQuietWindow(now time.Time, window string) bool {
	a, b, found := strings.Cut(window, "-")
	if !found {
		return false
	}

	sh, sm, ok := ParseHHMM(a)
	if !ok {
		return false
	}
	eh, em, ok := ParseHHMM(b)
	if !ok {
		return false
	}

	cur := now.Hour()*60 + now.Minute()
	start := sh*60 + sm
	end := eh*60 + em

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}
