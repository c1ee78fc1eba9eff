package util

import (
	"strconv"
	"time"
)

// KST is the Korean market timezone. Timestamps are stored in UTC; local
// session arithmetic converts per call.
var KST = time.FixedZone("KST", 9*60*60)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// AtOrAfterSessionTime reports whether now (converted to KST) has reached
// hour:minute on its KST calendar day.
func AtOrAfterSessionTime(now time.Time, hour, minute int) bool {
	local := now.In(KST)
	mark := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, KST)
	return !local.Before(mark)
}

// SameKSTDay reports whether a and b fall on the same Korean calendar day.
func SameKSTDay(a, b time.Time) bool {
	al, bl := a.In(KST), b.In(KST)
	return al.Year() == bl.Year() && al.YearDay() == bl.YearDay()
}

// KSTDayStartUTC returns the UTC instant when t's KST day began.
func KSTDayStartUTC(t time.Time) time.Time {
	local := t.In(KST)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, KST).UTC()
}
