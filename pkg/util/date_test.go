package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UTC().Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Unix() != ts {
		t.Fatalf("unexpected unix %v", got.Unix())
	}
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	got := ParseTimeDefault("", def)
	if !got.Equal(def) {
		t.Fatalf("expected default")
	}
}

func TestAtOrAfterSessionTime(t *testing.T) {
	// 06:19 UTC is 15:19 KST
	before := time.Date(2025, 3, 3, 6, 19, 59, 0, time.UTC)
	if AtOrAfterSessionTime(before, 15, 20) {
		t.Fatalf("15:19:59 KST must be before 15:20")
	}
	at := time.Date(2025, 3, 3, 6, 20, 0, 0, time.UTC)
	if !AtOrAfterSessionTime(at, 15, 20) {
		t.Fatalf("15:20:00 KST must reach session close")
	}
}

func TestSameKSTDay(t *testing.T) {
	// 14:00 UTC Mar 3 is 23:00 KST Mar 3; 16:00 UTC is 01:00 KST Mar 4
	a := time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)
	b := time.Date(2025, 3, 3, 16, 0, 0, 0, time.UTC)
	if SameKSTDay(a, b) {
		t.Fatalf("expected different KST days")
	}
	c := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)
	if !SameKSTDay(a, c) {
		t.Fatalf("expected same KST day")
	}
}

func TestKSTDayStartUTC(t *testing.T) {
	// KST day starts at 15:00 UTC of the prior calendar day
	ts := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC) // 10:00 KST Mar 3
	start := KSTDayStartUTC(ts)
	want := time.Date(2025, 3, 2, 15, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Fatalf("got %v want %v", start, want)
	}
}
