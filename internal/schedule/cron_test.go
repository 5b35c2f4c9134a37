package schedule

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{"* * * * *", "0 9 * * 1-5", "*/15 * * * *", "30 2 1 * *"}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Fatalf("ParseCron(%q): %v", expr, err)
		}
	}

	invalid := []string{"", "* * * *", "61 * * * *", "not a cron"}
	for _, expr := range invalid {
		if _, err := ParseCron(expr); err == nil {
			t.Fatalf("ParseCron(%q) accepted", expr)
		}
	}
}

func TestCronMatches(t *testing.T) {
	expr, err := ParseCron("30 9 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	at := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	if !expr.Matches(at) {
		t.Fatalf("expected match at %v", at)
	}
	// Seconds within the minute do not matter.
	if !expr.Matches(at.Add(45 * time.Second)) {
		t.Fatal("expected match mid-minute")
	}
	if expr.Matches(at.Add(time.Minute)) {
		t.Fatal("matched one minute late")
	}
	if expr.Matches(at.Add(-time.Minute)) {
		t.Fatal("matched one minute early")
	}
}

func TestCronEveryMinuteMatchesAlways(t *testing.T) {
	expr, err := ParseCron("* * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	for i := 0; i < 5; i++ {
		at := time.Date(2026, 8, 24, 12, i, 17, 0, time.UTC)
		if !expr.Matches(at) {
			t.Fatalf("no match at %v", at)
		}
	}
}

func TestCronNext(t *testing.T) {
	expr, err := ParseCron("0 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	from := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	next := expr.Next(from)
	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, next, want)
	}
}
