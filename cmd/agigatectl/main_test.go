package main

import (
	"testing"
	"time"
)

func TestParseAt(t *testing.T) {
	at, err := parseAt("")
	if err != nil || !at.IsZero() {
		t.Fatalf("empty: at=%v err=%v", at, err)
	}

	before := time.Now()
	at, err = parseAt("90m")
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d := at.Sub(before); d < 90*time.Minute || d > 91*time.Minute {
		t.Errorf("duration offset = %s", d)
	}

	at, err = parseAt("2026-03-01T09:30:00Z")
	if err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if !at.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("at = %v", at)
	}

	if _, err := parseAt("tomorrow"); err == nil {
		t.Error("expected error for unparseable time")
	}
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"campaign=spring", "empty=", "expr=a=b"})
	if err != nil {
		t.Fatalf("parsePairs: %v", err)
	}
	if got["campaign"] != "spring" || got["empty"] != "" || got["expr"] != "a=b" {
		t.Errorf("pairs = %v", got)
	}

	if got, err := parsePairs(nil); err != nil || got != nil {
		t.Errorf("nil input: %v %v", got, err)
	}
	for _, bad := range []string{"novalue", "=value"} {
		if _, err := parsePairs([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
