package server

import (
	"testing"
	"time"
)

func TestClaimHasAudience(t *testing.T) {
	if !claimHasAudience("expected", "expected") {
		t.Fatalf("expected string audience to match")
	}
	if claimHasAudience("other", "expected") {
		t.Fatalf("expected mismatched string audience to fail")
	}
	if !claimHasAudience([]any{"x", "expected", "y"}, "expected") {
		t.Fatalf("expected []any audience to match")
	}
	if !claimHasAudience([]string{"x", "expected", "y"}, "expected") {
		t.Fatalf("expected []string audience to match")
	}
	if claimHasAudience(nil, "expected") {
		t.Fatalf("expected nil audience to fail")
	}
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2026-02-15")
	if err != nil {
		t.Fatalf("expected parseDate to succeed: %v", err)
	}
	if got.Format(time.RFC3339) != "2026-02-15T00:00:00Z" {
		t.Fatalf("unexpected parsed date: %s", got.Format(time.RFC3339))
	}

	if _, err := parseDate("02/15/2026"); err == nil {
		t.Fatalf("expected invalid date to fail")
	}
}

func TestParseOptionalDate(t *testing.T) {
	got, err := parseOptionalDate("  ")
	if err != nil || got != nil {
		t.Fatalf("expected blank date to yield nil, got %v err=%v", got, err)
	}

	got, err = parseOptionalDate("2026-02-15")
	if err != nil || got == nil {
		t.Fatalf("expected valid date to parse, got err=%v", err)
	}

	if _, err := parseOptionalDate("not-a-date"); err == nil {
		t.Fatalf("expected invalid date to fail")
	}
}

func TestToOptionalString(t *testing.T) {
	if got := toOptionalString("  value  "); got == nil || *got != "value" {
		t.Fatalf("expected trimmed value, got %v", got)
	}
	if got := toOptionalString("   "); got != nil {
		t.Fatalf("expected whitespace to yield nil, got %q", *got)
	}
	if got := toOptionalString(42); got != nil {
		t.Fatalf("expected non-string to yield nil, got %q", *got)
	}
}

func TestToOptionalFloat(t *testing.T) {
	if got := toOptionalFloat(12.5); got == nil || *got != 12.5 {
		t.Fatalf("expected 12.5, got %v", got)
	}
	if got := toOptionalFloat(nil); got != nil {
		t.Fatalf("expected nil input to yield nil")
	}
	if got := toOptionalFloat("12.5"); got != nil {
		t.Fatalf("expected string input to yield nil, got %v", *got)
	}
}

func TestBoolOrDefault(t *testing.T) {
	truth := true
	if !boolOrDefault(nil, true) {
		t.Fatalf("expected fallback true")
	}
	if boolOrDefault(nil, false) {
		t.Fatalf("expected fallback false")
	}
	if !boolOrDefault(&truth, false) {
		t.Fatalf("expected explicit value to win")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abcd" {
		t.Fatalf("expected abcd, got %q", got)
	}
	if got := truncate("ab", 4); got != "ab" {
		t.Fatalf("expected short value unchanged, got %q", got)
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := truncateForLog("  short  ", 100); got != "short" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	got := truncateForLog("abcdefghij", 4)
	if got != "abcd...(truncated)" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}

func TestParseJSONStringMap(t *testing.T) {
	parsed := parseJSONStringMap([]byte(`{"key": "value"}`))
	if parsed["key"] != "value" {
		t.Fatalf("expected parsed map, got %v", parsed)
	}
	if got := parseJSONStringMap(nil); len(got) != 0 {
		t.Fatalf("expected empty map for nil input, got %v", got)
	}
	if got := parseJSONStringMap([]byte("not json")); len(got) != 0 {
		t.Fatalf("expected empty map for invalid input, got %v", got)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	out := mustMarshalJSON(map[string]any{"count": 2})
	if string(out) != `{"count":2}` {
		t.Fatalf("unexpected marshal output: %s", out)
	}
	if string(mustMarshalJSON(make(chan int))) != "{}" {
		t.Fatalf("expected unmarshalable value to yield empty object")
	}
}

func TestFormatBound(t *testing.T) {
	if got := formatBound(nil); got != "?" {
		t.Fatalf("expected ? for nil bound, got %q", got)
	}
	if got := formatBound(fptr(12.5)); got != "12.5" {
		t.Fatalf("expected 12.5, got %q", got)
	}
}
