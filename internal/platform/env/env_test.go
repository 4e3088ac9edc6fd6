package env

import (
	"testing"
	"time"
)

func TestString_Fallback(t *testing.T) {
	t.Setenv("CANVAS_TEST_STRING", "")
	if got := String("CANVAS_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("CANVAS_TEST_STRING", "value")
	if got := String("CANVAS_TEST_STRING", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestInt_InvalidFallsBack(t *testing.T) {
	t.Setenv("CANVAS_TEST_INT", "not-a-number")
	if got := Int("CANVAS_TEST_INT", 7); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestDuration_RejectsZero(t *testing.T) {
	t.Setenv("CANVAS_TEST_DURATION", "0s")
	if got := Duration("CANVAS_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
	if got := DurationAllowZero("CANVAS_TEST_DURATION", time.Second); got != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("CANVAS_TEST_BOOL", "true")
	if !Bool("CANVAS_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("CANVAS_TEST_BOOL", "maybe")
	if Bool("CANVAS_TEST_BOOL", false) {
		t.Fatal("expected fallback false")
	}
}
