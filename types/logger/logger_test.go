package logger

import (
	"fmt"
	"testing"
	"time"
)

func TestWithPrefixPrependsToFormat(t *testing.T) {
	var got string
	f := WithPrefix(func(format string, args ...any) {
		got = fmt.Sprintf(format, args...)
	}, "tether: ")
	f("started %s", "wlan0")
	if want := "tether: started wlan0"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStdAppendsTrailingNewline(t *testing.T) {
	var got string
	f := Std(func(s string) { got = s })
	f("no newline yet")
	if want := "no newline yet\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStdDoesNotDoubleNewline(t *testing.T) {
	var got string
	f := Std(func(s string) { got = s })
	f("already has one\n")
	if want := "already has one\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRateLimitedFnAllowsInitialBurst(t *testing.T) {
	n := 0
	f := RateLimitedFn(func(string, ...any) { n++ }, time.Hour, 3, 100)
	for i := 0; i < 3; i++ {
		f("same message")
	}
	if n != 3 {
		t.Fatalf("expected all 3 burst messages to pass through, got %d", n)
	}
}

func TestRateLimitedFnDropsPastBurst(t *testing.T) {
	n := 0
	f := RateLimitedFn(func(string, ...any) { n++ }, time.Hour, 2, 100)
	for i := 0; i < 10; i++ {
		f("same message")
	}
	if n != 2 {
		t.Fatalf("expected only the initial burst of 2 to pass through, got %d", n)
	}
}

func TestRateLimitedFnTracksDistinctFormatsSeparately(t *testing.T) {
	n := 0
	f := RateLimitedFn(func(string, ...any) { n++ }, time.Hour, 1, 100)
	f("message a")
	f("message b")
	if n != 2 {
		t.Fatalf("expected each distinct format string to get its own burst allowance, got %d", n)
	}
}

func TestDiscardDoesNothing(t *testing.T) {
	Discard("this must not panic %d", 1)
}
