package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending: {StatusRunning, StatusCancelled},
		StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, v := range allowed[from] {
				if v == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Fatalf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range Statuses {
		if s.Active() == s.Terminal() {
			t.Fatalf("%s: active=%v terminal=%v, want exactly one", s, s.Active(), s.Terminal())
		}
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("create: %w", Invalid("trigger_at", "is required"))
	if !IsValidation(err) {
		t.Fatalf("IsValidation(%v) = false", err)
	}
	if IsValidation(ErrNotFound) {
		t.Fatal("ErrNotFound reported as validation error")
	}
	if got := err.Error(); got != "create: invalid trigger_at: is required" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(fmt.Errorf("x: %w", ErrNotFound), ErrNotFound) {
		t.Fatal("wrapped ErrNotFound not matched")
	}
}

func TestKnownPlatform(t *testing.T) {
	if !KnownPlatform("email") || !KnownPlatform("x_twitter") {
		t.Fatal("expected built-in platforms to be known")
	}
	if KnownPlatform("myspace") || KnownPlatform("") {
		t.Fatal("unexpected platform accepted")
	}
}
