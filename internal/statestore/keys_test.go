package statestore

import (
	"testing"
	"time"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("acme-widgets-7-claude-sonnet-4", "completion")
	b := IdempotencyKey("acme-widgets-7-claude-sonnet-4", "completion")
	if a != b {
		t.Fatalf("expected IdempotencyKey to be deterministic, got %q and %q", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("expected a 12-char key, got %q (%d chars)", a, len(a))
	}

	other := IdempotencyKey("acme-widgets-7-claude-sonnet-4", "delayed")
	if other == a {
		t.Fatalf("expected different kinds to produce different keys")
	}
}

func TestDayCounterKeyIsUTCDay(t *testing.T) {
	t1 := time.Date(2026, 3, 5, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	t2 := time.Date(2026, 3, 6, 4, 30, 0, 0, time.UTC)
	if dayCounterKey(t1) != dayCounterKey(t2) {
		t.Fatalf("expected same UTC day bucket for equivalent instants, got %q and %q", dayCounterKey(t1), dayCounterKey(t2))
	}
}
