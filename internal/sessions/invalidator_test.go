package sessions

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryInvalidatorUnsetUser(t *testing.T) {
	inv := NewMemoryInvalidator()

	at, err := inv.InvalidatedAt(t.Context(), uuid.New())
	if err != nil {
		t.Fatalf("InvalidatedAt: %v", err)
	}
	if !at.IsZero() {
		t.Fatalf("expected zero watermark, got %s", at)
	}
}

func TestMemoryInvalidatorWatermark(t *testing.T) {
	inv := NewMemoryInvalidator()
	userID := uuid.New()
	now := time.Now()

	if err := inv.Invalidate(t.Context(), userID, now); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	at, err := inv.InvalidatedAt(t.Context(), userID)
	if err != nil {
		t.Fatalf("InvalidatedAt: %v", err)
	}
	if !at.Equal(now) {
		t.Fatalf("watermark %s, want %s", at, now)
	}

	// An earlier invalidation must not move the watermark backwards.
	if err := inv.Invalidate(t.Context(), userID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	at, err = inv.InvalidatedAt(t.Context(), userID)
	if err != nil {
		t.Fatalf("InvalidatedAt: %v", err)
	}
	if !at.Equal(now) {
		t.Fatalf("watermark regressed to %s", at)
	}

	// A later one does move it forward.
	later := now.Add(time.Hour)
	if err := inv.Invalidate(t.Context(), userID, later); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	at, err = inv.InvalidatedAt(t.Context(), userID)
	if err != nil {
		t.Fatalf("InvalidatedAt: %v", err)
	}
	if !at.Equal(later) {
		t.Fatalf("watermark %s, want %s", at, later)
	}
}

func TestMemoryInvalidatorIsolatesUsers(t *testing.T) {
	inv := NewMemoryInvalidator()
	userA := uuid.New()
	userB := uuid.New()

	if err := inv.Invalidate(t.Context(), userA, time.Now()); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	at, err := inv.InvalidatedAt(t.Context(), userB)
	if err != nil {
		t.Fatalf("InvalidatedAt: %v", err)
	}
	if !at.IsZero() {
		t.Fatalf("expected untouched user to have zero watermark, got %s", at)
	}
}
