package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_AcquireIsExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	token, err := m.Acquire(ctx, "distribution:20260310", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "distribution:20260310", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	// Other keys are independent.
	if _, err := m.Acquire(ctx, "distribution:20260311", time.Minute); err != nil {
		t.Fatalf("other key: %v", err)
	}

	m.Release(ctx, "distribution:20260310", token)
	if _, err := m.Acquire(ctx, "distribution:20260310", time.Minute); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestMemory_ReleaseWithStaleToken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Acquire(ctx, "k", time.Minute)
	m.Release(ctx, "k", "not-the-owner")
	if _, err := m.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrHeld) {
		t.Errorf("release with a foreign token must not free the lease, got %v", err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Acquire(ctx, "k", time.Minute)
	now = now.Add(61 * time.Second)
	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Errorf("expired lease should be acquirable, got %v", err)
	}
}

func TestMemory_ExtendKeepsOwnership(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	token, _ := m.Acquire(ctx, "k", time.Minute)
	now = now.Add(50 * time.Second)
	if err := m.Extend(ctx, "k", token, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	// Past the original ttl, still inside the extended one.
	now = now.Add(50 * time.Second)
	if _, err := m.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrHeld) {
		t.Errorf("extended lease must still be held, got %v", err)
	}
	if err := m.Extend(ctx, "k", "not-the-owner", time.Minute); !errors.Is(err, ErrHeld) {
		t.Errorf("foreign token must not extend, got %v", err)
	}
}

func TestMemory_ExtendAfterTakeover(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	token, _ := m.Acquire(ctx, "k", time.Minute)
	now = now.Add(2 * time.Minute)
	m.Acquire(ctx, "k", time.Minute)
	if err := m.Extend(ctx, "k", token, time.Minute); !errors.Is(err, ErrHeld) {
		t.Errorf("lease taken over after expiry must report ErrHeld, got %v", err)
	}
}

func TestDayKey(t *testing.T) {
	day := time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)
	if got := DayKey(day); got != "distribution:20260310" {
		t.Errorf("expected distribution:20260310, got %s", got)
	}
}
