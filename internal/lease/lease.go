// Package lease provides short-lived named locks used to keep two
// distribution runs for the same day from executing at once, across
// goroutines in one process (Memory) or across replicas (Redis).
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when the lease is currently owned by someone else.
var ErrHeld = errors.New("lease: already held")

// Locker acquires and releases named leases. A lease expires on its own
// after ttl so a crashed holder cannot block the key forever.
type Locker interface {
	// Acquire takes the lease and returns the owner token, or ErrHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Extend resets the ttl of a lease token still owns, or returns ErrHeld.
	Extend(ctx context.Context, key, token string, ttl time.Duration) error

	// Release frees the lease only if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// DayKey is the lease key guarding all runs for one calendar day.
func DayKey(day time.Time) string {
	return "distribution:" + day.Format("20060102")
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]memoryEntry),
		now:    time.Now,
	}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.leases[key]; ok && now.Before(e.expires) {
		return "", ErrHeld
	}
	token := uuid.NewString()
	m.leases[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (m *Memory) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.leases[key]
	if !ok || e.token != token {
		return ErrHeld
	}
	e.expires = m.now().Add(ttl)
	m.leases[key] = e
	return nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.leases[key]; ok && e.token == token {
		delete(m.leases, key)
	}
	return nil
}
