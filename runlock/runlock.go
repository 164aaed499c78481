package runlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"rebalance-bot/util"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Release when the token no longer owns the lock.
var ErrNotHeld = errors.New("lock not held")

// Locker guards a named resource across processes. Acquire returns ok=false when another
// holder has it; the returned token must be passed to Release.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

type lease struct {
	token   string
	expires time.Time
}

// MemoryLocker only excludes holders inside one process.
type MemoryLocker struct {
	clock util.Clock
	mu    sync.Mutex
	held  map[string]lease
}

func NewMemoryLocker(clock util.Clock) *MemoryLocker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &MemoryLocker{clock: clock, held: make(map[string]lease)}
}

func (m *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if l, ok := m.held[name]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[name] = lease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryLocker) Release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.held[name]
	if !ok || l.token != token {
		return ErrNotHeld
	}
	delete(m.held, name)
	return nil
}
