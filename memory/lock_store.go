// Package memory provides single-process implementations of the coordination
// stores, for tests and for deployments that run exactly one instance.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// LockStore implements domain.LockStore with an in-process map. It keeps the
// same semantics as the durable implementations: conditional insert keyed by
// (lockName, userID), expired rows are free and may be stolen.
type LockStore struct {
	mu    sync.Mutex
	locks map[lockKey]time.Time
}

type lockKey struct {
	lockName string
	userID   string
}

// NewLockStore creates an empty in-memory lock store.
func NewLockStore() *LockStore {
	return &LockStore{locks: make(map[lockKey]time.Time)}
}

func (s *LockStore) TryAcquire(_ context.Context, lockName, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey{lockName: lockName, userID: userID}
	now := time.Now()
	if expiresAt, held := s.locks[key]; held && now.Before(expiresAt) {
		return errors.ErrLockAlreadyHeld
	}
	s.locks[key] = now.Add(ttl)
	return nil
}

func (s *LockStore) Release(_ context.Context, lockName, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey{lockName: lockName, userID: userID})
	return nil
}

var _ domain.LockStore = (*LockStore)(nil)
