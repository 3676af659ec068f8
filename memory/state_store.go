package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// DefaultStateTTL bounds how long a pending OAuth state waits for its
// callback before it is discarded.
const DefaultStateTTL = 15 * time.Minute

// StateStore implements domain.OAuthStateStore in process memory. States
// expire automatically; Consume removes the state so a nonce redeems at most
// once.
type StateStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *domain.OAuthState]
}

// NewStateStore creates an in-memory state store with automatic expiry.
func NewStateStore() *StateStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.OAuthState](DefaultStateTTL),
		ttlcache.WithDisableTouchOnHit[string, *domain.OAuthState](),
	)
	go cache.Start()
	return &StateStore{cache: cache}
}

func (s *StateStore) Put(_ context.Context, state *domain.OAuthState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	s.cache.Set(state.Nonce, state, ttlcache.DefaultTTL)
	return nil
}

func (s *StateStore) Consume(_ context.Context, nonce string) (*domain.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(nonce)
	if item == nil {
		return nil, errors.ErrInvalidState
	}
	s.cache.Delete(nonce)
	return item.Value(), nil
}

// Stop terminates the background expiry loop.
func (s *StateStore) Stop() {
	s.cache.Stop()
}

var _ domain.OAuthStateStore = (*StateStore)(nil)
