package cache

import (
	"context"
	"sync"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
)

type stateEntry struct {
	state     integration.OAuthState
	expiresAt time.Time
}

// InMemoryOAuthStateStore implements OAuthStateStore with a map.
// It only works for single-instance deployments and tests.
type InMemoryOAuthStateStore struct {
	mu        sync.Mutex
	entries   map[string]stateEntry
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryOAuthStateStore creates the store and starts its expiry sweeper
func NewInMemoryOAuthStateStore() *InMemoryOAuthStateStore {
	s := &InMemoryOAuthStateStore{
		entries:  make(map[string]stateEntry),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop(time.Minute)

	return s
}

func (s *InMemoryOAuthStateStore) Save(_ context.Context, key string, state *integration.OAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = stateEntry{state: *state, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryOAuthStateStore) Get(_ context.Context, key string) (*integration.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, integration.ErrOAuthStateNotFound
	}
	state := e.state
	return &state, nil
}

func (s *InMemoryOAuthStateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Close stops the sweeper. Safe to call multiple times.
func (s *InMemoryOAuthStateStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *InMemoryOAuthStateStore) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemoryOAuthStateStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// size returns the number of entries, expired or not
func (s *InMemoryOAuthStateStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ integration.OAuthStateStore = (*InMemoryOAuthStateStore)(nil)
