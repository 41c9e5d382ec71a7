package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Store persists one [State] per [Key].
//
// Implementations hand out and accept copies: changes to a returned State are
// invisible to the store until Save. Callers that read, modify and save a
// key concurrently must hold Lock(key) for the whole cycle.
type Store interface {
	// GetOrCreate returns the stored state for key, creating an empty one on
	// first access.
	GetOrCreate(ctx context.Context, key Key) (*State, error)

	// Get returns the stored state for key, or [ErrNotFound].
	Get(ctx context.Context, key Key) (*State, error)

	// Save overwrites the stored state for st.Key and stamps LastUpdated.
	Save(ctx context.Context, st *State) error

	// Reset discards the state for key. Unknown keys are not an error.
	Reset(ctx context.Context, key Key) error

	// Lock serialises work on key and returns the matching unlock. It fails
	// with ctx.Err() when ctx ends before key becomes free.
	Lock(ctx context.Context, key Key) (unlock func(), err error)

	// Len returns the number of stored sessions.
	Len() int
}

// MemStore is an in-process [Store]. The zero value is not usable; use
// [NewMemStore].
//
// All methods are safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	states map[Key]*State
	locks  KeyLock
	now    func() time.Time
}

// MemStoreOption configures a [MemStore].
type MemStoreOption func(*MemStore)

// WithClock overrides the time source used to stamp LastUpdated.
func WithClock(now func() time.Time) MemStoreOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty store.
func NewMemStore(opts ...MemStoreOption) *MemStore {
	s := &MemStore{
		states: make(map[Key]*State),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetOrCreate implements [Store].
func (s *MemStore) GetOrCreate(_ context.Context, key Key) (*State, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	st, ok := s.states[key]
	if ok {
		c := st.Clone()
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st.Clone(), nil
	}
	st = NewState(key)
	st.LastUpdated = s.now()
	s.states[key] = st
	return st.Clone(), nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, key Key) (*State, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, st *State) error {
	if st == nil {
		return errors.New("session: save nil state")
	}
	if !st.Key.Valid() {
		return ErrInvalidKey
	}
	st.LastUpdated = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Key] = st.Clone()
	return nil
}

// Reset implements [Store].
func (s *MemStore) Reset(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

// Lock implements [Store].
func (s *MemStore) Lock(ctx context.Context, key Key) (func(), error) {
	return s.locks.Lock(ctx, key)
}

// Len implements [Store].
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

var _ Store = (*MemStore)(nil)
