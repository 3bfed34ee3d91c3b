// internal/entity/store.go
package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotTracked is returned when an entity does not exist in the store
	// and the caller did not ask for it to be created.
	ErrNotTracked = errors.New("entity: not tracked")
	// ErrLockTimeout is returned when the per-entity lock could not be
	// acquired within the store's timeout. Callers should treat this as a
	// fatal server-side condition for the current operation.
	ErrLockTimeout = errors.New("entity: lock acquisition timed out")
)

// DefaultLockTimeout bounds how long Acquire waits on a contended entity.
const DefaultLockTimeout = 5 * time.Second

// Store is a concurrent mapping from numeric id to a tracked entity of type
// T. Each entry owns an exclusive lock; Acquire hands out a scoped Usage
// that holds the lock until released. The zero value is not usable, call
// NewStore.
type Store[T any] struct {
	mu      sync.Mutex
	name    string
	timeout time.Duration
	entries map[int64]*trackedEntity[T]
}

// trackedEntity wraps an optional value with a one-slot semaphore. The
// destroyed flag is re-checked after the semaphore is taken so that waiters
// blocked across a Destroy observe ErrNotTracked rather than a freed value.
type trackedEntity[T any] struct {
	sem       chan struct{}
	destroyed bool
	item      *T
}

// Usage is a scoped handle over a locked entity. Item may be read and
// replaced freely while the usage is held. Release (or Destroy) must be
// called exactly once.
type Usage[T any] struct {
	ID       int64
	Item     *T
	store    *Store[T]
	ent      *trackedEntity[T]
	released bool
}

// NewStore creates a store with the default 5 second lock timeout. The name
// only appears in error messages and logs.
func NewStore[T any](name string) *Store[T] {
	return NewStoreWithTimeout[T](name, DefaultLockTimeout)
}

// NewStoreWithTimeout creates a store with an explicit lock timeout, mainly
// for tests that want contention to fail fast.
func NewStoreWithTimeout[T any](name string, timeout time.Duration) *Store[T] {
	return &Store[T]{
		name:    name,
		timeout: timeout,
		entries: make(map[int64]*trackedEntity[T]),
	}
}

// Acquire locks the entity with the given id and returns a Usage holding
// that lock. If the id is not tracked and createIfMissing is false, it fails
// with ErrNotTracked; otherwise a fresh entry with a nil Item is created.
// Acquisition gives up after the store timeout or when ctx is done.
func (s *Store[T]) Acquire(ctx context.Context, id int64, createIfMissing bool) (*Usage[T], error) {
	for {
		s.mu.Lock()
		ent, ok := s.entries[id]
		if !ok {
			if !createIfMissing {
				s.mu.Unlock()
				return nil, fmt.Errorf("%s[%d]: %w", s.name, id, ErrNotTracked)
			}
			ent = &trackedEntity[T]{sem: make(chan struct{}, 1)}
			s.entries[id] = ent
		}
		s.mu.Unlock()

		timer := time.NewTimer(s.timeout)
		select {
		case ent.sem <- struct{}{}:
			timer.Stop()
		case <-timer.C:
			return nil, fmt.Errorf("%s[%d]: %w", s.name, id, ErrLockTimeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s[%d]: %w", s.name, id, ctx.Err())
		}

		if ent.destroyed {
			// Lost a race with Destroy. The entry is already out of the
			// map; retry so createIfMissing semantics still hold.
			<-ent.sem
			if !createIfMissing {
				return nil, fmt.Errorf("%s[%d]: %w", s.name, id, ErrNotTracked)
			}
			continue
		}

		return &Usage[T]{ID: id, Item: ent.item, store: s, ent: ent}, nil
	}
}

// GetEntityUnsafe returns the current value for id without locking the
// entity. The result may be stale or partially initialized; callers must
// treat it as read-only.
func (s *Store[T]) GetEntityUnsafe(id int64) *T {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[id]
	if !ok {
		return nil
	}
	return ent.item
}

// Destroy locks the entity, marks it destroyed and removes it from the map.
// Waiters blocked on the same entity observe ErrNotTracked afterwards.
func (s *Store[T]) Destroy(ctx context.Context, id int64) error {
	usage, err := s.Acquire(ctx, id, false)
	if err != nil {
		if errors.Is(err, ErrNotTracked) {
			return nil
		}
		return err
	}
	usage.Destroy()
	return nil
}

// Snapshot returns a point-in-time copy of the (id, value) pairs currently
// tracked. Values are the live pointers; they may be mutated concurrently by
// lock holders, so callers must tolerate stale reads.
func (s *Store[T]) Snapshot() map[int64]*T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*T, len(s.entries))
	for id, ent := range s.entries {
		out[id] = ent.item
	}
	return out
}

// Count returns how many entities are currently tracked.
func (s *Store[T]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Release writes Item back to the entry and releases the entity lock.
func (u *Usage[T]) Release() {
	if u.released {
		return
	}
	u.released = true
	u.ent.item = u.Item
	<-u.ent.sem
}

// Destroy removes the held entity from the store and releases the lock. It
// is the in-lock counterpart of Store.Destroy for callers that already hold
// a usage.
func (u *Usage[T]) Destroy() {
	if u.released {
		return
	}
	u.released = true
	u.ent.destroyed = true
	u.ent.item = nil
	u.store.mu.Lock()
	// Only delete if the map still points at our entry; a later re-create
	// under the same id must not be clobbered.
	if cur, ok := u.store.entries[u.ID]; ok && cur == u.ent {
		delete(u.store.entries, u.ID)
	}
	u.store.mu.Unlock()
	<-u.ent.sem
}
