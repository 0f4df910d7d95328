package memory

import (
	"context"
	"sync"
	"time"

	"qms/visit-service/internal/store"
)

const defaultIdempotencyWait = 5 * time.Second

type idempotencyEntry struct {
	payload string
	settled bool
	done    chan struct{}
}

type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
	wait    time.Duration
}

func NewIdempotencyStore(options Options) *IdempotencyStore {
	wait := options.IdempotencyWait
	if wait <= 0 {
		wait = defaultIdempotencyWait
	}
	return &IdempotencyStore{
		entries: make(map[string]*idempotencyEntry),
		wait:    wait,
	}
}

func entryKey(scope, key string) string {
	return scope + "\x00" + key
}

func (s *IdempotencyStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey(scope, key)]
	if !ok || !entry.settled {
		return "", false, nil
	}
	return entry.payload, true, nil
}

func (s *IdempotencyStore) Reserve(ctx context.Context, scope, key string) (string, bool, error) {
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	id := entryKey(scope, key)

	for {
		s.mu.Lock()
		entry, ok := s.entries[id]
		if !ok {
			s.entries[id] = &idempotencyEntry{done: make(chan struct{})}
			s.mu.Unlock()
			return "", true, nil
		}
		if entry.settled {
			payload := entry.payload
			s.mu.Unlock()
			return payload, false, nil
		}
		done := entry.done
		s.mu.Unlock()

		select {
		case <-done:
			// settled or released; re-check under the lock
		case <-timer.C:
			return "", false, store.ErrRequestInProgress
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// Put records the response for a key. The first stored payload wins.
func (s *IdempotencyStore) Put(ctx context.Context, scope, key, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entryKey(scope, key)
	entry, ok := s.entries[id]
	if !ok {
		s.entries[id] = &idempotencyEntry{payload: payload, settled: true, done: closedChan()}
		return nil
	}
	if entry.settled {
		return nil
	}
	entry.payload = payload
	entry.settled = true
	close(entry.done)
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entryKey(scope, key)
	entry, ok := s.entries[id]
	if !ok || entry.settled {
		return nil
	}
	delete(s.entries, id)
	close(entry.done)
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
