package x402

import (
	"context"
	"strings"
	"sync"
	"time"
)

// NonceStore is the replay guard. A nonce is reserved before settlement is
// submitted and either committed once settled or released if settlement
// definitively failed. Reservations expire with the authorization.
type NonceStore interface {
	// Seen reports whether the key is reserved or committed. It never writes.
	Seen(ctx context.Context, key string) (bool, error)

	// Reserve atomically inserts the key if absent. It returns false when
	// the key already exists.
	Reserve(ctx context.Context, key string, expiresAt time.Time) (bool, error)

	// Commit marks a reserved key as consumed by the given transaction.
	Commit(ctx context.Context, key, transaction string) error

	// Release removes a reservation that was never committed.
	Release(ctx context.Context, key string) error
}

// NonceKey builds the replay-guard key for an authorization. EVM addresses
// and hex nonces are case-insensitive, so the key is lowercased.
func NonceKey(network, asset, payer, nonce string) string {
	return strings.ToLower(network + ":" + asset + ":" + payer + ":" + nonce)
}

// evictEvery is the number of reservations between expiry scans of the
// in-memory stores.
const evictEvery = 256

type nonceEntry struct {
	expiresAt   time.Time
	committed   bool
	transaction string
}

// MemoryNonceStore is an in-process NonceStore. Expired entries are
// ignored on lookup and dropped by a scan every evictEvery reservations, or
// by Evict.
type MemoryNonceStore struct {
	mu       sync.Mutex
	entries  map[string]*nonceEntry
	reserved int
	now      func() time.Time
}

// NewMemoryNonceStore creates an empty in-memory store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		entries: make(map[string]*nonceEntry),
		now:     time.Now,
	}
}

// WithClock sets the clock used for expiry and returns the store.
func (s *MemoryNonceStore) WithClock(now func() time.Time) *MemoryNonceStore {
	s.now = now
	return s
}

func (s *MemoryNonceStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && s.now().Before(e.expiresAt), nil
}

func (s *MemoryNonceStore) Reserve(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = &nonceEntry{expiresAt: expiresAt}
	s.reserved++
	if s.reserved%evictEvery == 0 {
		s.evictLocked(now)
	}
	return true, nil
}

func (s *MemoryNonceStore) Commit(_ context.Context, key, transaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.committed = true
		e.transaction = transaction
	}
	return nil
}

func (s *MemoryNonceStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.committed {
		delete(s.entries, key)
	}
	return nil
}

// Transaction returns the transaction that consumed a committed key.
func (s *MemoryNonceStore) Transaction(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.committed {
		return "", false
	}
	return e.transaction, true
}

// Evict drops expired entries and returns how many were removed.
func (s *MemoryNonceStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(s.now())
}

// Len returns the number of live and not yet evicted entries.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryNonceStore) evictLocked(now time.Time) int {
	n := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}
