package breaker

import (
	"context"
	"sync"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// Store persists breaker entries. Every write is a compare-and-swap on a
// per-protocol version so concurrent instances never lose an update.
type Store interface {
	// Load returns the entry and its version. An absent entry is reported as
	// a closed entry at version 0.
	Load(ctx context.Context, p protocol.Protocol) (Entry, uint64, error)
	// CompareAndSwap writes e only if the stored version still equals version.
	// It reports false, nil when another writer got there first.
	CompareAndSwap(ctx context.Context, p protocol.Protocol, version uint64, e Entry) (bool, error)
}

type versioned struct {
	entry   Entry
	version uint64
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[protocol.Protocol]versioned
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[protocol.Protocol]versioned)}
}

func (s *MemoryStore) Load(_ context.Context, p protocol.Protocol) (Entry, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[p]
	if !ok {
		return closedEntry(), 0, nil
	}
	return v.entry, v.version, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, p protocol.Protocol, version uint64, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[p].version != version {
		return false, nil
	}
	s.entries[p] = versioned{entry: e, version: version + 1}
	return true, nil
}
