// Package txlog journals terminal payment outcomes so operators can list
// recent transactions. The journal is advisory: a failed append never fails
// the payment it describes.
package txlog

import (
	"context"
	"sync"
	"time"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

const (
	DefaultMax   = 100
	DefaultLimit = 20
	MaxLimit     = 100
)

// Status is the terminal status of a journaled transaction.
type Status string

const (
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Tx is one journal entry.
type Tx struct {
	ID        string            `json:"id"`
	Protocol  protocol.Protocol `json:"protocol"`
	Status    Status            `json:"status"`
	Recipient string            `json:"recipient"`
	Amount    string            `json:"amount"`
	Hash      *string           `json:"hash"`
	RequestID string            `json:"requestId,omitempty"`
	At        time.Time         `json:"at"`
}

// Log is a transaction journal. Recent returns entries newest first.
type Log interface {
	Append(ctx context.Context, tx Tx) error
	Recent(ctx context.Context, limit int) ([]Tx, error)
}

// ClampLimit maps a caller-supplied limit onto [1, MaxLimit], using
// DefaultLimit for non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// MemoryLog is a bounded in-process ring.
type MemoryLog struct {
	mu   sync.Mutex
	max  int
	ring []Tx
	next int
	full bool
}

func NewMemoryLog(max int) *MemoryLog {
	if max <= 0 {
		max = DefaultMax
	}
	return &MemoryLog{max: max, ring: make([]Tx, max)}
}

func (m *MemoryLog) Append(_ context.Context, tx Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = tx
	m.next = (m.next + 1) % m.max
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *MemoryLog) Recent(_ context.Context, limit int) ([]Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = m.max
	}
	limit = ClampLimit(limit)
	if limit > n {
		limit = n
	}
	out := make([]Tx, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, m.ring[(m.next-i+m.max)%m.max])
	}
	return out, nil
}
