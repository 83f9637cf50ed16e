package rpc

import (
	"errors"
	"sync"

	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

// MaxCorrelationID is the largest id handed out before the counter wraps to 0.
const MaxCorrelationID uint64 = 1<<53 - 1

// ErrDuplicateCorrelation is returned by Register for an id that is still
// outstanding.
var ErrDuplicateCorrelation = errors.New("rpc: correlation id already outstanding")

// Multiplexer pairs replies with the requests that are waiting for them.
// Each outstanding request owns a one-shot completion keyed by its
// correlation id.
type Multiplexer struct {
	mu      sync.Mutex
	counter uint64
	pending map[uint64]chan protocol.Done
}

// NewMultiplexer returns a multiplexer whose first id is 0.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{pending: make(map[uint64]chan protocol.Done)}
}

// Allocate returns the next correlation id. Ids still outstanding after a
// wraparound are skipped.
func (m *Multiplexer) Allocate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked()
}

func (m *Multiplexer) nextLocked() uint64 {
	for {
		id := m.counter
		if m.counter == MaxCorrelationID {
			m.counter = 0
		} else {
			m.counter++
		}
		if _, busy := m.pending[id]; !busy {
			return id
		}
	}
}

// Register creates the completion for id.
func (m *Multiplexer) Register(id uint64) (<-chan protocol.Done, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		return nil, ErrDuplicateCorrelation
	}
	ch := make(chan protocol.Done, 1)
	m.pending[id] = ch
	return ch, nil
}

// Open allocates an id and registers its completion in one step.
func (m *Multiplexer) Open() (uint64, <-chan protocol.Done) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextLocked()
	ch := make(chan protocol.Done, 1)
	m.pending[id] = ch
	return id, ch
}

// Resolve completes the request with d's id and forgets it. It reports
// false when no request is waiting, as for a reply that arrives after its
// caller gave up.
func (m *Multiplexer) Resolve(d protocol.Done) bool {
	m.mu.Lock()
	ch, ok := m.pending[d.ID]
	if ok {
		delete(m.pending, d.ID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// Cancel forgets id without completing it. Cancelling an unknown or
// already resolved id is a no-op.
func (m *Multiplexer) Cancel(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Len returns the number of outstanding requests.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
