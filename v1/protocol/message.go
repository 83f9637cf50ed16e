package protocol

import "time"

// Kind identifies a message variant on the wire.
type Kind byte

const (
	KindGet  Kind = 0x01
	KindSet  Kind = 0x02
	KindDone Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindSet:
		return "set"
	case KindDone:
		return "done"
	}
	return "unknown"
}

// Message is the closed set of protocol variants: Get, Set and Done.
// Requests travel worker to primary, Done travels back carrying the same
// correlation id.
type Message interface {
	Kind() Kind
	CorrelationID() uint64
	sealed()
}

// Get asks the primary for the value stored at Key.
type Get struct {
	ID  uint64
	Key string
}

// Set asks the primary to store Value at Key for TTL. A zero TTL lets the
// primary apply its default.
type Set struct {
	ID    uint64
	Key   string
	Value []byte
	TTL   time.Duration
}

// Done answers the request with the same ID. For a Get, Found reports
// whether Value is meaningful. Err is non-empty when the primary rejected
// the request.
type Done struct {
	ID    uint64
	Value []byte
	Found bool
	Err   string
}

func (Get) Kind() Kind  { return KindGet }
func (Set) Kind() Kind  { return KindSet }
func (Done) Kind() Kind { return KindDone }

func (m Get) CorrelationID() uint64  { return m.ID }
func (m Set) CorrelationID() uint64  { return m.ID }
func (m Done) CorrelationID() uint64 { return m.ID }

func (Get) sealed()  {}
func (Set) sealed()  {}
func (Done) sealed() {}
