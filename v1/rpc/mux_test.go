package rpc

import (
	"errors"
	"testing"

	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

func TestMultiplexerAllocatesSequentially(t *testing.T) {
	m := NewMultiplexer()
	for want := uint64(0); want < 3; want++ {
		if got := m.Allocate(); got != want {
			t.Fatalf("expected id %d, got %d", want, got)
		}
	}
}

func TestMultiplexerWrapsAfterMaxID(t *testing.T) {
	m := NewMultiplexer()
	m.counter = MaxCorrelationID - 1
	if id := m.Allocate(); id != MaxCorrelationID-1 {
		t.Fatalf("unexpected id %d", id)
	}
	if id := m.Allocate(); id != MaxCorrelationID {
		t.Fatalf("expected max id, got %d", id)
	}
	if id := m.Allocate(); id != 0 {
		t.Fatalf("expected wrap to 0, got %d", id)
	}
}

func TestMultiplexerSkipsOutstandingIDsAfterWrap(t *testing.T) {
	m := NewMultiplexer()
	id0, _ := m.Open()
	id1, _ := m.Open()
	if id0 != 0 || id1 != 1 {
		t.Fatalf("unexpected ids %d %d", id0, id1)
	}
	m.counter = MaxCorrelationID
	if id := m.Allocate(); id != MaxCorrelationID {
		t.Fatalf("expected max id, got %d", id)
	}
	if id := m.Allocate(); id != 2 {
		t.Fatalf("expected outstanding ids 0 and 1 skipped, got %d", id)
	}
}

func TestMultiplexerResolve(t *testing.T) {
	m := NewMultiplexer()
	id, wait := m.Open()
	if !m.Resolve(protocol.Done{ID: id, Value: []byte("x"), Found: true}) {
		t.Fatal("expected resolve to find the request")
	}
	d := <-wait
	if string(d.Value) != "x" {
		t.Fatalf("unexpected reply %#v", d)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no pending requests, got %d", m.Len())
	}
	if m.Resolve(protocol.Done{ID: id}) {
		t.Fatal("second resolve must be a no-op")
	}
}

func TestMultiplexerCancel(t *testing.T) {
	m := NewMultiplexer()
	id, _ := m.Open()
	m.Cancel(id)
	m.Cancel(id)
	if m.Len() != 0 {
		t.Fatalf("expected no pending requests, got %d", m.Len())
	}
	if m.Resolve(protocol.Done{ID: id}) {
		t.Fatal("resolve after cancel must be a no-op")
	}
}

func TestMultiplexerRegisterDuplicate(t *testing.T) {
	m := NewMultiplexer()
	if _, err := m.Register(7); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.Register(7); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("expected ErrDuplicateCorrelation, got %v", err)
	}
}
