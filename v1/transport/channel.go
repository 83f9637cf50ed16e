package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

// Channel is a bidirectional message link between one worker and the
// primary. The core only sends and receives on it; creating and wiring the
// link is up to the environment.
type Channel interface {
	// Send delivers m to the other end.
	Send(ctx context.Context, m protocol.Message) error
	// Recv blocks until a message arrives, ctx is done or the channel is
	// closed. Packets outside the protocol yield an *errors.ProtocolError.
	Recv(ctx context.Context) (protocol.Message, error)
	// Close releases the link. Pending and future Recv calls return
	// errors.ErrConnectionClosed.
	Close() error
}

// Side selects which direction of a worker link an endpoint owns.
type Side int

const (
	// SidePrimary receives requests and sends replies.
	SidePrimary Side = iota
	// SideWorker sends requests and receives replies.
	SideWorker
)

func (s Side) String() string {
	if s == SidePrimary {
		return "primary"
	}
	return "worker"
}

// Names returns the send and receive names (subjects, channels or topics)
// used by side for the link of workerID. Requests flow on "<prefix>.<id>.up",
// replies on "<prefix>.<id>.down".
func Names(prefix, workerID string, side Side) (send, recv string) {
	up := fmt.Sprintf("%s.%s.up", prefix, workerID)
	down := fmt.Sprintf("%s.%s.down", prefix, workerID)
	if side == SidePrimary {
		return down, up
	}
	return up, down
}

// Metrics reports message counts of a channel.
type Metrics struct {
	Sent     uint64
	Received uint64
}

type delivery struct {
	packet []byte
	err    error
}

// inbox buffers packets pushed by a transport's reader goroutine until Recv
// consumes them.
type inbox struct {
	ch       chan delivery
	done     chan struct{}
	once     sync.Once
	sent     atomic.Uint64
	received atomic.Uint64
}

const inboxSize = 256

func newInbox() *inbox {
	return &inbox{
		ch:   make(chan delivery, inboxSize),
		done: make(chan struct{}),
	}
}

// push queues a packet. It reports false once the inbox is closed.
func (in *inbox) push(packet []byte) bool {
	select {
	case in.ch <- delivery{packet: packet}:
		in.received.Add(1)
		return true
	case <-in.done:
		return false
	}
}

// fail queues a terminal read error for the next Recv.
func (in *inbox) fail(err error) {
	select {
	case in.ch <- delivery{err: err}:
	case <-in.done:
	}
}

func (in *inbox) recv(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-in.done:
		// Deliveries queued before the close are still handed out.
		select {
		case d := <-in.ch:
			return d.decode()
		default:
			return nil, warperrors.ErrConnectionClosed
		}
	case d := <-in.ch:
		return d.decode()
	}
}

func (d delivery) decode() (protocol.Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	return protocol.Unmarshal(d.packet)
}

func (in *inbox) isClosed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (in *inbox) close() {
	in.once.Do(func() { close(in.done) })
}

func (in *inbox) metrics() Metrics {
	return Metrics{Sent: in.sent.Load(), Received: in.received.Load()}
}
