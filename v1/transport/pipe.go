package transport

import (
	"context"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

// PipeChannel is one end of an in-process link. Messages are encoded on
// Send and decoded on Recv, so both ends share no memory, as with a real
// process boundary.
type PipeChannel struct {
	in   *inbox
	peer *PipeChannel
}

// NewPipe returns the primary and worker ends of an in-process link.
func NewPipe() (primary, worker *PipeChannel) {
	primary = &PipeChannel{in: newInbox()}
	worker = &PipeChannel{in: newInbox()}
	primary.peer, worker.peer = worker, primary
	return primary, worker
}

// Send implements Channel.Send.
func (p *PipeChannel) Send(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.in.isClosed() {
		return warperrors.ErrConnectionClosed
	}
	packet, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return p.SendRaw(ctx, packet)
}

// SendRaw delivers an already encoded packet. It exists so callers can
// inject arbitrary bytes, such as foreign traffic, into the link.
func (p *PipeChannel) SendRaw(ctx context.Context, packet []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.peer.in.ch <- delivery{packet: packet}:
		p.in.sent.Add(1)
		p.peer.in.received.Add(1)
		return nil
	case <-p.peer.in.done:
		return warperrors.ErrConnectionClosed
	}
}

// Recv implements Channel.Recv.
func (p *PipeChannel) Recv(ctx context.Context) (protocol.Message, error) {
	return p.in.recv(ctx)
}

// Close hangs up both ends.
func (p *PipeChannel) Close() error {
	p.in.close()
	p.peer.in.close()
	return nil
}

// Metrics returns the sent and received counts.
func (p *PipeChannel) Metrics() Metrics {
	return p.in.metrics()
}
