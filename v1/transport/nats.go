package transport

import (
	"context"
	"fmt"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	nats "github.com/nats-io/nats.go"
)

// DefaultPrefix namespaces subjects, pub/sub channels and topics of worker links.
const DefaultPrefix = "warp.cluster"

// NATSChannel implements Channel over two NATS subjects, one per direction.
// The connection is owned by the caller.
type NATSChannel struct {
	conn *nats.Conn
	sub  *nats.Subscription
	send string
	in   *inbox
}

// NewNATSChannel subscribes to the receive subject of side for workerID and
// returns the channel once the subscription is registered on the server.
func NewNATSChannel(conn *nats.Conn, workerID string, side Side) (*NATSChannel, error) {
	send, recv := Names(DefaultPrefix, workerID, side)
	c := &NATSChannel{conn: conn, send: send, in: newInbox()}
	sub, err := conn.Subscribe(recv, c.natsHandler())
	if err != nil {
		return nil, fmt.Errorf("nats channel: subscribe %s: %w", recv, err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats channel: flush: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *NATSChannel) natsHandler() nats.MsgHandler {
	return func(m *nats.Msg) {
		packet := append([]byte(nil), m.Data...)
		c.in.push(packet)
	}
}

// Send implements Channel.Send.
func (c *NATSChannel) Send(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.in.isClosed() {
		return warperrors.ErrConnectionClosed
	}
	packet, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.send, packet); err != nil {
		return err
	}
	c.in.sent.Add(1)
	return nil
}

// Recv implements Channel.Recv.
func (c *NATSChannel) Recv(ctx context.Context) (protocol.Message, error) {
	return c.in.recv(ctx)
}

// Close unsubscribes; the NATS connection stays open.
func (c *NATSChannel) Close() error {
	c.in.close()
	return c.sub.Unsubscribe()
}

// Metrics returns the sent and received counts.
func (c *NATSChannel) Metrics() Metrics {
	return c.in.metrics()
}
