package transport

import (
	"context"
	"fmt"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	redis "github.com/redis/go-redis/v9"
)

// RedisChannel implements Channel over two Redis pub/sub channels, one per
// direction. The client is owned by the caller.
type RedisChannel struct {
	client *redis.Client
	pubsub *redis.PubSub
	send   string
	in     *inbox
}

// NewRedisChannel subscribes to the receive channel of side for workerID and
// waits for the subscription to be confirmed.
func NewRedisChannel(ctx context.Context, client *redis.Client, workerID string, side Side) (*RedisChannel, error) {
	send, recv := Names(DefaultPrefix, workerID, side)
	ps := client.Subscribe(ctx, recv)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis channel: subscribe %s: %w", recv, err)
	}
	c := &RedisChannel{client: client, pubsub: ps, send: send, in: newInbox()}
	go c.dispatch(ps.Channel())
	return c, nil
}

func (c *RedisChannel) dispatch(ch <-chan *redis.Message) {
	for msg := range ch {
		if !c.in.push([]byte(msg.Payload)) {
			return
		}
	}
	c.in.close()
}

// Send implements Channel.Send.
func (c *RedisChannel) Send(ctx context.Context, m protocol.Message) error {
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
	if err := c.client.Publish(ctx, c.send, packet).Err(); err != nil {
		return err
	}
	c.in.sent.Add(1)
	return nil
}

// Recv implements Channel.Recv.
func (c *RedisChannel) Recv(ctx context.Context) (protocol.Message, error) {
	return c.in.recv(ctx)
}

// Close closes the subscription; the client stays open.
func (c *RedisChannel) Close() error {
	c.in.close()
	return c.pubsub.Close()
}

// Metrics returns the sent and received counts.
func (c *RedisChannel) Metrics() Metrics {
	return c.in.metrics()
}
