package presets

import (
	"context"
	"sync"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

// acceptedChannel is the primary end of a WebSocket link whose worker may
// not have connected yet. Send and Recv wait for the connection.
type acceptedChannel struct {
	ready  chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     transport.Channel
	err    error
	closed bool
}

func newAcceptedChannel(ctx context.Context, l *transport.WebSocketListener, id string) *acceptedChannel {
	ctx, cancel := context.WithCancel(ctx)
	a := &acceptedChannel{ready: make(chan struct{}), cancel: cancel}
	go func() {
		ch, err := l.Accept(ctx, id)
		a.mu.Lock()
		if a.closed && ch != nil {
			_ = ch.Close()
			ch, err = nil, warperrors.ErrConnectionClosed
		}
		a.ch, a.err = ch, err
		a.mu.Unlock()
		close(a.ready)
	}()
	return a
}

func (a *acceptedChannel) wait(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ready:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, warperrors.ErrConnectionClosed
	}
	return a.ch, nil
}

func (a *acceptedChannel) Send(ctx context.Context, m protocol.Message) error {
	ch, err := a.wait(ctx)
	if err != nil {
		return err
	}
	return ch.Send(ctx, m)
}

func (a *acceptedChannel) Recv(ctx context.Context) (protocol.Message, error) {
	ch, err := a.wait(ctx)
	if err != nil {
		return nil, err
	}
	return ch.Recv(ctx)
}

func (a *acceptedChannel) Close() error {
	a.mu.Lock()
	a.closed = true
	ch := a.ch
	a.mu.Unlock()
	a.cancel()
	if ch != nil {
		return ch.Close()
	}
	return nil
}
