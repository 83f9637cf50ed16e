package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warp-cluster/v1/cache"
	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

// newListeningClient returns a client on the worker end of a pipe, with its
// listener running until the test ends.
func newListeningClient(t *testing.T, opts ...ClientOption) (*Client, *transport.PipeChannel) {
	t.Helper()
	primary, worker := transport.NewPipe()
	c := NewClient(worker, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = primary.Close()
	})
	return c, primary
}

func TestClientServerRoundTrip(t *testing.T) {
	c, primary := newListeningClient(t)
	store := cache.NewTimedStore[[]byte]()
	defer store.Close()
	srv := NewServer(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, primary) }()

	if err := c.Set(ctx, "test", []byte("beef"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := c.Get(ctx, "test")
	if err != nil || !ok || string(v) != "beef" {
		t.Fatalf("unexpected get result %q %v %v", v, ok, err)
	}
	_, ok, err = c.Get(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("expected absent key, got %v %v", ok, err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", c.Pending())
	}
}

func TestClientConcurrentOutOfOrderReplies(t *testing.T) {
	const n = 32
	c, primary := newListeningClient(t)
	ctx := context.Background()

	// Collect every request, then answer in reverse order echoing the key.
	go func() {
		reqs := make([]protocol.Get, 0, n)
		for len(reqs) < n {
			m, err := primary.Recv(ctx)
			if err != nil {
				return
			}
			reqs = append(reqs, m.(protocol.Get))
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			r := reqs[i]
			_ = primary.Send(ctx, protocol.Done{ID: r.ID, Value: []byte(r.Key), Found: true})
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			v, ok, err := c.Get(ctx, key)
			if err != nil {
				errCh <- err
				return
			}
			if !ok || string(v) != key {
				errCh <- fmt.Errorf("caller %s got %q", key, v)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestClientTimeoutIsolatesLateReply(t *testing.T) {
	c, primary := newListeningClient(t, WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	if _, _, err := c.Get(ctx, "slow"); !errors.Is(err, warperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	slow, err := primary.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("timed out request still pending")
	}

	// The late reply must not resolve the next request.
	go func() {
		_ = primary.Send(ctx, protocol.Done{ID: slow.CorrelationID(), Value: []byte("stale"), Found: true})
		m, err := primary.Recv(ctx)
		if err != nil {
			return
		}
		_ = primary.Send(ctx, protocol.Done{ID: m.CorrelationID(), Value: []byte("fresh"), Found: true})
	}()
	v, ok, err := c.Get(ctx, "fast")
	if err != nil || !ok || string(v) != "fresh" {
		t.Fatalf("unexpected result %q %v %v", v, ok, err)
	}
	if c.LateReplies() != 1 {
		t.Fatalf("expected 1 late reply, got %d", c.LateReplies())
	}
}

func TestClientCallerCancellation(t *testing.T) {
	c, _ := newListeningClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, _, err := c.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClientCallerDeadlineIsTimeout(t *testing.T) {
	c, _ := newListeningClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Get(ctx, "k")
	if !errors.Is(err, warperrors.ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout wrapping deadline exceeded, got %v", err)
	}
}

func TestClientWithoutChannel(t *testing.T) {
	c := NewClient(nil)
	if _, _, err := c.Get(context.Background(), "k"); !errors.Is(err, warperrors.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if err := c.Set(context.Background(), "k", nil, 0); !errors.Is(err, warperrors.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
}

func TestClientListenerClosedFailsPending(t *testing.T) {
	c, primary := newListeningClient(t)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Get(context.Background(), "k")
		errCh <- err
	}()
	if _, err := primary.Recv(context.Background()); err != nil {
		t.Fatalf("recv: %v", err)
	}
	_ = primary.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, warperrors.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not released")
	}
}

func TestClientListenRejectsRequests(t *testing.T) {
	primary, worker := transport.NewPipe()
	defer primary.Close()
	c := NewClient(worker)
	ctx := context.Background()
	if err := primary.Send(ctx, protocol.Get{ID: 1, Key: "k"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := c.Listen(ctx)
	var pe *warperrors.ProtocolError
	if !errors.As(err, &pe) || pe.Kind != byte(protocol.KindGet) {
		t.Fatalf("expected protocol error for get, got %v", err)
	}
}

func TestClientSurfacesRemoteErrors(t *testing.T) {
	c, primary := newListeningClient(t)
	store := cache.NewTimedStore[[]byte]()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewServer(store).Serve(ctx, primary) }()

	err := c.Set(ctx, "k", []byte("v"), -time.Second)
	var re *warperrors.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if re.Msg != warperrors.ErrInvalidTTL.Error() {
		t.Fatalf("unexpected remote message %q", re.Msg)
	}
}

func TestClientSkipsForeignPackets(t *testing.T) {
	c, primary := newListeningClient(t)
	ctx := context.Background()

	go func() {
		m, err := primary.Recv(ctx)
		if err != nil {
			return
		}
		_ = primary.SendRaw(ctx, []byte(`{"op":"noise"}`))
		_ = primary.Send(ctx, protocol.Done{ID: m.CorrelationID(), Value: []byte("v"), Found: true})
	}()

	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("unexpected get result %q %v %v", v, ok, err)
	}
}
