package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

// WebSocketChannel implements Channel over a WebSocket connection, one
// binary message per packet.
type WebSocketChannel struct {
	conn *websocket.Conn
	in   *inbox

	wmu sync.Mutex
}

// NewWebSocketChannel starts reading packets from conn. The channel owns
// conn and closes it on Close.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	c := &WebSocketChannel{conn: conn, in: newInbox()}
	go c.readLoop()
	return c
}

func (c *WebSocketChannel) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.in.close()
			return
		}
		if kind != websocket.BinaryMessage {
			c.in.fail(&warperrors.ProtocolError{Reason: "non-binary websocket message"})
			continue
		}
		if !c.in.push(data) {
			return
		}
	}
}

// Send implements Channel.Send.
func (c *WebSocketChannel) Send(ctx context.Context, m protocol.Message) error {
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
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
		return err
	}
	c.in.sent.Add(1)
	return nil
}

// Recv implements Channel.Recv.
func (c *WebSocketChannel) Recv(ctx context.Context) (protocol.Message, error) {
	return c.in.recv(ctx)
}

// Close implements Channel.Close.
func (c *WebSocketChannel) Close() error {
	c.in.close()
	return c.conn.Close()
}

// Metrics returns the sent and received counts.
func (c *WebSocketChannel) Metrics() Metrics {
	return c.in.metrics()
}

// ErrUnknownWorker is returned by WebSocketListener.Accept when the listener
// is closed before the worker connects.
var ErrUnknownWorker = errors.New("transport: unknown worker")

var upgrader = websocket.Upgrader{}

// WebSocketListener is the primary side HTTP handler workers dial into.
// Each worker identifies itself with the "worker" query parameter and must
// have been announced with Expect beforehand.
type WebSocketListener struct {
	mu      sync.Mutex
	waiting map[string]chan *WebSocketChannel
	closed  bool
}

// NewWebSocketListener returns an empty listener.
func NewWebSocketListener() *WebSocketListener {
	return &WebSocketListener{waiting: make(map[string]chan *WebSocketChannel)}
}

// Expect announces that workerID is about to connect.
func (l *WebSocketListener) Expect(workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.waiting[workerID]; !ok {
		l.waiting[workerID] = make(chan *WebSocketChannel, 1)
	}
}

// Accept waits for workerID to connect and returns its channel.
func (l *WebSocketListener) Accept(ctx context.Context, workerID string) (*WebSocketChannel, error) {
	l.Expect(workerID)
	l.mu.Lock()
	ch, ok := l.waiting[workerID]
	l.mu.Unlock()
	if !ok {
		return nil, ErrUnknownWorker
	}
	select {
	case c, ok := <-ch:
		if !ok {
			return nil, ErrUnknownWorker
		}
		l.mu.Lock()
		delete(l.waiting, workerID)
		l.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServeHTTP upgrades announced workers and hands their channel to Accept.
// A second connection for the same worker is refused.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("worker")
	if id == "" {
		http.Error(w, "missing worker", http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	_, ok := l.waiting[id]
	l.mu.Unlock()
	if !ok {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := NewWebSocketChannel(conn)

	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiting[id]
	if !ok || l.closed {
		_ = c.Close()
		return
	}
	select {
	case ch <- c:
	default:
		_ = c.Close()
	}
}

// Close releases every pending Accept.
func (l *WebSocketListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.waiting {
		close(ch)
		delete(l.waiting, id)
	}
}

// DialWebSocket connects workerID to the listener served at rawURL.
func DialWebSocket(ctx context.Context, rawURL, workerID string) (*WebSocketChannel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket channel: %w", err)
	}
	q := u.Query()
	q.Set("worker", workerID)
	u.RawQuery = q.Encode()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket channel: dial: %w", err)
	}
	return NewWebSocketChannel(conn), nil
}
