package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

// StreamChannel carries length-prefixed packets over a byte stream such as
// the stdio pipes of a forked worker or a unix socket.
type StreamChannel struct {
	rwc io.ReadWriteCloser
	in  *inbox

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewStream starts reading frames from rwc. The channel owns rwc and closes
// it on Close.
func NewStream(rwc io.ReadWriteCloser) *StreamChannel {
	s := &StreamChannel{
		rwc: rwc,
		in:  newInbox(),
		w:   bufio.NewWriter(rwc),
	}
	go s.readLoop()
	return s
}

func (s *StreamChannel) readLoop() {
	r := bufio.NewReader(s.rwc)
	for {
		packet, err := protocol.ReadFrame(r)
		if err != nil {
			var pe *warperrors.ProtocolError
			if errors.As(err, &pe) {
				s.in.fail(err)
			}
			s.in.close()
			return
		}
		if !s.in.push(packet) {
			return
		}
	}
}

// Send implements Channel.Send.
func (s *StreamChannel) Send(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.in.isClosed() {
		return warperrors.ErrConnectionClosed
	}
	packet, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := protocol.WriteFrame(s.w, packet); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.in.sent.Add(1)
	return nil
}

// Recv implements Channel.Recv.
func (s *StreamChannel) Recv(ctx context.Context) (protocol.Message, error) {
	return s.in.recv(ctx)
}

// Close implements Channel.Close.
func (s *StreamChannel) Close() error {
	s.in.close()
	return s.rwc.Close()
}

// Metrics returns the sent and received counts.
func (s *StreamChannel) Metrics() Metrics {
	return s.in.metrics()
}

// Duplex joins a read side and a write side into one io.ReadWriteCloser.
// Close closes both.
func Duplex(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &duplex{r: r, w: w}
}

type duplex struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplex) Close() error {
	werr := d.w.Close()
	rerr := d.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
