package protocol

import (
	"encoding/binary"
	"io"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
)

// MaxFrameSize bounds a single length-prefixed frame on stream transports.
const MaxFrameSize = 64 << 20

// WriteFrame writes packet prefixed by its uint32 length.
func WriteFrame(w io.Writer, packet []byte) error {
	if len(packet) > MaxFrameSize {
		return errValueTooLong
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(packet)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(packet)
	return err
}

// ReadFrame reads one length-prefixed packet. A clean end of stream between
// frames returns io.EOF; a stream cut inside a frame returns
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, &warperrors.ProtocolError{Reason: "frame exceeds maximum size"}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
