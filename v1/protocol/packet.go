package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
)

const (
	magicByte = 0x57
	version   = 0x01

	headerLen = 11 // magic + version + kind + id
	flagFound = 0x01
)

var (
	errKeyTooLong   = errors.New("protocol: key longer than 65535 bytes")
	errValueTooLong = errors.New("protocol: value longer than 4GiB")
	errErrTooLong   = errors.New("protocol: error text longer than 65535 bytes")
)

// Marshal encodes m into a single packet.
//
// Layout (big endian): magic, version, kind, id uint64, followed by
//
//	Get:  key(u16 len)
//	Set:  key(u16 len), value(u32 len), ttl(i64 ns)
//	Done: flags, value(u32 len), err(u16 len)
func Marshal(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Get:
		if len(v.Key) > math.MaxUint16 {
			return nil, errKeyTooLong
		}
		b := make([]byte, headerLen+2+len(v.Key))
		n := putHeader(b, KindGet, v.ID)
		putString16(b[n:], v.Key)
		return b, nil

	case Set:
		if len(v.Key) > math.MaxUint16 {
			return nil, errKeyTooLong
		}
		if uint64(len(v.Value)) > math.MaxUint32 {
			return nil, errValueTooLong
		}
		b := make([]byte, headerLen+2+len(v.Key)+4+len(v.Value)+8)
		n := putHeader(b, KindSet, v.ID)
		n += putString16(b[n:], v.Key)
		n += putBytes32(b[n:], v.Value)
		binary.BigEndian.PutUint64(b[n:], uint64(v.TTL))
		return b, nil

	case Done:
		if uint64(len(v.Value)) > math.MaxUint32 {
			return nil, errValueTooLong
		}
		if len(v.Err) > math.MaxUint16 {
			return nil, errErrTooLong
		}
		b := make([]byte, headerLen+1+4+len(v.Value)+2+len(v.Err))
		n := putHeader(b, KindDone, v.ID)
		if v.Found {
			b[n] = flagFound
		}
		n++
		n += putBytes32(b[n:], v.Value)
		putString16(b[n:], v.Err)
		return b, nil
	}
	return nil, &warperrors.ProtocolError{Reason: "unsupported message type"}
}

// Unmarshal decodes a packet produced by Marshal. A packet without the
// magic byte yields errors.ErrForeignPacket; a cluster packet that cannot be
// decoded yields a *errors.ProtocolError.
func Unmarshal(b []byte) (Message, error) {
	if len(b) == 0 || b[0] != magicByte {
		return nil, warperrors.ErrForeignPacket
	}
	if len(b) < headerLen {
		return nil, truncated(0)
	}
	if b[1] != version {
		return nil, &warperrors.ProtocolError{Kind: b[2], Reason: "unsupported version"}
	}
	kind := Kind(b[2])
	id := binary.BigEndian.Uint64(b[3:11])
	r := reader{buf: b[headerLen:]}

	switch kind {
	case KindGet:
		key, ok := r.readString16()
		if !ok {
			return nil, truncated(kind)
		}
		return Get{ID: id, Key: key}, nil

	case KindSet:
		key, ok := r.readString16()
		if !ok {
			return nil, truncated(kind)
		}
		val, ok := r.readBytes32()
		if !ok {
			return nil, truncated(kind)
		}
		ns, ok := r.readUint64()
		if !ok {
			return nil, truncated(kind)
		}
		return Set{ID: id, Key: key, Value: val, TTL: time.Duration(int64(ns))}, nil

	case KindDone:
		flags, ok := r.readByte()
		if !ok {
			return nil, truncated(kind)
		}
		val, ok := r.readBytes32()
		if !ok {
			return nil, truncated(kind)
		}
		errText, ok := r.readString16()
		if !ok {
			return nil, truncated(kind)
		}
		return Done{ID: id, Value: val, Found: flags&flagFound != 0, Err: errText}, nil
	}
	return nil, &warperrors.ProtocolError{Kind: byte(kind), Reason: "unknown message kind"}
}

func truncated(k Kind) error {
	return &warperrors.ProtocolError{Kind: byte(k), Reason: "truncated packet"}
}

func putHeader(b []byte, k Kind, id uint64) int {
	b[0] = magicByte
	b[1] = version
	b[2] = byte(k)
	binary.BigEndian.PutUint64(b[3:11], id)
	return headerLen
}

func putString16(b []byte, s string) int {
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return 2 + len(s)
}

func putBytes32(b []byte, v []byte) int {
	binary.BigEndian.PutUint32(b, uint32(len(v)))
	copy(b[4:], v)
	return 4 + len(v)
}

type reader struct {
	buf []byte
}

func (r *reader) readByte() (byte, bool) {
	if len(r.buf) < 1 {
		return 0, false
	}
	c := r.buf[0]
	r.buf = r.buf[1:]
	return c, true
}

func (r *reader) readUint64() (uint64, bool) {
	if len(r.buf) < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v, true
}

func (r *reader) readString16() (string, bool) {
	if len(r.buf) < 2 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(r.buf))
	if len(r.buf) < 2+n {
		return "", false
	}
	s := string(r.buf[2 : 2+n])
	r.buf = r.buf[2+n:]
	return s, true
}

func (r *reader) readBytes32() ([]byte, bool) {
	if len(r.buf) < 4 {
		return nil, false
	}
	n := uint64(binary.BigEndian.Uint32(r.buf))
	if uint64(len(r.buf)-4) < n {
		return nil, false
	}
	var v []byte
	if n > 0 {
		v = make([]byte, n)
		copy(v, r.buf[4:4+n])
	}
	r.buf = r.buf[4+n:]
	return v, true
}
