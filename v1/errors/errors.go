package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrChannelUnavailable is returned by worker calls when no channel to
	// the primary exists.
	ErrChannelUnavailable = errors.New("channel to primary unavailable")
	// ErrConfiguration groups invariant violations in expiration setup.
	ErrConfiguration = errors.New("configuration error")
	// ErrMissingExpiration is returned when a timer reset has neither a
	// previous duration nor an explicit one.
	ErrMissingExpiration = fmt.Errorf("%w: missing expiration", ErrConfiguration)
	// ErrInvalidTTL is returned for negative TTLs.
	ErrInvalidTTL = fmt.Errorf("%w: ttl must not be negative", ErrConfiguration)
	// ErrForeignPacket marks a packet that does not belong to the cluster
	// protocol at all. Receivers skip it.
	ErrForeignPacket = errors.New("foreign packet")
	// ErrProtocolViolation is matched by every *ProtocolError.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrClosed            = errors.New("closed")
	// ErrAlreadyInitialized is returned by a second Init in one process.
	ErrAlreadyInitialized = errors.New("already initialized")
)

// ProtocolError reports an inbound message outside the closed protocol
// surface: an unknown kind, a variant not accepted on the receiving side, or
// an undecodable packet.
type ProtocolError struct {
	Kind   byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s (kind 0x%02x)", e.Reason, e.Kind)
}

// Is makes errors.Is(err, ErrProtocolViolation) hold for any ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// RemoteError carries a failure reported by the primary in a Done reply.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "primary: " + e.Msg }
