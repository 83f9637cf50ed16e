// Package protocol defines the messages exchanged between workers and the
// primary. The protocol is closed: Get and Set travel from a worker to the
// primary, Done travels back with the same correlation id. Anything else on
// the wire is a protocol violation.
//
// Messages are encoded as compact big-endian packets. Stream transports
// wrap each packet in a uint32 length prefix via WriteFrame and ReadFrame.
package protocol
