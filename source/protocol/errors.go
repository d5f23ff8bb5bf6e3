package protocol

import "errors"

// Sentinel errors shared by the codec and the buffers that sit on top
// of it. Callers compare with errors.Is; wrapping with fmt.Errorf("%w")
// at call sites that add context is the norm, not the exception.
var (
	// ErrNotFound is raised when a sequence number is looked up (or
	// popped) from a reliable buffer that does not hold it.
	ErrNotFound = errors.New("protocol: sequence number not found")

	// ErrAlreadyExists is raised when inserting a frame whose sequence
	// number is already buffered.
	ErrAlreadyExists = errors.New("protocol: sequence number already exists")

	// ErrInvalidIncomingData marks a datagram the receiver will not
	// process: short header, protocol_id mismatch, unknown frame or
	// control type, out-of-range channel, nested RELIABLE, or a sender
	// that cannot be resolved to a known peer. The receiver drops the
	// datagram and continues; this error never reaches the API.
	ErrInvalidIncomingData = errors.New("protocol: invalid incoming data")
)
