package network

import "errors"

// Failure classes of the network layer. Callers classify with errors.Is;
// wrapped variants carry the local context.
var (
	// ErrTransportClosed reports EOF or a close mid-frame.
	ErrTransportClosed = errors.New("transport closed")
	// ErrTransportIO reports any other stream-level failure.
	ErrTransportIO = errors.New("transport io error")
	// ErrDecode reports a frame whose payload is not valid JSON. The socket
	// stays open.
	ErrDecode = errors.New("decode error")
	// ErrAuthRejected reports a wrong or missing token.
	ErrAuthRejected = errors.New("auth rejected")
	// ErrInvalidState reports a slot mutation attempted while listening, or
	// the reverse.
	ErrInvalidState = errors.New("invalid state")
	// ErrDuplicateToken reports a token already bound to a slot.
	ErrDuplicateToken = errors.New("duplicate token")
	// ErrInterrupted reports a wait cancelled by termination.
	ErrInterrupted = errors.New("interrupted")
	// ErrTimeout reports a wait that exhausted its budget.
	ErrTimeout = errors.New("timeout")
)
