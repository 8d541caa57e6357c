package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned by Connect when no server address is set.
	ErrInvalidConfiguration = errors.New("sockio: server address is not set")

	// ErrAlreadyConnected is returned by Connect while the transport is open.
	ErrAlreadyConnected = errors.New("sockio: client is already connected")

	// ErrWebSocketNotSupported is recorded when the handshake does not offer websocket.
	ErrWebSocketNotSupported = errors.New("sockio: server does not support websockets")

	ErrMalformedPacket        = errors.New("sockio: malformed packet")
	ErrTimeout                = errors.New("sockio: transaction timed out")
	ErrDuplicateTransactionID = errors.New("sockio: duplicate transaction id")
	ErrNotConnected           = errors.New("sockio: not connected")
	ErrClientStopped          = errors.New("sockio: client stopped")
)

// HandshakeRejectedError reports a non-200 handshake response.
type HandshakeRejectedError struct {
	Status int
	Reason string
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("sockio: handshake failed: HTTP error: %d %s", e.Status, e.Reason)
}

// InvalidHandshakeResponseError reports a handshake body that could not be parsed.
type InvalidHandshakeResponseError struct {
	Body string
	Err  error
}

func (e *InvalidHandshakeResponseError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("sockio: invalid handshake response %q: %v", e.Body, e.Err)
	case e.Body == "":
		return "sockio: invalid handshake response"
	default:
		return fmt.Sprintf("sockio: invalid handshake response: %s", e.Body)
	}
}

func (e *InvalidHandshakeResponseError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sockio: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}
