package socket

import (
	"context"
)

// Transport is the persistent bidirectional connection opened after the
// handshake. Receive is called from a single reader goroutine; Send and
// Close may be called concurrently with it.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// ConnectionState is the single authoritative lifecycle value of a Client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateOnline
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state subscribers on every transition.
// Err is the error recorded on the connection when the transition happened,
// and Message its text.
type StateChange struct {
	Old     ConnectionState
	New     ConnectionState
	Err     error
	Message string
}
