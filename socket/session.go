package socket

import (
	"net"
	"strconv"
	"time"
)

const (
	handshakePath = "/socket.io/1/"
	websocketPath = "/socket.io/1/websocket/"

	protocolWebSocket = "websocket"
)

// Address locates a Socket.IO server.
type Address struct {
	Host   string
	Port   uint16
	Secure bool
}

func (a Address) valid() bool {
	return a.Host != "" && a.Port != 0
}

func (a Address) hostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// HandshakeURL is the endpoint of the session negotiation request.
func (a Address) HandshakeURL() string {
	scheme := "http://"
	if a.Secure {
		scheme = "https://"
	}
	return scheme + a.hostPort() + handshakePath
}

// WebSocketURL is the session scoped upgrade target.
func (a Address) WebSocketURL(sessionID string) string {
	scheme := "ws://"
	if a.Secure {
		scheme = "wss://"
	}
	return scheme + a.hostPort() + websocketPath + sessionID
}

// Session holds the server issued parameters of one connection lifetime.
type Session struct {
	ID               string
	HeartbeatTimeout time.Duration
	ClosingTimeout   time.Duration
	Protocols        []string
}

// HeartbeatInterval is the keepalive period: three quarters of the
// negotiated heartbeat timeout.
func (s *Session) HeartbeatInterval() time.Duration {
	return s.HeartbeatTimeout * 3 / 4
}

func (s *Session) Supports(protocol string) bool {
	for _, p := range s.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Protocols = append([]string(nil), s.Protocols...)
	return &cp
}
