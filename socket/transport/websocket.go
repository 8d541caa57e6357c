package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/sockio/debug"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrDialAborted      = errors.New("transport: closed while connecting")
)

// WebSocketTransport carries Socket.IO frames as websocket text messages.
// Receive may run on one goroutine while Send and Close are called from
// others.
type WebSocketTransport struct {
	mu               sync.Mutex
	conn             *websocket.Conn
	pending          *pendingDial
	dialer           *websocket.Dialer
	headers          http.Header
	tlsConfig        *tls.Config
	readTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	compression      bool
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.headers = headers
	}
}

// WithReadTimeout bounds the wait for each inbound frame. Zero disables it.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithDialTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.handshakeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

// WithTLSConfig sets the client TLS configuration used for wss:// URLs.
func WithTLSConfig(cfg *tls.Config) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.tlsConfig = cfg
	}
}

func NewWebSocketTransport(opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		writeTimeout:     10 * time.Second,
		handshakeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// pendingDial tracks a Connect in progress so Close can abort it.
type pendingDial struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	raw     net.Conn
	aborted bool
}

func (p *pendingDial) setRaw(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.raw = c
	if p.aborted {
		c.Close()
	}
}

// abort closes the network connection under the upgrade request. Cancelling
// the dial context alone does not interrupt a server that never answers.
func (p *pendingDial) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	if p.raw != nil {
		p.raw.Close()
	}
}

// Connect dials url and performs the websocket upgrade. The transport lock
// is not held while dialing, so Close may abort the attempt; Connect then
// returns ErrDialAborted.
func (t *WebSocketTransport) Connect(ctx context.Context, url string) error {
	t.mu.Lock()
	if t.conn != nil || t.pending != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	pending := &pendingDial{cancel: cancel}
	t.pending = pending

	dialer := *t.dialer
	t.mu.Unlock()
	defer cancel()

	debug.Printf("WebSocketTransport: Connecting to %s", url)

	dialer.HandshakeTimeout = t.handshakeTimeout
	dialer.EnableCompression = t.compression
	if t.tlsConfig != nil {
		dialer.TLSClientConfig = t.tlsConfig
	}
	netDial := dialer.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(ctx, network, addr)
		if err == nil {
			pending.setRaw(c)
		}
		return c, err
	}

	stop := context.AfterFunc(ctx, pending.abort)
	conn, resp, err := dialer.DialContext(ctx, url, t.headers)
	if !stop() {
		// The abort may have closed the socket after the upgrade completed.
		if err == nil {
			conn.Close()
		}
		err = ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != pending {
		if conn != nil {
			conn.Close()
		}
		debug.Printf("WebSocketTransport: Connection aborted by Close")
		return ErrDialAborted
	}
	t.pending = nil

	if err != nil {
		if resp != nil {
			debug.Printf("WebSocketTransport: Upgrade rejected with status %d", resp.StatusCode)
		}
		debug.Printf("WebSocketTransport: Connection failed: %v", err)
		return err
	}

	debug.Printf("WebSocketTransport: Connected successfully")
	t.conn = conn

	return nil
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			debug.Printf("WebSocketTransport: Error setting write deadline: %v", err)
			return err
		}
	}

	debug.Printf("WebSocketTransport: Sending data: %s", data)
	err := t.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		debug.Printf("WebSocketTransport: Send error: %v", err)
	}
	return err
}

// Receive blocks for the next frame. A close by either side is reported as
// io.EOF.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, io.EOF
	}

	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			t.mu.Unlock()
			debug.Printf("WebSocketTransport: Error setting read deadline: %v", err)
			return nil, err
		}
	}
	t.mu.Unlock()

	_, message, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || t.detached(conn) {
			debug.Printf("WebSocketTransport: Connection closed")
			return nil, io.EOF
		}
		debug.Printf("WebSocketTransport: Read error: %v", err)
		return nil, err
	}

	debug.Printf("WebSocketTransport: Received data: %s", message)
	return message, nil
}

// detached reports whether conn was closed locally.
func (t *WebSocketTransport) detached(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != conn
}

// Close closes the connection, or aborts a Connect that is still dialing.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		debug.Printf("WebSocketTransport: Aborting pending connection")
		t.pending.cancel()
		t.pending = nil
	}

	if t.conn == nil {
		return nil
	}

	debug.Printf("WebSocketTransport: Closing connection")

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf("WebSocketTransport: Error sending close message: %v", err)
	}

	err = t.conn.Close()
	if err != nil {
		debug.Printf("WebSocketTransport: Error closing connection: %v", err)
	}

	t.conn = nil

	return err
}
