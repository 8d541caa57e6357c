// Package sioserver is a small Socket.IO 0.9 server: the handshake endpoint,
// the websocket transport, endpoint membership and acknowledgements. It
// backs the integration tests of package socket and the serve command.
package sioserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/sockio/debug"
	"github.com/kleeedolinux/sockio/socket"
)

const (
	HandshakePath = "/socket.io/1/"
	WebSocketPath = "/socket.io/1/websocket/{sid}"
)

// HandlerFunc serves message, json and event packets. When the client asked
// for a data acknowledgement the returned values are sent as its arguments.
type HandlerFunc func(c *Conn, p socket.Packet) []any

type Server struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	pending map[string]time.Time

	endpoints *endpointManager
	router    chi.Router
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	handler   HandlerFunc

	onConnect    []func(*Conn)
	onDisconnect []func(*Conn)

	heartbeatTimeout     time.Duration
	closeTimeout         time.Duration
	writeTimeout         time.Duration
	transports           []string
	rejectStatus         atomic.Int32
	maxConnections       int
	concurrencySemaphore chan struct{}
	compressionEnabled   bool
	bufferSize           int

	stop     chan struct{}
	stopOnce sync.Once
}

type ServerOption func(*Server)

func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeatTimeout = d
	}
}

// WithCloseTimeout sets the advertised closing timeout. A handshake that is
// not upgraded within it is forgotten.
func WithCloseTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.closeTimeout = d
	}
}

func WithTransports(transports ...string) ServerOption {
	return func(s *Server) {
		s.transports = transports
	}
}

// WithRejectStatus makes every handshake fail with status.
func WithRejectStatus(status int) ServerOption {
	return func(s *Server) {
		s.rejectStatus.Store(int32(status))
	}
}

func WithHandler(h HandlerFunc) ServerOption {
	return func(s *Server) {
		s.handler = h
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compressionEnabled = enabled
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		conns:            make(map[string]*Conn),
		pending:          make(map[string]time.Time),
		endpoints:        newEndpointManager(),
		logger:           debug.Logger(),
		handler:          Echo,
		heartbeatTimeout: 60 * time.Second,
		closeTimeout:     60 * time.Second,
		writeTimeout:     10 * time.Second,
		transports:       []string{"websocket", "xhr-polling"},
		maxConnections:   100,
		bufferSize:       256,
		stop:             make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxConnections > 0 {
		s.concurrencySemaphore = make(chan struct{}, s.maxConnections)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: s.compressionEnabled,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(HandshakePath, s.handleHandshake)
	r.Get(WebSocketPath, s.handleWebSocket)
	s.router = r

	go s.cleanupSessions()

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetRejectStatus changes the handshake outcome at runtime. Zero accepts.
func (s *Server) SetRejectStatus(status int) {
	s.rejectStatus.Store(int32(status))
}

func (s *Server) OnConnect(fn func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

func (s *Server) OnDisconnect(fn func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

func (s *Server) cleanupSessions() {
	interval := s.closeTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expirePending(time.Now())
		}
	}
}

func (s *Server) expirePending(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, issued := range s.pending {
		if now.Sub(issued) > s.closeTimeout {
			s.logger.Debug("handshake expired before upgrade", "session", id)
			delete(s.pending, id)
		}
	}
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if status := int(s.rejectStatus.Load()); status != 0 {
		s.logger.Info("rejecting handshake", "status", status, "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(status), status)
		return
	}

	sid := generateID()

	s.mu.Lock()
	s.pending[sid] = time.Now()
	s.mu.Unlock()

	s.logger.Debug("handshake", "session", sid, "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s:%d:%d:%s",
		sid,
		int(s.heartbeatTimeout/time.Second),
		int(s.closeTimeout/time.Second),
		strings.Join(s.transports, ","),
	)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	s.mu.Lock()
	_, ok := s.pending[sid]
	delete(s.pending, sid)
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if s.concurrencySemaphore != nil {
		select {
		case s.concurrencySemaphore <- struct{}{}:
			defer func() {
				<-s.concurrencySemaphore
			}()
		default:
			http.Error(w, "Too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sid, "error", err)
		return
	}

	c := newConn(s, sid, ws)

	s.mu.Lock()
	s.conns[sid] = c
	onConnect := append([]func(*Conn){}, s.onConnect...)
	s.mu.Unlock()

	s.logger.Debug("connection open", "session", sid)
	c.Send(socket.Packet{Type: socket.PacketConnect})
	for _, fn := range onConnect {
		fn(c)
	}

	c.readLoop()

	s.mu.Lock()
	delete(s.conns, sid)
	onDisconnect := append([]func(*Conn){}, s.onDisconnect...)
	s.mu.Unlock()

	s.endpoints.leaveAll(sid)
	s.logger.Debug("connection closed", "session", sid)
	for _, fn := range onDisconnect {
		fn(c)
	}
}

// dispatch handles one inbound packet and reports whether the connection
// stays open.
func (s *Server) dispatch(c *Conn, p socket.Packet) bool {
	switch p.Type {
	case socket.PacketHeartbeat:
		c.Send(socket.NewHeartbeat())

	case socket.PacketConnect:
		if p.Endpoint == "" {
			return true
		}
		s.endpoints.join(endpointName(p.Endpoint), c)
		c.Send(socket.Packet{Type: socket.PacketConnect, Endpoint: p.Endpoint})

	case socket.PacketDisconnect:
		if p.Endpoint == "" {
			return false
		}
		s.endpoints.leave(endpointName(p.Endpoint), c.ID())

	case socket.PacketMessage, socket.PacketJSON, socket.PacketEvent:
		if p.HasID && !p.Ack {
			s.ack(c, p, nil)
		}
		args := s.handler(c, p)
		if p.HasID && p.Ack {
			s.ack(c, p, args)
		}

	default:
		s.logger.Debug("ignoring packet", "conn", c.ID(), "type", p.Type.String())
	}

	return true
}

func (s *Server) ack(c *Conn, p socket.Packet, args []any) {
	reply, err := socket.NewAck(p.ID, args)
	if err != nil {
		s.logger.Warn("encoding ack failed", "conn", c.ID(), "error", err)
		return
	}
	reply.Endpoint = p.Endpoint
	c.Send(reply)
}

// Echo writes every packet back to its sender and acknowledges with the
// event arguments, or with the message data.
func Echo(c *Conn, p socket.Packet) []any {
	reply := p
	reply.ID, reply.HasID, reply.Ack = 0, false, false
	c.Send(reply)

	if p.Type == socket.PacketEvent {
		_, args, err := p.Event()
		if err != nil {
			return nil
		}
		out := make([]any, len(args))
		for i, a := range args {
			out[i] = a
		}
		return out
	}
	return []any{p.Data}
}

func (s *Server) snapshot() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast writes p to every open connection.
func (s *Server) Broadcast(p socket.Packet) {
	conns := s.snapshot()
	s.logger.Debug("broadcast", "packet", p.String(), "conns", len(conns))

	for _, c := range conns {
		if err := c.Send(p); err != nil {
			s.logger.Debug("broadcast failed", "conn", c.ID(), "error", err)
		}
	}
}

// BroadcastTo writes p to the members of endpoint, with p.Endpoint set to it.
func (s *Server) BroadcastTo(endpoint string, p socket.Packet) {
	e, ok := s.endpoints.get(endpoint)
	if !ok {
		return
	}
	p.Endpoint = endpoint
	e.broadcast(p, 10)
}

// Endpoints lists the endpoints with at least one member.
func (s *Server) Endpoints() []string {
	return s.endpoints.names()
}

func (s *Server) Conn(id string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown sends a disconnect packet to every connection and closes it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	for _, c := range s.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Disconnect(); err != nil {
			s.logger.Debug("closing connection failed", "conn", c.ID(), "error", err)
		}
	}

	return nil
}
