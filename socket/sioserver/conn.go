package sioserver

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/sockio/debug"
	"github.com/kleeedolinux/sockio/socket"
)

var ErrConnClosed = errors.New("sioserver: connection closed")

// Conn is one upgraded session. Writes are queued and flushed by a single
// write pump; a full queue closes the connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newConn(s *Server, id string, ws *websocket.Conn) *Conn {
	c := &Conn{
		id:           id,
		ws:           ws,
		server:       s,
		sendCh:       make(chan []byte, s.bufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: s.writeTimeout,
	}

	c.writeWg.Add(1)
	go c.writePump()

	return c
}

func (c *Conn) ID() string {
	return c.id
}

// Endpoints lists the endpoints the connection has joined.
func (c *Conn) Endpoints() []string {
	return c.server.endpoints.endpointsOf(c.id)
}

func (c *Conn) writePump() {
	defer c.writeWg.Done()

	for {
		select {
		case <-c.closeCh:
			c.flush()
			return
		case message := <-c.sendCh:
			if err := c.write(message); err != nil {
				debug.Printf("Conn %s: Write error: %v", c.id, err)
				c.ws.Close()
				return
			}
		}
	}
}

// flush writes what was queued before Close.
func (c *Conn) flush() {
	for {
		select {
		case message := <-c.sendCh:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(message []byte) error {
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

// Send queues p for writing.
func (c *Conn) Send(p socket.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		debug.Printf("Conn %s: Attempted to write to closed connection", c.id)
		return ErrConnClosed
	}

	debug.Printf("Conn %s: Sending packet: %s", c.id, p)

	select {
	case c.sendCh <- p.Bytes():
		return nil
	default:
		debug.Printf("Conn %s: Send buffer full, closing connection", c.id)
		go c.Close()
		return ErrConnClosed
	}
}

// Emit sends an event on endpoint.
func (c *Conn) Emit(endpoint, event string, args ...any) error {
	p, err := socket.NewEvent(event, args, false)
	if err != nil {
		return err
	}
	p.Endpoint = endpoint
	return c.Send(p)
}

// Disconnect tells the client the session is over and closes the connection.
func (c *Conn) Disconnect() error {
	c.Send(socket.Packet{Type: socket.PacketDisconnect})
	return c.Close()
}

func (c *Conn) Close() error {
	return c.shutdown(true)
}

// Abort drops the connection without the websocket close handshake, the way
// a network failure would.
func (c *Conn) Abort() error {
	return c.shutdown(false)
}

func (c *Conn) shutdown(graceful bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	c.writeWg.Wait()

	if graceful {
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}

	return c.ws.Close()
}

// readLoop decodes inbound frames until the connection fails or closes.
// A silent client is dropped after the heartbeat timeout.
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		if c.server.heartbeatTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.server.heartbeatTimeout))
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			debug.Printf("Conn %s: Read error: %v", c.id, err)
			return
		}

		p, err := socket.DecodePacket(data)
		if err != nil {
			c.server.logger.Warn("dropping malformed frame", "conn", c.id, "error", err)
			continue
		}

		if !c.server.dispatch(c, p) {
			return
		}
	}
}
