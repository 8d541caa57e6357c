package socket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kleeedolinux/sockio/debug"
)

// Client drives one Socket.IO 0.9 connection: handshake, websocket upgrade,
// heartbeat and reconnection.
//
// All connection state is confined to a single loop goroutine. Public
// methods hand their work to that loop and wait for the result, so they may
// be called from any goroutine, including from inside subscriber callbacks.
// Transport reads, the handshake request and the websocket dial run on helper
// goroutines and report back into the loop.
type Client struct {
	transport  Transport
	handshaker *Handshaker
	logger     *slog.Logger
	metrics    *Metrics

	httpClient       *http.Client
	headers          http.Header
	tracer           trace.Tracer
	handshakeTimeout time.Duration

	// Owned by the loop goroutine.
	addr          Address
	state         ConnectionState
	session       *Session
	err           error
	transportOpen bool
	generation    uint64
	nextID        uint64
	transactions  map[uint64]*Transaction
	heartbeat     *heartbeat
	readerDone    chan struct{}
	cancelAttempt context.CancelFunc

	events   chan func()
	done     chan struct{}
	stopOnce sync.Once

	ctx        context.Context
	cancelFunc context.CancelFunc

	observers registry
	notify    *dispatcher
}

func NewClient(transport Transport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		transport:        transport,
		logger:           debug.Logger(),
		handshakeTimeout: 10 * time.Second,
		transactions:     make(map[uint64]*Transaction),
		events:           make(chan func(), 64),
		done:             make(chan struct{}),
		ctx:              ctx,
		cancelFunc:       cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	hsOpts := []HandshakerOption{WithHandshakeLogger(c.logger)}
	if c.httpClient != nil {
		hsOpts = append(hsOpts, WithHandshakeClient(c.httpClient))
	}
	if c.tracer != nil {
		hsOpts = append(hsOpts, WithHandshakeTracer(c.tracer))
	}
	if c.headers != nil {
		hsOpts = append(hsOpts, WithHandshakeHeaders(c.headers))
	}
	c.handshaker = NewHandshaker(hsOpts...)
	c.heartbeat = newHeartbeat(nil, c.onHeartbeatTick)
	c.notify = newDispatcher()

	go c.run()

	return c
}

func (c *Client) run() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the client is stopped.
func (c *Client) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (c *Client) call(fn func() error) error {
	res := make(chan error, 1)
	if !c.post(func() { res <- fn() }) {
		return ErrClientStopped
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		return ErrClientStopped
	}
}

// ConnectTo stores the server address and connects to it.
func (c *Client) ConnectTo(host string, port uint16) error {
	return c.call(func() error {
		c.addr.Host = host
		c.addr.Port = port
		return c.connect()
	})
}

// Connect starts a connection attempt to the last configured address.
//
// Configuration and precondition failures are returned. The handshake and
// websocket upgrade continue in the background; their failures are recorded
// (see Err) and reported as a transition to StateDisconnected.
func (c *Client) Connect() error {
	return c.call(c.connect)
}

func (c *Client) connect() error {
	c.logger.Debug("connecting", "host", c.addr.Host, "port", c.addr.Port)

	if !c.addr.valid() {
		return ErrInvalidConfiguration
	}
	if c.transportOpen {
		return ErrAlreadyConnected
	}

	c.reset()
	c.generation++
	gen, addr := c.generation, c.addr
	ctx := c.newAttempt()

	c.setState(StateConnecting)

	go c.negotiate(ctx, gen, addr)

	return nil
}

// newAttempt cancels the previous connection attempt and returns the
// context of the next one.
func (c *Client) newAttempt() context.Context {
	c.abortAttempt()
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelAttempt = cancel
	return ctx
}

// abortAttempt cancels an in-flight handshake or websocket dial.
func (c *Client) abortAttempt() {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
}

func (c *Client) negotiate(ctx context.Context, gen uint64, addr Address) {
	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	session, err := c.handshaker.Handshake(hsCtx, addr)
	c.post(func() { c.onHandshake(ctx, gen, addr, session, err) })
}

func (c *Client) onHandshake(ctx context.Context, gen uint64, addr Address, session *Session, err error) {
	if gen != c.generation {
		c.logger.Debug("dropping stale handshake result")
		return
	}

	c.metrics.handshake(err)
	if err != nil {
		c.fail(err)
		return
	}

	c.session = session
	for _, p := range session.Protocols {
		c.logger.Debug("supports protocol", "protocol", p)
	}

	url := addr.WebSocketURL(session.ID)
	c.logger.Debug("websocket connecting", "session", session.ID, "url", url)

	go c.dial(ctx, gen, url, c.readerDone)
}

// dial waits for the reader of the previous connection to return so two
// readers never share the transport.
func (c *Client) dial(ctx context.Context, gen uint64, url string, prevReader <-chan struct{}) {
	if prevReader != nil {
		select {
		case <-prevReader:
		case <-ctx.Done():
			return
		}
	}

	err := c.transport.Connect(ctx, url)
	c.post(func() { c.onTransportConnect(gen, err) })
}

func (c *Client) onTransportConnect(gen uint64, err error) {
	if gen != c.generation {
		if err == nil && !c.transportOpen {
			c.logger.Debug("closing transport of a superseded attempt")
			c.transport.Close()
		}
		return
	}

	if err != nil {
		c.fail(&TransportError{Op: "connect", Err: err})
		return
	}

	c.transportOpen = true
	c.err = nil
	c.setState(StateConnected)

	c.heartbeat.Start(c.session.HeartbeatInterval())
	c.readerDone = make(chan struct{})
	go c.readLoop(gen, c.readerDone)

	c.setState(StateOnline)
}

func (c *Client) readLoop(gen uint64, done chan<- struct{}) {
	defer close(done)

	for {
		data, err := c.transport.Receive()
		if err != nil {
			c.post(func() { c.onTransportLost(gen, err) })
			return
		}
		if !c.post(func() { c.onTransportRecv(gen, data) }) {
			return
		}
	}
}

func (c *Client) onTransportRecv(gen uint64, data []byte) {
	if gen != c.generation {
		return
	}

	c.logger.Debug("socket recv", "size", len(data))

	p, err := DecodePacket(data)
	if err != nil {
		c.metrics.malformed()
		c.logger.Warn("failed to parse incoming packet", "error", err, "frame", string(data))
		return
	}

	c.onPacket(p)
}

func (c *Client) onPacket(p Packet) {
	c.logger.Debug("on packet", "packet", p.String())
	c.metrics.packetReceived(p.Type)

	c.completeTransaction(p)

	if observers := c.observers.packetObservers(); len(observers) > 0 {
		c.notify.post(func() {
			for _, fn := range observers {
				fn(p)
			}
		})
	}

	if p.Type == PacketDisconnect && p.Endpoint == "" {
		c.logger.Info("server ended the session")
		c.dropTransport(nil)
	}
}

func (c *Client) onTransportLost(gen uint64, err error) {
	if gen != c.generation || !c.transportOpen {
		return
	}

	if errors.Is(err, io.EOF) {
		c.logger.Debug("transport closed by peer")
		c.dropTransport(nil)
		return
	}

	c.dropTransport(&TransportError{Op: "receive", Err: err})
}

// dropTransport detaches and closes the current transport after it failed
// or was closed by the peer. The heartbeat keeps running so a recorded
// error is retried on the next tick.
func (c *Client) dropTransport(err error) {
	c.generation++
	c.abortAttempt()
	c.transportOpen = false
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("transport close failed", "error", cerr)
	}

	if err != nil {
		c.setError(err)
	}
	c.setState(StateDisconnected)
}

func (c *Client) onHeartbeatTick(epoch uint64) {
	c.post(func() { c.onHeartbeat(epoch) })
}

func (c *Client) onHeartbeat(epoch uint64) {
	if !c.heartbeat.current(epoch) {
		return
	}

	c.logger.Debug("on heartbeat")
	if c.transportOpen {
		if _, err := c.send(NewHeartbeat()); err != nil {
			c.logger.Warn("sending heartbeat failed", "error", err)
		}
	}

	if c.err == nil {
		return
	}
	if c.state == StateConnecting {
		c.logger.Debug("reconnection attempt already in progress")
		return
	}

	c.logger.Info("attempting to reconnect", "error", c.err)
	c.metrics.reconnect()
	if err := c.connect(); err != nil {
		c.logger.Error("reconnection attempt failed", "error", err)
	}
}

// Close detaches from the transport, stops the heartbeat, closes the
// transport and reports StateDisconnected. Closing a closed client does
// nothing. The client can be connected again afterwards.
func (c *Client) Close() error {
	return c.call(c.close)
}

func (c *Client) close() error {
	c.logger.Debug("closing")

	c.generation++
	c.abortAttempt()
	c.heartbeat.Stop()

	err := c.transport.Close()
	c.transportOpen = false

	c.setState(StateDisconnected)
	c.logger.Debug("closing: ok")

	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Stop closes the client and ends its loop. A stopped client cannot be reused.
func (c *Client) Stop() error {
	err := c.Close()
	if errors.Is(err, ErrClientStopped) {
		err = nil
	}

	c.stopOnce.Do(func() {
		c.cancelFunc()
		close(c.done)
		c.notify.stop()
	})

	return err
}

func (c *Client) reset() {
	c.session = nil
}

func (c *Client) setError(err error) {
	c.logger.Error("connection error", "error", err)
	c.err = err
}

func (c *Client) fail(err error) {
	c.setError(err)
	c.setState(StateDisconnected)
}

func (c *Client) setState(s ConnectionState) {
	if c.state == s {
		return
	}

	change := StateChange{Old: c.state, New: s}
	if s == StateDisconnected && c.err != nil {
		change.Err = c.err
		change.Message = c.err.Error()
	}

	c.state = s
	c.metrics.setState(s)
	c.logger.Debug("state changed", "old", change.Old.String(), "new", s.String())

	if observers := c.observers.stateObservers(); len(observers) > 0 {
		c.notify.post(func() {
			for _, fn := range observers {
				fn(change)
			}
		})
	}
}

// Send writes p and returns the number of bytes written. A packet that
// requests an acknowledgement without an id is given the next free id.
func (c *Client) Send(p Packet) (int, error) {
	var n int
	err := c.call(func() error {
		var err error
		n, err = c.send(p)
		return err
	})
	return n, err
}

func (c *Client) send(p Packet) (int, error) {
	if !c.transportOpen {
		return 0, ErrNotConnected
	}

	if p.Ack && !p.HasID {
		p.ID = c.allocID()
		p.HasID = true
	}

	data := p.Bytes()
	c.logger.Debug("sending packet", "packet", p.String())

	if err := c.transport.Send(data); err != nil {
		terr := &TransportError{Op: "send", Err: err}
		c.dropTransport(terr)
		return 0, terr
	}

	c.metrics.packetSent(p.Type)
	return len(data), nil
}

func (c *Client) allocID() uint64 {
	for {
		c.nextID++
		if _, taken := c.transactions[c.nextID]; c.nextID != 0 && !taken {
			return c.nextID
		}
	}
}

func (c *Client) SendType(typ PacketType, data string, ack bool) (int, error) {
	return c.Send(NewPacket(typ, data, ack))
}

// SendText sends a plain message packet.
func (c *Client) SendText(text string, ack bool) (int, error) {
	return c.Send(NewMessage(text, ack))
}

// SendJSON sends v as a JSON message packet.
func (c *Client) SendJSON(v any, ack bool) (int, error) {
	p, err := NewJSONMessage(v, ack)
	if err != nil {
		return 0, err
	}
	return c.Send(p)
}

// Emit sends an event packet {"name": event, "args": args}.
func (c *Client) Emit(event string, args []any, ack bool) (int, error) {
	p, err := NewEvent(event, args, ack)
	if err != nil {
		return 0, err
	}
	return c.Send(p)
}

// SendConnect joins a namespace on a multiplexed server.
func (c *Client) SendConnect(endpoint, query string) (int, error) {
	return c.Send(NewConnect(endpoint, query))
}

func (c *Client) SendHeartbeat() (int, error) {
	return c.Send(NewHeartbeat())
}

// OnStateChange subscribes fn to state transitions.
func (c *Client) OnStateChange(fn func(StateChange)) Subscription {
	return c.observers.onState(fn)
}

// OnPacket subscribes fn to every decoded inbound packet.
func (c *Client) OnPacket(fn func(Packet)) Subscription {
	return c.observers.onPacket(fn)
}

func (c *Client) Unsubscribe(sub Subscription) bool {
	return c.observers.remove(sub)
}

func (c *Client) State() ConnectionState {
	var s ConnectionState
	c.call(func() error {
		s = c.state
		return nil
	})
	return s
}

func (c *Client) IsOnline() bool {
	return c.State() == StateOnline
}

// Err returns the last error recorded on the connection.
func (c *Client) Err() error {
	var err error
	c.call(func() error {
		err = c.err
		return nil
	})
	return err
}

// Session returns a copy of the negotiated session, or nil.
func (c *Client) Session() *Session {
	var s *Session
	c.call(func() error {
		s = c.session.clone()
		return nil
	})
	return s
}

func (c *Client) SessionID() string {
	if s := c.Session(); s != nil {
		return s.ID
	}
	return ""
}

func (c *Client) Address() Address {
	var a Address
	c.call(func() error {
		a = c.addr
		return nil
	})
	return a
}
