package socket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const testHandshake = "abc:8:10:xhr-polling,websocket"

// handshakeServer answers the session negotiation with a configurable
// status and body.
type handshakeServer struct {
	*httptest.Server

	mu     sync.Mutex
	status int
	body   string
	hits    int
	aborted int
	hold    chan struct{}
}

func newHandshakeServer(t *testing.T) *handshakeServer {
	t.Helper()
	hs := &handshakeServer{status: http.StatusOK, body: testHandshake}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *handshakeServer) serve(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	hs.hits++
	status, body, hold := hs.status, hs.body, hs.hold
	hs.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			hs.mu.Lock()
			hs.aborted++
			hs.mu.Unlock()
			return
		}
	}
	if status != http.StatusOK {
		http.Error(w, body, status)
		return
	}
	w.Write([]byte(body))
}

func (hs *handshakeServer) set(status int, body string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.status, hs.body = status, body
}

func (hs *handshakeServer) count() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.hits
}

type clientFixture struct {
	client    *Client
	transport *fakeTransport
	clock     *manualClock
	server    *handshakeServer
	states    *stateRecorder
}

func newClientFixture(t *testing.T, opts ...ClientOption) *clientFixture {
	t.Helper()

	hs := newHandshakeServer(t)
	addr := testAddress(t, hs.Server)
	ft := &fakeTransport{}
	clock := &manualClock{}

	opts = append([]ClientOption{
		WithAddress(addr.Host, addr.Port),
		WithHTTPClient(hs.Client()),
	}, opts...)
	c := NewClient(ft, opts...)
	c.heartbeat.newTicker = clock.newTicker
	t.Cleanup(func() { c.Stop() })

	return &clientFixture{
		client:    c,
		transport: ft,
		clock:     clock,
		server:    hs,
		states:    recordStates(c),
	}
}

func (f *clientFixture) online(t *testing.T) {
	t.Helper()
	if err := f.client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.states.waitFor(t, StateOnline)
}

func TestClientConnect(t *testing.T) {
	f := newClientFixture(t)

	if err := f.client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []ConnectionState{StateConnecting, StateConnected, StateOnline}
	prev := StateDisconnected
	for _, s := range want {
		sc := f.states.waitFor(t, s)
		if sc.Old != prev {
			t.Errorf("transition to %s from %s, want from %s", s, sc.Old, prev)
		}
		prev = s
	}

	urls := f.transport.dialedURLs()
	if len(urls) != 1 {
		t.Fatalf("dialed %v", urls)
	}
	addr := f.client.Address()
	if urls[0] != addr.WebSocketURL("abc") {
		t.Errorf("dialed %s, want %s", urls[0], addr.WebSocketURL("abc"))
	}

	s := f.client.Session()
	if s == nil {
		t.Fatal("no session")
	}
	if s.ID != "abc" || s.HeartbeatTimeout != 8*time.Second || s.ClosingTimeout != 10*time.Second {
		t.Errorf("session = %+v", s)
	}
	if !s.Supports("xhr-polling") || !s.Supports("websocket") {
		t.Errorf("protocols = %v", s.Protocols)
	}
	if !f.client.IsOnline() || f.client.Err() != nil {
		t.Errorf("online = %v, err = %v", f.client.IsOnline(), f.client.Err())
	}
}

func TestClientConnectTo(t *testing.T) {
	hs := newHandshakeServer(t)
	addr := testAddress(t, hs.Server)
	ft := &fakeTransport{}

	c := NewClient(ft, WithHTTPClient(hs.Client()))
	defer c.Stop()
	states := recordStates(c)

	if err := c.ConnectTo(addr.Host, addr.Port); err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	states.waitFor(t, StateOnline)
	if c.SessionID() != "abc" {
		t.Errorf("SessionID = %q", c.SessionID())
	}
}

func TestClientWebSocketNotSupported(t *testing.T) {
	f := newClientFixture(t)
	f.server.set(http.StatusOK, "abc:15:10:xhr-polling")

	if err := f.client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sc := f.states.waitFor(t, StateDisconnected)

	if !errors.Is(sc.Err, ErrWebSocketNotSupported) {
		t.Errorf("notification error = %v", sc.Err)
	}
	if sc.Message == "" {
		t.Error("notification without message")
	}
	if !errors.Is(f.client.Err(), ErrWebSocketNotSupported) {
		t.Errorf("Err = %v", f.client.Err())
	}
	if urls := f.transport.dialedURLs(); len(urls) != 0 {
		t.Errorf("transport dialed %v", urls)
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			f := newClientFixture(t)
			f.server.set(status, "go away")

			if err := f.client.Connect(); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			sc := f.states.waitFor(t, StateDisconnected)

			var rejected *HandshakeRejectedError
			if !errors.As(sc.Err, &rejected) || rejected.Status != status {
				t.Fatalf("error = %v, want HandshakeRejectedError(%d)", sc.Err, status)
			}
			if urls := f.transport.dialedURLs(); len(urls) != 0 {
				t.Errorf("transport dialed %v", urls)
			}
		})
	}
}

func TestClientInvalidHandshake(t *testing.T) {
	f := newClientFixture(t)
	f.server.set(http.StatusOK, "garbage")

	f.client.Connect()
	sc := f.states.waitFor(t, StateDisconnected)

	var invalid *InvalidHandshakeResponseError
	if !errors.As(sc.Err, &invalid) {
		t.Errorf("error = %v, want InvalidHandshakeResponseError", sc.Err)
	}
}

func TestClientTransportConnectFailure(t *testing.T) {
	f := newClientFixture(t)
	f.transport.connectErr = errors.New("refused")

	f.client.Connect()
	sc := f.states.waitFor(t, StateDisconnected)

	var terr *TransportError
	if !errors.As(sc.Err, &terr) || terr.Op != "connect" {
		t.Errorf("error = %v, want connect TransportError", sc.Err)
	}
}

func TestClientHeartbeat(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newClientFixture(t, WithMetrics(NewMetrics(WithRegistry(reg))))
	f.online(t)

	tk := f.clock.last()
	if tk == nil {
		t.Fatal("heartbeat not started")
	}
	if tk.interval != 6*time.Second {
		t.Errorf("heartbeat interval = %v, want 6s", tk.interval)
	}
	if f.transport.hasSent("2::") {
		t.Fatal("heartbeat sent before first tick")
	}

	for i := 1; i <= 3; i++ {
		if !tk.fire() {
			t.Fatal("tick not consumed")
		}
		n := i
		eventually(t, "heartbeat sent", func() bool {
			count := 0
			for _, s := range f.transport.sentFrames() {
				if s == "2::" {
					count++
				}
			}
			return count == n
		})
	}

	if v := metricCounterValue(t, f.client.metrics.heartbeats); v != 3 {
		t.Errorf("heartbeats metric = %v, want 3", v)
	}
}

func TestClientReconnectOnHeartbeat(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newClientFixture(t, WithMetrics(NewMetrics(WithRegistry(reg))))
	f.online(t)
	tk := f.clock.last()

	f.transport.fail(errors.New("connection reset"))
	sc := f.states.waitFor(t, StateDisconnected)

	var terr *TransportError
	if !errors.As(sc.Err, &terr) || terr.Op != "receive" {
		t.Fatalf("error = %v, want receive TransportError", sc.Err)
	}
	if sc.Message == "" {
		t.Error("notification without message")
	}

	f.server.set(http.StatusServiceUnavailable, "later")
	for attempt := 2; attempt <= 3; attempt++ {
		if !tk.fire() {
			t.Fatal("tick not consumed")
		}
		f.states.waitFor(t, StateConnecting)
		sc = f.states.waitFor(t, StateDisconnected)

		var rejected *HandshakeRejectedError
		if !errors.As(sc.Err, &rejected) {
			t.Fatalf("attempt %d error = %v", attempt, sc.Err)
		}
		if hits := f.server.count(); hits != attempt {
			t.Errorf("handshakes = %d, want %d", hits, attempt)
		}
		if tk.stopped.Load() {
			t.Fatal("heartbeat stopped after failed reconnect")
		}
	}

	f.server.set(http.StatusOK, testHandshake)
	if !tk.fire() {
		t.Fatal("tick not consumed")
	}
	f.states.waitFor(t, StateOnline)

	if f.client.Err() != nil {
		t.Errorf("Err after reconnect = %v", f.client.Err())
	}
	if f.clock.count() != 2 {
		t.Errorf("tickers = %d, want 2", f.clock.count())
	}
	eventually(t, "old ticker stopped", tk.stopped.Load)
	if v := metricCounterValue(t, f.client.metrics.reconnects); v != 3 {
		t.Errorf("reconnects metric = %v, want 3", v)
	}
}

func TestClientCloseTwice(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)
	tk := f.clock.last()

	if err := f.client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := f.client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	sc := f.states.waitFor(t, StateDisconnected)
	if sc.Err != nil {
		t.Errorf("close notification error = %v", sc.Err)
	}
	f.states.none(t, 100*time.Millisecond)

	eventually(t, "heartbeat stopped", tk.stopped.Load)
	if f.client.State() != StateDisconnected {
		t.Errorf("state = %s", f.client.State())
	}
}

func TestClientCloseDuringHandshake(t *testing.T) {
	f := newClientFixture(t)
	hold := make(chan struct{})
	f.server.mu.Lock()
	f.server.hold = hold
	f.server.mu.Unlock()

	f.client.Connect()
	f.states.waitFor(t, StateConnecting)
	eventually(t, "handshake request", func() bool { return f.server.count() == 1 })

	f.client.Close()
	f.states.waitFor(t, StateDisconnected)
	eventually(t, "handshake request cancelled", func() bool {
		f.server.mu.Lock()
		defer f.server.mu.Unlock()
		return f.server.aborted == 1
	})
	close(hold)

	f.states.none(t, 100*time.Millisecond)
	if urls := f.transport.dialedURLs(); len(urls) != 0 {
		t.Errorf("transport dialed %v after Close", urls)
	}
}

func TestClientCloseDuringDial(t *testing.T) {
	f := newClientFixture(t)
	hold := make(chan struct{})
	defer close(hold)
	f.transport.mu.Lock()
	f.transport.hold = hold
	f.transport.mu.Unlock()

	f.client.Connect()
	eventually(t, "websocket dial", func() bool { return len(f.transport.dialedURLs()) == 1 })

	closed := make(chan error, 1)
	go func() { closed <- f.client.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Close blocked on a pending dial")
	}

	sc := f.states.waitFor(t, StateDisconnected)
	if sc.Err != nil {
		t.Errorf("close notification error = %v", sc.Err)
	}
	eventually(t, "dial context cancelled", func() bool { return f.transport.cancelledDials() == 1 })

	f.states.none(t, 100*time.Millisecond)
	if err := f.client.Err(); err != nil {
		t.Errorf("Err after Close = %v", err)
	}

	// A new attempt is not affected by the cancelled one.
	f.transport.mu.Lock()
	f.transport.hold = nil
	f.transport.mu.Unlock()
	f.online(t)
}

func TestClientPreconditions(t *testing.T) {
	c := NewClient(&fakeTransport{})
	defer c.Stop()
	if err := c.Connect(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Connect without address = %v", err)
	}
	if err := c.ConnectTo("localhost", 0); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("ConnectTo port 0 = %v", err)
	}

	f := newClientFixture(t)
	f.online(t)
	if err := f.client.Connect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v", err)
	}
	if f.client.SessionID() != "abc" || !f.client.IsOnline() {
		t.Errorf("session disturbed: id %q, state %s", f.client.SessionID(), f.client.State())
	}
}

func TestClientSendNotConnected(t *testing.T) {
	f := newClientFixture(t)
	if _, err := f.client.SendText("hi", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText = %v", err)
	}
}

func TestClientSendConnect(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	n, err := f.client.SendConnect("test", "my=param")
	if err != nil {
		t.Fatalf("SendConnect: %v", err)
	}
	if !f.transport.hasSent("1::/test?my=param") {
		t.Errorf("sent %v", f.transport.sentFrames())
	}
	if n != len("1::/test?my=param") {
		t.Errorf("n = %d", n)
	}
}

func TestClientSendVariants(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	f.client.SendText("hi", true)
	f.client.SendText("hi", true)
	f.client.SendJSON(map[string]int{"a": 1}, false)
	f.client.Emit("ping", []any{1}, false)
	f.client.SendType(PacketNoop, "", false)
	f.client.SendHeartbeat()

	want := []string{
		"3:1+::hi",
		"3:2+::hi",
		`4:::{"a":1}`,
		`5:::{"name":"ping","args":[1]}`,
		"8::",
		"2::",
	}
	got := f.transport.sentFrames()
	if len(got) != len(want) {
		t.Fatalf("sent %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClientSendFailure(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)
	f.transport.mu.Lock()
	f.transport.sendErr = errors.New("broken pipe")
	f.transport.mu.Unlock()

	_, err := f.client.SendText("hi", false)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "send" {
		t.Fatalf("SendText = %v", err)
	}
	sc := f.states.waitFor(t, StateDisconnected)
	if !errors.Is(sc.Err, err) {
		t.Errorf("notification error = %v", sc.Err)
	}
}

func TestClientPackets(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newClientFixture(t, WithMetrics(NewMetrics(WithRegistry(reg))))

	packets := make(chan Packet, 16)
	f.client.OnPacket(func(p Packet) { packets <- p })
	f.online(t)

	for _, frame := range []string{"1::", "x::", "3:::hello", "", "5:::{\"name\":\"news\",\"args\":[]}", "9::"} {
		f.transport.push(frame)
	}

	want := []string{"1::", "3:::hello", `5:::{"name":"news","args":[]}`}
	for _, w := range want {
		select {
		case p := <-packets:
			if p.Encode() != w {
				t.Errorf("packet = %q, want %q", p.Encode(), w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("packet %q not delivered", w)
		}
	}

	eventually(t, "malformed frames counted", func() bool {
		return metricCounterValue(t, f.client.metrics.malformedPackets) == 3
	})
	select {
	case p := <-packets:
		t.Errorf("unexpected packet %q", p.Encode())
	case <-time.After(50 * time.Millisecond):
	}
	if !f.client.IsOnline() {
		t.Error("malformed frames disconnected the client")
	}
}

func TestClientServerDisconnect(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	f.transport.push("0::/chat")
	f.states.none(t, 50*time.Millisecond)

	f.transport.push("0::")
	sc := f.states.waitFor(t, StateDisconnected)
	if sc.Err != nil || f.client.Err() != nil {
		t.Errorf("disconnect recorded error %v", sc.Err)
	}
}

func TestClientPeerClose(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	f.transport.Close()
	sc := f.states.waitFor(t, StateDisconnected)
	if sc.Err != nil {
		t.Errorf("peer close recorded error %v", sc.Err)
	}
}

func TestClientSubscriberReentrancy(t *testing.T) {
	f := newClientFixture(t)

	done := make(chan ConnectionState, 1)
	f.client.OnPacket(func(p Packet) {
		if p.Type != PacketMessage {
			return
		}
		f.client.SendText("echo:"+p.Data, false)
		done <- f.client.State()
	})
	f.online(t)

	f.transport.push("3:::hi")
	select {
	case s := <-done:
		if s != StateOnline {
			t.Errorf("state seen from callback = %s", s)
		}
	case <-time.After(waitTimeout):
		t.Fatal("callback deadlocked")
	}
	if !f.transport.hasSent("3:::echo:hi") {
		t.Errorf("sent %v", f.transport.sentFrames())
	}
}

func TestClientUnsubscribe(t *testing.T) {
	f := newClientFixture(t)

	var mu sync.Mutex
	var calls int
	sub := f.client.OnPacket(func(Packet) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if !f.client.Unsubscribe(sub) {
		t.Fatal("Unsubscribe returned false")
	}
	if f.client.Unsubscribe(sub) {
		t.Error("second Unsubscribe returned true")
	}

	f.online(t)
	f.transport.push("3:::hi")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("unsubscribed callback called %d times", calls)
	}
}

func TestClientTransaction(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	req, err := NewEvent("ping", []any{1}, false)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := f.client.CreateTransaction(req, time.Second)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if tx.ID() != 1 || !tx.Request.Ack {
		t.Errorf("request = %+v", tx.Request)
	}

	if _, err := tx.Send(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !f.transport.hasSent(`5:1+::{"name":"ping","args":[1]}`) {
		t.Errorf("sent %v", f.transport.sentFrames())
	}

	f.transport.push(`6:::1+["pong"]`)
	ack, err := tx.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	id, args, ok := ack.AckID()
	if !ok || id != 1 || args != `["pong"]` {
		t.Errorf("ack = %d %q %v", id, args, ok)
	}

	// The id is free again once answered.
	again := NewMessage("x", true)
	again.ID, again.HasID = 1, true
	if _, err := f.client.CreateTransaction(again, time.Second); err != nil {
		t.Errorf("reuse of answered id: %v", err)
	}
}

func TestClientTransactionDuplicateAndTimeout(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	req := NewMessage("x", false)
	req.ID, req.HasID = 7, true

	tx, err := f.client.CreateTransaction(req, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if _, err := f.client.CreateTransaction(req, time.Second); !errors.Is(err, ErrDuplicateTransactionID) {
		t.Errorf("duplicate id error = %v", err)
	}

	if _, err := tx.Do(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do error = %v, want ErrTimeout", err)
	}
	if _, err := f.client.CreateTransaction(req, time.Second); err != nil {
		t.Errorf("id not released after timeout: %v", err)
	}

	// Allocated ids skip outstanding transactions.
	pending := NewMessage("y", false)
	pending.ID, pending.HasID = 1, true
	if _, err := f.client.CreateTransaction(pending, time.Second); err != nil {
		t.Fatal(err)
	}
	f.client.SendText("a", true)
	frames := f.transport.sentFrames()
	if frames[len(frames)-1] != "3:2+::a" {
		t.Errorf("last frame = %q", frames[len(frames)-1])
	}
}

func TestClientTransactionContextCancel(t *testing.T) {
	f := newClientFixture(t)
	tx, err := f.client.CreateTransaction(NewMessage("x", false), 0)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tx.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

func TestClientStop(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	if err := f.client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.client.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := f.client.Connect(); !errors.Is(err, ErrClientStopped) {
		t.Errorf("Connect after Stop = %v", err)
	}
	if _, err := f.client.SendText("x", false); !errors.Is(err, ErrClientStopped) {
		t.Errorf("SendText after Stop = %v", err)
	}
}

func TestClientIgnoresLateHeartbeatTick(t *testing.T) {
	f := newClientFixture(t)
	f.online(t)

	countHeartbeats := func() int {
		n := 0
		for _, s := range f.transport.sentFrames() {
			if s == "2::" {
				n++
			}
		}
		return n
	}

	first := f.clock.last()
	first.fire()
	eventually(t, "first heartbeat", func() bool { return countHeartbeats() == 1 })
	staleEpoch := f.client.heartbeat.epoch

	f.client.Close()
	f.states.waitFor(t, StateDisconnected)
	f.online(t)

	// A tick of the stopped timer that was already in flight.
	f.client.onHeartbeatTick(staleEpoch)
	f.client.State()

	if n := countHeartbeats(); n != 1 {
		t.Errorf("heartbeats sent = %d, want 1", n)
	}

	f.clock.last().fire()
	eventually(t, "heartbeat of the new timer", func() bool { return countHeartbeats() == 2 })
}
