package socket

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

type manualTicker struct {
	interval time.Duration
	c        chan time.Time
	stopped  atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	m.stopped.Store(true)
}

// fire delivers one tick and reports whether the heartbeat goroutine took it.
func (m *manualTicker) fire() bool {
	select {
	case m.c <- time.Now():
		return true
	case <-time.After(200 * time.Millisecond):
		return false
	}
}

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (mc *manualClock) newTicker(d time.Duration) ticker {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	t := &manualTicker{interval: d, c: make(chan time.Time)}
	mc.tickers = append(mc.tickers, t)
	return t
}

func (mc *manualClock) last() *manualTicker {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if len(mc.tickers) == 0 {
		return nil
	}
	return mc.tickers[len(mc.tickers)-1]
}

func (mc *manualClock) count() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.tickers)
}

type recvResult struct {
	data []byte
	err  error
}

type fakeTransport struct {
	mu         sync.Mutex
	dialed     []string
	sent       []string
	connectErr error
	sendErr    error
	connected  bool
	closes     int
	recv       chan recvResult

	// hold, when set, parks Connect until it is closed or the dial
	// context ends.
	hold      chan struct{}
	cancelled int
}

func (f *fakeTransport) Connect(ctx context.Context, url string) error {
	f.mu.Lock()
	f.dialed = append(f.dialed, url)
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectErr != nil {
		return f.connectErr
	}
	if f.connected {
		return errors.New("already connected")
	}
	f.connected = true
	f.recv = make(chan recvResult, 16)
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return errors.New("not connected")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	f.mu.Lock()
	ch := f.recv
	f.mu.Unlock()

	if ch == nil {
		return nil, io.EOF
	}
	r, ok := <-ch
	if !ok {
		return nil, io.EOF
	}
	return r.data, r.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++
	if f.connected {
		f.connected = false
		close(f.recv)
	}
	return nil
}

func (f *fakeTransport) push(frame string) {
	f.mu.Lock()
	ch := f.recv
	f.mu.Unlock()
	ch <- recvResult{data: []byte(frame)}
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	ch := f.recv
	f.mu.Unlock()
	ch <- recvResult{err: err}
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) dialedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func (f *fakeTransport) cancelledDials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeTransport) hasSent(frame string) bool {
	for _, s := range f.sentFrames() {
		if s == frame {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateRecorder collects state notifications.
type stateRecorder struct {
	ch chan StateChange
}

func recordStates(c *Client) *stateRecorder {
	r := &stateRecorder{ch: make(chan StateChange, 64)}
	c.OnStateChange(func(sc StateChange) { r.ch <- sc })
	return r
}

// waitFor consumes notifications until one reaches want.
func (r *stateRecorder) waitFor(t *testing.T, want ConnectionState) StateChange {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case sc := <-r.ch:
			if sc.New == want {
				return sc
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
			return StateChange{}
		}
	}
}

// none asserts no notification arrives within d.
func (r *stateRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case sc := <-r.ch:
		t.Fatalf("unexpected state change %s -> %s", sc.Old, sc.New)
	case <-time.After(d):
	}
}
