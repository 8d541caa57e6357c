package socket

import (
	"time"
)

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	*time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func newTimeTicker(d time.Duration) ticker {
	return timeTicker{time.NewTicker(d)}
}

// heartbeat is the restartable periodic task owned by a Client. The first
// tick fires one interval after Start, then every interval until Stop.
// Start and Stop are called from the client loop only; ticks are reported
// through onTick with the epoch of the Start that produced them so late
// ticks of a stopped timer can be told apart.
type heartbeat struct {
	newTicker func(time.Duration) ticker
	onTick    func(epoch uint64)

	epoch    uint64
	interval time.Duration
	stop     chan struct{}
}

func newHeartbeat(newTicker func(time.Duration) ticker, onTick func(uint64)) *heartbeat {
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	return &heartbeat{newTicker: newTicker, onTick: onTick}
}

func (h *heartbeat) Start(interval time.Duration) {
	h.Stop()

	h.epoch++
	h.interval = interval
	h.stop = make(chan struct{})

	t := h.newTicker(interval)
	go h.run(t, h.epoch, h.stop)
}

func (h *heartbeat) run(t ticker, epoch uint64, stop <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			h.onTick(epoch)
		}
	}
}

func (h *heartbeat) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.stop = nil
}

func (h *heartbeat) Running() bool {
	return h.stop != nil
}

// current reports whether a tick of epoch belongs to the running timer.
func (h *heartbeat) current(epoch uint64) bool {
	return h.stop != nil && epoch == h.epoch
}

func (h *heartbeat) Interval() time.Duration {
	return h.interval
}
