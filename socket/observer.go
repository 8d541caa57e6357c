package socket

import (
	"sync"
)

// Subscription identifies a registered callback.
type Subscription uint64

type observer[T any] struct {
	id Subscription
	fn func(T)
}

// registry maps subscription handles to callbacks, kept in subscription order.
type registry struct {
	mu      sync.RWMutex
	nextID  Subscription
	states  []observer[StateChange]
	packets []observer[Packet]
}

func (r *registry) onState(fn func(StateChange)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.states = append(r.states, observer[StateChange]{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *registry) onPacket(fn func(Packet)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.packets = append(r.packets, observer[Packet]{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *registry) remove(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed bool
	r.states, removed = without(r.states, id)
	if removed {
		return true
	}
	r.packets, removed = without(r.packets, id)
	return removed
}

func (r *registry) stateObservers() []func(StateChange) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return callbacks(r.states)
}

func (r *registry) packetObservers() []func(Packet) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return callbacks(r.packets)
}

func without[T any](list []observer[T], id Subscription) ([]observer[T], bool) {
	for i, o := range list {
		if o.id == id {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func callbacks[T any](list []observer[T]) []func(T) {
	fns := make([]func(T), len(list))
	for i, o := range list {
		fns[i] = o.fn
	}
	return fns
}

// dispatcher runs queued notifications one at a time, in the order they
// were posted, on its own goroutine. Posting never blocks.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// stop lets queued notifications drain, then ends the goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
