package sioserver

import (
	"sort"
	"sync"

	"github.com/kleeedolinux/sockio/socket"
)

// Endpoint is a namespace on the multiplexed connection ("/chat").
type Endpoint struct {
	name  string
	conns map[string]*Conn
	mu    sync.RWMutex
}

func newEndpoint(name string) *Endpoint {
	return &Endpoint{
		name:  name,
		conns: make(map[string]*Conn),
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) add(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c.ID()] = c
}

func (e *Endpoint) remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, id)
}

func (e *Endpoint) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.conns[id]
	return exists
}

func (e *Endpoint) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

func (e *Endpoint) Conns() []*Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// broadcast writes p to every member with a bounded number of workers.
func (e *Endpoint) broadcast(p socket.Packet, workerLimit int) {
	conns := e.Conns()
	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	workers := min(len(conns), workerLimit)
	jobs := make(chan *Conn, len(conns))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				c.Send(p)
			}
		}()
	}

	for _, c := range conns {
		jobs <- c
	}
	close(jobs)

	wg.Wait()
}

// endpointManager tracks endpoint membership of connections. Empty
// endpoints are removed.
type endpointManager struct {
	endpoints map[string]*Endpoint
	mu        sync.RWMutex
}

func newEndpointManager() *endpointManager {
	return &endpointManager{
		endpoints: make(map[string]*Endpoint),
	}
}

func (m *endpointManager) get(name string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[name]
	return e, ok
}

func (m *endpointManager) join(name string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.endpoints[name]
	if !ok {
		e = newEndpoint(name)
		m.endpoints[name] = e
	}
	e.add(c)
}

func (m *endpointManager) leave(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.endpoints[name]
	if !ok {
		return
	}
	e.remove(id)
	if e.Count() == 0 {
		delete(m.endpoints, name)
	}
}

func (m *endpointManager) leaveAll(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, e := range m.endpoints {
		if !e.Has(id) {
			continue
		}
		e.remove(id)
		if e.Count() == 0 {
			delete(m.endpoints, name)
		}
	}
}

func (m *endpointManager) endpointsOf(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, e := range m.endpoints {
		if e.Has(id) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *endpointManager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
