// Package ws fans preview events out to live websocket and SSE subscribers.
package ws

import (
	"sync"
	"sync/atomic"
)

// peerQueueSize bounds how far one subscriber may lag before its events are dropped.
const peerQueueSize = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by org ID. Every subscriber gets its own
// bounded queue and writer goroutine, so Broadcast never waits on a client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]*peer
	closed  bool
	dropped atomic.Uint64
}

// peer is a subscriber plus its pending payloads.
type peer struct {
	client Subscriber
	queue  chan []byte
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]*peer)}
}

// write delivers queued payloads until the peer is removed. After a failed
// send the client is closed and the rest of its queue is discarded.
func (h *Hub) write(orgID string, p *peer) {
	failed := false
	for payload := range p.queue {
		if failed {
			continue
		}
		if err := p.client.Send(payload); err != nil {
			failed = true
			p.client.Close()
			h.Unregister(orgID, p.client)
		}
	}
}

// remove must be called with mu held. It closes the peer queue, ending its writer.
func (h *Hub) remove(orgID string, client Subscriber) {
	peers, ok := h.clients[orgID]
	if !ok {
		return
	}
	if p, ok := peers[client]; ok {
		close(p.queue)
		delete(peers, client)
	}
	if len(peers) == 0 {
		delete(h.clients, orgID)
	}
}

// Register adds a client to an org stream. Payloads broadcast after Register
// returns reach the client.
func (h *Hub) Register(orgID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.Close()
		return
	}
	if _, ok := h.clients[orgID]; !ok {
		h.clients[orgID] = make(map[Subscriber]*peer)
	}
	if _, exists := h.clients[orgID][client]; exists {
		return
	}
	p := &peer{client: client, queue: make(chan []byte, peerQueueSize)}
	h.clients[orgID][client] = p
	go h.write(orgID, p)
}

// Unregister removes a client.
func (h *Hub) Unregister(orgID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(orgID, client)
}

// Broadcast queues payload for every org client without blocking. Clients
// whose queue is full miss the payload; see Dropped.
func (h *Hub) Broadcast(orgID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.clients[orgID] {
		select {
		case p.queue <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped counts payloads discarded because a subscriber lagged.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers reports how many clients follow an org.
func (h *Hub) Subscribers(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[orgID])
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for orgID, peers := range h.clients {
		for c := range peers {
			h.remove(orgID, c)
			c.Close()
		}
	}
}
