package chat

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"presence-chat/internal/metrics"
)

// Hub owns the set of connected clients on this instance. Chat traffic does
// not pass through it; each client talks to the store directly.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// live counts connections whose sessions have not closed yet
	live sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run tracks clients until ctx ends, then closes every connection so their
// sessions fire their disconnect writes.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			metrics.GatewayClients.Inc()

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				metrics.GatewayClients.Dec()
			}

		case <-ctx.Done():
			glog.Infof("[gateway] closing %d clients", len(h.clients))
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
				metrics.GatewayClients.Dec()
			}
			return nil
		}
	}
}

// Register adds c. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	h.live.Add(1)
	select {
	case h.register <- c:
		return true
	case <-h.done:
		h.live.Done()
		return false
	}
}

// Wait blocks until every registered client has closed its session or ctx
// ends.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
