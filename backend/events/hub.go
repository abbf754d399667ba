// Package events delivers match lifecycle events and chat traffic to connected
// clients and to downstream consumers.
package events

import (
	"context"
	"sync"

	"github.com/agouch/outdora/backend/matching"
)

// Envelope is what a client receives on its push channel.
type Envelope struct {
	Type string          `json:"type"` // "match_created" | "unmatched" | "message" | "info" | "error"
	From matching.UserID `json:"from,omitempty"`
	Data any             `json:"data,omitempty"`
}

const clientBuffer = 16

// Client is one open push channel of a user. A user may hold several.
type Client struct {
	UserID matching.UserID
	send   chan Envelope
}

// Send returns the channel the connection writer drains.
func (c *Client) Send() <-chan Envelope { return c.send }

// Hub routes envelopes to every client registered for a user.
type Hub struct {
	mu            sync.RWMutex
	clientsByUser map[matching.UserID]map[*Client]struct{}
}

var _ matching.EventSink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clientsByUser: make(map[matching.UserID]map[*Client]struct{})}
}

func (h *Hub) Register(user matching.UserID) *Client {
	c := &Client{UserID: user, send: make(chan Envelope, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientsByUser[user] == nil {
		h.clientsByUser[user] = make(map[*Client]struct{})
	}
	h.clientsByUser[user][c] = struct{}{}
	return c
}

// Unregister removes c and closes its channel. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.clientsByUser[c.UserID]
	if !ok {
		return
	}
	if _, ok := peers[c]; !ok {
		return
	}
	delete(peers, c)
	close(c.send)
	if len(peers) == 0 {
		delete(h.clientsByUser, c.UserID)
	}
}

// SendToUser delivers env to every client of user. Slow clients lose the envelope.
func (h *Hub) SendToUser(user matching.UserID, env Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clientsByUser[user] {
		select {
		case c.send <- env:
			delivered++
		default:
		}
	}
	return delivered
}

// SendToClient delivers env to c only.
func (h *Hub) SendToClient(c *Client, env Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clientsByUser[c.UserID][c]; !ok {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Connected reports how many clients user has open.
func (h *Hub) Connected(user matching.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsByUser[user])
}

// Publish pushes a lifecycle event to both participants.
func (h *Hub) Publish(_ context.Context, evt matching.Event) error {
	for _, u := range evt.Users {
		h.SendToUser(u, Envelope{Type: string(evt.Kind), Data: evt})
	}
	return nil
}
