package fanout

import (
	"sync"

	"github.com/proswitch/swp08gw/internal/logging"
	"github.com/proswitch/swp08gw/internal/metrics"
)

// BackpressurePolicy governs what happens when a client's outbound buffer
// is full: drop the broadcast event, or kick the slow client.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Client is one connected fan-out consumer. Out carries envelopes destined
// for its writer goroutine; Closed signals the writer (and hub) to tear the
// connection down.
type Client struct {
	ID     string
	Out    chan Envelope
	Closed chan struct{}

	mu          sync.RWMutex
	subscribed  bool
	closeOnce   sync.Once
}

// Close signals the client is closed; idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// SetSubscribed flips whether this client receives broadcasts.
func (c *Client) SetSubscribed(v bool) {
	c.mu.Lock()
	c.subscribed = v
	c.mu.Unlock()
}

// Subscribed reports whether this client currently receives broadcasts.
func (c *Client) Subscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

// Hub multiplexes the single upstream router onto many local fan-out
// clients: it tracks connected clients and broadcasts events to the
// subscribed subset, honoring a backpressure policy per client, directly
// grounded on the teacher's internal/hub.Hub (adapted from can.Frame
// payloads to Envelope payloads).
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetFanoutClients(cur)
	logging.L().Debug("fanout_client_connected", "client_id", c.ID, "total", cur)
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	if existed {
		metrics.SetFanoutClients(cur)
		logging.L().Debug("fanout_client_disconnected", "client_id", c.ID, "total", cur)
	}
}

// Broadcast delivers env to every subscribed client, honoring Policy for a
// client whose outbound buffer is full.
func (h *Hub) Broadcast(env Envelope) {
	targets := h.subscribedSnapshot()
	metrics.SetFanoutBroadcast(len(targets))
	for _, c := range targets {
		select {
		case c.Out <- env:
		default:
			if h.Policy == PolicyKick {
				metrics.IncFanoutKick()
				c.Close()
			} else {
				metrics.IncFanoutDrop()
			}
		}
	}
}

func (h *Hub) subscribedSnapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.Subscribed() {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of currently connected clients (subscribed or not).
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
