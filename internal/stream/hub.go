// Package stream fans events out to WebSocket subscribers grouped by named
// channels. Delivery is at-most-once and direct: a send that fails ejects
// the subscriber instead of queueing, so one dead connection never stalls
// the rest.
package stream

import (
	"log/slog"
	"sync"
	"time"
)

// Channel names.
const (
	ChannelWhales = "whales"
	ChannelTrades = "trades"
)

// Conn is the transport the hub writes to. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
}

// Envelope wraps every pushed message. BroadcastID is monotonic per process
// across all channels; clients use it only to inspect ordering.
type Envelope struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	Data          any    `json:"data,omitempty"`
	BroadcastID   int64  `json:"_broadcast_id,omitempty"`
	BroadcastTime string `json:"_broadcast_time,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Hub keeps the per-channel subscriber sets. The hub mutex guards only the
// maps and is never held during a send; each channel has its own send mutex
// that serializes broadcasts so subscribers observe them in id order.
type Hub struct {
	mu          sync.Mutex
	channels    map[string]map[Conn]bool
	sendMu      map[string]*sync.Mutex
	broadcastID int64
	log         *slog.Logger
}

// NewHub creates a hub with the standard channels.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: map[string]map[Conn]bool{
			ChannelWhales: make(map[Conn]bool),
			ChannelTrades: make(map[Conn]bool),
		},
		sendMu: map[string]*sync.Mutex{
			ChannelWhales: {},
			ChannelTrades: {},
		},
		log: logger.With("component", "stream"),
	}
}

// channelLocked returns the subscriber set and send mutex for a channel,
// creating both on demand. Callers hold h.mu.
func (h *Hub) channelLocked(channel string) (map[Conn]bool, *sync.Mutex) {
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[Conn]bool)
		h.channels[channel] = subs
		h.sendMu[channel] = &sync.Mutex{}
	}
	return subs, h.sendMu[channel]
}

// Subscribe adds a connection to a channel and sends the connected
// handshake. Unknown channels are created on demand.
func (h *Hub) Subscribe(channel string, c Conn) error {
	h.mu.Lock()
	subs, _ := h.channelLocked(channel)
	subs[c] = true
	n := len(subs)
	h.mu.Unlock()

	h.log.Info("subscriber joined", "channel", channel, "subscribers", n)
	return c.WriteJSON(Envelope{
		Type:      "connected",
		Channel:   channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Unsubscribe removes a connection from a channel.
func (h *Hub) Unsubscribe(channel string, c Conn) {
	h.mu.Lock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
	}
	h.mu.Unlock()
	h.log.Info("subscriber left", "channel", channel)
}

// Broadcast pushes one message to every subscriber of a channel and returns
// the number of successful deliveries. Subscribers whose send fails are
// dropped. Sends happen over a snapshot of the subscriber set with the hub
// mutex released, so a stalled transport on one channel never blocks
// Subscribe, Status, or broadcasts on other channels.
func (h *Hub) Broadcast(channel, msgType string, data any) int {
	h.mu.Lock()
	subs, sendMu := h.channelLocked(channel)
	if len(subs) == 0 {
		h.mu.Unlock()
		return 0
	}
	h.mu.Unlock()

	// Serialize broadcasts per channel: the id is assigned and the sends
	// complete inside the same critical section, so subscribers observe
	// ids in increasing order.
	sendMu.Lock()
	defer sendMu.Unlock()

	h.mu.Lock()
	subs = h.channels[channel]
	if len(subs) == 0 {
		h.mu.Unlock()
		return 0
	}
	h.broadcastID++
	env := Envelope{
		Type:          msgType,
		Channel:       channel,
		Data:          data,
		BroadcastID:   h.broadcastID,
		BroadcastTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
	snapshot := make([]Conn, 0, len(subs))
	for c := range subs {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	var dead []Conn
	delivered := 0
	for _, c := range snapshot {
		if err := c.WriteJSON(env); err != nil {
			dead = append(dead, c)
			continue
		}
		delivered++
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.channels[channel], c)
		}
		h.mu.Unlock()
		h.log.Warn("ejected dead subscribers", "channel", channel, "ejected", len(dead))
	}
	return delivered
}

// Status describes the hub for the ws status endpoint.
type Status struct {
	Channels       map[string]int `json:"channels"`
	TotalClients   int            `json:"total_clients"`
	BroadcastCount int64          `json:"broadcast_count"`
	DeliveryPolicy string         `json:"delivery_policy"`
}

// Status reports subscriber counts per channel.
func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Status{
		Channels:       make(map[string]int, len(h.channels)),
		BroadcastCount: h.broadcastID,
		DeliveryPolicy: "at-most-once, direct send, eject on failure",
	}
	for name, subs := range h.channels {
		s.Channels[name] = len(subs)
		s.TotalClients += len(subs)
	}
	return s
}
