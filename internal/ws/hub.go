package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/codehive/internal/metrics"
	"github.com/manpreetbhatti/codehive/internal/ratelimit"
	"github.com/manpreetbhatti/codehive/internal/room"
)

// Peer is one realtime connection as seen by the hub
type Peer interface {
	ID() string

	// Send queues a frame without blocking and reports whether it was accepted
	Send(frame []byte) bool

	// Close ends the connection. It must be safe to call more than once.
	Close()
}

// Hub owns room membership. All state changes run on the Run goroutine.
type Hub struct {
	// Members by room
	rooms map[room.Key]map[Peer]struct{}

	// Rooms by member, so a disconnect leaves every room at once
	memberships map[Peer]map[room.Key]struct{}

	join      chan *membership
	leave     chan *membership
	broadcast chan *Message
	done      chan struct{}

	// Inbound frame budget of each connection
	frameRate     ratelimit.Rate
	maxViolations int

	mu      sync.RWMutex
	log     *slog.Logger
	metrics *metrics.Metrics
}

type HubOption func(*Hub)

// WithFrameLimit sets the per-connection frame budget. A connection that
// exceeds it more than maxViolations times is dropped.
func WithFrameLimit(r ratelimit.Rate, maxViolations int) HubOption {
	return func(h *Hub) {
		h.frameRate = r
		h.maxViolations = maxViolations
	}
}

type membership struct {
	key  room.Key
	peer Peer
	ack  chan struct{}

	// Leave every room rather than key alone
	everywhere bool
}

// Message is a frame addressed to every member of a room except Exclude
type Message struct {
	Key     room.Key
	Data    []byte
	Exclude Peer
}

func NewHub(log *slog.Logger, m *metrics.Metrics, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		rooms:         make(map[room.Key]map[Peer]struct{}),
		memberships:   make(map[Peer]map[room.Key]struct{}),
		join:          make(chan *membership),
		leave:         make(chan *membership),
		broadcast:     make(chan *Message),
		done:          make(chan struct{}),
		frameRate:     ratelimit.Rate{PerSecond: defaultFramesPerSecond, Burst: defaultFrameBurst},
		maxViolations: defaultMaxViolations,
		log:           log,
		metrics:       m,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes membership changes and broadcasts until ctx is cancelled,
// then closes every remaining peer.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case m := <-h.join:
			h.addMember(m.key, m.peer)
			close(m.ack)

		case m := <-h.leave:
			if m.everywhere {
				h.removePeer(m.peer)
			} else {
				h.removeMember(m.key, m.peer)
			}
			close(m.ack)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Join adds peer to the room. A peer may belong to several rooms.
func (h *Hub) Join(key room.Key, peer Peer) bool {
	return h.request(h.join, &membership{key: key, peer: peer, ack: make(chan struct{})})
}

// Leave removes peer from every room it joined
func (h *Hub) Leave(peer Peer) bool {
	return h.request(h.leave, &membership{peer: peer, everywhere: true, ack: make(chan struct{})})
}

// LeaveRoom removes peer from key only, keeping its other memberships
func (h *Hub) LeaveRoom(key room.Key, peer Peer) bool {
	return h.request(h.leave, &membership{key: key, peer: peer, ack: make(chan struct{})})
}

func (h *Hub) request(ch chan *membership, m *membership) bool {
	select {
	case ch <- m:
	case <-h.done:
		return false
	}
	select {
	case <-m.ack:
		return true
	case <-h.done:
		return false
	}
}

// Broadcast queues data for every member of key except exclude, which may be nil
func (h *Hub) Broadcast(key room.Key, data []byte, exclude Peer) {
	select {
	case h.broadcast <- &Message{Key: key, Data: data, Exclude: exclude}:
	case <-h.done:
	}
}

func (h *Hub) addMember(key room.Key, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[key]; !ok {
		h.rooms[key] = make(map[Peer]struct{})
	}
	h.rooms[key][peer] = struct{}{}

	if _, ok := h.memberships[peer]; !ok {
		h.memberships[peer] = make(map[room.Key]struct{})
	}
	h.memberships[peer][key] = struct{}{}

	h.log.Debug("client joined room", "room", key.String(), "client", peer.ID(), "members", len(h.rooms[key]))
}

func (h *Hub) removeMember(key room.Key, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[key]; ok {
		delete(members, peer)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
	if keys, ok := h.memberships[peer]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(h.memberships, peer)
		}
	}
}

func (h *Hub) removePeer(peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removePeerLocked(peer)
}

func (h *Hub) removePeerLocked(peer Peer) {
	for key := range h.memberships[peer] {
		members := h.rooms[key]
		delete(members, peer)
		if len(members) == 0 {
			delete(h.rooms, key)
			h.log.Debug("room closed", "room", key.String())
		}
	}
	delete(h.memberships, peer)
}

func (h *Hub) deliver(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for peer := range h.rooms[msg.Key] {
		if peer == msg.Exclude {
			continue
		}
		if !peer.Send(msg.Data) {
			h.log.Warn("dropping slow client", "room", msg.Key.String(), "client", peer.ID())
			h.removePeerLocked(peer)
			peer.Close()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.memberships {
		peer.Close()
	}
	h.rooms = make(map[room.Key]map[Peer]struct{})
	h.memberships = make(map[Peer]map[room.Key]struct{})
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ClientCount returns the number of connections in at least one room
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.memberships)
}

func (h *Hub) RoomSize(key room.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key])
}
