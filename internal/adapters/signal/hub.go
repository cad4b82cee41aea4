// Package signal relays opaque negotiation payloads between the two
// participants of a room, either in-process or over WebSocket.
package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

var _ core.Signaler = (*Hub)(nil)

const (
	// RoomCapacity is the number of participants in one verification room.
	RoomCapacity = 2
	localBuffer  = 256
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrRoomFull     = errors.New("room is full")
	ErrClosed       = errors.New("signal channel closed")
)

// member is one participant attached to a room.
type member interface {
	Peer() core.PeerID
	TrySend(core.Payload) error
	Close() error
}

// Hub keeps room membership and fans payloads out to the other members.
// It never inspects payloads.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[member]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]map[member]struct{})}
}

func (h *Hub) add(room domain.RoomID, m member) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[member]struct{})
		h.rooms[room] = members
	}
	if len(members) >= RoomCapacity {
		return ErrRoomFull
	}
	members[m] = struct{}{}
	log.Info().Str("module", "signal").Str("room", string(room)).Str("peer", string(m.Peer())).Int("members", len(members)).Msg("member joined")
	return nil
}

func (h *Hub) remove(room domain.RoomID, m member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	if _, ok := members[m]; !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	log.Info().Str("module", "signal").Str("room", string(room)).Str("peer", string(m.Peer())).Msg("member left")
}

// relay delivers p to every member of room except from. Members that
// cannot keep up are dropped from the room and closed.
func (h *Hub) relay(room domain.RoomID, from member, p core.Payload) int {
	h.mu.RLock()
	targets := make([]member, 0, RoomCapacity)
	for m := range h.rooms[room] {
		if m != from {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, m := range targets {
		if err := m.TrySend(p); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("room", string(room)).Str("peer", string(m.Peer())).Msg("dropping slow member")
			h.remove(room, m)
			_ = m.Close()
			continue
		}
		sent++
	}
	return sent
}

// Members reports the current number of participants in room.
func (h *Hub) Members(room domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Join attaches an in-process participant to room.
func (h *Hub) Join(_ context.Context, room domain.RoomID, peer core.PeerID) (core.SignalChannel, error) {
	ch := &localChannel{
		hub:  h,
		room: room,
		peer: peer,
		recv: make(chan core.Payload, localBuffer),
	}
	if err := h.add(room, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

type localChannel struct {
	hub  *Hub
	room domain.RoomID
	peer core.PeerID

	mu     sync.Mutex
	closed bool
	recv   chan core.Payload
}

func (c *localChannel) Peer() core.PeerID { return c.peer }

func (c *localChannel) TrySend(p core.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.recv <- p:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *localChannel) Send(ctx context.Context, p core.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.hub.relay(c.room, c, p)
	return nil
}

func (c *localChannel) Recv() <-chan core.Payload { return c.recv }

func (c *localChannel) Close() error {
	c.hub.remove(c.room, c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.recv)
	return nil
}
