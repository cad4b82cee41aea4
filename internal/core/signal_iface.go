package core

import (
	"context"

	"github.com/dkeye/Verify/internal/domain"
)

// Payload is an opaque negotiation message.
type Payload []byte

type PeerID string

// Signaler delivers opaque payloads between the participants of a room.
// It does not interpret them.
type Signaler interface {
	// Join subscribes peer to room. The returned channel is a scoped
	// resource; the caller must Close it.
	Join(ctx context.Context, room domain.RoomID, peer PeerID) (SignalChannel, error)
}

// SignalChannel is one peer's membership in a signaling room.
// Payloads sent are delivered to every other member, never echoed back.
type SignalChannel interface {
	Send(ctx context.Context, p Payload) error
	Recv() <-chan Payload
	Close() error
}
