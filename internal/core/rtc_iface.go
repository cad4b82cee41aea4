package core

import (
	"context"

	"github.com/dkeye/Verify/internal/domain"
)

type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateFailed     ConnectionState = "failed"
	StateClosed     ConnectionState = "closed"
)

type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualityUnknown Quality = "unknown"
)

// Negotiator establishes the direct media channel for a room.
type Negotiator interface {
	Initialize(ctx context.Context, room domain.RoomID, media LocalMedia) (PeerConnection, error)
}

// PeerConnection is one negotiation attempt. State is always queryable.
type PeerConnection interface {
	State() ConnectionState
	Quality() Quality
	// WaitConnected blocks until connected, failed or ctx is done.
	WaitConnected(ctx context.Context) error
	// Done is closed once the attempt reaches failed or closed.
	Done() <-chan struct{}
	// Err is the failure cause once State is failed.
	Err() error
	Close()
}
