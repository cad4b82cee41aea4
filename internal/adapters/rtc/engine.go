// Package rtc negotiates the direct audio/video channel between the
// station and the remote participant of a verification room.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

var _ core.Negotiator = (*Engine)(nil)

const defaultStatsInterval = 5 * time.Second

type Options struct {
	PeerID     core.PeerID
	ICEServers []string
	// Timeout bounds the time from Initialize to connected.
	Timeout time.Duration
	// Loopback adds loopback ICE candidates, needed on single-host setups.
	Loopback      bool
	StatsInterval time.Duration
}

// Engine creates peer connections that negotiate over a Signaler.
type Engine struct {
	signaler core.Signaler
	opts     Options
	api      *webrtc.API
}

func NewEngine(signaler core.Signaler, opts Options) (*Engine, error) {
	if opts.PeerID == "" {
		return nil, domain.Invalid("peer id is required")
	}
	if opts.Timeout <= 0 {
		return nil, domain.Invalid("negotiation timeout must be positive")
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return &Engine{signaler: signaler, opts: opts, api: api}, nil
}

func (e *Engine) configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(e.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: e.opts.ICEServers}}
	}
	return cfg
}

// Initialize joins room on the signaler and starts negotiating with
// whoever else is there. It returns as soon as the attempt is running;
// the connection reports connected, failed or closed later.
func (e *Engine) Initialize(ctx context.Context, room domain.RoomID, media core.LocalMedia) (core.PeerConnection, error) {
	if media == nil || media.Released() || len(media.Tracks()) == 0 {
		return nil, domain.ErrNoLocalMedia
	}

	sig, err := e.signaler.Join(ctx, room, e.opts.PeerID)
	if err != nil {
		return nil, domain.ErrChannelFailed.With(fmt.Errorf("join signaling room: %w", err))
	}

	pc, err := e.api.NewPeerConnection(e.configuration())
	if err != nil {
		_ = sig.Close()
		return nil, domain.ErrChannelFailed.With(fmt.Errorf("new peer connection: %w", err))
	}
	for _, t := range media.Tracks() {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			_ = sig.Close()
			return nil, domain.ErrChannelFailed.With(fmt.Errorf("add %s track: %w", t.Kind(), err))
		}
	}

	c := newConnection(room, e.opts.PeerID, pc, sig, e.opts.StatsInterval)
	c.start(e.opts.Timeout)

	log.Info().Str("module", "rtc").Str("room", string(room)).Str("peer", string(e.opts.PeerID)).Msg("negotiation started")
	return c, nil
}
