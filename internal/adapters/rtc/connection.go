package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

var _ core.PeerConnection = (*Connection)(nil)

// Connection is one negotiation attempt over a single pion PeerConnection.
// Its state only moves connecting -> connected -> closed, or to failed
// while negotiating or when ICE connectivity is lost.
type Connection struct {
	room  domain.RoomID
	local core.PeerID
	pc    *webrtc.PeerConnection
	sig   core.SignalChannel

	statsInterval time.Duration

	mu        sync.Mutex
	state     core.ConnectionState
	quality   core.Quality
	err       error
	remote    core.PeerID
	offered   bool
	closing   bool
	connected chan struct{}
	done      chan struct{}

	// Owned by the run loop.
	pending []webrtc.ICECandidateInit

	lossMu sync.Mutex
	losses []*lossCounter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(room domain.RoomID, local core.PeerID, pc *webrtc.PeerConnection, sig core.SignalChannel, statsInterval time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		room:          room,
		local:         local,
		pc:            pc,
		sig:           sig,
		statsInterval: statsInterval,
		state:         core.StateConnecting,
		quality:       core.QualityUnknown,
		connected:     make(chan struct{}),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (c *Connection) State() core.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Quality() core.Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	default:
	}
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return domain.ErrChannelFailed.With(errors.New("connection closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markConnected moves connecting -> connected.
func (c *Connection) markConnected() {
	c.mu.Lock()
	if c.state != core.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = core.StateConnected
	close(c.connected)
	c.mu.Unlock()
	log.Info().Str("module", "rtc").Str("room", string(c.room)).Str("peer", string(c.local)).Msg("connected")
}

// fail moves a live connection to failed and tears it down.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state != core.StateConnecting && c.state != core.StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = core.StateFailed
	c.quality = core.QualityUnknown
	c.err = err
	close(c.done)
	c.mu.Unlock()

	log.Warn().Err(err).Str("module", "rtc").Str("room", string(c.room)).Str("peer", string(c.local)).Msg("connection failed")
	c.teardown(false)
}

// addWorker reserves a wg slot for a goroutine. Close waits on wg once
// closing is set, so no worker may start after that.
func (c *Connection) addWorker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.ctx.Err() != nil {
		return false
	}
	c.wg.Add(1)
	return true
}

// hangUp handles the remote side leaving. Before connect it is a failed
// negotiation; after connect the channel simply closes without an error.
func (c *Connection) hangUp(reason string) {
	c.mu.Lock()
	if c.state == core.StateConnecting {
		c.mu.Unlock()
		c.fail(domain.ErrChannelFailed.With(errors.New(reason)))
		return
	}
	if c.state != core.StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = core.StateClosed
	c.quality = core.QualityUnknown
	close(c.done)
	c.mu.Unlock()

	log.Info().Str("module", "rtc").Str("room", string(c.room)).Str("peer", string(c.local)).Str("reason", reason).Msg("remote closed")
	c.teardown(false)
}

// Close ends the attempt. Repeated calls have no effect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.state == core.StateConnecting || c.state == core.StateConnected {
		close(c.done)
	}
	c.state = core.StateClosed
	c.quality = core.QualityUnknown
	c.mu.Unlock()

	c.teardown(true)
	c.wg.Wait()
	log.Info().Str("module", "rtc").Str("room", string(c.room)).Str("peer", string(c.local)).Msg("closed")
}

func (c *Connection) teardown(sayBye bool) {
	c.closeOnce.Do(func() {
		if sayBye {
			c.send(envelope{Type: msgBye})
		}
		c.cancel()
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("room", string(c.room)).Msg("peer connection close")
		}
		_ = c.sig.Close()
	})
}

func (c *Connection) send(e envelope) {
	e.From = c.local
	p, err := e.encode()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("encode envelope")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sig.Send(ctx, p); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("type", string(e.Type)).Msg("signal send")
	}
}

func (c *Connection) start(timeout time.Duration) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.send(envelope{Type: msgCandidate, Candidate: &init})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("room", string(c.room)).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.markConnected()
		case webrtc.PeerConnectionStateFailed:
			c.fail(domain.ErrChannelFailed.With(errors.New("ice connectivity failed")))
		}
		c.refreshQuality()
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("room", string(c.room)).Str("ice_state", s.String()).Msg("ICE state")
		c.refreshQuality()
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !c.addWorker() {
			return
		}
		log.Info().
			Str("module", "rtc").
			Str("room", string(c.room)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		lc := &lossCounter{}
		c.lossMu.Lock()
		c.losses = append(c.losses, lc)
		c.lossMu.Unlock()
		go c.drain(track, lc)
	})

	c.wg.Add(2)
	go c.run(timeout)
	go c.sampleStats()
}

// run processes signaling until the attempt ends.
func (c *Connection) run(timeout time.Duration) {
	defer c.wg.Done()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	c.send(envelope{Type: msgHello})
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.connected:
			// The deadline only guards negotiation.
			timer.Stop()
			c.connectedLoop()
			return
		case <-timer.C:
			c.fail(domain.ErrNegotiationTimeout.With(fmt.Errorf("not connected after %s", timeout)))
			return
		case p, ok := <-c.sig.Recv():
			if !ok {
				c.hangUp("signaling channel closed")
				return
			}
			if err := c.handle(p); err != nil {
				c.end(err)
				return
			}
		}
	}
}

// connectedLoop keeps serving trickled candidates and bye after connect.
func (c *Connection) connectedLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case p, ok := <-c.sig.Recv():
			if !ok {
				c.hangUp("signaling channel closed")
				return
			}
			if err := c.handle(p); err != nil {
				c.end(err)
				return
			}
		}
	}
}

var errRemoteLeft = errors.New("remote peer left")

// end stops the run loop after handle reported err.
func (c *Connection) end(err error) {
	if errors.Is(err, errRemoteLeft) {
		c.hangUp(err.Error())
		return
	}
	c.fail(err)
}

func (c *Connection) handle(p core.Payload) error {
	env, err := decodeEnvelope(p)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("room", string(c.room)).Msg("ignoring payload")
		return nil
	}
	if env.From == c.local {
		return domain.ErrChannelFailed.With(fmt.Errorf("remote peer uses our id %q", c.local))
	}

	c.mu.Lock()
	if c.remote == "" {
		c.remote = env.From
	}
	remote := c.remote
	c.mu.Unlock()
	if env.From != remote {
		log.Warn().Str("module", "rtc").Str("room", string(c.room)).Str("from", string(env.From)).Msg("payload from unexpected peer")
		return nil
	}

	switch env.Type {
	case msgHello:
		c.send(envelope{Type: msgHelloAck})
		return c.maybeOffer(remote)
	case msgHelloAck:
		return c.maybeOffer(remote)
	case msgOffer:
		return c.onOffer(env)
	case msgAnswer:
		return c.onAnswer(env)
	case msgCandidate:
		return c.onCandidate(env)
	case msgBye:
		return errRemoteLeft
	default:
		log.Warn().Str("module", "rtc").Str("type", string(env.Type)).Msg("unknown signal")
		return nil
	}
}

func (c *Connection) maybeOffer(remote core.PeerID) error {
	if !isOfferer(c.local, remote) {
		return nil
	}
	c.mu.Lock()
	if c.offered {
		c.mu.Unlock()
		return nil
	}
	c.offered = true
	c.mu.Unlock()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.ErrChannelFailed.With(fmt.Errorf("create offer: %w", err))
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.ErrChannelFailed.With(fmt.Errorf("set local offer: %w", err))
	}
	c.send(envelope{Type: msgOffer, SDP: &offer})
	return nil
}

func (c *Connection) onOffer(env envelope) error {
	if env.SDP == nil {
		return nil
	}
	if isOfferer(c.local, env.From) {
		log.Warn().Str("module", "rtc").Str("room", string(c.room)).Msg("ignoring offer from answering peer")
		return nil
	}
	if err := c.pc.SetRemoteDescription(*env.SDP); err != nil {
		return domain.ErrChannelFailed.With(fmt.Errorf("set remote offer: %w", err))
	}
	if err := c.flushCandidates(); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.ErrChannelFailed.With(fmt.Errorf("create answer: %w", err))
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.ErrChannelFailed.With(fmt.Errorf("set local answer: %w", err))
	}
	c.send(envelope{Type: msgAnswer, SDP: &answer})
	return nil
}

func (c *Connection) onAnswer(env envelope) error {
	if env.SDP == nil || c.pc.RemoteDescription() != nil {
		return nil
	}
	if err := c.pc.SetRemoteDescription(*env.SDP); err != nil {
		return domain.ErrChannelFailed.With(fmt.Errorf("set remote answer: %w", err))
	}
	return c.flushCandidates()
}

func (c *Connection) onCandidate(env envelope) error {
	if env.Candidate == nil {
		return nil
	}
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, *env.Candidate)
		return nil
	}
	if err := c.pc.AddICECandidate(*env.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("room", string(c.room)).Msg("add candidate")
	}
	return nil
}

func (c *Connection) flushCandidates() error {
	for _, cand := range c.pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("room", string(c.room)).Msg("add queued candidate")
		}
	}
	c.pending = nil
	return nil
}

// drain consumes the remote track so its buffers never fill.
func (c *Connection) drain(track *webrtc.TrackRemote, lc *lossCounter) {
	defer c.wg.Done()
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "rtc").Str("track_id", track.ID()).Msg("remote track read")
			}
			return
		}
		lc.observe(pkt)
	}
}

func (c *Connection) sampleStats() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refreshQuality()
		}
	}
}

func (c *Connection) lossRatio() float64 {
	c.lossMu.Lock()
	defer c.lossMu.Unlock()
	worst := 0.0
	for _, lc := range c.losses {
		if r := lc.ratio(); r > worst {
			worst = r
		}
	}
	return worst
}

// refreshQuality recomputes the quality bucket from current stats.
func (c *Connection) refreshQuality() {
	if c.State() != core.StateConnected {
		return
	}
	rtt, ok := selectedRTT(c.pc.GetStats())
	q := classify(rtt, c.lossRatio(), ok)

	c.mu.Lock()
	if c.state != core.StateConnected {
		c.mu.Unlock()
		return
	}
	changed := c.quality != q
	c.quality = q
	c.mu.Unlock()
	if changed {
		log.Debug().Str("module", "rtc").Str("room", string(c.room)).Str("quality", string(q)).Dur("rtt", rtt).Msg("quality changed")
	}
}
