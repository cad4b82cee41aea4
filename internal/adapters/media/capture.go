package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

var (
	_ core.MediaAcquirer = (*Acquirer)(nil)
	_ core.LocalMedia    = (*LocalMedia)(nil)
)

const tapBuffer = 64

type Acquirer struct {
	devices []Device
	prompt  PermissionPrompt

	mu   sync.Mutex
	busy map[string]bool

	acquired atomic.Int64
	released atomic.Int64
}

func NewAcquirer(devices []Device, prompt PermissionPrompt) *Acquirer {
	if prompt == nil {
		prompt = AllowAll
	}
	return &Acquirer{
		devices: devices,
		prompt:  prompt,
		busy:    make(map[string]bool),
	}
}

// Acquired and Released count successful StartLocalCapture calls and
// effective releases. They are equal when nothing leaks.
func (a *Acquirer) Acquired() int64 { return a.acquired.Load() }
func (a *Acquirer) Released() int64 { return a.released.Load() }

// claim reserves one free device per requested kind.
func (a *Acquirer) claim(c core.Constraints) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pick := func(kind core.MediaKind, id string) Device {
		for _, d := range a.devices {
			if d.Kind() != kind || a.busy[d.ID()] {
				continue
			}
			if id != "" && d.ID() != id {
				continue
			}
			return d
		}
		return nil
	}

	var out []Device
	if c.Audio {
		d := pick(core.MediaAudio, c.AudioDeviceID)
		if d == nil {
			return nil, domain.ErrDeviceUnavailable.With(errors.New("no free audio device"))
		}
		out = append(out, d)
	}
	if c.Video {
		d := pick(core.MediaVideo, c.VideoDeviceID)
		if d == nil {
			return nil, domain.ErrDeviceUnavailable.With(errors.New("no free video device"))
		}
		out = append(out, d)
	}
	for _, d := range out {
		a.busy[d.ID()] = true
	}
	return out, nil
}

func (a *Acquirer) unclaim(devs []Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range devs {
		delete(a.busy, d.ID())
	}
}

func (a *Acquirer) StartLocalCapture(ctx context.Context, c core.Constraints) (core.LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, domain.Invalid("at least one of audio or video is required")
	}
	devs, err := a.claim(c)
	if err != nil {
		return nil, err
	}

	kinds := make([]core.MediaKind, 0, len(devs))
	for _, d := range devs {
		kinds = append(kinds, d.Kind())
	}
	granted, err := a.prompt(ctx, kinds)
	if err != nil {
		a.unclaim(devs)
		return nil, err
	}
	if !granted {
		a.unclaim(devs)
		return nil, domain.ErrPermissionDenied
	}

	id := uuid.NewString()
	pumpCtx, cancel := context.WithCancel(context.Background())
	lm := &LocalMedia{
		id:     id,
		cancel: cancel,
		taps:   make(map[*tap]struct{}),
	}
	for _, d := range devs {
		src, err := d.Open(ctx)
		if err != nil {
			lm.shutdown()
			a.unclaim(devs)
			return nil, domain.ErrDeviceUnavailable.With(fmt.Errorf("open %s: %w", d.ID(), err))
		}
		track, err := webrtc.NewTrackLocalStaticSample(codecFor(d.Kind()), string(d.Kind())+"-"+id, "local-"+id)
		if err != nil {
			_ = src.Close()
			lm.shutdown()
			a.unclaim(devs)
			return nil, fmt.Errorf("create %s track: %w", d.Kind(), err)
		}
		lm.sources = append(lm.sources, src)
		lm.tracks = append(lm.tracks, track)
		lm.wg.Add(1)
		go lm.pump(pumpCtx, d.Kind(), src, track)
	}
	lm.onRelease = func() {
		a.unclaim(devs)
		a.released.Add(1)
	}
	a.acquired.Add(1)

	log.Info().Str("module", "media").Str("media", id).Int("tracks", len(lm.tracks)).Msg("local capture started")
	return lm, nil
}

func (a *Acquirer) StopLocalCapture(m core.LocalMedia) {
	if m != nil {
		m.Release()
	}
}

func codecFor(kind core.MediaKind) webrtc.RTPCodecCapability {
	if kind == core.MediaVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// LocalMedia owns the opened sources and their tracks.
type LocalMedia struct {
	id      string
	tracks  []*webrtc.TrackLocalStaticSample
	sources []Source
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	once      sync.Once
	released  atomic.Bool
	onRelease func()

	tapsMu sync.Mutex
	taps   map[*tap]struct{}
}

func (m *LocalMedia) ID() string { return m.id }

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *LocalMedia) Released() bool { return m.released.Load() }

// Release stops every pump and source. Only the first call has effect.
func (m *LocalMedia) Release() {
	m.once.Do(func() {
		m.shutdown()
		m.released.Store(true)
		if m.onRelease != nil {
			m.onRelease()
		}
		log.Info().Str("module", "media").Str("media", m.id).Msg("local capture released")
	})
}

func (m *LocalMedia) shutdown() {
	m.cancel()
	for _, src := range m.sources {
		_ = src.Close()
	}
	m.wg.Wait()

	m.tapsMu.Lock()
	for t := range m.taps {
		t.closeLocked()
	}
	m.taps = nil
	m.tapsMu.Unlock()
}

func (m *LocalMedia) pump(ctx context.Context, kind core.MediaKind, src Source, track *webrtc.TrackLocalStaticSample) {
	defer m.wg.Done()
	for {
		data, dur, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "media").Str("media", m.id).Msg("source read error, stopping pump")
			}
			return
		}
		if err := track.WriteSample(pmedia.Sample{Data: data, Duration: dur}); err != nil {
			log.Debug().Err(err).Str("module", "media").Str("media", m.id).Msg("write sample")
		}
		m.fanout(core.MediaFrame{Kind: kind, Data: data, Duration: dur, At: time.Now()})
	}
}

func (m *LocalMedia) fanout(f core.MediaFrame) {
	m.tapsMu.Lock()
	defer m.tapsMu.Unlock()
	for t := range m.taps {
		select {
		case t.ch <- f:
		default:
			t.dropped.Add(1)
		}
	}
}

// Tap subscribes to captured frames. On a released handle the returned tap
// is already closed.
func (m *LocalMedia) Tap() core.MediaTap {
	t := &tap{owner: m, ch: make(chan core.MediaFrame, tapBuffer)}
	m.tapsMu.Lock()
	defer m.tapsMu.Unlock()
	if m.taps == nil {
		t.closeLocked()
		return t
	}
	m.taps[t] = struct{}{}
	return t
}

type tap struct {
	owner   *LocalMedia
	ch      chan core.MediaFrame
	closed  bool
	dropped atomic.Int64
}

func (t *tap) Frames() <-chan core.MediaFrame { return t.ch }

func (t *tap) Close() {
	t.owner.tapsMu.Lock()
	defer t.owner.tapsMu.Unlock()
	if t.owner.taps != nil {
		delete(t.owner.taps, t)
	}
	t.closeLocked()
}

func (t *tap) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	close(t.ch)
}
