// Package media acquires local capture devices as scoped resources and
// exposes them as pion tracks.
package media

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/dkeye/Verify/internal/core"
)

// Device is a local capture device. A device feeds at most one LocalMedia
// at a time.
type Device interface {
	ID() string
	Kind() core.MediaKind
	Label() string
	Open(ctx context.Context) (Source, error)
}

// Source yields encoded frames until closed.
type Source interface {
	ReadFrame(ctx context.Context) (data []byte, dur time.Duration, err error)
	Close() error
}

// PermissionPrompt asks the user to grant access to the given kinds. It
// may block until the user answers or ctx ends.
type PermissionPrompt func(ctx context.Context, kinds []core.MediaKind) (bool, error)

// AllowAll grants every request immediately.
func AllowAll(context.Context, []core.MediaKind) (bool, error) { return true, nil }

// SyntheticDevice emits fixed-size test-pattern frames at a fixed rate.
type SyntheticDevice struct {
	DeviceID  string
	MediaKind core.MediaKind
	Interval  time.Duration
	FrameSize int
}

func (d *SyntheticDevice) ID() string           { return d.DeviceID }
func (d *SyntheticDevice) Kind() core.MediaKind { return d.MediaKind }
func (d *SyntheticDevice) Label() string        { return "synthetic " + string(d.MediaKind) }

func (d *SyntheticDevice) Open(context.Context) (Source, error) {
	return &syntheticSource{
		ticker: time.NewTicker(d.Interval),
		dur:    d.Interval,
		size:   d.FrameSize,
		done:   make(chan struct{}),
	}, nil
}

type syntheticSource struct {
	ticker *time.Ticker
	dur    time.Duration
	size   int
	seq    uint64

	once sync.Once
	done chan struct{}
}

func (s *syntheticSource) ReadFrame(ctx context.Context) ([]byte, time.Duration, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-s.done:
		return nil, 0, context.Canceled
	case <-s.ticker.C:
	}
	s.seq++
	buf := make([]byte, max(s.size, 8))
	binary.BigEndian.PutUint64(buf, s.seq)
	return buf, s.dur, nil
}

func (s *syntheticSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}
