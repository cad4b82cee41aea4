package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Constraints select local capture devices. An empty device id matches any
// device of that kind.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// MediaFrame is one captured sample as it was written to the local track.
type MediaFrame struct {
	Kind     MediaKind
	Data     []byte
	Duration time.Duration
	At       time.Time
}

// MediaTap is a scoped subscription to local frames.
type MediaTap interface {
	Frames() <-chan MediaFrame
	Close()
}

// LocalMedia is the handle of acquired local capture. Release stops every
// device track and is safe to call repeatedly.
type LocalMedia interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Tap() MediaTap
	Release()
	Released() bool
}

type MediaAcquirer interface {
	StartLocalCapture(ctx context.Context, c Constraints) (LocalMedia, error)
	StopLocalCapture(m LocalMedia)
}
