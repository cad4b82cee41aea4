package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Verify/internal/app/events"
	"github.com/dkeye/Verify/internal/app/recorder"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

type RecordingOptions struct {
	// AllowDisconnected records local media before the peer is connected.
	AllowDisconnected bool
}

// StartRecording records the local media of the session's running attempt.
// It needs recording consent and, unless allowed otherwise, a connected
// channel.
func (f *Facade) StartRecording(ctx context.Context, id domain.SessionID, opts RecordingOptions) error {
	vs, err := f.Sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if !vs.RecordingConsent {
		return domain.ErrConsentRequired
	}
	a, ok := f.Attempts.get(id)
	if !ok || !a.isRunning() || a.Media() == nil {
		return domain.ErrNoLocalMedia
	}
	if !opts.AllowDisconnected && a.Conn().State() != core.StateConnected {
		return domain.ErrNotConnected
	}
	if err := f.Recorder.Start(ctx, id, a.Media()); err != nil {
		return err
	}
	f.publish(events.Event{Session: id, Kind: events.KindRecordingStarted})
	return nil
}

// StopRecording finalizes and stores the active recording. A failed store
// is reported in the outcome and leaves the session status alone.
func (f *Facade) StopRecording(ctx context.Context, id domain.SessionID) recorder.Outcome {
	out := f.Recorder.Stop(ctx, id)
	if errors.Is(out.Err, domain.ErrNotRecording) {
		return out
	}
	f.recorded(id, out)
	return out
}

func (f *Facade) settleRecording(ctx context.Context, id domain.SessionID, status domain.SessionStatus, salvage bool) {
	if !f.Recorder.Active(id) {
		return
	}
	if status == domain.StatusCompleted || status == domain.StatusPendingReview || salvage {
		f.recorded(id, f.Recorder.Stop(ctx, id))
		return
	}
	if f.Recorder.Discard(id) {
		f.Metrics.Recording("discarded")
		f.publish(events.Event{Session: id, Kind: events.KindRecordingDiscarded})
	}
}

func (f *Facade) recorded(id domain.SessionID, out recorder.Outcome) {
	if out.Err != nil {
		f.Metrics.Recording("failed")
		f.publish(events.Event{Session: id, Kind: events.KindRecordingFailed, Detail: domain.MessageOf(out.Err)})
		return
	}
	f.Metrics.Recording("stored")
	f.publish(events.Event{Session: id, Kind: events.KindRecordingStored, Detail: out.Ref})
}
