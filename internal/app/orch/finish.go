package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/domain"
)

type FinishOptions struct {
	// Salvage stores an active recording instead of discarding it when the
	// session is cancelled or failed.
	Salvage bool
}

// Finish ends a session with status: completed, cancelled, failed or
// pending_review. An active recording is stored on completion and
// discarded otherwise unless Salvage is set. The channel is closed and
// local media released before the status changes. Finishing again with
// the same status returns the stored record unchanged.
func (f *Facade) Finish(ctx context.Context, id domain.SessionID, status domain.SessionStatus, opts FinishOptions) (*domain.VideoSession, error) {
	switch status {
	case domain.StatusCompleted, domain.StatusCancelled, domain.StatusFailed, domain.StatusPendingReview:
	default:
		return nil, domain.Invalid("finish status must be completed, cancelled, failed or pending_review")
	}

	vs, err := f.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if vs.Status == status {
		return vs, nil
	}
	if !vs.Status.CanTransitionTo(status) {
		return nil, domain.ErrInvalidTransition.With(fmt.Errorf("%s -> %s", vs.Status, status))
	}

	a, ok := f.Attempts.get(id)
	if ok {
		a.finishing.Lock()
		defer a.finishing.Unlock()
		a.abort()
		<-a.setup

		// Another Finish may have settled the session while we waited.
		if vs, err = f.Sessions.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	f.settleRecording(ctx, id, status, opts.Salvage)
	if ok {
		f.teardown(a)
	}
	if vs.Status == status {
		return vs, nil
	}

	from := vs.Status
	vs, err = f.Sessions.UpdateStatus(ctx, id, status, nil)
	if err != nil {
		return nil, err
	}
	f.statusChanged(vs)
	log.Info().
		Str("module", "orch").
		Str("session", string(id)).
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("session finished")
	return vs, nil
}

// teardown closes the attempt's channel, releases its media and frees the
// session's attempt slot.
func (f *Facade) teardown(a *attempt) {
	if a.release(f.Media) && a.isRunning() {
		f.Metrics.AttemptEnded()
	}
	f.Attempts.unbind(a)
}

// ForceCancel cancels a session that is still scheduled and nobody is
// joining. It is the review and sweeper path.
func (f *Facade) ForceCancel(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error) {
	a := newAttempt(id, "", func() {})
	a.endSetup()
	if err := f.Attempts.reserve(a); err != nil {
		return nil, err
	}
	defer f.Attempts.unbind(a)

	vs, err := f.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if vs.Status != domain.StatusScheduled {
		return nil, domain.ErrInvalidTransition.With(fmt.Errorf("force cancel from %s", vs.Status))
	}
	vs, err = f.Sessions.UpdateStatus(ctx, id, domain.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	f.statusChanged(vs)
	log.Info().Str("module", "orch").Str("session", string(id)).Msg("scheduled session force-cancelled")
	return vs, nil
}
