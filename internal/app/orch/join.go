package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/app/events"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

// errOvertaken is returned by Join when a concurrent Finish ended the
// attempt it was setting up.
var errOvertaken = domain.ErrInvalidTransition.With(errors.New("session was finished while joining"))

type JoinOptions struct {
	Constraints core.Constraints
	// AwaitPeer makes Join block until the channel is connected or failed.
	AwaitPeer bool
}

// Join acquires local media, starts negotiating in the session's room and
// moves the session to in_progress. Whatever was acquired is released
// before an error is returned.
func (f *Facade) Join(ctx context.Context, id domain.SessionID, opts JoinOptions) (*domain.VideoSession, error) {
	vs, err := f.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vs.Status.CanTransitionTo(domain.StatusInProgress) {
		return nil, domain.ErrInvalidTransition.With(fmt.Errorf("join from %s", vs.Status))
	}

	setupCtx, cancel := context.WithCancel(ctx)
	a := newAttempt(id, vs.RoomID, cancel)
	if err := f.Attempts.reserve(a); err != nil {
		cancel()
		return nil, err
	}

	vs, err = f.setup(setupCtx, a, opts.Constraints)
	a.endSetup()
	if err != nil {
		f.abandon(ctx, a, err)
		return nil, err
	}
	if a.isAborted() {
		return nil, fmt.Errorf("join %s: %w", id, errOvertaken)
	}

	a.markRunning()
	f.Metrics.AttemptStarted()
	f.Metrics.JoinObserved(time.Since(a.begun))
	f.statusChanged(vs)
	conn := a.Conn()
	go f.supervise(a, conn)

	log.Info().
		Str("module", "orch").
		Str("session", string(id)).
		Str("room", string(vs.RoomID)).
		Msg("session joined")

	if !opts.AwaitPeer {
		return vs, nil
	}
	if err := conn.WaitConnected(ctx); err != nil {
		if ctx.Err() != nil {
			if _, ferr := f.Finish(context.WithoutCancel(ctx), id, domain.StatusCancelled, FinishOptions{}); ferr != nil {
				log.Error().Err(ferr).Str("module", "orch").Str("session", string(id)).Msg("cancel after abandoned join")
			}
			return nil, ctx.Err()
		}
		// The supervisor moves the session to failed. Wait for it so the
		// status is settled before the error is returned.
		<-a.supervised
		if cause := conn.Err(); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("join %s: %w", id, errOvertaken)
	}
	return f.Sessions.Get(ctx, id)
}

func (f *Facade) setup(ctx context.Context, a *attempt, constraints core.Constraints) (*domain.VideoSession, error) {
	media, err := f.Media.StartLocalCapture(ctx, constraints)
	if err != nil {
		return nil, err
	}
	if !a.holdMedia(media) {
		f.Media.StopLocalCapture(media)
		return nil, errOvertaken
	}

	conn, err := f.Negotiator.Initialize(ctx, a.room, media)
	if err != nil {
		return nil, err
	}
	if !a.holdConn(conn) {
		conn.Close()
		return nil, errOvertaken
	}

	now := time.Now()
	return f.Sessions.UpdateStatus(ctx, a.session, domain.StatusInProgress, &domain.StatusPatch{StartedAt: &now})
}

// abandon unwinds a join whose setup failed. A caller that gave up moves
// the session to cancelled; other errors leave the session joinable.
func (f *Facade) abandon(ctx context.Context, a *attempt, cause error) {
	a.release(f.Media)
	if a.isAborted() {
		return
	}
	f.Attempts.unbind(a)

	log.Warn().
		Err(cause).
		Str("module", "orch").
		Str("session", string(a.session)).
		Str("kind", string(domain.KindOf(cause))).
		Msg("join failed")

	if ctx.Err() == nil {
		return
	}
	vs, err := f.Sessions.UpdateStatus(context.WithoutCancel(ctx), a.session, domain.StatusCancelled, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("session", string(a.session)).Msg("cancel abandoned join")
		return
	}
	f.statusChanged(vs)
}

// supervise follows a running channel and drives the session to failed
// when the channel fails on its own. A remote hang-up after connect
// leaves the session in progress for the agent to finish.
func (f *Facade) supervise(a *attempt, conn core.PeerConnection) {
	defer close(a.supervised)

	if err := conn.WaitConnected(context.Background()); err == nil {
		f.publish(events.Event{Session: a.session, Kind: events.KindConnection, Detail: string(core.StateConnected)})
		log.Info().Str("module", "orch").Str("session", string(a.session)).Msg("peer connected")
	}
	<-conn.Done()
	if a.isAborted() {
		return
	}
	if conn.State() != core.StateFailed {
		f.publish(events.Event{Session: a.session, Kind: events.KindConnection, Detail: string(core.StateClosed)})
		log.Info().Str("module", "orch").Str("session", string(a.session)).Msg("remote participant left")
		return
	}

	cause := conn.Err()
	if cause == nil {
		cause = domain.ErrChannelFailed
	}
	f.Metrics.NegotiationFailed(cause)
	f.publish(events.Event{Session: a.session, Kind: events.KindConnection, Detail: string(core.StateFailed)})
	log.Warn().
		Err(cause).
		Str("module", "orch").
		Str("session", string(a.session)).
		Str("kind", string(domain.KindOf(cause))).
		Msg("channel failed")

	if _, err := f.Finish(context.Background(), a.session, domain.StatusFailed, FinishOptions{}); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("session", string(a.session)).Msg("mark session failed")
	}
}
