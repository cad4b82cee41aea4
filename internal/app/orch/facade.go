// Package orch sequences the session store, local media, negotiation,
// recording and document intake into the flow a caller drives:
// schedule, join, record, upload, finish.
package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/app/documents"
	"github.com/dkeye/Verify/internal/app/events"
	"github.com/dkeye/Verify/internal/app/recorder"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
	"github.com/dkeye/Verify/internal/metrics"
)

type Facade struct {
	Sessions   core.SessionStore
	Media      core.MediaAcquirer
	Negotiator core.Negotiator
	Recorder   *recorder.Recorder
	Documents  *documents.Intake
	Events     *events.Bus
	Metrics    *metrics.Metrics
	Attempts   *Registry
}

func (f *Facade) publish(e events.Event) {
	if f.Events != nil {
		f.Events.Publish(e)
	}
}

func (f *Facade) statusChanged(vs *domain.VideoSession) {
	f.Metrics.Transition(vs.Status)
	f.publish(events.Event{Session: vs.ID, Kind: events.KindStatus, Status: vs.Status})
}

func (f *Facade) Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.VideoSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	vs, err := f.Sessions.Schedule(ctx, req)
	if err != nil {
		return nil, err
	}
	f.statusChanged(vs)
	return vs, nil
}

// GiveConsent records participation consent and, when recording is set,
// recording consent. Consent is frozen while a recording runs.
func (f *Facade) GiveConsent(ctx context.Context, id domain.SessionID, recording bool) (*domain.VideoSession, error) {
	if f.Recorder.Active(id) {
		return nil, domain.ErrAlreadyRecording
	}
	return f.Sessions.GiveConsent(ctx, id, recording)
}

func (f *Facade) AssignAgent(ctx context.Context, id domain.SessionID, agent domain.AgentID) (*domain.VideoSession, error) {
	return f.Sessions.AssignAgent(ctx, id, agent)
}

func (f *Facade) AddNote(ctx context.Context, id domain.SessionID, note string) (*domain.VideoSession, error) {
	return f.Sessions.AddNote(ctx, id, note)
}

func (f *Facade) RaiseFraudFlag(ctx context.Context, id domain.SessionID, flag string) (*domain.VideoSession, error) {
	vs, err := f.Sessions.RaiseFraudFlag(ctx, id, flag)
	if err != nil {
		return nil, err
	}
	log.Warn().Str("module", "orch").Str("session", string(id)).Str("flag", flag).Msg("fraud flag raised")
	return vs, nil
}

func (f *Facade) GetSession(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error) {
	return f.Sessions.Get(ctx, id)
}

func (f *Facade) UploadDocument(ctx context.Context, id domain.SessionID, file domain.File, docType domain.DocumentType) (*domain.SessionDocument, error) {
	doc, err := f.Documents.Upload(ctx, id, file, docType)
	f.Metrics.Document(err == nil)
	if err != nil {
		return nil, err
	}
	f.publish(events.Event{Session: id, Kind: events.KindDocument, Detail: string(doc.ID)})
	return doc, nil
}

func (f *Facade) ListDocuments(ctx context.Context, id domain.SessionID) ([]domain.SessionDocument, error) {
	return f.Documents.List(ctx, id)
}

// SetDocumentStatus is the review hook for a single document.
func (f *Facade) SetDocumentStatus(ctx context.Context, id domain.DocumentID, status domain.DocumentStatus) (*domain.SessionDocument, error) {
	doc, err := f.Documents.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	f.publish(events.Event{Session: doc.SessionID, Kind: events.KindDocument, Detail: string(doc.ID) + ":" + string(doc.Status)})
	return doc, nil
}

// ConnectionState is idle when the session has no running channel.
func (f *Facade) ConnectionState(id domain.SessionID) core.ConnectionState {
	if a, ok := f.Attempts.get(id); ok {
		if c := a.Conn(); c != nil {
			return c.State()
		}
	}
	return core.StateIdle
}

func (f *Facade) Quality(id domain.SessionID) core.Quality {
	if a, ok := f.Attempts.get(id); ok {
		if c := a.Conn(); c != nil {
			return c.Quality()
		}
	}
	return core.QualityUnknown
}

// Watch subscribes to the events of one session. The subscription ends
// with the session, with ctx, or on Close. A session that already ended
// yields a closed subscription.
func (f *Facade) Watch(ctx context.Context, id domain.SessionID) (*events.Subscription, error) {
	vs, err := f.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sub := f.Events.Subscribe(ctx, id)
	if vs.Status.Terminal() {
		sub.Close()
	}
	return sub, nil
}

// AdmitRoom lets a remote participant into a signaling room only while the
// owning session can still be joined.
func (f *Facade) AdmitRoom(ctx context.Context, room domain.RoomID) error {
	vs, err := f.Sessions.GetByRoom(ctx, room)
	if err != nil {
		return err
	}
	if vs.Status != domain.StatusScheduled && vs.Status != domain.StatusInProgress {
		return domain.Invalid("the session is not open for joining")
	}
	return nil
}
