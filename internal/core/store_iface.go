package core

import (
	"context"
	"time"

	"github.com/dkeye/Verify/internal/domain"
)

// SessionStore is the only writer of VideoSession records. Every status
// change goes through UpdateStatus, which enforces the transition table.
type SessionStore interface {
	Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.VideoSession, error)
	Get(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error)
	GetByRoom(ctx context.Context, room domain.RoomID) (*domain.VideoSession, error)
	UpdateStatus(ctx context.Context, id domain.SessionID, to domain.SessionStatus, patch *domain.StatusPatch) (*domain.VideoSession, error)
	GiveConsent(ctx context.Context, id domain.SessionID, recording bool) (*domain.VideoSession, error)
	AssignAgent(ctx context.Context, id domain.SessionID, agent domain.AgentID) (*domain.VideoSession, error)
	AddNote(ctx context.Context, id domain.SessionID, note string) (*domain.VideoSession, error)
	RaiseFraudFlag(ctx context.Context, id domain.SessionID, flag string) (*domain.VideoSession, error)
	SetRecording(ctx context.Context, id domain.SessionID, ref string, encrypted bool) (*domain.VideoSession, error)
	// ListStale returns scheduled sessions whose scheduled time is before t.
	ListStale(ctx context.Context, before time.Time) ([]domain.VideoSession, error)
}

// DocumentStore persists SessionDocument records. Documents are never
// deleted here.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *domain.SessionDocument) error
	ListDocuments(ctx context.Context, sessionID domain.SessionID) ([]domain.SessionDocument, error)
	SetDocumentStatus(ctx context.Context, id domain.DocumentID, status domain.DocumentStatus) (*domain.SessionDocument, error)
}
