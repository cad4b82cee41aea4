package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// VideoSession is the durable record of one verification attempt.
type VideoSession struct {
	ID               SessionID        `json:"id"`
	UserID           UserID           `json:"user_id"`
	AgentID          *AgentID         `json:"agent_id,omitempty"`
	VerificationType VerificationType `json:"verification_type"`
	ScheduledAt      time.Time        `json:"scheduled_at"`
	ExternalEventRef *string          `json:"external_event_ref,omitempty"`
	RoomID           RoomID           `json:"room_id"`
	Status           SessionStatus    `json:"status"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`

	ConsentGiven     bool `json:"consent_given"`
	RecordingConsent bool `json:"recording_consent"`

	Notes      string   `json:"notes"`
	FraudFlags []string `json:"fraud_flags"`

	RecordingRef       *string `json:"recording_ref,omitempty"`
	RecordingEncrypted bool    `json:"recording_encrypted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleRequest carries what the calendar and identity collaborators
// hand over when a session is booked.
type ScheduleRequest struct {
	UserID           UserID
	ScheduledAt      time.Time
	VerificationType VerificationType
	ExternalEventRef *string
}

func (r ScheduleRequest) Validate() error {
	if r.UserID == "" {
		return Invalid("user id is required")
	}
	if r.ScheduledAt.IsZero() {
		return Invalid("scheduled time is required")
	}
	if !r.VerificationType.Valid() {
		return Invalid("unknown verification type")
	}
	return nil
}

// StatusPatch holds the optional fields a status change may carry.
type StatusPatch struct {
	StartedAt *time.Time
	Notes     *string
}
