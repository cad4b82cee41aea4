package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/domain"
)

const sessionColumns = `id, user_id, agent_id, verification_type, scheduled_at, external_event_ref,
	room_id, status, started_at, ended_at, consent_given, recording_consent, notes, fraud_flags,
	recording_ref, recording_encrypted, created_at, updated_at`

type sessionRow struct {
	ID                 string     `db:"id"`
	UserID             string     `db:"user_id"`
	AgentID            *string    `db:"agent_id"`
	VerificationType   string     `db:"verification_type"`
	ScheduledAt        time.Time  `db:"scheduled_at"`
	ExternalEventRef   *string    `db:"external_event_ref"`
	RoomID             string     `db:"room_id"`
	Status             string     `db:"status"`
	StartedAt          *time.Time `db:"started_at"`
	EndedAt            *time.Time `db:"ended_at"`
	ConsentGiven       bool       `db:"consent_given"`
	RecordingConsent   bool       `db:"recording_consent"`
	Notes              string     `db:"notes"`
	FraudFlags         string     `db:"fraud_flags"`
	RecordingRef       *string    `db:"recording_ref"`
	RecordingEncrypted bool       `db:"recording_encrypted"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r *sessionRow) toDomain() (*domain.VideoSession, error) {
	flags := []string{}
	if r.FraudFlags != "" {
		if err := json.Unmarshal([]byte(r.FraudFlags), &flags); err != nil {
			return nil, fmt.Errorf("decode fraud flags of %s: %w", r.ID, err)
		}
	}
	vs := &domain.VideoSession{
		ID:                 domain.SessionID(r.ID),
		UserID:             domain.UserID(r.UserID),
		VerificationType:   domain.VerificationType(r.VerificationType),
		ScheduledAt:        r.ScheduledAt.UTC(),
		ExternalEventRef:   r.ExternalEventRef,
		RoomID:             domain.RoomID(r.RoomID),
		Status:             domain.SessionStatus(r.Status),
		StartedAt:          utcPtr(r.StartedAt),
		EndedAt:            utcPtr(r.EndedAt),
		ConsentGiven:       r.ConsentGiven,
		RecordingConsent:   r.RecordingConsent,
		Notes:              r.Notes,
		FraudFlags:         flags,
		RecordingRef:       r.RecordingRef,
		RecordingEncrypted: r.RecordingEncrypted,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if r.AgentID != nil {
		a := domain.AgentID(*r.AgentID)
		vs.AgentID = &a
	}
	return vs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Store) Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.VideoSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.timestamp()
	room, err := domain.NewRoomID(req.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("room id: %w", err)
	}
	row := sessionRow{
		ID:               string(domain.NewSessionID()),
		UserID:           string(req.UserID),
		VerificationType: string(req.VerificationType),
		ScheduledAt:      req.ScheduledAt.UTC(),
		ExternalEventRef: req.ExternalEventRef,
		RoomID:           string(room),
		Status:           string(domain.StatusScheduled),
		FraudFlags:       "[]",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO video_sessions (`+sessionColumns+`) VALUES (
		:id, :user_id, :agent_id, :verification_type, :scheduled_at, :external_event_ref,
		:room_id, :status, :started_at, :ended_at, :consent_given, :recording_consent, :notes, :fraud_flags,
		:recording_ref, :recording_encrypted, :created_at, :updated_at)`, &row)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	log.Info().
		Str("module", "sqlstore").
		Str("session", row.ID).
		Str("room", row.RoomID).
		Str("user", row.UserID).
		Msg("session scheduled")
	return row.toDomain()
}

func (s *Store) Get(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM video_sessions WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return row.toDomain()
}

// GetByRoom finds the session that owns room.
func (s *Store) GetByRoom(ctx context.Context, room domain.RoomID) (*domain.VideoSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM video_sessions WHERE room_id = ?`, string(room))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by room %s: %w", room, err)
	}
	return row.toDomain()
}

// mutate loads the row inside a transaction, lets fn edit it, and writes it
// back only when fn reports a change. An error from fn rolls back without
// any write.
func (s *Store) mutate(ctx context.Context, id domain.SessionID, fn func(row *sessionRow) (bool, error)) (*domain.VideoSession, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row sessionRow
	err = tx.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM video_sessions WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	changed, err := fn(&row)
	if err != nil {
		return nil, err
	}
	if changed {
		row.UpdatedAt = s.timestamp()
		if err := writeRow(ctx, tx, &row); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return row.toDomain()
}

func writeRow(ctx context.Context, tx *sqlx.Tx, row *sessionRow) error {
	_, err := tx.NamedExecContext(ctx, `UPDATE video_sessions SET
		agent_id = :agent_id,
		status = :status,
		started_at = :started_at,
		ended_at = :ended_at,
		consent_given = :consent_given,
		recording_consent = :recording_consent,
		notes = :notes,
		fraud_flags = :fraud_flags,
		recording_ref = :recording_ref,
		recording_encrypted = :recording_encrypted,
		updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update session %s: %w", row.ID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id domain.SessionID, to domain.SessionStatus, patch *domain.StatusPatch) (*domain.VideoSession, error) {
	if !to.Valid() {
		return nil, domain.Invalid("unknown session status " + string(to))
	}
	var from domain.SessionStatus
	vs, err := s.mutate(ctx, id, func(row *sessionRow) (bool, error) {
		from = domain.SessionStatus(row.Status)
		if from == to && to.Terminal() {
			return false, nil
		}
		if !from.CanTransitionTo(to) {
			return false, domain.ErrInvalidTransition.With(fmt.Errorf("%s -> %s", from, to))
		}
		now := s.timestamp()
		row.Status = string(to)
		if to == domain.StatusInProgress && row.StartedAt == nil {
			started := now
			if patch != nil && patch.StartedAt != nil {
				started = patch.StartedAt.UTC()
			}
			row.StartedAt = &started
		}
		if to.Ends() && row.EndedAt == nil {
			row.EndedAt = &now
		}
		if patch != nil && patch.Notes != nil {
			row.Notes = appendNote(row.Notes, *patch.Notes)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "sqlstore").
		Str("session", string(id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("session status")
	return vs, nil
}

func (s *Store) GiveConsent(ctx context.Context, id domain.SessionID, recording bool) (*domain.VideoSession, error) {
	return s.mutate(ctx, id, func(row *sessionRow) (bool, error) {
		if row.ConsentGiven && (!recording || row.RecordingConsent) {
			return false, nil
		}
		row.ConsentGiven = true
		if recording {
			row.RecordingConsent = true
		}
		return true, nil
	})
}

func (s *Store) AssignAgent(ctx context.Context, id domain.SessionID, agent domain.AgentID) (*domain.VideoSession, error) {
	if agent == "" {
		return nil, domain.Invalid("agent id is required")
	}
	return s.mutate(ctx, id, func(row *sessionRow) (bool, error) {
		if domain.SessionStatus(row.Status).Terminal() {
			return false, domain.ErrInvalidTransition.With(errors.New("cannot assign an agent to a finished session"))
		}
		a := string(agent)
		row.AgentID = &a
		return true, nil
	})
}

func (s *Store) AddNote(ctx context.Context, id domain.SessionID, note string) (*domain.VideoSession, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, domain.Invalid("note is empty")
	}
	if len(note) > domain.MaxNoteLen {
		return nil, domain.Invalid("note is too long")
	}
	return s.mutate(ctx, id, func(row *sessionRow) (bool, error) {
		row.Notes = appendNote(row.Notes, note)
		return true, nil
	})
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

func (s *Store) RaiseFraudFlag(ctx context.Context, id domain.SessionID, flag string) (*domain.VideoSession, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" || len(flag) > domain.MaxFlagLen {
		return nil, domain.Invalid("fraud flag must be 1-64 characters")
	}
	return s.mutate(ctx, id, func(row *sessionRow) (bool, error) {
		var flags []string
		if err := json.Unmarshal([]byte(row.FraudFlags), &flags); err != nil {
			return false, fmt.Errorf("decode fraud flags: %w", err)
		}
		for _, f := range flags {
			if f == flag {
				return false, nil
			}
		}
		b, err := json.Marshal(append(flags, flag))
		if err != nil {
			return false, err
		}
		row.FraudFlags = string(b)
		return true, nil
	})
}

func (s *Store) SetRecording(ctx context.Context, id domain.SessionID, ref string, encrypted bool) (*domain.VideoSession, error) {
	if ref == "" {
		return nil, domain.Invalid("recording reference is empty")
	}
	return s.mutate(ctx, id, func(row *sessionRow) (bool, error) {
		row.RecordingRef = &ref
		row.RecordingEncrypted = encrypted
		return true, nil
	})
}

func (s *Store) ListStale(ctx context.Context, before time.Time) ([]domain.VideoSession, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM video_sessions WHERE status = ? AND scheduled_at < ? ORDER BY scheduled_at ASC`,
		string(domain.StatusScheduled), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	out := make([]domain.VideoSession, 0, len(rows))
	for i := range rows {
		vs, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *vs)
	}
	return out, nil
}
