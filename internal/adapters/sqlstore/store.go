// Package sqlstore keeps sessions and documents in SQLite through sqlx.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
)

var (
	_ core.SessionStore  = (*Store)(nil)
	_ core.DocumentStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS video_sessions (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	agent_id            TEXT,
	verification_type   TEXT NOT NULL,
	scheduled_at        DATETIME NOT NULL,
	external_event_ref  TEXT,
	room_id             TEXT NOT NULL UNIQUE,
	status              TEXT NOT NULL,
	started_at          DATETIME,
	ended_at            DATETIME,
	consent_given       INTEGER NOT NULL DEFAULT 0,
	recording_consent   INTEGER NOT NULL DEFAULT 0,
	notes               TEXT NOT NULL DEFAULT '',
	fraud_flags         TEXT NOT NULL DEFAULT '[]',
	recording_ref       TEXT,
	recording_encrypted INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_video_sessions_status ON video_sessions(status, scheduled_at);

CREATE TABLE IF NOT EXISTS session_documents (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	session_id    TEXT NOT NULL REFERENCES video_sessions(id),
	document_type TEXT NOT NULL,
	storage_ref   TEXT NOT NULL,
	file_name     TEXT NOT NULL,
	size          INTEGER NOT NULL,
	media_type    TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_documents_session ON session_documents(session_id, created_at, seq);
`

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the SQLite database at dsn (":memory:" works) and
// applies the schema.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("module", "sqlstore").Str("dsn", dsn).Msg("store ready")
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) timestamp() time.Time { return s.now().UTC() }
