package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Verify/internal/domain"
)

const documentColumns = `id, session_id, document_type, storage_ref, file_name, size, media_type, status, created_at, updated_at`

type documentRow struct {
	ID         string    `db:"id"`
	SessionID  string    `db:"session_id"`
	Type       string    `db:"document_type"`
	StorageRef string    `db:"storage_ref"`
	FileName   string    `db:"file_name"`
	Size       int64     `db:"size"`
	MediaType  string    `db:"media_type"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) toDomain() domain.SessionDocument {
	return domain.SessionDocument{
		ID:         domain.DocumentID(r.ID),
		SessionID:  domain.SessionID(r.SessionID),
		Type:       domain.DocumentType(r.Type),
		StorageRef: r.StorageRef,
		FileName:   r.FileName,
		Size:       r.Size,
		MediaType:  r.MediaType,
		Status:     domain.DocumentStatus(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

// InsertDocument stores doc, stamping its timestamps. The owning session
// must exist; the check and the insert share one transaction.
func (s *Store) InsertDocument(ctx context.Context, doc *domain.SessionDocument) error {
	if !doc.Type.Valid() {
		return domain.Invalid("unknown document type " + string(doc.Type))
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.GetContext(ctx, &exists, `SELECT 1 FROM video_sessions WHERE id = ?`, string(doc.SessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session %s: %w", doc.SessionID, err)
	}

	now := s.timestamp()
	if doc.ID == "" {
		doc.ID = domain.NewDocumentID()
	}
	doc.Status = domain.DocPending
	doc.CreatedAt = now
	doc.UpdatedAt = now
	row := documentRow{
		ID:         string(doc.ID),
		SessionID:  string(doc.SessionID),
		Type:       string(doc.Type),
		StorageRef: doc.StorageRef,
		FileName:   doc.FileName,
		Size:       doc.Size,
		MediaType:  doc.MediaType,
		Status:     string(doc.Status),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO session_documents (`+documentColumns+`) VALUES (
		:id, :session_id, :document_type, :storage_ref, :file_name, :size, :media_type, :status, :created_at, :updated_at)`, &row)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListDocuments(ctx context.Context, sessionID domain.SessionID) ([]domain.SessionDocument, error) {
	var rows []documentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+documentColumns+` FROM session_documents WHERE session_id = ? ORDER BY created_at ASC, seq ASC`,
		string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", sessionID, err)
	}
	out := make([]domain.SessionDocument, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, id domain.DocumentID, status domain.DocumentStatus) (*domain.SessionDocument, error) {
	if !status.Valid() {
		return nil, domain.Invalid("unknown document status " + string(status))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.timestamp(), string(id))
	if err != nil {
		return nil, fmt.Errorf("update document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrDocumentNotFound
	}
	var row documentRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+documentColumns+` FROM session_documents WHERE id = ?`, string(id)); err != nil {
		return nil, fmt.Errorf("reload document %s: %w", id, err)
	}
	doc := row.toDomain()
	return &doc, nil
}
