// Package documents stores evidence files against an existing session.
package documents

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

const (
	documentsNamespace = "documents"
	sniffLen           = 3072
	maxFileNameLen     = 255
)

// Sessions is the part of the session store intake needs.
type Sessions interface {
	Get(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error)
}

type Intake struct {
	sessions Sessions
	docs     core.DocumentStore
	objects  core.ObjectStore
}

func NewIntake(sessions Sessions, docs core.DocumentStore, objects core.ObjectStore) *Intake {
	return &Intake{sessions: sessions, docs: docs, objects: objects}
}

// Upload stores f and records it as a pending document of sessionID.
// Either exactly one record is created or none is.
func (in *Intake) Upload(ctx context.Context, sessionID domain.SessionID, f domain.File, docType domain.DocumentType) (*domain.SessionDocument, error) {
	if !docType.Valid() {
		return nil, domain.Invalid("unknown document type " + string(docType))
	}
	if f.Body == nil {
		return nil, domain.Invalid("file body is required")
	}
	name := cleanFileName(f.Name)
	if name == "" {
		return nil, domain.Invalid("file name is required")
	}
	if _, err := in.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	body := f.Body
	mediaType := f.MediaType
	if mediaType == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(body, head)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, domain.ErrDocumentUploadFailed.With(err)
		}
		head = head[:n]
		mediaType = mimetype.Detect(head).String()
		body = io.MultiReader(bytes.NewReader(head), body)
	}

	ref, size, err := in.objects.Put(ctx, documentsNamespace, mediaType, body)
	if err != nil {
		log.Error().Err(err).Str("module", "documents").Str("session", string(sessionID)).Msg("document store failed")
		return nil, domain.ErrDocumentUploadFailed.With(err)
	}

	doc := &domain.SessionDocument{
		SessionID:  sessionID,
		Type:       docType,
		StorageRef: ref,
		FileName:   name,
		Size:       size,
		MediaType:  mediaType,
	}
	if err := in.docs.InsertDocument(ctx, doc); err != nil {
		if delErr := in.objects.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			log.Warn().Err(delErr).Str("module", "documents").Str("ref", ref).Msg("orphaned document blob")
		}
		log.Error().Err(err).Str("module", "documents").Str("session", string(sessionID)).Msg("document record failed")
		return nil, domain.ErrDocumentUploadFailed.With(err)
	}

	log.Info().
		Str("module", "documents").
		Str("session", string(sessionID)).
		Str("document", string(doc.ID)).
		Str("type", string(docType)).
		Str("media_type", mediaType).
		Int64("size", size).
		Msg("document stored")
	return doc, nil
}

// List returns the documents of sessionID, oldest first.
func (in *Intake) List(ctx context.Context, sessionID domain.SessionID) ([]domain.SessionDocument, error) {
	return in.docs.ListDocuments(ctx, sessionID)
}

// SetStatus records the outcome of an external review.
func (in *Intake) SetStatus(ctx context.Context, id domain.DocumentID, status domain.DocumentStatus) (*domain.SessionDocument, error) {
	if !status.Valid() {
		return nil, domain.Invalid("unknown document status " + string(status))
	}
	doc, err := in.docs.SetDocumentStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "documents").Str("document", string(id)).Str("status", string(status)).Msg("document reviewed")
	return doc, nil
}

func cleanFileName(raw string) string {
	name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > maxFileNameLen {
		name = name[:maxFileNameLen]
	}
	return name
}
