package domain

import (
	"io"
	"time"

	"github.com/google/uuid"
)

type DocumentID string

func NewDocumentID() DocumentID { return DocumentID(uuid.NewString()) }

type DocumentType string

const (
	DocGovernmentID     DocumentType = "government_id"
	DocPropertyDocument DocumentType = "property_document"
	DocProofOfOwnership DocumentType = "proof_of_ownership"
	DocAgencyLicense    DocumentType = "agency_license"
	DocSelfie           DocumentType = "selfie"
	DocOther            DocumentType = "other"
)

func (t DocumentType) Valid() bool {
	switch t {
	case DocGovernmentID, DocPropertyDocument, DocProofOfOwnership,
		DocAgencyLicense, DocSelfie, DocOther:
		return true
	}
	return false
}

func ParseDocumentType(raw string) (DocumentType, error) {
	t := DocumentType(raw)
	if !t.Valid() {
		return "", Invalid("unknown document type " + raw)
	}
	return t, nil
}

type DocumentStatus string

const (
	DocPending     DocumentStatus = "pending"
	DocVerified    DocumentStatus = "verified"
	DocRejected    DocumentStatus = "rejected"
	DocNeedsReview DocumentStatus = "needs_review"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case DocPending, DocVerified, DocRejected, DocNeedsReview:
		return true
	}
	return false
}

func ParseDocumentStatus(raw string) (DocumentStatus, error) {
	s := DocumentStatus(raw)
	if !s.Valid() {
		return "", Invalid("unknown document status " + raw)
	}
	return s, nil
}

// SessionDocument is evidence attached to a session. Only Status changes
// after creation.
type SessionDocument struct {
	ID         DocumentID     `json:"id"`
	SessionID  SessionID      `json:"session_id"`
	Type       DocumentType   `json:"document_type"`
	StorageRef string         `json:"storage_ref"`
	FileName   string         `json:"file_name"`
	Size       int64          `json:"size"`
	MediaType  string         `json:"media_type"`
	Status     DocumentStatus `json:"verification_status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// File is an upload in flight. Size may be -1 when unknown.
type File struct {
	Name      string
	MediaType string
	Size      int64
	Body      io.Reader
}
