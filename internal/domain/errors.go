package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that present it to users.
type Kind string

const (
	KindPermissionDenied   Kind = "permission_denied"
	KindDeviceUnavailable  Kind = "device_unavailable"
	KindNoLocalMedia       Kind = "no_local_media"
	KindNegotiationTimeout Kind = "negotiation_timeout"
	KindChannelFailed      Kind = "channel_failed"
	KindNotConnected       Kind = "not_connected"
	KindConsentRequired    Kind = "consent_required"
	KindAlreadyRecording   Kind = "already_recording"
	KindNotRecording       Kind = "not_recording"
	KindUploadFailed       Kind = "upload_failed"
	KindSessionNotFound    Kind = "session_not_found"
	KindDocumentNotFound   Kind = "document_not_found"
	KindInvalidTransition  Kind = "invalid_transition"
	KindInvalidArgument    Kind = "invalid_argument"
	KindAttemptActive      Kind = "attempt_active"
)

// Scope distinguishes errors of the same kind raised by different
// components (a failed recording upload is not a failed document upload).
type Scope string

const (
	ScopeNone      Scope = ""
	ScopeRecording Scope = "recording"
	ScopeDocument  Scope = "document"
)

// Error is the structured error surfaced to callers. Message is safe to
// show to an end user; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Scope   Scope
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and scope so wrapped instances compare equal to the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Scope == t.Scope
}

// With returns a copy of the sentinel carrying cause.
func (e *Error) With(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

var (
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied, Message: "camera or microphone permission is needed"}
	ErrDeviceUnavailable  = &Error{Kind: KindDeviceUnavailable, Message: "no camera or microphone matches the request"}
	ErrNoLocalMedia       = &Error{Kind: KindNoLocalMedia, Message: "local media must be started before connecting"}
	ErrNegotiationTimeout = &Error{Kind: KindNegotiationTimeout, Message: "connection timed out, please retry"}
	ErrChannelFailed      = &Error{Kind: KindChannelFailed, Message: "connection failed, please retry"}
	ErrNotConnected       = &Error{Kind: KindNotConnected, Message: "the video connection is not established"}

	ErrConsentRequired         = &Error{Kind: KindConsentRequired, Message: "recording consent has not been given"}
	ErrAlreadyRecording        = &Error{Kind: KindAlreadyRecording, Message: "a recording is already in progress"}
	ErrNotRecording            = &Error{Kind: KindNotRecording, Message: "no recording is in progress"}
	ErrRecordingUploadFailed   = &Error{Kind: KindUploadFailed, Scope: ScopeRecording, Message: "recording could not be saved"}
	ErrDocumentUploadFailed    = &Error{Kind: KindUploadFailed, Scope: ScopeDocument, Message: "document upload failed"}
	ErrSessionNotFound         = &Error{Kind: KindSessionNotFound, Message: "verification session not found"}
	ErrDocumentNotFound        = &Error{Kind: KindDocumentNotFound, Message: "document not found"}
	ErrInvalidTransition       = &Error{Kind: KindInvalidTransition, Message: "the session cannot move to that status"}
	ErrAttemptActive           = &Error{Kind: KindAttemptActive, Message: "the session is already being joined"}
	errInvalidArgumentTemplate = &Error{Kind: KindInvalidArgument}
)

// Invalid builds an invalid_argument error with a caller-facing message.
func Invalid(msg string) *Error {
	cp := *errInvalidArgumentTemplate
	cp.Message = msg
	return &cp
}

// ErrInvalidArgument matches any error built by Invalid.
var ErrInvalidArgument error = errInvalidArgumentTemplate

// KindOf extracts the kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the user-facing message of err, falling back to a
// generic text for foreign errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
