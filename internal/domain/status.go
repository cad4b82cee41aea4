package domain

type SessionStatus string

const (
	StatusScheduled     SessionStatus = "scheduled"
	StatusInProgress    SessionStatus = "in_progress"
	StatusCompleted     SessionStatus = "completed"
	StatusCancelled     SessionStatus = "cancelled"
	StatusFailed        SessionStatus = "failed"
	StatusPendingReview SessionStatus = "pending_review"
)

var transitions = map[SessionStatus][]SessionStatus{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusFailed},
	StatusCompleted:  {StatusPendingReview},
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted,
		StatusCancelled, StatusFailed, StatusPendingReview:
		return true
	}
	return false
}

// Terminal reports whether no further work happens on the session.
// pending_review counts: the remaining decision is made outside this system.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusPendingReview:
		return true
	}
	return false
}

// Ends reports whether entering s stamps ended_at.
func (s SessionStatus) Ends() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func ParseSessionStatus(raw string) (SessionStatus, error) {
	s := SessionStatus(raw)
	if !s.Valid() {
		return "", Invalid("unknown session status " + raw)
	}
	return s, nil
}

type VerificationType string

const (
	VerificationIdentity VerificationType = "identity"
	VerificationProperty VerificationType = "property"
	VerificationAgency   VerificationType = "agency"
)

func (t VerificationType) Valid() bool {
	switch t {
	case VerificationIdentity, VerificationProperty, VerificationAgency:
		return true
	}
	return false
}

func ParseVerificationType(raw string) (VerificationType, error) {
	if raw == "" {
		return VerificationIdentity, nil
	}
	t := VerificationType(raw)
	if !t.Valid() {
		return "", Invalid("unknown verification type " + raw)
	}
	return t, nil
}
