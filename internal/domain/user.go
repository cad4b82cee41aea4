// Package domain holds the verification session entities, their closed
// enumerations and the status transition table.
package domain

import "strings"

const (
	MaxUserIDLen = 128
	MaxNoteLen   = 4096
	MaxFlagLen   = 64
)

type (
	UserID  string
	AgentID string
)

// ParseUserID validates an id handed over by the identity layer. The id is
// trusted; only its shape is checked.
func ParseUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", Invalid("user id is empty")
	}
	if len(id) > MaxUserIDLen {
		return "", Invalid("user id is too long")
	}
	return UserID(id), nil
}

func ParseAgentID(raw string) (AgentID, error) {
	id, err := ParseUserID(raw)
	if err != nil {
		return "", Invalid("agent id is invalid")
	}
	return AgentID(id), nil
}
