// Package session tracks conversation sessions in the coordination store.
//
// A session is created lazily on the first message that names it and stays
// valid while it keeps receiving traffic within the configured TTL. Each
// client address may own a bounded number of live sessions; the bound is
// enforced through a reverse index of session ids per address.
package session

import (
	"errors"
	"time"
)

var (
	// ErrTooManySessions is returned by Create when the address already owns
	// the maximum number of live sessions.
	ErrTooManySessions = errors.New("too many sessions for this address")

	// ErrSessionNotFound is returned when the session does not exist or expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInvalid is returned when the session exists but is inactive or
	// owned by another address.
	ErrSessionInvalid = errors.New("session invalid")

	ErrEmptyID = errors.New("session id is required")
)

// Session is the persisted state of one conversation.
type Session struct {
	ID            string    `json:"sessionId"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	ClientAddress string    `json:"clientAddress"`
	ClientAgent   string    `json:"clientAgent,omitempty"`
	MessageCount  int64     `json:"messageCount"`
	Active        bool      `json:"active"`
}

// expired reports whether the session outlived ttl at now.
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Active       *bool
	ClientAgent  *string
	MessageCount *int64

	// IncrementMessages adds one to the message count after MessageCount
	// is applied.
	IncrementMessages bool
}

func (p Patch) apply(s *Session) {
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.ClientAgent != nil {
		s.ClientAgent = *p.ClientAgent
	}
	if p.MessageCount != nil {
		s.MessageCount = *p.MessageCount
	}
	if p.IncrementMessages {
		s.MessageCount++
	}
}

// Stats summarizes the sessions currently in the store.
type Stats struct {
	ActiveSessions   int `json:"activeSessions"`
	TrackedAddresses int `json:"trackedAddresses"`
}
