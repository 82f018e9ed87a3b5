package state

import (
	"time"

	"github.com/google/uuid"
)

// Sender is the outbound half of a transport connection.
type Sender interface {
	// Send queues a frame for delivery. It reports false when the frame could
	// not be queued (connection closed or evicted by the overflow policy).
	Send(frame []byte) bool
	Close(reason error)
}

// identity bound to a connection by user:authenticate.
type Identity struct {
	UserID string
	Email  string
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Sender
	// Subject verified by the identity middleware at upgrade time, if any.
	VerifiedSubject string
	// nil until the connection authenticates; immutable afterwards.
	Identity  *Identity
	Rooms     map[string]struct{}
	CreatedAt time.Time
}

// Authenticated reports whether an identity has been bound.
func (c *Connection) Authenticated() bool {
	return c.Identity != nil
}

// UserID returns the bound user id or "" for unauthenticated connections.
func (c *Connection) UserID() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.UserID
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the live status of one user, independent of any connection.
type PresenceRecord struct {
	UserID        string    `json:"userId"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	Typing        bool      `json:"isTyping"`
	TypingTaskID  string    `json:"typingTaskId,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`
}

// ModifierState is per-(modifier, user, event) scratch state kept by event
// modifiers such as rate_limit. Timer, when set, expires the entry.
type ModifierState struct {
	Value any
	Timer *time.Timer
}
