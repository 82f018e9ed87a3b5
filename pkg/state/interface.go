package state

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrNotAuthenticated     = errors.New("connection is not authenticated")
)

// Broadcaster delivers frames to connections. The connection registry
// implements it; the room directory and presence tracker depend on it for
// delivery and never touch transports directly.
type Broadcaster interface {
	Send(connID uuid.UUID, frame []byte) bool
	BroadcastAll(frame []byte, exclude uuid.UUID) int
}

// RoomBroadcaster delivers frames to the members of one task room.
type RoomBroadcaster interface {
	Broadcast(taskID string, frame []byte, exclude uuid.UUID) int
}

// FrameBuilder renders the outbound frames emitted as side effects of
// registry, room and presence mutations.
type FrameBuilder interface {
	JoinedTask(taskID, userID string) []byte
	LeftTask(taskID, userID string) []byte
	StatusChanged(rec PresenceRecord) []byte
	Typing(userID, taskID string, isTyping bool) []byte
}
