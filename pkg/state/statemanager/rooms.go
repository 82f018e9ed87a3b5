package statemanager

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/google/uuid"
)

// RoomDirectory owns task-scoped membership. A room maps each member user to
// the one connection representing that user in the room.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[string]map[string]uuid.UUID

	registry *Registry
	frames   state.FrameBuilder
	logger   *slog.Logger
}

func NewRoomDirectory(logger *slog.Logger, registry *Registry, frames state.FrameBuilder) *RoomDirectory {
	return &RoomDirectory{
		rooms:    make(map[string]map[string]uuid.UUID),
		registry: registry,
		frames:   frames,
		logger:   logger.With(slog.String("component", "room_directory")),
	}
}

var _ state.RoomBroadcaster = (*RoomDirectory)(nil)

// Join puts the user in the task room, bound to connID. Joining again
// replaces the previous binding. The remaining members are told about the
// join; the joining connection is not.
func (d *RoomDirectory) Join(taskID, userID string, connID uuid.UUID) {
	d.mu.Lock()
	room, exists := d.rooms[taskID]
	if !exists {
		room = make(map[string]uuid.UUID)
		d.rooms[taskID] = room
	}
	prev, rejoin := room[userID]
	room[userID] = connID
	d.mu.Unlock()

	if rejoin && prev != connID {
		d.registry.untrackRoom(prev, taskID)
	}
	d.registry.trackRoom(connID, taskID)

	d.logger.Debug("User joined room", slog.String("taskID", taskID), slog.String("userID", userID), slog.Bool("rejoin", rejoin))
	d.Broadcast(taskID, d.frames.JoinedTask(taskID, userID), connID)
}

// Leave removes the user from the task room and tells the remaining members.
// Leaving a room the user is not in is a no-op.
func (d *RoomDirectory) Leave(taskID, userID string) bool {
	d.mu.Lock()
	room, ok := d.rooms[taskID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	connID, member := room[userID]
	if !member {
		d.mu.Unlock()
		return false
	}
	delete(room, userID)
	// For memory hygiene, remove the room if it's now empty.
	if len(room) == 0 {
		delete(d.rooms, taskID)
		d.logger.Debug("Removed empty room", slog.String("taskID", taskID))
	}
	d.mu.Unlock()

	d.registry.untrackRoom(connID, taskID)
	d.logger.Debug("User left room", slog.String("taskID", taskID), slog.String("userID", userID))
	d.Broadcast(taskID, d.frames.LeftTask(taskID, userID), connID)
	return true
}

// LeaveAll releases every room slot of the user that is still bound to
// connID. Slots taken over by a newer connection of the same user are kept.
// It returns the task ids that were left.
func (d *RoomDirectory) LeaveAll(userID string, connID uuid.UUID) []string {
	d.mu.RLock()
	var taskIDs []string
	for taskID, room := range d.rooms {
		if bound, ok := room[userID]; ok && bound == connID {
			taskIDs = append(taskIDs, taskID)
		}
	}
	d.mu.RUnlock()

	sort.Strings(taskIDs)
	left := taskIDs[:0]
	for _, taskID := range taskIDs {
		if d.leaveIfBound(taskID, userID, connID) {
			left = append(left, taskID)
		}
	}
	return left
}

func (d *RoomDirectory) leaveIfBound(taskID, userID string, connID uuid.UUID) bool {
	d.mu.RLock()
	bound, ok := d.rooms[taskID][userID]
	d.mu.RUnlock()
	if !ok || bound != connID {
		return false
	}
	return d.Leave(taskID, userID)
}

// Broadcast delivers a frame to every member connection of the room except
// exclude. An empty or unknown room is a no-op.
func (d *RoomDirectory) Broadcast(taskID string, frame []byte, exclude uuid.UUID) int {
	d.mu.RLock()
	room := d.rooms[taskID]
	targets := make([]uuid.UUID, 0, len(room))
	for _, connID := range room {
		if connID != exclude {
			targets = append(targets, connID)
		}
	}
	d.mu.RUnlock()

	delivered := 0
	for _, connID := range targets {
		if d.registry.Send(connID, frame) {
			delivered++
		}
	}
	return delivered
}

// Members returns the user ids currently in the room, sorted.
func (d *RoomDirectory) Members(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room := d.rooms[taskID]
	members := make([]string, 0, len(room))
	for userID := range room {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

// MemberConnection returns the connection bound to the user in the room.
func (d *RoomDirectory) MemberConnection(taskID, userID string) (uuid.UUID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	connID, ok := d.rooms[taskID][userID]
	return connID, ok
}

// RoomCount returns the number of non-empty rooms.
func (d *RoomDirectory) RoomCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
