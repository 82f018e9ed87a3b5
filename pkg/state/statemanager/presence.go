package statemanager

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/google/uuid"
)

// PresenceTracker owns per-user status and typing state. Records are
// overwritten on every update and never deleted, only marked offline.
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[string]*state.PresenceRecord

	all    state.Broadcaster
	rooms  state.RoomBroadcaster
	frames state.FrameBuilder
	now    func() time.Time
	logger *slog.Logger
}

func NewPresenceTracker(logger *slog.Logger, all state.Broadcaster, rooms state.RoomBroadcaster, frames state.FrameBuilder) *PresenceTracker {
	return &PresenceTracker{
		records: make(map[string]*state.PresenceRecord),
		all:     all,
		rooms:   rooms,
		frames:  frames,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "presence_tracker")),
	}
}

// SetClock overrides the time source used for LastSeen.
func (p *PresenceTracker) SetClock(now func() time.Time) {
	p.now = now
}

// SetStatus replaces the user's record and broadcasts user:status_changed to
// every connection.
func (p *PresenceTracker) SetStatus(userID string, status state.Status, currentTaskID string) state.PresenceRecord {
	rec := state.PresenceRecord{
		UserID:        userID,
		Status:        status,
		CurrentTaskID: currentTaskID,
		LastSeen:      p.now().UTC(),
	}

	p.mu.Lock()
	p.records[userID] = &rec
	p.mu.Unlock()

	n := p.all.BroadcastAll(p.frames.StatusChanged(rec), uuid.Nil)
	p.logger.Debug("Presence status changed",
		slog.String("userID", userID),
		slog.String("status", string(status)),
		slog.Int("recipients", n))
	return rec
}

// SetTyping records the typing flag and tells the task room, excluding the
// acting connection.
func (p *PresenceTracker) SetTyping(userID, taskID string, isTyping bool, exclude uuid.UUID) {
	p.mu.Lock()
	rec, ok := p.records[userID]
	if !ok {
		rec = &state.PresenceRecord{UserID: userID, Status: state.StatusOnline}
		p.records[userID] = rec
	}
	rec.Typing = isTyping
	if isTyping {
		rec.TypingTaskID = taskID
	} else {
		rec.TypingTaskID = ""
	}
	rec.LastSeen = p.now().UTC()
	p.mu.Unlock()

	p.rooms.Broadcast(taskID, p.frames.Typing(userID, taskID, isTyping), exclude)
}

// Get returns a copy of the user's record.
func (p *PresenceTracker) Get(userID string) (state.PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	if !ok {
		return state.PresenceRecord{}, false
	}
	return *rec, true
}

// ListActive returns the records of users that are online or away, ordered
// by user id.
func (p *PresenceTracker) ListActive() []state.PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	active := make([]state.PresenceRecord, 0, len(p.records))
	for _, rec := range p.records {
		if rec.Status == state.StatusOffline {
			continue
		}
		active = append(active, *rec)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	return active
}
