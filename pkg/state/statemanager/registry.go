package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/google/uuid"
)

// Registry owns the set of live connections and the user-id -> connection
// index. It is the single id -> connection table; rooms and presence only
// ever hold connection ids.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*state.Connection
	byUser map[string]uuid.UUID
	// every live connection of a user, used for the offline decision on close
	userConns map[string]map[uuid.UUID]struct{}

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:     make(map[uuid.UUID]*state.Connection),
		byUser:    make(map[string]uuid.UUID),
		userConns: make(map[string]map[uuid.UUID]struct{}),
		logger:    logger.With(slog.String("component", "connection_registry")),
	}
}

var _ state.Broadcaster = (*Registry)(nil)

// Register adds a transport to the registry under a fresh id.
func (r *Registry) Register(transport state.Sender, ipAddr string) *state.Connection {
	return r.RegisterWithID(uuid.New(), transport, ipAddr)
}

// RegisterWithID adds a transport that already carries its own id.
func (r *Registry) RegisterWithID(id uuid.UUID, transport state.Sender, ipAddr string) *state.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := &state.Connection{
		ID:        id,
		IPAddress: ipAddr,
		Transport: transport,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	r.conns[id] = conn
	r.logger.Debug("Connection registered", slog.String("connID", id.String()), slog.Int("total", len(r.conns)))
	return conn
}

// Deregister removes the connection and its user index entries. It returns the
// removed connection, or nil if it was already gone.
func (r *Registry) Deregister(connID uuid.UUID) *state.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)

	if conn.Identity != nil {
		userID := conn.Identity.UserID
		if set, ok := r.userConns[userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.userConns, userID)
			}
		}
		if r.byUser[userID] == connID {
			r.repointUserLocked(userID)
		}
	}
	r.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.Int("total", len(r.conns)))
	return conn
}

// repointUserLocked makes the newest remaining connection of the user the
// lookup target, or drops the index entry when none remain.
func (r *Registry) repointUserLocked(userID string) {
	var newest *state.Connection
	for id := range r.userConns[userID] {
		c := r.conns[id]
		if c == nil {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		delete(r.byUser, userID)
		return
	}
	r.byUser[userID] = newest.ID
}

// BindIdentity attaches a user identity to an unauthenticated connection.
// The most recent binding for a user wins the user lookup.
func (r *Registry) BindIdentity(connID uuid.UUID, userID, email string) (*state.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, state.ErrUnknownConnection
	}
	if conn.Identity != nil {
		return nil, state.ErrAlreadyAuthenticated
	}
	conn.Identity = &state.Identity{UserID: userID, Email: email}

	set, ok := r.userConns[userID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.userConns[userID] = set
	}
	set[connID] = struct{}{}
	if prev, ok := r.byUser[userID]; ok && prev != connID {
		r.logger.Info("User binding replaced by newer connection",
			slog.String("userID", userID),
			slog.String("previousConnID", prev.String()),
			slog.String("connID", connID.String()))
	}
	r.byUser[userID] = connID
	return conn, nil
}

func (r *Registry) Get(connID uuid.UUID) (*state.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// LookupByUser returns the connection currently representing the user.
func (r *Registry) LookupByUser(userID string) (*state.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	conn, ok := r.conns[id]
	return conn, ok
}

// ConnectionsForUser returns every live authenticated connection of the user.
func (r *Registry) ConnectionsForUser(userID string) []*state.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.userConns[userID]
	conns := make([]*state.Connection, 0, len(set))
	for id := range set {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.IPAddress == ip {
			n++
		}
	}
	return n
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*state.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*state.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Send delivers a frame to one connection.
func (r *Registry) Send(connID uuid.UUID, frame []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok || conn.Transport == nil {
		return false
	}
	return conn.Transport.Send(frame)
}

// BroadcastAll delivers a frame to every connection except exclude. Pass
// uuid.Nil to include everyone. It returns the number of connections that
// accepted the frame.
func (r *Registry) BroadcastAll(frame []byte, exclude uuid.UUID) int {
	r.mu.RLock()
	targets := make([]state.Sender, 0, len(r.conns))
	for id, c := range r.conns {
		if id == exclude || c.Transport == nil {
			continue
		}
		targets = append(targets, c.Transport)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if t.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// trackRoom and untrackRoom keep the connection's own room set in sync with
// the room directory.
func (r *Registry) trackRoom(connID uuid.UUID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.Rooms[taskID] = struct{}{}
	}
}

func (r *Registry) untrackRoom(connID uuid.UUID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		delete(c.Rooms, taskID)
	}
}
