// Package memory is an in-process gateway used for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/google/uuid"
)

// User is a directory entry addressable by @Handle.
type User struct {
	Handle string
	gateway.Identity
}

// TaskUpdate is one entry of the task-update log.
type TaskUpdate struct {
	TaskID   string
	UserID   string
	Payload  json.RawMessage
	LoggedAt time.Time
}

type Gateway struct {
	mu            sync.RWMutex
	users         []User
	comments      []gateway.Comment
	updates       []TaskUpdate
	notifications []gateway.Notification

	now func() time.Time
}

var _ gateway.Gateway = (*Gateway)(nil)

func New(users ...User) *Gateway {
	g := &Gateway{now: time.Now}
	g.users = append(g.users, users...)
	sort.Slice(g.users, func(i, j int) bool { return g.users[i].Handle < g.users[j].Handle })
	return g
}

func (g *Gateway) StoreComment(_ context.Context, c gateway.Comment) (string, error) {
	if c.TaskID == "" || strings.TrimSpace(c.Text) == "" {
		return "", fmt.Errorf("%w: comment needs a task and text", gateway.ErrInvalid)
	}
	c.ID = uuid.NewString()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = g.now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.comments = append(g.comments, c)
	return c.ID, nil
}

func (g *Gateway) LogTaskUpdate(_ context.Context, taskID, userID string, payload json.RawMessage) error {
	if taskID == "" {
		return fmt.Errorf("%w: task update without task id", gateway.ErrInvalid)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, TaskUpdate{
		TaskID:   taskID,
		UserID:   userID,
		Payload:  append(json.RawMessage(nil), payload...),
		LoggedAt: g.now().UTC(),
	})
	return nil
}

// LookupUserByHandle matches the handle exactly (ignoring case), then as a
// substring of a handle or display name. Partial matches resolve to the
// first user in handle order.
func (g *Gateway) LookupUserByHandle(_ context.Context, handle string) (gateway.Identity, bool, error) {
	needle := strings.ToLower(handle)
	if needle == "" {
		return gateway.Identity{}, false, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, u := range g.users {
		if strings.ToLower(u.Handle) == needle {
			return u.Identity, true, nil
		}
	}
	for _, u := range g.users {
		if strings.Contains(strings.ToLower(u.Handle), needle) ||
			strings.Contains(strings.ToLower(u.DisplayName), needle) {
			return u.Identity, true, nil
		}
	}
	return gateway.Identity{}, false, nil
}

func (g *Gateway) QueueNotification(_ context.Context, n gateway.Notification) error {
	if n.RecipientID == "" {
		return fmt.Errorf("%w: notification without recipient", gateway.ErrInvalid)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifications = append(g.notifications, n)
	return nil
}

// AddUser adds or replaces a directory entry.
func (g *Gateway) AddUser(u User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.users {
		if g.users[i].UserID == u.UserID {
			g.users[i] = u
			return
		}
	}
	g.users = append(g.users, u)
	sort.Slice(g.users, func(i, j int) bool { return g.users[i].Handle < g.users[j].Handle })
}

func (g *Gateway) Comments() []gateway.Comment {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]gateway.Comment(nil), g.comments...)
}

func (g *Gateway) TaskUpdates() []TaskUpdate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]TaskUpdate(nil), g.updates...)
}

// QueuedNotifications returns what was queued for offline delivery.
func (g *Gateway) QueuedNotifications() []gateway.Notification {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]gateway.Notification(nil), g.notifications...)
}
