// Package gateway defines the persistence collaborator the real-time core
// writes through: comment storage, the task-update log, the user directory
// used for mention lookups, and the durable notification queue.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrInvalid is returned when a record is rejected before it is stored.
	ErrInvalid = errors.New("invalid record")
)

// Gateway is implemented by the CRUD layer. The core never reads task,
// comment or department tables beyond these four operations.
type Gateway interface {
	// StoreComment persists a comment and returns its generated id.
	StoreComment(ctx context.Context, c Comment) (string, error)
	// LogTaskUpdate appends a task update to the durable update log.
	LogTaskUpdate(ctx context.Context, taskID, userID string, payload json.RawMessage) error
	// LookupUserByHandle resolves an @handle by exact, then partial match.
	// ok is false when no user matches.
	LookupUserByHandle(ctx context.Context, handle string) (id Identity, ok bool, err error)
	// QueueNotification stores a notification for later delivery.
	QueueNotification(ctx context.Context, n Notification) error
}

// Identity is a user known to the directory.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type Comment struct {
	ID        string    `json:"id,omitempty"`
	TaskID    string    `json:"task_id" validate:"required"`
	UserID    string    `json:"user_id,omitempty"`
	UserEmail string    `json:"user_email,omitempty"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text" validate:"required"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationType string

const (
	NotificationMention    NotificationType = "mention"
	NotificationTaskUpdate NotificationType = "task_update"
	NotificationDirect     NotificationType = "direct"
)

type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	RecipientID string           `json:"recipientId,omitempty"`
	SenderID    string           `json:"senderId"`
	TaskID      string           `json:"taskId,omitempty"`
	CommentID   string           `json:"commentId,omitempty"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Timestamp   time.Time        `json:"timestamp"`
}
