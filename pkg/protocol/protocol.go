// Package protocol defines the JSON frames exchanged over the websocket.
// Every frame is a flat object with a "type" discriminator; outbound frames
// also carry an RFC 3339 "timestamp".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/a-essam23/go-taskhub/pkg/gateway"
)

// Inbound types.
const (
	TypeAuthenticate     = "user:authenticate"
	TypeJoinRoom         = "task:join_room"
	TypeLeaveRoom        = "task:leave_room"
	TypeTaskUpdate       = "task:update"
	TypeCommentNew       = "comment:new"
	TypeNotificationSend = "notification:send"
	TypeTyping           = "user:typing"
	TypeStatusUpdate     = "user:status_update"
)

// Outbound types.
const (
	TypeSystem                = "system"
	TypeAuthenticated         = "user:authenticated"
	TypeStatusChanged         = "user:status_changed"
	TypeJoinedTask            = "user:joined_task"
	TypeLeftTask              = "user:left_task"
	TypeTaskUpdated           = "task:updated"
	TypeNotificationReceived  = "notification:received"
	TypeNotificationBroadcast = "notification:broadcast"
	TypeError                 = "error"
	// comment:new and user:typing are echoed outbound under the inbound name.
)

var ErrMissingType = errors.New("frame has no type")

// Envelope is the part every frame shares.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DecodeType reads only the discriminator of a raw frame.
func DecodeType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// --- inbound payloads ---

type Authenticate struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
}

type RoomRequest struct {
	TaskID string `json:"taskId" validate:"required"`
}

type TaskUpdate struct {
	Task json.RawMessage `json:"task" validate:"required"`
}

type CommentNew struct {
	Comment *gateway.Comment `json:"comment" validate:"required"`
}

type NotificationRequest struct {
	RecipientID string `json:"recipientId"`
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	CommentID   string `json:"commentId"`
	Title       string `json:"title"`
	Message     string `json:"message" validate:"required"`
}

type NotificationSend struct {
	Notification *NotificationRequest `json:"notification" validate:"required"`
}

type Typing struct {
	TaskID   string `json:"taskId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

type StatusUpdate struct {
	Status        string `json:"status" validate:"required,oneof=online away"`
	CurrentTaskID string `json:"currentTaskId"`
}
