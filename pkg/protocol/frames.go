package protocol

import (
	"encoding/json"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/a-essam23/go-taskhub/pkg/state"
)

// TimestampLayout is RFC 3339 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type System struct {
	Envelope
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type Authenticated struct {
	Envelope
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

type StatusChanged struct {
	Envelope
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	CurrentTaskID string `json:"currentTaskId,omitempty"`
}

// RoomEvent is user:joined_task and user:left_task.
type RoomEvent struct {
	Envelope
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

type TaskUpdated struct {
	Envelope
	TaskID    string          `json:"taskId"`
	Task      json.RawMessage `json:"task"`
	UpdatedBy string          `json:"updatedBy"`
}

type CommentCreated struct {
	Envelope
	TaskID  string          `json:"taskId"`
	Comment gateway.Comment `json:"comment"`
}

type NotificationFrame struct {
	Envelope
	Notification gateway.Notification `json:"notification"`
}

type TypingEvent struct {
	Envelope
	TaskID   string `json:"taskId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type Error struct {
	Envelope
	Code        string `json:"code"`
	Message     string `json:"message"`
	Field       string `json:"field,omitempty"`
	RequestType string `json:"requestType,omitempty"`
}

// Frames renders outbound frames stamped with the current time.
type Frames struct {
	Now func() time.Time
}

func NewFrames() *Frames {
	return &Frames{Now: time.Now}
}

var _ state.FrameBuilder = (*Frames)(nil)

func (f *Frames) envelope(typ string) Envelope {
	return Envelope{Type: typ, Timestamp: f.Now().UTC().Format(TimestampLayout)}
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with a corrupt raw payload; degrade to an error frame.
		b, _ = json.Marshal(Error{
			Envelope: Envelope{Type: TypeError, Timestamp: time.Now().UTC().Format(TimestampLayout)},
			Code:     "internal_error",
			Message:  "failed to encode frame",
		})
	}
	return b
}

func (f *Frames) System(message, connID string) []byte {
	return encode(System{Envelope: f.envelope(TypeSystem), Message: message, ConnectionID: connID})
}

func (f *Frames) Authenticated(userID, email string) []byte {
	return encode(Authenticated{Envelope: f.envelope(TypeAuthenticated), UserID: userID, Email: email})
}

func (f *Frames) StatusChanged(rec state.PresenceRecord) []byte {
	return encode(StatusChanged{
		Envelope:      f.envelope(TypeStatusChanged),
		UserID:        rec.UserID,
		Status:        string(rec.Status),
		CurrentTaskID: rec.CurrentTaskID,
	})
}

func (f *Frames) JoinedTask(taskID, userID string) []byte {
	return encode(RoomEvent{Envelope: f.envelope(TypeJoinedTask), TaskID: taskID, UserID: userID})
}

func (f *Frames) LeftTask(taskID, userID string) []byte {
	return encode(RoomEvent{Envelope: f.envelope(TypeLeftTask), TaskID: taskID, UserID: userID})
}

func (f *Frames) TaskUpdated(taskID string, task json.RawMessage, updatedBy string) []byte {
	return encode(TaskUpdated{Envelope: f.envelope(TypeTaskUpdated), TaskID: taskID, Task: task, UpdatedBy: updatedBy})
}

func (f *Frames) CommentCreated(c gateway.Comment) []byte {
	return encode(CommentCreated{Envelope: f.envelope(TypeCommentNew), TaskID: c.TaskID, Comment: c})
}

func (f *Frames) NotificationReceived(n gateway.Notification) []byte {
	return encode(NotificationFrame{Envelope: f.envelope(TypeNotificationReceived), Notification: n})
}

func (f *Frames) NotificationBroadcast(n gateway.Notification) []byte {
	return encode(NotificationFrame{Envelope: f.envelope(TypeNotificationBroadcast), Notification: n})
}

func (f *Frames) Typing(userID, taskID string, isTyping bool) []byte {
	return encode(TypingEvent{Envelope: f.envelope(TypeTyping), TaskID: taskID, UserID: userID, IsTyping: isTyping})
}

func (f *Frames) Error(code, message, field, requestType string) []byte {
	return encode(Error{
		Envelope:    f.envelope(TypeError),
		Code:        code,
		Message:     message,
		Field:       field,
		RequestType: requestType,
	})
}
