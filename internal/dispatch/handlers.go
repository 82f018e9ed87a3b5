package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/a-essam23/go-taskhub/internal/engine"
	"github.com/a-essam23/go-taskhub/internal/mention"
	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/protocol"
	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

func (d *Dispatcher) registerRoutes(reg *engine.Registry) {
	reg.RegisterRoute(protocol.TypeAuthenticate, engine.Route{Handler: d.handleAuthenticate, Public: true})
	reg.RegisterRoute(protocol.TypeJoinRoom, engine.Route{Handler: d.handleJoinRoom})
	reg.RegisterRoute(protocol.TypeLeaveRoom, engine.Route{Handler: d.handleLeaveRoom})
	reg.RegisterRoute(protocol.TypeTaskUpdate, engine.Route{Handler: d.handleTaskUpdate})
	reg.RegisterRoute(protocol.TypeCommentNew, engine.Route{Handler: d.handleCommentNew})
	reg.RegisterRoute(protocol.TypeNotificationSend, engine.Route{Handler: d.handleNotificationSend})
	reg.RegisterRoute(protocol.TypeTyping, engine.Route{Handler: d.handleTyping})
	reg.RegisterRoute(protocol.TypeStatusUpdate, engine.Route{Handler: d.handleStatusUpdate})
}

func (d *Dispatcher) handleAuthenticate(pctx *pipeline.Cargo) error {
	conn := pctx.Conn
	if conn.Authenticated() {
		return state.ErrAlreadyAuthenticated
	}
	var req protocol.Authenticate
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}

	others := d.registry.ConnectionsForUser(req.UserID)
	if d.cfg.SessionPolicy == PolicyReject && len(others) > 0 {
		return fmt.Errorf("user '%s' already has a live connection: %w", req.UserID, state.ErrAlreadyAuthenticated)
	}
	if _, err := d.registry.BindIdentity(conn.ID, req.UserID, req.Email); err != nil {
		return err
	}
	if s, ok := d.sessions[conn.ID]; ok && s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	if d.cfg.SessionPolicy == PolicyCycle {
		for _, old := range others {
			pctx.Logger.Info("Cycling connection: closing older login",
				slog.String("userID", req.UserID),
				slog.String("oldConnID", old.ID.String()))
			go old.Transport.Close(ErrSessionCycled)
		}
	}

	d.presence.SetStatus(req.UserID, state.StatusOnline, "")
	conn.Transport.Send(d.frames.Authenticated(req.UserID, req.Email))
	pctx.Logger.Info("Connection authenticated", slog.String("userID", req.UserID))
	return nil
}

func (d *Dispatcher) handleJoinRoom(pctx *pipeline.Cargo) error {
	var req protocol.RoomRequest
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}
	d.rooms.Join(req.TaskID, pctx.UserID(), pctx.Conn.ID)
	return nil
}

func (d *Dispatcher) handleLeaveRoom(pctx *pipeline.Cargo) error {
	var req protocol.RoomRequest
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}
	d.rooms.Leave(req.TaskID, pctx.UserID())
	return nil
}

func (d *Dispatcher) handleTyping(pctx *pipeline.Cargo) error {
	var req protocol.Typing
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}
	d.presence.SetTyping(pctx.UserID(), req.TaskID, req.IsTyping, pctx.Conn.ID)
	return nil
}

func (d *Dispatcher) handleStatusUpdate(pctx *pipeline.Cargo) error {
	var req protocol.StatusUpdate
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}
	d.presence.SetStatus(pctx.UserID(), state.Status(req.Status), req.CurrentTaskID)
	return nil
}

// handleTaskUpdate logs the update, then tells the room and the task's
// other owners. Nothing is broadcast if the log write fails.
func (d *Dispatcher) handleTaskUpdate(pctx *pipeline.Cargo) error {
	var req protocol.TaskUpdate
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}
	task := gjson.ParseBytes(req.Task)
	if !task.IsObject() {
		return &engine.ValidationError{Field: "task", Tag: "object"}
	}
	taskID := taskIDOf(task)
	if taskID == "" {
		return &engine.ValidationError{Field: "task.task_id"}
	}

	userID := pctx.UserID()
	connID := pctx.Conn.ID
	payload := req.Task

	d.await(pctx, "log_task_update", func(ctx context.Context) error {
		return d.gateway.LogTaskUpdate(ctx, taskID, userID, payload)
	}, func(err error) error {
		if err != nil {
			return engine.Persistence("save task update", err)
		}
		n := d.rooms.Broadcast(taskID, d.frames.TaskUpdated(taskID, payload, userID), connID)
		pctx.Logger.Debug("Task update broadcast", slog.String("taskID", taskID), slog.Int("recipients", n))

		title := taskTitle(task)
		for _, owner := range parseOwners(task.Get("owner")) {
			if owner == userID {
				continue
			}
			d.notify(gateway.Notification{
				ID:          uuid.NewString(),
				Type:        gateway.NotificationTaskUpdate,
				RecipientID: owner,
				SenderID:    userID,
				TaskID:      taskID,
				Title:       "Task updated",
				Message:     fmt.Sprintf("%s updated %s", userID, title),
				Timestamp:   d.now().UTC(),
			})
		}
		return nil
	})
	return nil
}

// handleCommentNew stores the comment, broadcasts it with its generated id
// and notifies every mentioned user.
func (d *Dispatcher) handleCommentNew(pctx *pipeline.Cargo) error {
	var req protocol.CommentNew
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}

	conn := pctx.Conn
	c := *req.Comment
	c.ID = ""
	c.UserID = conn.Identity.UserID
	c.UserEmail = conn.Identity.Email
	if c.Author == "" {
		c.Author = c.UserEmail
	}
	if c.Author == "" {
		c.Author = c.UserID
	}
	c.CreatedAt = d.now().UTC()

	var commentID string
	d.await(pctx, "store_comment", func(ctx context.Context) error {
		id, err := d.gateway.StoreComment(ctx, c)
		commentID = id
		return err
	}, func(err error) error {
		if err != nil {
			return engine.Persistence("save comment", err)
		}
		c.ID = commentID
		frame := d.frames.CommentCreated(c)
		d.rooms.Broadcast(c.TaskID, frame, uuid.Nil)
		// The author learns the generated id even outside the room.
		if bound, ok := d.rooms.MemberConnection(c.TaskID, c.UserID); !ok || bound != conn.ID {
			conn.Transport.Send(frame)
		}
		d.fanOutMentions(pctx, c)
		return nil
	})
	return nil
}

func (d *Dispatcher) fanOutMentions(pctx *pipeline.Cargo, c gateway.Comment) {
	if len(mention.Extract(c.Text)) == 0 {
		return
	}
	var resolved []gateway.Identity
	d.await(pctx, "resolve_mentions", func(ctx context.Context) error {
		resolved = d.mentions.ResolveText(ctx, c.Text, c.UserID)
		return nil
	}, func(error) error {
		for _, id := range resolved {
			d.notify(gateway.Notification{
				ID:          uuid.NewString(),
				Type:        gateway.NotificationMention,
				RecipientID: id.UserID,
				SenderID:    c.UserID,
				TaskID:      c.TaskID,
				CommentID:   c.ID,
				Title:       "You were mentioned",
				Message:     fmt.Sprintf("%s mentioned you: %s", c.Author, c.Text),
				Timestamp:   d.now().UTC(),
			})
		}
		pctx.Logger.Debug("Mentions fanned out", slog.Int("count", len(resolved)))
		return nil
	})
}

// handleNotificationSend delivers live when the recipient is connected and
// queues through the gateway otherwise. Without a recipient the
// notification goes to every other connection.
func (d *Dispatcher) handleNotificationSend(pctx *pipeline.Cargo) error {
	var req protocol.NotificationSend
	if err := engine.Bind(pctx.Payload, &req); err != nil {
		return err
	}
	r := req.Notification
	typ := gateway.NotificationType(r.Type)
	if typ == "" {
		typ = gateway.NotificationDirect
	}
	n := gateway.Notification{
		ID:          uuid.NewString(),
		Type:        typ,
		RecipientID: r.RecipientID,
		SenderID:    pctx.UserID(),
		TaskID:      r.TaskID,
		CommentID:   r.CommentID,
		Title:       r.Title,
		Message:     r.Message,
		Timestamp:   d.now().UTC(),
	}

	if n.RecipientID == "" {
		sent := d.registry.BroadcastAll(d.frames.NotificationBroadcast(n), pctx.Conn.ID)
		d.metrics.Notification(string(n.Type), "broadcast")
		pctx.Logger.Debug("Notification broadcast", slog.Int("recipients", sent))
		return nil
	}
	if d.deliverLive(n) {
		return nil
	}
	d.await(pctx, "queue_notification", func(ctx context.Context) error {
		return d.gateway.QueueNotification(ctx, n)
	}, func(err error) error {
		if err != nil {
			return engine.Persistence("queue notification", err)
		}
		d.metrics.Notification(string(n.Type), "queued")
		return nil
	})
	return nil
}

// notify delivers n live or queues it without waiting.
func (d *Dispatcher) notify(n gateway.Notification) {
	if d.deliverLive(n) {
		return
	}
	d.metrics.Notification(string(n.Type), "queued")
	d.background("queue_notification", func(ctx context.Context) error {
		return d.gateway.QueueNotification(ctx, n)
	})
}

// deliverLive sends n to every connection of the recipient and reports
// whether any accepted it.
func (d *Dispatcher) deliverLive(n gateway.Notification) bool {
	conns := d.registry.ConnectionsForUser(n.RecipientID)
	if len(conns) == 0 {
		return false
	}
	frame := d.frames.NotificationReceived(n)
	delivered := false
	for _, c := range conns {
		if c.Transport.Send(frame) {
			delivered = true
		}
	}
	if delivered {
		d.metrics.Notification(string(n.Type), "live")
	}
	return delivered
}

func taskIDOf(task gjson.Result) string {
	for _, path := range []string{"task_id", "taskId", "id"} {
		if v := task.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func taskTitle(task gjson.Result) string {
	for _, path := range []string{"title", "action_item"} {
		if v := task.Get(path); v.Exists() && v.String() != "" {
			return fmt.Sprintf("task %q", v.String())
		}
	}
	return "task " + taskIDOf(task)
}

// parseOwners reads a comma-delimited owner list (or a JSON array),
// trimming whitespace and dropping empty and repeated entries.
func parseOwners(field gjson.Result) []string {
	var raw []string
	switch {
	case !field.Exists():
		return nil
	case field.IsArray():
		for _, v := range field.Array() {
			raw = append(raw, v.String())
		}
	default:
		raw = strings.Split(field.String(), ",")
	}

	seen := make(map[string]struct{}, len(raw))
	owners := make([]string, 0, len(raw))
	for _, o := range raw {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		owners = append(owners, o)
	}
	return owners
}
