package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/go-taskhub/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of handlers and
 * modifiers from the dispatch loop that drives them.
 */

type Cargo struct {
	Logger    *slog.Logger
	Ctx       context.Context
	Conn      *state.Connection
	EventType string
	Payload   json.RawMessage
}

// UserID is the authenticated user of the frame's connection, or "".
func (c *Cargo) UserID() string {
	if c.Conn == nil {
		return ""
	}
	return c.Conn.UserID()
}

// HandlerFunc performs the effect of one inbound frame type.
type HandlerFunc func(pctx *Cargo) error

// ModifierFunc is a guard run before the handler; a non-nil error stops the
// frame and is reported to the sender.
type ModifierFunc func(pctx *Cargo, params ...string) error

// represents one configured modifier in an event's pipeline
type Step struct {
	Name     string
	Function ModifierFunc
	Params   []string // Raw params from YAML
}
