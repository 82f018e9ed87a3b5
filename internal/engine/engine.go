package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/protocol"
	"github.com/a-essam23/go-taskhub/pkg/state"
)

// Engine routes one decoded frame through its guard, its configured
// modifiers and its handler.
type Engine struct {
	registry  *Registry
	pipelines map[string][]pipeline.Step
	frames    *protocol.Frames
	logger    *slog.Logger
}

func NewEngine(logger *slog.Logger, registry *Registry, pipelines map[string][]pipeline.Step, frames *protocol.Frames) *Engine {
	if pipelines == nil {
		pipelines = map[string][]pipeline.Step{}
	}
	return &Engine{
		registry:  registry,
		pipelines: pipelines,
		frames:    frames,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// Execute runs the handler for pctx.EventType. The returned error is meant
// for ErrorFrame; nothing has been mutated when the guard or a modifier fails.
func (e *Engine) Execute(pctx *pipeline.Cargo) error {
	route, ok := e.registry.Route(pctx.EventType)
	if !ok {
		return Protocolf("unknown message type '%s'", pctx.EventType)
	}
	if !route.Public && (pctx.Conn == nil || !pctx.Conn.Authenticated()) {
		return ErrAuthRequired
	}
	for _, step := range e.pipelines[pctx.EventType] {
		if err := step.Function(pctx, step.Params...); err != nil {
			return fmt.Errorf("modifier '%s': %w", step.Name, err)
		}
	}
	return route.Handler(pctx)
}

// Classify maps an error to the code, client-facing message and field of
// an error frame.
func Classify(err error) (code, message, field string) {
	var verr *ValidationError
	var perr *PersistenceError
	switch {
	case errors.As(err, &verr):
		return CodeValidation, verr.Error(), verr.Field
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired, "must authenticate before sending this message", ""
	case errors.Is(err, state.ErrAlreadyAuthenticated):
		return CodeAlreadyAuthenticated, "connection is already authenticated", ""
	case errors.As(err, &perr):
		return CodePersistence, "failed to " + perr.Op, ""
	case errors.Is(err, ErrPersistence):
		return CodePersistence, "persistence failed", ""
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited, err.Error(), ""
	case errors.Is(err, ErrForbidden):
		return CodeForbidden, "forbidden", ""
	case errors.Is(err, ErrProtocol), errors.Is(err, protocol.ErrMissingType):
		return CodeProtocol, err.Error(), ""
	default:
		return CodeInternal, "internal error", ""
	}
}

// ErrorFrame renders err as an outbound error frame for requestType.
func (e *Engine) ErrorFrame(err error, requestType string) []byte {
	code, message, field := Classify(err)
	if code == CodeInternal {
		e.logger.Error("Unclassified handler error", slog.String("type", requestType), slog.Any("error", err))
	}
	return e.frames.Error(code, message, field, requestType)
}
