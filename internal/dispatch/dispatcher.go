// Package dispatch is the real-time core: one event loop that owns every
// connection's session, routes inbound frames through the engine and fans
// the results out through the registry, room directory and presence tracker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-taskhub/internal/engine"
	"github.com/a-essam23/go-taskhub/internal/mention"
	"github.com/a-essam23/go-taskhub/internal/metrics"
	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/protocol"
	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrStopped       = errors.New("dispatcher stopped")
	ErrAuthTimeout   = errors.New("authentication timeout")
	ErrSessionCycled = errors.New("connection replaced by a newer login")
)

// SessionPolicy decides what a second login of the same user does.
type SessionPolicy string

const (
	// PolicyKeep leaves older connections open as secondary receivers.
	PolicyKeep SessionPolicy = "keep"
	// PolicyCycle closes the user's older connections.
	PolicyCycle SessionPolicy = "cycle"
	// PolicyReject refuses the new login.
	PolicyReject SessionPolicy = "reject"
)

type Config struct {
	Workers        int
	InboxSize      int
	GatewayTimeout time.Duration
	// AuthTimeout closes connections that have not authenticated in time;
	// 0 disables it.
	AuthTimeout   time.Duration
	SessionPolicy SessionPolicy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 5 * time.Second
	}
	if c.SessionPolicy == "" {
		c.SessionPolicy = PolicyKeep
	}
	return c
}

// Deps are the services the dispatcher drives. Routes are registered into
// Engine by New.
type Deps struct {
	Registry  *statemanager.Registry
	Rooms     *statemanager.RoomDirectory
	Presence  *statemanager.PresenceTracker
	Gateway   gateway.Gateway
	Mentions  *mention.Resolver
	Engine    *engine.Registry
	Pipelines map[string][]pipeline.Step
	Frames    *protocol.Frames
	Metrics   *metrics.Metrics
}

// inbox events
type (
	frameEvent struct {
		connID uuid.UUID
		raw    []byte
	}
	closeEvent struct {
		connID uuid.UUID
		reason error
	}
	resumeEvent struct {
		connID    uuid.UUID
		eventType string
		reply     state.Sender
		// fn is nil for fire-and-forget jobs.
		fn func() error
	}
	callEvent struct {
		fn   func()
		done chan struct{}
	}
	authDeadlineEvent struct {
		connID uuid.UUID
	}
)

type inflight struct {
	eventType string
	span      trace.Span
	start     time.Time
	err       error
}

// session is the loop-owned state of one connection.
type session struct {
	conn   *state.Connection
	logger *slog.Logger

	pending   int
	backlog   [][]byte
	current   *inflight
	authTimer *time.Timer
}

type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	registry *statemanager.Registry
	rooms    *statemanager.RoomDirectory
	presence *statemanager.PresenceTracker
	gateway  gateway.Gateway
	mentions *mention.Resolver
	engine   *engine.Engine
	frames   *protocol.Frames
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	pool     *WorkerPool
	now      func() time.Time

	inbox   chan any
	stopped chan struct{}
	done    chan struct{}

	// loop-owned
	runCtx   context.Context
	sessions map[uuid.UUID]*session
	jobs     int
}

func New(logger *slog.Logger, deps Deps, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	logger = logger.With(slog.String("component", "dispatcher"))
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	}

	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		registry: deps.Registry,
		rooms:    deps.Rooms,
		presence: deps.Presence,
		gateway:  deps.Gateway,
		mentions: deps.Mentions,
		engine:   engine.NewEngine(logger, deps.Engine, deps.Pipelines, deps.Frames),
		frames:   deps.Frames,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("github.com/a-essam23/go-taskhub/internal/dispatch"),
		pool:     NewWorkerPool(WorkerPoolConfig{WorkerCount: cfg.Workers}, logger),
		now:      time.Now,
		inbox:    make(chan any, cfg.InboxSize),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		sessions: make(map[uuid.UUID]*session),
	}
	d.registerRoutes(deps.Engine)
	return d
}

// Run processes events until ctx is cancelled, then lets in-flight gateway
// jobs finish. Their continuations are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.runCtx = ctx
	d.pool.Start(ctx)
	d.logger.Info("Dispatch loop started", slog.Int("workers", d.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			close(d.stopped)
			d.pool.Stop()
			for _, s := range d.sessions {
				if s.authTimer != nil {
					s.authTimer.Stop()
				}
				if s.current != nil {
					s.current.span.End()
				}
			}
			d.logger.Info("Dispatch loop stopped", slog.Int("sessions", len(d.sessions)))
			return
		case ev := <-d.inbox:
			d.handle(ev)
		}
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) post(ev any) bool {
	select {
	case d.inbox <- ev:
		return true
	case <-d.stopped:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (d *Dispatcher) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !d.post(callEvent{fn: fn, done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open registers a new transport connection under connID and sends the
// welcome frame. It returns once the connection is known to the loop, so
// frames delivered afterwards are never seen before it.
func (d *Dispatcher) Open(ctx context.Context, connID uuid.UUID, sender state.Sender, ip, verifiedSubject string) error {
	return d.call(ctx, func() { d.open(connID, sender, ip, verifiedSubject) })
}

// HandleMessage queues an inbound frame. It blocks while the inbox is full.
func (d *Dispatcher) HandleMessage(_ context.Context, connID uuid.UUID, msg []byte) {
	d.post(frameEvent{connID: connID, raw: msg})
}

// HandleClose queues the cleanup of a closed transport.
func (d *Dispatcher) HandleClose(connID uuid.UUID, reason error) {
	d.post(closeEvent{connID: connID, reason: reason})
}

func (d *Dispatcher) handle(ev any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic in dispatch loop", slog.String("panic", fmt.Sprint(r)), slog.String("event", fmt.Sprintf("%T", ev)))
		}
	}()

	switch e := ev.(type) {
	case frameEvent:
		d.onFrame(e)
	case closeEvent:
		d.onClose(e)
	case resumeEvent:
		d.onResume(e)
	case authDeadlineEvent:
		d.onAuthDeadline(e)
	case callEvent:
		e.fn()
		close(e.done)
	default:
		d.logger.Error("Unknown inbox event", slog.String("event", fmt.Sprintf("%T", ev)))
	}
}

func (d *Dispatcher) open(connID uuid.UUID, sender state.Sender, ip, verifiedSubject string) {
	if _, exists := d.sessions[connID]; exists {
		d.logger.Error("Connection opened twice", slog.String("connID", connID.String()))
		return
	}
	conn := d.registry.RegisterWithID(connID, sender, ip)
	conn.VerifiedSubject = verifiedSubject

	s := &session{
		conn:   conn,
		logger: d.logger.With(slog.String("connID", connID.String())),
	}
	if d.cfg.AuthTimeout > 0 {
		s.authTimer = time.AfterFunc(d.cfg.AuthTimeout, func() {
			d.post(authDeadlineEvent{connID: connID})
		})
	}
	d.sessions[connID] = s
	d.metrics.ConnectionOpened()

	sender.Send(d.frames.System("connected", connID.String()))
	s.logger.Debug("Session opened", slog.String("ip", ip))
}

func (d *Dispatcher) onFrame(e frameEvent) {
	s, ok := d.sessions[e.connID]
	if !ok {
		d.logger.Debug("Dropping frame for unknown connection", slog.String("connID", e.connID.String()))
		return
	}
	if s.pending > 0 {
		s.backlog = append(s.backlog, e.raw)
		return
	}
	d.process(s, e.raw)
}

// process handles one frame. If the handler parks the session on a gateway
// call, the frame completes in onResume.
func (d *Dispatcher) process(s *session, raw []byte) {
	start := time.Now()
	eventType, err := protocol.DecodeType(raw)
	if err != nil {
		err = engine.Protocolf("%v", err)
		s.conn.Transport.Send(d.engine.ErrorFrame(err, eventType))
		code, _, _ := engine.Classify(err)
		d.metrics.FrameHandled("invalid", code, time.Since(start))
		return
	}

	ctx, span := d.tracer.Start(d.runCtx, "dispatch "+eventType, trace.WithAttributes(
		attribute.String("taskhub.frame.type", eventType),
		attribute.String("taskhub.conn.id", s.conn.ID.String()),
	))
	s.current = &inflight{eventType: eventType, span: span, start: start}

	pctx := &pipeline.Cargo{
		Logger:    s.logger.With(slog.String("type", eventType)),
		Ctx:       ctx,
		Conn:      s.conn,
		EventType: eventType,
		Payload:   raw,
	}
	if err := d.engine.Execute(pctx); err != nil {
		d.fail(s.conn.Transport, err, eventType)
		s.current.err = err
	}
	if s.pending == 0 {
		d.finish(s)
	}
}

func (d *Dispatcher) fail(reply state.Sender, err error, eventType string) {
	d.logger.Debug("Frame rejected", slog.String("type", eventType), slog.Any("error", err))
	reply.Send(d.engine.ErrorFrame(err, eventType))
}

// finish completes the current frame and resumes the backlog.
func (d *Dispatcher) finish(s *session) {
	if cur := s.current; cur != nil {
		code := "ok"
		if cur.err != nil {
			code, _, _ = engine.Classify(cur.err)
			cur.span.RecordError(cur.err)
			cur.span.SetStatus(codes.Error, code)
		}
		cur.span.End()
		d.metrics.FrameHandled(cur.eventType, code, time.Since(cur.start))
		s.current = nil
	}
	for s.pending == 0 && len(s.backlog) > 0 {
		raw := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		d.process(s, raw)
	}
}

// await runs work on the worker pool and then continues with then on the
// loop. The session stays parked, queueing later frames, until every await
// started for the frame has continued. An error returned by then is
// replied to the sender.
func (d *Dispatcher) await(pctx *pipeline.Cargo, op string, work func(ctx context.Context) error, then func(err error) error) {
	connID := pctx.Conn.ID
	if s, ok := d.sessions[connID]; ok {
		s.pending++
	}
	d.jobs++

	resume := func(err error) resumeEvent {
		return resumeEvent{
			connID:    connID,
			eventType: pctx.EventType,
			reply:     pctx.Conn.Transport,
			fn:        func() error { return then(err) },
		}
	}

	submitted := d.pool.Submit(func(ctx context.Context) {
		callCtx, cancel := context.WithTimeout(pctx.Ctx, d.cfg.GatewayTimeout)
		start := time.Now()
		err := work(callCtx)
		cancel()
		d.metrics.GatewayCall(op, err, time.Since(start))
		if err != nil {
			err = fmt.Errorf("%s: %w", op, err)
		}
		d.post(resume(err))
	})
	if !submitted {
		d.onResume(resume(ErrStopped))
	}
}

// background runs work on the pool with nothing waiting on it.
func (d *Dispatcher) background(op string, work func(ctx context.Context) error) {
	d.jobs++
	submitted := d.pool.Submit(func(ctx context.Context) {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.GatewayTimeout)
		start := time.Now()
		err := work(callCtx)
		cancel()
		d.metrics.GatewayCall(op, err, time.Since(start))
		if err != nil {
			d.logger.Warn("Background gateway call failed", slog.String("op", op), slog.Any("error", err))
		}
		d.post(resumeEvent{})
	})
	if !submitted {
		d.jobs--
		d.logger.Warn("Dropped background gateway call", slog.String("op", op))
	}
}

func (d *Dispatcher) onResume(e resumeEvent) {
	d.jobs--
	if e.fn == nil {
		return
	}

	err := e.fn()
	s, ok := d.sessions[e.connID]
	if err != nil {
		d.fail(e.reply, err, e.eventType)
		if ok && s.current != nil {
			s.current.err = err
		}
	}
	if !ok {
		return
	}
	s.pending--
	if s.pending == 0 {
		d.finish(s)
	}
}

// onClose runs the cleanup cascade: leave every room the connection holds,
// drop it from the registry, and mark the user offline when it was their
// last connection.
func (d *Dispatcher) onClose(e closeEvent) {
	s, ok := d.sessions[e.connID]
	if ok {
		delete(d.sessions, e.connID)
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		if s.current != nil && s.pending > 0 {
			s.current.span.AddEvent("connection closed while awaiting gateway")
		}
		d.metrics.ConnectionClosed()
	}

	conn, found := d.registry.Get(e.connID)
	if !found {
		return
	}
	userID := conn.UserID()
	var left []string
	if conn.Authenticated() {
		left = d.rooms.LeaveAll(userID, e.connID)
	}
	d.registry.Deregister(e.connID)
	if conn.Authenticated() && len(d.registry.ConnectionsForUser(userID)) == 0 {
		d.presence.SetStatus(userID, state.StatusOffline, "")
	}

	d.logger.Info("Session closed",
		slog.String("connID", e.connID.String()),
		slog.String("userID", userID),
		slog.Int("roomsLeft", len(left)),
		slog.Any("reason", e.reason))
}

func (d *Dispatcher) onAuthDeadline(e authDeadlineEvent) {
	s, ok := d.sessions[e.connID]
	if !ok || s.conn.Authenticated() {
		return
	}
	s.logger.Info("Closing connection that never authenticated", slog.Duration("timeout", d.cfg.AuthTimeout))
	s.conn.Transport.Send(d.frames.Error(engine.CodeAuthRequired, ErrAuthTimeout.Error(), "", ""))
	// Close may wait on the close handshake; keep the loop free.
	go s.conn.Transport.Close(ErrAuthTimeout)
}

// settled reports whether no frame or gateway job is outstanding. Loop only.
func (d *Dispatcher) settled() bool {
	if d.jobs > 0 || len(d.inbox) > 0 {
		return false
	}
	for _, s := range d.sessions {
		if s.pending > 0 || len(s.backlog) > 0 {
			return false
		}
	}
	return true
}
