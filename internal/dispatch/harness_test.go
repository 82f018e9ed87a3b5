package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-taskhub/internal/engine"
	"github.com/a-essam23/go-taskhub/internal/mention"
	"github.com/a-essam23/go-taskhub/internal/metrics"
	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/a-essam23/go-taskhub/pkg/gateway/memory"
	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/protocol"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records frames and reports closes back to the dispatcher
// the way transport.Connection does.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	closeErr error
	onClose  func(error)
}

func (f *fakeTransport) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) Close(reason error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeErr = reason
	cb := f.onClose
	f.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

func (f *fakeTransport) isClosed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeErr
}

// take returns the decoded frames received so far and clears them.
func (f *fakeTransport) take(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, raw := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	f.frames = nil
	return out
}

func ofType(frames []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func types(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

// flakyGateway fails the selected writes.
type flakyGateway struct {
	*memory.Gateway
	mu        sync.Mutex
	failStore bool
	failLog   bool
	failQueue bool
	// hold, when set, parks comment and task-update writes until closed.
	hold chan struct{}
}

var errDown = errors.New("database down")

func (g *flakyGateway) wait(ctx context.Context) error {
	g.mu.Lock()
	hold := g.hold
	g.mu.Unlock()
	if hold == nil {
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *flakyGateway) StoreComment(ctx context.Context, c gateway.Comment) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	g.mu.Lock()
	fail := g.failStore
	g.mu.Unlock()
	if fail {
		return "", errDown
	}
	return g.Gateway.StoreComment(ctx, c)
}

func (g *flakyGateway) LogTaskUpdate(ctx context.Context, taskID, userID string, payload json.RawMessage) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	fail := g.failLog
	g.mu.Unlock()
	if fail {
		return errDown
	}
	return g.Gateway.LogTaskUpdate(ctx, taskID, userID, payload)
}

func (g *flakyGateway) QueueNotification(ctx context.Context, n gateway.Notification) error {
	g.mu.Lock()
	fail := g.failQueue
	g.mu.Unlock()
	if fail {
		return errDown
	}
	return g.Gateway.QueueNotification(ctx, n)
}

type harness struct {
	t        *testing.T
	d        *Dispatcher
	gw       *flakyGateway
	registry *statemanager.Registry
	rooms    *statemanager.RoomDirectory
	presence *statemanager.PresenceTracker
	store    *statemanager.ModifierStore
	cancel   context.CancelFunc
}

type harnessOption func(*Config, map[string][]pipeline.Step, *engine.Registry)

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ map[string][]pipeline.Step, _ *engine.Registry) { fn(c) }
}

func withModifier(eventType, name string, params ...string) harnessOption {
	return func(_ *Config, p map[string][]pipeline.Step, reg *engine.Registry) {
		fn, ok := reg.GetModifierFunc(name)
		if !ok {
			panic("unknown modifier " + name)
		}
		p[eventType] = append(p[eventType], pipeline.Step{Name: name, Function: fn, Params: params})
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := newTestLogger()
	frames := protocol.NewFrames()

	registry := statemanager.NewRegistry(logger)
	rooms := statemanager.NewRoomDirectory(logger, registry, frames)
	presence := statemanager.NewPresenceTracker(logger, registry, rooms, frames)
	store := statemanager.NewModifierStore(logger)

	gw := &flakyGateway{Gateway: memory.New(
		memory.User{Handle: "alice", Identity: gateway.Identity{UserID: "alice", DisplayName: "Alice"}},
		memory.User{Handle: "bob", Identity: gateway.Identity{UserID: "bob", DisplayName: "Bob"}},
		memory.User{Handle: "carol", Identity: gateway.Identity{UserID: "carol", DisplayName: "Carol"}},
	)}

	reg := engine.New(logger)
	reg.RegisterCore(&engine.RegisterCoreOptions{JWTSecret: "test-secret-0123456789", Store: store})

	cfg := Config{Workers: 2, GatewayTimeout: time.Second}
	pipelines := map[string][]pipeline.Step{}
	for _, opt := range opts {
		opt(&cfg, pipelines, reg)
	}

	d := New(logger, Deps{
		Registry:  registry,
		Rooms:     rooms,
		Presence:  presence,
		Gateway:   gw,
		Mentions:  mention.NewResolver(logger, gw),
		Engine:    reg,
		Pipelines: pipelines,
		Frames:    frames,
		Metrics:   metrics.New(metrics.WithRegistry(prometheus.NewRegistry())),
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})

	return &harness{t: t, d: d, gw: gw, registry: registry, rooms: rooms, presence: presence, store: store, cancel: cancel}
}

// open connects a transport without authenticating and drops the welcome frame.
func (h *harness) open() (*fakeTransport, uuid.UUID) {
	h.t.Helper()
	id := uuid.New()
	tr := &fakeTransport{}
	tr.onClose = func(reason error) { h.d.HandleClose(id, reason) }
	require.NoError(h.t, h.d.Open(context.Background(), id, tr, "127.0.0.1", ""))
	h.settle()
	tr.take(h.t)
	return tr, id
}

// connect opens and authenticates a transport as userID, then clears its frames.
func (h *harness) connect(userID string) (*fakeTransport, uuid.UUID) {
	h.t.Helper()
	tr, id := h.open()
	h.send(id, map[string]any{"type": "user:authenticate", "userId": userID, "email": userID + "@x.com"})
	h.settle()
	tr.take(h.t)
	return tr, id
}

func (h *harness) send(id uuid.UUID, frame map[string]any) {
	h.t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(h.t, err)
	h.d.HandleMessage(context.Background(), id, raw)
}

func (h *harness) sendRaw(id uuid.UUID, raw string) {
	h.d.HandleMessage(context.Background(), id, []byte(raw))
}

// settle waits until every queued frame and gateway job has completed.
func (h *harness) settle() {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var done bool
		require.NoError(h.t, h.d.call(context.Background(), func() { done = h.d.settled() }))
		if done {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatal("dispatcher did not settle")
}

// clearAll drops the frames received so far by every transport.
func clearAll(t *testing.T, trs ...*fakeTransport) {
	for _, tr := range trs {
		tr.take(t)
	}
}
