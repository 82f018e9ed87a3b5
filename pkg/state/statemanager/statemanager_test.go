package statemanager_test

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeSender struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (f *fakeSender) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, string(frame))
	return true
}

func (f *fakeSender) Close(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type textFrames struct{}

func (textFrames) JoinedTask(taskID, userID string) []byte {
	return []byte("joined:" + taskID + ":" + userID)
}

func (textFrames) LeftTask(taskID, userID string) []byte {
	return []byte("left:" + taskID + ":" + userID)
}

func (textFrames) StatusChanged(rec state.PresenceRecord) []byte {
	return []byte("status:" + rec.UserID + ":" + string(rec.Status))
}

func (textFrames) Typing(userID, taskID string, isTyping bool) []byte {
	return []byte(fmt.Sprintf("typing:%s:%s:%t", taskID, userID, isTyping))
}

type fixture struct {
	registry *statemanager.Registry
	rooms    *statemanager.RoomDirectory
	presence *statemanager.PresenceTracker
}

func newFixture() *fixture {
	logger := newTestLogger()
	registry := statemanager.NewRegistry(logger)
	rooms := statemanager.NewRoomDirectory(logger, registry, textFrames{})
	presence := statemanager.NewPresenceTracker(logger, registry, rooms, textFrames{})
	return &fixture{registry: registry, rooms: rooms, presence: presence}
}

func (f *fixture) connect(t *testing.T, userID string) (*state.Connection, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	conn := f.registry.Register(sender, "127.0.0.1")
	if userID != "" {
		_, err := f.registry.BindIdentity(conn.ID, userID, userID+"@example.com")
		require.NoError(t, err)
	}
	return conn, sender
}

// --- Connection Registry ---

func TestConnectionLifecycle(t *testing.T) {
	f := newFixture()
	conn, _ := f.connect(t, "")

	got, found := f.registry.Get(conn.ID)
	require.True(t, found)
	assert.Equal(t, conn.ID, got.ID)
	assert.False(t, got.Authenticated())

	removed := f.registry.Deregister(conn.ID)
	require.NotNil(t, removed)
	_, found = f.registry.Get(conn.ID)
	assert.False(t, found)
	assert.Nil(t, f.registry.Deregister(conn.ID), "second deregister is a no-op")
}

func TestBindIdentityTwiceFails(t *testing.T) {
	f := newFixture()
	conn, _ := f.connect(t, "user-1")

	_, err := f.registry.BindIdentity(conn.ID, "user-2", "other@example.com")
	require.ErrorIs(t, err, state.ErrAlreadyAuthenticated)
	assert.Equal(t, "user-1", conn.UserID(), "identity is immutable once bound")

	_, err = f.registry.BindIdentity(uuid.New(), "user-3", "")
	assert.ErrorIs(t, err, state.ErrUnknownConnection)
}

func TestLookupByUserMostRecentWins(t *testing.T) {
	f := newFixture()
	first, _ := f.connect(t, "user-1")
	time.Sleep(2 * time.Millisecond)
	second, _ := f.connect(t, "user-1")

	got, ok := f.registry.LookupByUser("user-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
	assert.Len(t, f.registry.ConnectionsForUser("user-1"), 2)

	f.registry.Deregister(second.ID)
	got, ok = f.registry.LookupByUser("user-1")
	require.True(t, ok, "lookup falls back to the remaining connection")
	assert.Equal(t, first.ID, got.ID)

	f.registry.Deregister(first.ID)
	_, ok = f.registry.LookupByUser("user-1")
	assert.False(t, ok)
	assert.Empty(t, f.registry.ConnectionsForUser("user-1"))
}

func TestBroadcastAllExcludes(t *testing.T) {
	f := newFixture()
	a, senderA := f.connect(t, "a")
	_, senderB := f.connect(t, "b")
	_, senderC := f.connect(t, "")

	n := f.registry.BroadcastAll([]byte("hello"), a.ID)
	assert.Equal(t, 2, n)
	assert.Empty(t, senderA.Frames())
	assert.Equal(t, []string{"hello"}, senderB.Frames())
	assert.Equal(t, []string{"hello"}, senderC.Frames())
	assert.Equal(t, 3, f.registry.CountByIP("127.0.0.1"))
}

// --- Room Directory ---

func TestRoomMembership(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(t, "user-room-1")
	c2, s2 := f.connect(t, "user-room-2")

	f.rooms.Join("T-1", "user-room-1", c1.ID)
	assert.Empty(t, s1.Frames(), "joining an empty room notifies nobody")

	f.rooms.Join("T-1", "user-room-2", c2.ID)
	assert.Equal(t, []string{"joined:T-1:user-room-2"}, s1.Frames())
	assert.Empty(t, s2.Frames(), "the joining connection is not notified")
	assert.Equal(t, []string{"user-room-1", "user-room-2"}, f.rooms.Members("T-1"))
	assert.Contains(t, c1.Rooms, "T-1")

	require.True(t, f.rooms.Leave("T-1", "user-room-1"))
	assert.Equal(t, []string{"left:T-1:user-room-1"}, s2.Frames())
	assert.Equal(t, []string{"user-room-2"}, f.rooms.Members("T-1"))
	assert.NotContains(t, c1.Rooms, "T-1")

	// Test empty room cleanup
	f.rooms.Leave("T-1", "user-room-2")
	assert.Equal(t, 0, f.rooms.RoomCount())
	assert.False(t, f.rooms.Leave("T-1", "user-room-2"))
}

func TestRejoinReplacesConnection(t *testing.T) {
	f := newFixture()
	old, _ := f.connect(t, "user-a")
	newer, _ := f.connect(t, "user-a")

	f.rooms.Join("T-1", "user-a", old.ID)
	f.rooms.Join("T-1", "user-a", newer.ID)

	assert.Equal(t, []string{"user-a"}, f.rooms.Members("T-1"))
	bound, ok := f.rooms.MemberConnection("T-1", "user-a")
	require.True(t, ok)
	assert.Equal(t, newer.ID, bound)
	assert.NotContains(t, old.Rooms, "T-1")

	// the old connection closing must not tear down the newer binding
	assert.Empty(t, f.rooms.LeaveAll("user-a", old.ID))
	assert.Equal(t, []string{"user-a"}, f.rooms.Members("T-1"))
}

func TestLeaveAllNotifiesEveryRoom(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "a")
	b, sb := f.connect(t, "b")
	c, sc := f.connect(t, "c")

	f.rooms.Join("T-1", "a", a.ID)
	f.rooms.Join("T-2", "a", a.ID)
	f.rooms.Join("T-1", "b", b.ID)
	f.rooms.Join("T-2", "c", c.ID)

	left := f.rooms.LeaveAll("a", a.ID)
	assert.Equal(t, []string{"T-1", "T-2"}, left)
	assert.Contains(t, sb.Frames(), "left:T-1:a")
	assert.Contains(t, sc.Frames(), "left:T-2:a")
	assert.Equal(t, []string{"b"}, f.rooms.Members("T-1"))
	assert.Equal(t, []string{"c"}, f.rooms.Members("T-2"))
}

func TestBroadcastEmptyRoomIsNoop(t *testing.T) {
	f := newFixture()
	assert.Equal(t, 0, f.rooms.Broadcast("nobody-here", []byte("x"), uuid.Nil))
}

// --- Presence Tracker ---

func TestPresenceStatusBroadcastsGlobally(t *testing.T) {
	f := newFixture()
	_, sa := f.connect(t, "a")
	_, sb := f.connect(t, "")

	rec := f.presence.SetStatus("a", state.StatusOnline, "T-9")
	assert.Equal(t, state.StatusOnline, rec.Status)
	assert.Equal(t, []string{"status:a:online"}, sa.Frames())
	assert.Equal(t, []string{"status:a:online"}, sb.Frames())

	got, ok := f.presence.Get("a")
	require.True(t, ok)
	assert.Equal(t, "T-9", got.CurrentTaskID)
}

func TestPresenceListActiveExcludesOffline(t *testing.T) {
	f := newFixture()
	f.presence.SetStatus("b", state.StatusAway, "")
	f.presence.SetStatus("a", state.StatusOnline, "")
	f.presence.SetStatus("c", state.StatusOnline, "")
	f.presence.SetStatus("c", state.StatusOffline, "")

	active := f.presence.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].UserID)
	assert.Equal(t, "b", active[1].UserID)

	rec, ok := f.presence.Get("c")
	require.True(t, ok, "offline records are kept")
	assert.Equal(t, state.StatusOffline, rec.Status)
}

func TestPresenceTypingIsRoomScoped(t *testing.T) {
	f := newFixture()
	a, sa := f.connect(t, "a")
	b, sb := f.connect(t, "b")
	_, sc := f.connect(t, "c")
	f.rooms.Join("T-1", "a", a.ID)
	f.rooms.Join("T-1", "b", b.ID)

	f.presence.SetTyping("a", "T-1", true, a.ID)

	assert.Contains(t, sb.Frames(), "typing:T-1:a:true")
	assert.NotContains(t, sa.Frames(), "typing:T-1:a:true")
	assert.Empty(t, sc.Frames())

	rec, ok := f.presence.Get("a")
	require.True(t, ok)
	assert.True(t, rec.Typing)
	assert.Equal(t, "T-1", rec.TypingTaskID)

	f.presence.SetTyping("a", "T-1", false, a.ID)
	rec, _ = f.presence.Get("a")
	assert.False(t, rec.Typing)
	assert.Empty(t, rec.TypingTaskID)
}

// --- Modifier State ---

func TestModifierState_SetGetDelete(t *testing.T) {
	m := statemanager.NewModifierStore(newTestLogger())
	m.Set("test_mod", "user1", "event1", &state.ModifierState{Value: "hello world"})

	got, found := m.Get("test_mod", "user1", "event1")
	require.True(t, found)
	assert.Equal(t, "hello world", got.Value)

	m.Delete("test_mod", "user1", "event1")
	_, found = m.Get("test_mod", "user1", "event1")
	assert.False(t, found)
}

func TestModifierState_SetStopsPreviousTimer(t *testing.T) {
	m := statemanager.NewModifierStore(newTestLogger())
	var mu sync.Mutex
	fired := false
	timer := time.AfterFunc(20*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	m.Set("rate_limit", "user1", "event1", &state.ModifierState{Value: 1, Timer: timer})
	m.Set("rate_limit", "user1", "event1", &state.ModifierState{Value: 2})
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired, "overwriting an entry stops its timer")
}

func TestModifierState_Concurrency(t *testing.T) {
	m := statemanager.NewModifierStore(newTestLogger())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user" + strconv.Itoa(i%10)
			m.Update("counter", userID, "event", func(st *state.ModifierState) *state.ModifierState {
				if st == nil {
					return &state.ModifierState{Value: 1}
				}
				st.Value = st.Value.(int) + 1
				return st
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		st, ok := m.Get("counter", "user"+strconv.Itoa(i), "event")
		require.True(t, ok)
		assert.Equal(t, 10, st.Value)
	}
}
