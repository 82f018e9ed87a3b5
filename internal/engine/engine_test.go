package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/protocol"
	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "engine-test-secret-0123"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConn(userID string) *state.Connection {
	c := &state.Connection{ID: uuid.New()}
	if userID != "" {
		c.Identity = &state.Identity{UserID: userID}
	}
	return c
}

func cargo(conn *state.Connection, eventType, payload string) *pipeline.Cargo {
	return &pipeline.Cargo{
		Logger:    newTestLogger(),
		Ctx:       context.Background(),
		Conn:      conn,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
	}
}

func TestBindReportsJSONFieldPath(t *testing.T) {
	var room protocol.RoomRequest
	err := Bind(json.RawMessage(`{"type":"task:join_room"}`), &room)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "taskId", verr.Field)
	assert.Equal(t, "required", verr.Tag)

	var comment protocol.CommentNew
	err = Bind(json.RawMessage(`{"comment":{"task_id":"T-1"}}`), &comment)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "comment.text", verr.Field)

	var status protocol.StatusUpdate
	err = Bind(json.RawMessage(`{"status":"sleeping"}`), &status)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
	assert.Equal(t, "oneof", verr.Tag)

	err = Bind(json.RawMessage(`{"taskId":42}`), &room)
	assert.ErrorIs(t, err, ErrProtocol)

	require.NoError(t, Bind(json.RawMessage(`{"taskId":"T-1"}`), &room))
	assert.Equal(t, "T-1", room.TaskID)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		code  string
		field string
	}{
		{Protocolf("bad"), CodeProtocol, ""},
		{protocol.ErrMissingType, CodeProtocol, ""},
		{ErrAuthRequired, CodeAuthRequired, ""},
		{&ValidationError{Field: "taskId"}, CodeValidation, "taskId"},
		{fmt.Errorf("wrapped: %w", &ValidationError{Field: "x", Tag: "email"}), CodeValidation, "x"},
		{Persistence("save comment", errors.New("down")), CodePersistence, ""},
		{fmt.Errorf("user busy: %w", state.ErrAlreadyAuthenticated), CodeAlreadyAuthenticated, ""},
		{fmt.Errorf("modifier 'rate_limit': %w", ErrRateLimited), CodeRateLimited, ""},
		{ErrForbidden, CodeForbidden, ""},
		{errors.New("boom"), CodeInternal, ""},
	}
	for _, tt := range tests {
		code, msg, field := Classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.field, field)
		assert.NotEmpty(t, msg)
	}

	_, msg, _ := Classify(Persistence("save comment", errors.New("secret dsn")))
	assert.NotContains(t, msg, "secret dsn", "gateway detail stays in the logs")
}

func TestExecuteGuardsAndPipeline(t *testing.T) {
	reg := New(newTestLogger())
	var ran []string
	reg.RegisterRoute("open", Route{Public: true, Handler: func(*pipeline.Cargo) error {
		ran = append(ran, "open")
		return nil
	}})
	reg.RegisterRoute("closed", Route{Handler: func(*pipeline.Cargo) error {
		ran = append(ran, "closed")
		return nil
	}})
	reg.RegisterModifier("trace", func(pctx *pipeline.Cargo, params ...string) error {
		ran = append(ran, "trace:"+params[0])
		return nil
	})
	reg.RegisterModifier("deny", func(*pipeline.Cargo, ...string) error { return ErrForbidden })
	trace, _ := reg.GetModifierFunc("trace")
	deny, _ := reg.GetModifierFunc("deny")

	eng := NewEngine(newTestLogger(), reg, map[string][]pipeline.Step{
		"closed": {{Name: "trace", Function: trace, Params: []string{"a"}}, {Name: "trace", Function: trace, Params: []string{"b"}}},
		"open":   {{Name: "deny", Function: deny}},
	}, protocol.NewFrames())

	err := eng.Execute(cargo(newConn(""), "missing", `{}`))
	assert.ErrorIs(t, err, ErrProtocol)

	err = eng.Execute(cargo(newConn(""), "closed", `{}`))
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Empty(t, ran, "the guard runs before any modifier")

	require.NoError(t, eng.Execute(cargo(newConn("A"), "closed", `{}`)))
	assert.Equal(t, []string{"trace:a", "trace:b", "closed"}, ran)

	err = eng.Execute(cargo(newConn(""), "open", `{}`))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorContains(t, err, "modifier 'deny'")
	assert.Equal(t, []string{"trace:a", "trace:b", "closed"}, ran)

	assert.Equal(t, []string{"closed", "open"}, reg.EventTypes())
	assert.Panics(t, func() { reg.RegisterRoute("open", Route{Handler: func(*pipeline.Cargo) error { return nil }}) })
}

func TestErrorFrame(t *testing.T) {
	eng := NewEngine(newTestLogger(), New(newTestLogger()), nil, protocol.NewFrames())
	raw := eng.ErrorFrame(&ValidationError{Field: "taskId"}, "task:join_room")

	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, CodeValidation, frame["code"])
	assert.Equal(t, "taskId", frame["field"])
	assert.Equal(t, "task:join_room", frame["requestType"])
	assert.NotEmpty(t, frame["timestamp"])
}

func TestParseRate(t *testing.T) {
	limit, window, err := parseRate("10/m")
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	assert.Equal(t, time.Minute, window)

	for _, bad := range []string{"10", "x/s", "0/s", "5/d", "1/2/3"} {
		_, _, err := parseRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestRateLimitModifier(t *testing.T) {
	store := statemanager.NewModifierStore(newTestLogger())
	limit := newRateLimitModifier(newTestLogger(), store)
	alice := newConn("alice")
	bob := newConn("bob")

	require.NoError(t, limit(cargo(alice, "user:typing", `{}`), "2/h"))
	require.NoError(t, limit(cargo(alice, "user:typing", `{}`), "2/h"))
	assert.ErrorIs(t, limit(cargo(alice, "user:typing", `{}`), "2/h"), ErrRateLimited)

	assert.NoError(t, limit(cargo(bob, "user:typing", `{}`), "2/h"), "windows are per sender")
	assert.NoError(t, limit(cargo(alice, "comment:new", `{}`), "2/h"), "windows are per event type")

	assert.Error(t, limit(cargo(alice, "user:typing", `{}`)))
}

func TestRateLimitWindowExpires(t *testing.T) {
	store := statemanager.NewModifierStore(newTestLogger())
	limit := newRateLimitModifier(newTestLogger(), store)
	conn := newConn("")

	require.NoError(t, limit(cargo(conn, "user:authenticate", `{}`), "1/s"))
	require.ErrorIs(t, limit(cargo(conn, "user:authenticate", `{}`), "1/s"), ErrRateLimited)

	assert.Eventually(t, func() bool {
		_, ok := store.Get("rate_limit", conn.ID.String(), "user:authenticate")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
	assert.NoError(t, limit(cargo(conn, "user:authenticate", `{}`), "1/s"))
}

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestSecureModifier(t *testing.T) {
	secure := newSecureModifier(testSecret)

	verified := newConn("")
	verified.VerifiedSubject = "alice"
	assert.NoError(t, secure(cargo(verified, "user:authenticate", `{"userId":"alice"}`)))
	assert.ErrorIs(t, secure(cargo(verified, "user:authenticate", `{"userId":"mallory"}`)), ErrForbidden)

	anon := newConn("")
	good := signToken(t, testSecret, "alice", jwt.SigningMethodHS256)
	assert.NoError(t, secure(cargo(anon, "user:authenticate", `{"userId":"alice","token":"`+good+`"}`)))

	forged := signToken(t, "some-other-secret-value", "alice", jwt.SigningMethodHS256)
	assert.ErrorIs(t, secure(cargo(anon, "user:authenticate", `{"userId":"alice","token":"`+forged+`"}`)), ErrForbidden)

	assert.ErrorIs(t, secure(cargo(anon, "user:authenticate", `{"userId":"bob","token":"`+good+`"}`)), ErrForbidden)

	var verr *ValidationError
	require.ErrorAs(t, secure(cargo(anon, "user:authenticate", `{"userId":"alice"}`)), &verr)
	assert.Equal(t, "token", verr.Field)

	// After authentication the claimed id defaults to the bound user.
	assert.NoError(t, secure(cargo(newConnVerified("alice"), "comment:new", `{}`)))

	assert.Error(t, secure(cargo(anon, "user:authenticate", `{}`), "extra"))
	assert.ErrorIs(t, newSecureModifier("")(cargo(anon, "user:authenticate", `{"userId":"alice"}`)), ErrForbidden)
}

func newConnVerified(userID string) *state.Connection {
	c := newConn(userID)
	c.VerifiedSubject = userID
	return c
}
