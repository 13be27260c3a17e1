package game

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triviad/internal/pkg/errs"
	"triviad/internal/pkg/wire"
)

// stubAuth is a scripted credential backend.
type stubAuth struct {
	mu     sync.Mutex
	passwd map[string]string
	ids    map[string]string
	banned map[string]bool
	next   int
}

func newStubAuth() *stubAuth {
	return &stubAuth{
		passwd: make(map[string]string),
		ids:    make(map[string]string),
		banned: make(map[string]bool),
	}
}

func (a *stubAuth) seed(username, password string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	uid := fmt.Sprintf("u%03d", a.next)
	a.passwd[username] = password
	a.ids[username] = uid
	return uid
}

func (a *stubAuth) Authenticate(_ context.Context, username, password string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.banned[username] {
		return "", ErrBanned
	}
	if stored, ok := a.passwd[username]; !ok || stored != password {
		return "", ErrAuthFailed
	}
	return a.ids[username], nil
}

func (a *stubAuth) Register(_ context.Context, username, password string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.passwd[username]; taken {
		return "", ErrUserExists
	}
	a.next++
	uid := fmt.Sprintf("u%03d", a.next)
	a.passwd[username] = password
	a.ids[username] = uid
	return uid, nil
}

// stubRoster counts lifecycle events per uid.
type stubRoster struct {
	mu      sync.Mutex
	joined  map[string]int
	pending map[string]int
	resumed map[string]int
	left    map[string]int
}

func newStubRoster() *stubRoster {
	return &stubRoster{
		joined:  make(map[string]int),
		pending: make(map[string]int),
		resumed: make(map[string]int),
		left:    make(map[string]int),
	}
}

func (r *stubRoster) UserJoined(uid string)  { r.bump(r.joined, uid) }
func (r *stubRoster) UserPending(uid string) { r.bump(r.pending, uid) }
func (r *stubRoster) UserResumed(uid string) { r.bump(r.resumed, uid) }
func (r *stubRoster) UserLeft(uid string)    { r.bump(r.left, uid) }

func (r *stubRoster) bump(m map[string]int, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[uid]++
}

func (r *stubRoster) count(m map[string]int, uid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[uid]
}

type routedCmd struct {
	uid  string
	cmd  string
	args []json.RawMessage
}

// stubRouter replies with a fixed result or error.
type stubRouter struct {
	mu     sync.Mutex
	calls  []routedCmd
	result any
	err    *errs.CustomError
}

func (r *stubRouter) Dispatch(uid, cmd string, args []json.RawMessage) (any, *errs.CustomError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routedCmd{uid, cmd, args})
	return r.result, r.err
}

func newSessionEnv(t *testing.T, cfg SessionConfig) (*SessionManager, *Gateway, *stubAuth, *stubRoster, *stubRouter) {
	t.Helper()

	gw := NewGateway()
	auth := newStubAuth()
	roster := newStubRoster()
	router := &stubRouter{}

	s := NewSessionManager(cfg, gw, auth, &stubRecorder{})
	s.AttachRouter(roster, router)
	gw.SetHandler(s)

	return s, gw, auth, roster, router
}

// addConn registers a transport-less connection so queued replies can be
// inspected through its send channel.
func addConn(gw *Gateway, id string) *Conn {
	c := &Conn{id: id, send: make(chan wire.Frame, 16), gw: gw}
	gw.mu.Lock()
	gw.conns[id] = c
	gw.mu.Unlock()
	return c
}

// dialConn registers a connection backed by a real WebSocket pair, for tests
// that exercise the close-frame path. Returns the client side for reading.
func dialConn(t *testing.T, gw *Gateway, id string) (*Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	c := newConn(id, "127.0.0.1", <-serverSide, gw)
	gw.mu.Lock()
	gw.conns[id] = c
	gw.mu.Unlock()
	return c, client
}

func frame(t *testing.T, elems ...any) []byte {
	t.Helper()
	data, err := json.Marshal(elems)
	require.NoError(t, err)
	return data
}

func nextReply(t *testing.T, c *Conn) []json.RawMessage {
	t.Helper()
	select {
	case f := <-c.send:
		tuple, err := wire.Decode(f.Data)
		require.NoError(t, err)
		return tuple
	default:
		t.Fatal("no reply queued")
		return nil
	}
}

func replyTag(t *testing.T, reply []json.RawMessage) int {
	t.Helper()
	tag, _, isTag, err := wire.Head(reply)
	require.NoError(t, err)
	require.True(t, isTag)
	return tag
}

type authResult struct {
	UID      string         `json:"uid"`
	UserType string         `json:"userType"`
	Sync     map[string]any `json:"sync"`
}

func decodeAuthResult(t *testing.T, reply []json.RawMessage) authResult {
	t.Helper()
	require.Len(t, reply, 3)

	var res authResult
	require.NoError(t, json.Unmarshal(reply[2], &res))
	return res
}

func TestSessionConnectReply(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{ServerVersion: "9.9.9"})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, wire.TagConnect))

	reply := nextReply(t, c)
	assert.Equal(t, wire.TagConnect, replyTag(t, reply))

	var info map[string]any
	require.NoError(t, json.Unmarshal(reply[1], &info))
	assert.Equal(t, "9.9.9", info["version"])

	connID, err := wire.String(reply, 2)
	require.NoError(t, err)
	assert.Equal(t, "c1", connID)
}

func TestSessionPingEcho(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, wire.TagPing, "probe-7"))

	reply := nextReply(t, c)
	assert.Equal(t, wire.TagPong, replyTag(t, reply))

	echoed, err := wire.String(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, "probe-7", echoed)
}

func TestSessionServerPingResolvedByPong(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	done := s.Ping("c1")

	probe := nextReply(t, c)
	require.Equal(t, wire.TagPing, replyTag(t, probe))
	corrID, err := wire.String(probe, 1)
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("probe resolved before any pong")
	default:
	}

	s.HandleFrame("c1", frame(t, wire.TagPong, corrID))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pong did not resolve the probe")
	}
	assert.Equal(t, 0, s.corr.Pending())
}

func TestSessionGuestAuth(t *testing.T) {
	s, gw, _, roster, _ := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))

	reply := nextReply(t, c)
	require.Equal(t, wire.TagAuth, replyTag(t, reply))
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	res := decodeAuthResult(t, reply)
	assert.Equal(t, "guest_1", res.UID)
	assert.Equal(t, "guest", res.UserType)

	uid, bound := s.UID("c1")
	require.True(t, bound)
	assert.Equal(t, "guest_1", uid)
	assert.Equal(t, 1, roster.count(roster.joined, "guest_1"))
}

func TestSessionAuthRateLimit(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{AuthWindow: time.Hour})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	first := nextReply(t, c)
	code, err := wire.Int(first, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	// Second attempt on the same connection inside the window is locked out
	// before the backend is touched.
	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	second := nextReply(t, c)
	code, err = wire.Int(second, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrAuthLimit, code)
}

func TestSessionAuthRateLimitPerUsername(t *testing.T) {
	s, gw, auth, _, _ := newSessionEnv(t, SessionConfig{AuthWindow: time.Hour})
	auth.seed("alice", "pw")

	c1 := addConn(gw, "c1")
	c2 := addConn(gw, "c2")

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthLogin, "alice", "wrong"))
	reply := nextReply(t, c1)
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, errs.ErrAuthFailed, code)

	// Retrying the same username from a different connection is still locked.
	s.HandleFrame("c2", frame(t, wire.TagAuth, wire.AuthLogin, "alice", "pw"))
	reply = nextReply(t, c2)
	code, err = wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrAuthLimit, code)
}

func TestSessionLoginSuccessIncludesSync(t *testing.T) {
	s, gw, auth, _, _ := newSessionEnv(t, SessionConfig{})
	uid := auth.seed("alice", "pw")
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthLogin, "alice", "pw", "prior-token"))

	reply := nextReply(t, c)
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	res := decodeAuthResult(t, reply)
	assert.Equal(t, uid, res.UID)
	assert.Equal(t, "authenticated", res.UserType)
	assert.Equal(t, "stub", res.Sync["syncToken"])
}

func TestSessionRegister(t *testing.T) {
	s, gw, auth, _, _ := newSessionEnv(t, SessionConfig{AuthWindow: time.Millisecond})
	auth.seed("taken", "pw")

	c1 := addConn(gw, "c1")
	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthRegister, "taken", "password2"))
	reply := nextReply(t, c1)
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrUserExists, code)

	c2 := addConn(gw, "c2")
	s.HandleFrame("c2", frame(t, wire.TagAuth, wire.AuthRegister, "fresh", "password"))
	reply = nextReply(t, c2)
	code, err = wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	res := decodeAuthResult(t, reply)
	assert.Equal(t, "registered", res.UserType)
	assert.NotEmpty(t, res.UID)

	c3 := addConn(gw, "c3")
	s.HandleFrame("c3", frame(t, wire.TagAuth, wire.AuthRegister, "Bad Name!", "pw"))
	reply = nextReply(t, c3)
	code, err = wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrParam, code)
}

func TestSessionSingleSessionPerIdentity(t *testing.T) {
	s, _, auth, _, _ := newSessionEnv(t, SessionConfig{AuthWindow: time.Millisecond})
	uid := auth.seed("alice", "pw")

	// Neither connection is registered with the gateway: only the binding
	// bookkeeping is under test here.
	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthLogin, "alice", "pw"))
	got, bound := s.UID("c1")
	require.True(t, bound)
	require.Equal(t, uid, got)

	time.Sleep(5 * time.Millisecond)

	s.HandleFrame("c2", frame(t, wire.TagAuth, wire.AuthLogin, "alice", "pw"))

	_, stillBound := s.UID("c1")
	assert.False(t, stillBound, "prior connection must lose the identity")

	got, bound = s.UID("c2")
	require.True(t, bound)
	assert.Equal(t, uid, got)
}

func TestSessionResume(t *testing.T) {
	s, gw, _, roster, _ := newSessionEnv(t, SessionConfig{Hold: time.Hour})

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	uid, bound := s.UID("c1")
	require.True(t, bound)

	s.HandleDisconnect("c1")
	assert.Equal(t, 1, s.PendingEvictions())
	assert.Equal(t, 1, roster.count(roster.pending, uid))

	c2 := addConn(gw, "c2")
	s.HandleFrame("c2", frame(t, wire.TagResume, "c1", uid))

	reply := nextReply(t, c2)
	require.Equal(t, wire.TagResume, replyTag(t, reply))
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	got, bound := s.UID("c2")
	require.True(t, bound)
	assert.Equal(t, uid, got)

	_, priorBound := s.UID("c1")
	assert.False(t, priorBound)
	assert.Equal(t, 0, s.PendingEvictions())
	assert.Equal(t, 1, roster.count(roster.resumed, uid))
}

func TestSessionResumeClosesLingeringPriorConn(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{Hold: time.Hour})

	_, prior := dialConn(t, gw, "c1")
	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	uid, bound := s.UID("c1")
	require.True(t, bound)

	// Resume can race the prior connection's disconnect; the still-open
	// prior socket must be kicked so only the new binding stays live.
	c2 := addConn(gw, "c2")
	s.HandleFrame("c2", frame(t, wire.TagResume, "c1", uid))

	reply := nextReply(t, c2)
	require.Equal(t, wire.TagResume, replyTag(t, reply))
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	require.NoError(t, prior.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, readErr := prior.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, readErr, &closeErr)
	assert.Equal(t, WsCloseCodeSessionKicked, closeErr.Code)
}

func TestSessionResumeRejectsMismatchedClaim(t *testing.T) {
	s, gw, _, roster, _ := newSessionEnv(t, SessionConfig{Hold: time.Hour})

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	uid, _ := s.UID("c1")
	s.HandleDisconnect("c1")

	c2 := addConn(gw, "c2")
	s.HandleFrame("c2", frame(t, wire.TagResume, "c1", "someone-else"))

	reply := nextReply(t, c2)
	require.Equal(t, wire.TagResume, replyTag(t, reply))
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrResumeRejected, code)

	// The original binding is untouched and still pending eviction.
	got, bound := s.UID("c1")
	require.True(t, bound)
	assert.Equal(t, uid, got)
	assert.Equal(t, 1, s.PendingEvictions())
	assert.Equal(t, 0, roster.count(roster.resumed, uid))
}

func TestSessionEvictionSweep(t *testing.T) {
	s, _, _, roster, _ := newSessionEnv(t, SessionConfig{Hold: time.Hour})

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	uid, _ := s.UID("c1")
	s.HandleDisconnect("c1")

	// Inside the grace period nothing is evicted.
	s.SweepEvictions()
	assert.Equal(t, 1, s.PendingEvictions())
	assert.Equal(t, 0, roster.count(roster.left, uid))

	s.mu.Lock()
	s.pending[uid] = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.SweepEvictions()
	assert.Equal(t, 0, s.PendingEvictions())
	assert.Equal(t, 1, roster.count(roster.left, uid))

	_, bound := s.UID("c1")
	assert.False(t, bound)
}

func TestSessionResumeAfterEvictionRejected(t *testing.T) {
	s, gw, _, roster, _ := newSessionEnv(t, SessionConfig{Hold: time.Hour})

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	uid, _ := s.UID("c1")
	s.HandleDisconnect("c1")

	s.mu.Lock()
	s.pending[uid] = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.SweepEvictions()

	c2 := addConn(gw, "c2")
	s.HandleFrame("c2", frame(t, wire.TagResume, "c1", uid))

	reply := nextReply(t, c2)
	require.Equal(t, wire.TagResume, replyTag(t, reply))
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrResumeRejected, code)

	_, bound := s.UID("c2")
	assert.False(t, bound)
	assert.Equal(t, 0, roster.count(roster.resumed, uid))
}

func TestSessionCommandRequiresAuth(t *testing.T) {
	s, gw, _, _, router := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, "r1", "pair", "classic"))

	reply := nextReply(t, c)
	_, corrID, isTag, err := wire.Head(reply)
	require.NoError(t, err)
	require.False(t, isTag)
	assert.Equal(t, "r1", corrID)

	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrNoAuth, code)

	router.mu.Lock()
	defer router.mu.Unlock()
	assert.Empty(t, router.calls, "unauthenticated commands never reach the router")
}

func TestSessionCommandDispatch(t *testing.T) {
	s, gw, _, _, router := newSessionEnv(t, SessionConfig{})
	router.result = RoomInfo{GameType: "classic", Size: 1, Capacity: 2}

	c := addConn(gw, "c1")
	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	nextReply(t, c)

	s.HandleFrame("c1", frame(t, "r42", "pair", "classic"))

	reply := nextReply(t, c)
	_, corrID, _, err := wire.Head(reply)
	require.NoError(t, err)
	assert.Equal(t, "r42", corrID)

	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	var info RoomInfo
	require.NoError(t, json.Unmarshal(reply[2], &info))
	assert.Equal(t, "classic", info.GameType)

	router.mu.Lock()
	defer router.mu.Unlock()
	require.Len(t, router.calls, 1)
	assert.Equal(t, "guest_1", router.calls[0].uid)
	assert.Equal(t, "pair", router.calls[0].cmd)
}

func TestSessionCommandErrorCode(t *testing.T) {
	s, gw, _, _, router := newSessionEnv(t, SessionConfig{})
	router.err = errs.NewError(errs.ErrRoomNotFound)

	c := addConn(gw, "c1")
	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	nextReply(t, c)

	s.HandleFrame("c1", frame(t, "r7", "join", "ABC123"))

	reply := nextReply(t, c)
	code, err := wire.Int(reply, 1)
	require.NoError(t, err)
	assert.Equal(t, errs.ErrRoomNotFound, code)
	assert.Len(t, reply, 2, "error replies carry no result element")
}

func TestSessionMalformedFramesAreDropped(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", []byte("not json"))
	s.HandleFrame("c1", []byte("{}"))
	s.HandleFrame("c1", []byte("[]"))
	s.HandleFrame("c1", frame(t, true, "bogus head"))

	select {
	case f := <-c.send:
		t.Fatalf("malformed frame produced a reply: %s", f.Data)
	default:
	}
}

func TestSessionLogoutUnbinds(t *testing.T) {
	s, gw, _, roster, _ := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	nextReply(t, c)
	uid, _ := s.UID("c1")

	s.HandleFrame("c1", frame(t, wire.TagLogout))

	reply := nextReply(t, c)
	assert.Equal(t, wire.TagLogout, replyTag(t, reply))

	_, bound := s.UID("c1")
	assert.False(t, bound)
	assert.Equal(t, 1, roster.count(roster.left, uid))
}

func TestSessionSendToUser(t *testing.T) {
	s, gw, _, _, _ := newSessionEnv(t, SessionConfig{})
	c := addConn(gw, "c1")

	assert.False(t, s.SendToUser("guest_1", "hello"), "unbound identities are unreachable")

	s.HandleFrame("c1", frame(t, wire.TagAuth, wire.AuthGuest))
	nextReply(t, c)

	require.True(t, s.SendToUser("guest_1", map[string]any{"type": "question"}))

	reply := nextReply(t, c)
	assert.Equal(t, wire.TagMessage, replyTag(t, reply))
}
