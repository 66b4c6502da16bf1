package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/videolify/internal/auth"
	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/registry"
	"github.com/mikeyg42/videolify/internal/signal"
)

type recordingObserver struct {
	mu       sync.Mutex
	joined   []string
	left     []string
	rejected []error
}

func (o *recordingObserver) Joined(_ context.Context, res registry.JoinResult, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, res.Session.PeerID)
}

func (o *recordingObserver) Left(_ context.Context, res registry.LeaveResult, reason, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, res.Session.PeerID+":"+reason)
}

func (o *recordingObserver) Rejected(_ context.Context, _, _, _, _ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, err)
}

func (o *recordingObserver) snapshot() (joined, left []string, rejected []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.joined...), append([]string(nil), o.left...), append([]error(nil), o.rejected...)
}

func newTestServer(t *testing.T, opts Options) (*Hub, *recordingObserver, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := NewHub(registry.New(registry.ByPeerID, logger), opts, logger)
	obs := &recordingObserver{}
	hub.SetObserver(obs)

	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, obs, srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signal/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env signal.Envelope) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(env))
}

func read(t *testing.T, ws *websocket.Conn) signal.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env signal.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func joinEnv(room, peer, user, instance string) signal.Envelope {
	return signal.MustNew(signal.KindJoin, room, peer, "", signal.JoinPayload{
		PeerName:   strings.ToUpper(peer),
		UserID:     user,
		InstanceID: instance,
		HasVideo:   true,
		HasAudio:   true,
	})
}

func joinAndWait(t *testing.T, hub *Hub, ws *websocket.Conn, env signal.Envelope, members int) {
	t.Helper()
	send(t, ws, env)
	require.Eventually(t, func() bool {
		s, ok := hub.Registry().Lookup(env.RoomID, env.FromPeerID)
		return ok && hub.Registry().Count(env.RoomID) == members && s.PeerID == env.FromPeerID
	}, 5*time.Second, 10*time.Millisecond)
}

func decodeJoined(t *testing.T, env signal.Envelope) signal.PeerJoinedPayload {
	t.Helper()
	require.Equal(t, signal.KindPeerJoined, env.Kind)
	var p signal.PeerJoinedPayload
	require.NoError(t, env.Decode(&p))
	return p
}

func decodeError(t *testing.T, env signal.Envelope) signal.ErrorPayload {
	t.Helper()
	require.Equal(t, signal.KindError, env.Kind)
	var p signal.ErrorPayload
	require.NoError(t, env.Decode(&p))
	return p
}

func TestJoinAndRelay(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "")
	bob := dial(t, srv, "")

	joinAndWait(t, hub, alice, joinEnv("r1", "alice", "u-alice", "i1"), 1)
	send(t, bob, joinEnv("r1", "bob", "u-bob", "i2"))

	toAlice := decodeJoined(t, read(t, alice))
	assert.Equal(t, "bob", toAlice.PeerID)
	assert.Equal(t, "BOB", toAlice.PeerName)
	assert.False(t, toAlice.ShouldCreateOffer)

	toBob := decodeJoined(t, read(t, bob))
	assert.Equal(t, "alice", toBob.PeerID)
	assert.True(t, toBob.ShouldCreateOffer)

	// The relay stamps the sender's identity regardless of what it claims.
	offer := signal.MustNew(signal.KindOffer, "r1", "mallory", "alice", signal.SDPPayload{SDP: "v=0"})
	send(t, bob, offer)
	got := read(t, alice)
	assert.Equal(t, signal.KindOffer, got.Kind)
	assert.Equal(t, "bob", got.FromPeerID)
	assert.Equal(t, "alice", got.ToPeerID)

	send(t, alice, signal.MustNew(signal.KindChat, "r1", "alice", "", signal.ChatPayload{Text: "hello"}))
	chat := read(t, bob)
	require.Equal(t, signal.KindChat, chat.Kind)
	var cp signal.ChatPayload
	require.NoError(t, chat.Decode(&cp))
	assert.Equal(t, "hello", cp.Text)

	joined, _, _ := obs.snapshot()
	assert.ElementsMatch(t, []string{"alice", "bob"}, joined)
}

func TestThirdPeerGetsRoomFull(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "")
	bob := dial(t, srv, "")
	carol := dial(t, srv, "")

	joinAndWait(t, hub, alice, joinEnv("r1", "alice", "u1", "i1"), 1)
	joinAndWait(t, hub, bob, joinEnv("r1", "bob", "u2", "i2"), 2)

	send(t, carol, joinEnv("r1", "carol", "u3", "i3"))
	assert.Equal(t, signal.CodeRoomFull, decodeError(t, read(t, carol)).Code)
	assert.Equal(t, 2, hub.Registry().Count("r1"))

	require.Eventually(t, func() bool {
		_, _, rejected := obs.snapshot()
		return len(rejected) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, _, rejected := obs.snapshot()
	assert.ErrorIs(t, rejected[0], callerr.ErrRoomFull)
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "")
	bob := dial(t, srv, "")

	joinAndWait(t, hub, alice, joinEnv("r1", "alice", "u1", "i1"), 1)
	joinAndWait(t, hub, bob, joinEnv("r1", "bob", "u2", "i2"), 2)
	read(t, alice) // peer-joined(bob)

	require.NoError(t, bob.Close())

	left := read(t, alice)
	require.Equal(t, signal.KindPeerLeft, left.Kind)
	assert.Equal(t, "bob", left.FromPeerID)

	require.Eventually(t, func() bool {
		_, l, _ := obs.snapshot()
		return len(l) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, l, _ := obs.snapshot()
	assert.Equal(t, "bob:closed", l[0])
}

func TestJoinAfterDisconnectTakesNoSlot(t *testing.T) {
	hub, obs, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/signal/events", nil)

	// The stream is gone before the POSTed join is handled.
	gone := hub.newConn("sse", req, nil)
	hub.disconnect(gone)
	hub.HandleEnvelope(gone, joinEnv("r1", "alice", "alice", "load-1"))
	assert.Equal(t, 0, hub.Registry().Count("r1"))
	room, _ := gone.identity()
	assert.Empty(t, room)

	// A join that wins the race is undone by the disconnect that follows.
	racing := hub.newConn("sse", req, nil)
	hub.HandleEnvelope(racing, joinEnv("r1", "alice", "alice", "load-2"))
	require.Equal(t, 1, hub.Registry().Count("r1"))
	hub.disconnect(racing)
	assert.Equal(t, 0, hub.Registry().Count("r1"))

	_, left, _ := obs.snapshot()
	assert.Equal(t, []string{"alice:closed"}, left)

	// Two live peers still fit.
	for _, peer := range []string{"alice", "bob"} {
		c := hub.newConn("sse", req, nil)
		hub.HandleEnvelope(c, joinEnv("r1", peer, peer, "load-"+peer))
	}
	assert.Equal(t, 2, hub.Registry().Count("r1"))
}

func TestExplicitLeave(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "")
	joinAndWait(t, hub, alice, joinEnv("r1", "alice", "u1", "i1"), 1)

	send(t, alice, signal.MustNew(signal.KindLeave, "r1", "alice", "", nil))
	require.Eventually(t, func() bool { return hub.Registry().Count("r1") == 0 }, 5*time.Second, 10*time.Millisecond)

	_, l, _ := obs.snapshot()
	assert.Equal(t, []string{"alice:left"}, l)
}

func TestReloadReplacesOldConnection(t *testing.T) {
	hub, _, srv := newTestServer(t, Options{})
	oldTab := dial(t, srv, "")
	bob := dial(t, srv, "")

	joinAndWait(t, hub, oldTab, joinEnv("r1", "alice", "u1", "load-1"), 1)
	joinAndWait(t, hub, bob, joinEnv("r1", "bob", "u2", "i2"), 2)
	read(t, oldTab) // peer-joined(bob)
	read(t, bob)    // peer-joined(alice)

	newTab := dial(t, srv, "")
	send(t, newTab, joinEnv("r1", "alice", "u1", "load-2"))

	replaced := read(t, oldTab)
	require.Equal(t, signal.KindPeerReplaced, replaced.Kind)
	var rp signal.PeerReplacedPayload
	require.NoError(t, replaced.Decode(&rp))
	assert.Equal(t, signal.ReasonLocalReload, rp.Reason)

	// The old socket is closed after the notice.
	require.NoError(t, oldTab.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := oldTab.ReadMessage()
	require.Error(t, err)

	// Bob sees the new instance exactly once and no departure.
	again := decodeJoined(t, read(t, bob))
	assert.Equal(t, "alice", again.PeerID)
	assert.Equal(t, "load-2", again.InstanceID)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	require.Error(t, err, "bob should receive nothing else")

	s, ok := hub.Registry().Lookup("r1", "alice")
	require.True(t, ok)
	assert.Equal(t, "load-2", s.InstanceID)
	assert.Equal(t, 2, hub.Registry().Count("r1"))
}

func TestRelayRequiresJoin(t *testing.T) {
	_, _, srv := newTestServer(t, Options{})
	ws := dial(t, srv, "")

	send(t, ws, signal.MustNew(signal.KindChat, "r1", "alice", "", signal.ChatPayload{Text: "hi"}))
	assert.Equal(t, signal.CodeNotJoined, decodeError(t, read(t, ws)).Code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, signal.CodeBadRequest, decodeError(t, read(t, ws)).Code)

	send(t, ws, signal.Envelope{Kind: signal.KindPeerJoined, RoomID: "r1"})
	assert.Equal(t, signal.CodeBadRequest, decodeError(t, read(t, ws)).Code)

	send(t, ws, joinEnv("r1", "bad id!", "u1", "i1"))
	assert.Equal(t, signal.CodeBadRequest, decodeError(t, read(t, ws)).Code)
}

func TestRateLimit(t *testing.T) {
	_, _, srv := newTestServer(t, Options{MessageRate: 0.001, MessageBurst: 2})
	ws := dial(t, srv, "")

	for i := 0; i < 5; i++ {
		send(t, ws, signal.MustNew(signal.KindChat, "r1", "alice", "", signal.ChatPayload{Text: "spam"}))
	}
	codes := map[string]int{}
	for i := 0; i < 5; i++ {
		codes[decodeError(t, read(t, ws)).Code]++
	}
	assert.Equal(t, 2, codes[signal.CodeNotJoined])
	assert.Equal(t, 3, codes[signal.CodeRateLimited])
}

func TestOriginAllowList(t *testing.T) {
	_, _, srv := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	ws.Close()
}

type stubAuthorizer struct{}

func (stubAuthorizer) Authorize(_ context.Context, token string) (auth.Grant, error) {
	if token != "good" {
		return auth.Grant{}, callerr.Wrap("authorize", callerr.ErrUnauthorized, "bad token")
	}
	return auth.Grant{Authorized: true, RoomName: "booked", Role: "patient", DisplayName: "Ada"}, nil
}

func TestAuthorizedJoin(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{})
	hub.SetAuthorizer(stubAuthorizer{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=bad"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	wrongRoom := dial(t, srv, "token=good")
	send(t, wrongRoom, joinEnv("other", "alice", "u1", "i1"))
	assert.Equal(t, "unauthorized", decodeError(t, read(t, wrongRoom)).Code)

	alice := dial(t, srv, "token=good")
	env := signal.MustNew(signal.KindJoin, "booked", "alice", "", signal.JoinPayload{UserID: "u1", InstanceID: "i1"})
	joinAndWait(t, hub, alice, env, 1)

	s, ok := hub.Registry().Lookup("booked", "alice")
	require.True(t, ok)
	assert.Equal(t, "Ada", s.PeerName)

	_, _, rejected := obs.snapshot()
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0], callerr.ErrUnauthorized)
}

func TestEvict(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "")
	joinAndWait(t, hub, alice, joinEnv("r1", "alice", "u1", "i1"), 1)

	require.True(t, hub.Evict("r1", "alice"))
	assert.False(t, hub.Evict("r1", "alice"))

	notice := read(t, alice)
	assert.Equal(t, signal.KindPeerReplaced, notice.Kind)

	_, l, _ := obs.snapshot()
	assert.Equal(t, []string{"alice:evicted"}, l)
}

// sseStream parses data lines from an event stream in the background.
func sseStream(t *testing.T, resp *http.Response) <-chan string {
	t.Helper()
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				lines <- data
			}
		}
	}()
	return lines
}

func nextData(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case data, ok := <-lines:
		require.True(t, ok, "stream closed")
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestSSETransport(t *testing.T) {
	hub, _, srv := newTestServer(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/signal/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := sseStream(t, resp)
	var ready struct {
		ConnID string `json:"connId"`
	}
	require.NoError(t, json.Unmarshal([]byte(nextData(t, lines)), &ready))
	require.NotEmpty(t, ready.ConnID)

	body, err := json.Marshal(joinEnv("r1", "alice", "u1", "i1"))
	require.NoError(t, err)
	post, err := http.Post(srv.URL+"/signal/send?conn="+ready.ConnID, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusNoContent, post.StatusCode)

	unknown, err := http.Post(srv.URL+"/signal/send?conn=nope", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)

	bob := dial(t, srv, "")
	send(t, bob, joinEnv("r1", "bob", "u2", "i2"))

	var env signal.Envelope
	require.NoError(t, json.Unmarshal([]byte(nextData(t, lines)), &env))
	p := decodeJoined(t, env)
	assert.Equal(t, "bob", p.PeerID)

	cancel()
	require.Eventually(t, func() bool { return hub.Registry().Count("r1") == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSSEIdleTimeout(t *testing.T) {
	hub, obs, srv := newTestServer(t, Options{HeartbeatTimeout: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/signal/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := sseStream(t, resp)
	var ready struct {
		ConnID string `json:"connId"`
	}
	require.NoError(t, json.Unmarshal([]byte(nextData(t, lines)), &ready))
	sendURL := srv.URL + "/signal/send?conn=" + ready.ConnID

	post := func(body string) {
		t.Helper()
		res, err := http.Post(sendURL, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusNoContent, res.StatusCode)
	}
	body, err := json.Marshal(joinEnv("r1", "alice", "u1", "i1"))
	require.NoError(t, err)
	post(string(body))
	require.Eventually(t, func() bool { return hub.Registry().Count("r1") == 1 }, 5*time.Second, 10*time.Millisecond)

	// Heartbeats keep the connection well past one timeout.
	for range 8 {
		time.Sleep(100 * time.Millisecond)
		post("")
	}
	assert.Equal(t, 1, hub.Registry().Count("r1"))

	require.Eventually(t, func() bool { return hub.Registry().Count("r1") == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, left, _ := obs.snapshot()
		return len(left) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, left, _ := obs.snapshot()
	assert.Equal(t, []string{"alice:idle"}, left)

	closing := nextData(t, lines)
	assert.Contains(t, closing, `"reason":"idle"`)
}
