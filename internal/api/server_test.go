package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/database"
	"github.com/mikeyg42/videolify/internal/registry"
	"github.com/mikeyg42/videolify/internal/signal"
	"github.com/mikeyg42/videolify/internal/signaling"
	"github.com/mikeyg42/videolify/internal/transport"
	"github.com/mikeyg42/videolify/internal/turnserver"
)

type fakeIssuer struct{}

func (fakeIssuer) Credentials(userID string, ttl time.Duration) (string, string) {
	return "9999:" + userID, "pw-" + ttl.String()
}

func (fakeIssuer) Stats() turnserver.Stats { return turnserver.Stats{State: "idle"} }

type testAPI struct {
	srv   *httptest.Server
	hub   *signaling.Hub
	store *database.Store
}

func newTestAPI(t *testing.T, tune func(*config.Config, *Deps)) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	cfg.Server.AdminToken = "admin-secret"
	hub := signaling.NewHub(registry.New(registry.ByPeerID, logger), signaling.Options{}, logger)
	deps := Deps{Hub: hub}
	if tune != nil {
		tune(cfg, &deps)
	}
	s := NewServer(cfg, deps, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		srv.Close()
	})
	return &testAPI{srv: srv, hub: hub, store: deps.Attendance}
}

func (a *testAPI) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + path
}

func (a *testAPI) join(t *testing.T, room, peer string) {
	t.Helper()
	c := transport.New(transport.Options{URL: a.wsURL("/signal/ws"), Attempts: 1}, zaptest.NewLogger(t))
	_, err := c.Connect(context.Background(), signal.MustNew(signal.KindJoin, room, peer, "", signal.JoinPayload{
		PeerName: strings.ToUpper(peer), UserID: "user-" + peer, InstanceID: peer + "-1",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool {
		_, ok := a.hub.Registry().Lookup(room, peer)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, func(_ *config.Config, d *Deps) { d.TURN = fakeIssuer{} })
	var h healthResponse
	require.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/health", &h))
	assert.Equal(t, "ok", h.Status)
	assert.Zero(t, h.Rooms)
	require.NotNil(t, h.TURN)
	assert.Equal(t, "idle", h.TURN.State)
}

func TestRooms(t *testing.T) {
	a := newTestAPI(t, nil)

	var rooms []registry.RoomInfo
	require.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/rooms", &rooms))
	assert.Empty(t, rooms)

	a.join(t, "lesson-7", "alice")

	require.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/rooms", &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "lesson-7", rooms[0].RoomID)

	var room registry.RoomInfo
	require.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/rooms/lesson-7", &room))
	require.Len(t, room.Peers, 1)
	assert.Equal(t, "alice", room.Peers[0].PeerID)
	assert.Equal(t, "ALICE", room.Peers[0].PeerName)

	assert.Equal(t, http.StatusNotFound, getJSON(t, a.srv.URL+"/api/rooms/nowhere", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, a.srv.URL+"/api/rooms/bad%20id", nil))
}

func TestRoomsRateLimited(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config, _ *Deps) {
		cfg.Server.APIRateLimit = 2
		cfg.Server.APIRateWindow = time.Hour
	})
	assert.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/rooms", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/rooms", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, a.srv.URL+"/api/rooms", nil))
	// health is never limited
	assert.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/health", nil))
}

func TestICEServers(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config, d *Deps) {
		cfg.TURN.Enabled = true
		cfg.TURN.PublicIP = "203.0.113.7"
		cfg.TURN.Port = 3478
		cfg.TURN.CredentialTTL = time.Hour
		d.TURN = fakeIssuer{}
	})

	var resp iceServersResponse
	require.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/ice-servers?user=tutor-1", &resp))
	require.Len(t, resp.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, resp.ICEServers[0].URLs)
	assert.Equal(t, []string{"turn:203.0.113.7:3478?transport=udp"}, resp.ICEServers[1].URLs)
	assert.Equal(t, "9999:tutor-1", resp.ICEServers[1].Username)
	assert.Equal(t, "pw-1h0m0s", resp.ICEServers[1].Credential)
	assert.Equal(t, 3600, resp.TTL)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, a.srv.URL+"/api/ice-servers?user=a%20b", nil))
}

func TestICEServersWithoutTURN(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config, _ *Deps) { cfg.ICE.STUNURLs = nil })
	var resp iceServersResponse
	require.Equal(t, http.StatusOK, getJSON(t, a.srv.URL+"/api/ice-servers", &resp))
	assert.Empty(t, resp.ICEServers)
	assert.Zero(t, resp.TTL)
}

func TestLeaveBeacon(t *testing.T) {
	a := newTestAPI(t, func(_ *config.Config, d *Deps) {
		store, err := database.Open(context.Background(), database.Config{
			Driver: "sqlite",
			DSN:    filepath.Join(t.TempDir(), "attendance.db"),
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		d.Attendance = store
	})
	ctx := context.Background()
	require.NoError(t, a.store.RecordJoin(ctx, database.Attendance{
		RoomID: "lesson-7", PeerID: "alice", UserID: "u-1", JoinedAtMs: time.Now().Add(-time.Hour).UnixMilli(),
	}))

	post := func(room, body string) (*http.Response, leaveResponse) {
		resp, err := http.Post(a.srv.URL+"/api/calls/"+room+"/leave", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out leaveResponse
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, out := post("lesson-7", `{"userId":"u-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), out.Closed)

	resp, out = post("lesson-7", `{"userId":"u-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, out.Closed)

	rows, err := a.store.History(ctx, "lesson-7")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "beacon", rows[0].LeftReason)

	resp, _ = post("lesson-7", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post("lesson-7", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaveBeaconWithoutStore(t *testing.T) {
	a := newTestAPI(t, nil)
	resp, err := http.Post(a.srv.URL+"/api/calls/lesson-7/leave", "application/json", strings.NewReader(`{"userId":"u"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t, nil)

	req, err := http.NewRequest(http.MethodOptions, a.srv.URL+"/api/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialAdmin(t *testing.T, a *testAPI, token string) (*jsonrpc2.Conn, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(a.wsURL("/api/admin/rpc"), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws),
		jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			return nil, nil
		}))
	t.Cleanup(func() { conn.Close() })
	return conn, nil
}

func TestAdminRPC(t *testing.T) {
	a := newTestAPI(t, nil)
	a.join(t, "lesson-9", "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := dialAdmin(t, a, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	_, err = dialAdmin(t, a, "wrong")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)

	conn, err := dialAdmin(t, a, "admin-secret")
	require.NoError(t, err)

	var rooms []registry.RoomInfo
	require.NoError(t, conn.Call(ctx, MethodRoomsList, nil, &rooms))
	require.Len(t, rooms, 1)

	var room registry.RoomInfo
	require.NoError(t, conn.Call(ctx, MethodRoomsGet, RoomParams{RoomID: "lesson-9"}, &room))
	require.Len(t, room.Peers, 1)
	assert.Equal(t, "bob", room.Peers[0].PeerID)

	err = conn.Call(ctx, MethodRoomsGet, RoomParams{RoomID: "missing"}, &room)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(codeNotFound), rpcErr.Code)

	err = conn.Call(ctx, MethodRoomsGet, nil, &room)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)

	err = conn.Call(ctx, "rooms.delete", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	var res EvictResult
	require.NoError(t, conn.Call(ctx, MethodRoomsEvict, EvictParams{RoomID: "lesson-9", PeerID: "bob"}, &res))
	assert.True(t, res.Evicted)
	require.NoError(t, conn.Call(ctx, MethodRoomsEvict, EvictParams{RoomID: "lesson-9", PeerID: "bob"}, &res))
	assert.False(t, res.Evicted)

	_, ok := a.hub.Registry().Lookup("lesson-9", "bob")
	assert.False(t, ok)
}

func TestAdminRPCDisabledWithoutToken(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config, _ *Deps) { cfg.Server.AdminToken = "" })
	resp, err := http.Get(a.srv.URL + "/api/admin/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	defer rl.Close()
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are per ip")

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}
