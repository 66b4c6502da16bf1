package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/database"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/signal"
	"github.com/mikeyg42/videolify/internal/signaling"
)

// Admin RPC methods.
const (
	MethodRoomsList  = "rooms.list"
	MethodRoomsGet   = "rooms.get"
	MethodRoomsEvict = "rooms.evict"
)

type RoomParams struct {
	RoomID string `json:"roomId"`
}

type EvictParams struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type EvictResult struct {
	Evicted bool `json:"evicted"`
}

// AdminRPC serves JSON-RPC 2.0 over a websocket for operators. It is
// disabled when no admin token is configured.
type AdminRPC struct {
	hub      *signaling.Hub
	token    string
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*jsonrpc2.Conn]struct{}
}

func NewAdminRPC(hub *signaling.Hub, token string, origins []string, logger *zap.Logger) *AdminRPC {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &AdminRPC{
		hub:   hub,
		token: token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
		logger: logging.Named(logger, "admin-rpc"),
		conns:  make(map[*jsonrpc2.Conn]struct{}),
	}
}

func (a *AdminRPC) authorized(r *http.Request) bool {
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}

func (a *AdminRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.token == "" {
		writeError(w, http.StatusNotFound, "admin rpc disabled")
		return
	}
	if !a.authorized(r) {
		database.AuditLog(database.AuditActionAdmin, "", clientIP(r), database.AuditResultFailure, "", "bad admin token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("admin upgrade failed", zap.Error(err))
		return
	}

	remote := clientIP(r)
	conn := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws),
		jsonrpc2.HandlerWithError(func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
			return a.handle(ctx, req, remote)
		}))
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
	a.logger.Info("admin connected", zap.String("ip", remote))

	go func() {
		<-conn.DisconnectNotify()
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		a.logger.Info("admin disconnected", zap.String("ip", remote))
	}()
}

func (a *AdminRPC) handle(_ context.Context, req *jsonrpc2.Request, remote string) (any, error) {
	switch req.Method {
	case MethodRoomsList:
		return a.hub.Registry().Rooms(), nil

	case MethodRoomsGet:
		var p RoomParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := signal.ValidateID("roomId", p.RoomID); err != nil {
			return nil, invalidParams(err.Error())
		}
		info, ok := a.hub.Registry().Room(p.RoomID)
		if !ok {
			return nil, &jsonrpc2.Error{Code: codeNotFound, Message: "room not found"}
		}
		return info, nil

	case MethodRoomsEvict:
		var p EvictParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := signal.ValidateID("roomId", p.RoomID); err != nil {
			return nil, invalidParams(err.Error())
		}
		if err := signal.ValidateID("peerId", p.PeerID); err != nil {
			return nil, invalidParams(err.Error())
		}
		evicted := a.hub.Evict(p.RoomID, p.PeerID)
		a.logger.Info("admin evict", zap.String("room", p.RoomID), zap.String("peer", p.PeerID), zap.Bool("evicted", evicted), zap.String("ip", remote))
		return EvictResult{Evicted: evicted}, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

// Close drops every admin connection.
func (a *AdminRPC) Close() {
	a.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// codeNotFound is an application error code in the reserved server range.
const codeNotFound = -32004

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return invalidParams("params required")
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(msg string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: msg}
}
