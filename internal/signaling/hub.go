// Package signaling is the relay between call clients. It admits peers into
// the room registry, fans out membership changes and forwards SDP, ICE and
// chat envelopes. Media never passes through it.
package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikeyg42/videolify/internal/auth"
	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/registry"
	"github.com/mikeyg42/videolify/internal/signal"
)

// Observer is told about every membership change. Calls are made outside
// the room lock.
type Observer interface {
	Joined(ctx context.Context, res registry.JoinResult, remoteIP string)
	Left(ctx context.Context, res registry.LeaveResult, reason, remoteIP string)
	Rejected(ctx context.Context, roomID, peerID, userID, remoteIP string, err error)
}

// Options tunes the relay.
type Options struct {
	// HeartbeatTimeout is the websocket read deadline and the longest an SSE
	// connection may go without a POST.
	HeartbeatTimeout time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	MessageRate      float64
	MessageBurst     int
	SendBuffer       int
	AllowedOrigins   []string
}

func (o *Options) setDefaults() {
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.MessageRate == 0 {
		o.MessageRate = 50
	}
	if o.MessageBurst == 0 {
		o.MessageBurst = 100
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 256
	}
}

func (o Options) pingPeriod() time.Duration {
	return (o.HeartbeatTimeout * 9) / 10
}

// Hub owns the relay's connections and routes their envelopes through the
// registry.
type Hub struct {
	registry   *registry.Registry
	authorizer auth.Authorizer
	observer   Observer
	opts       Options
	upgrader   websocket.Upgrader
	seq        atomic.Uint64

	mu  sync.Mutex
	sse map[string]*clientConn

	logger *zap.Logger
}

// NewHub creates a relay over reg.
func NewHub(reg *registry.Registry, opts Options, logger *zap.Logger) *Hub {
	opts.setDefaults()
	h := &Hub{
		registry: reg,
		opts:     opts,
		sse:      make(map[string]*clientConn),
		logger:   logging.Named(logger, "signaling"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetAuthorizer requires every transport to present an access token.
func (h *Hub) SetAuthorizer(a auth.Authorizer) { h.authorizer = a }

// SetObserver installs the membership observer.
func (h *Hub) SetObserver(o Observer) { h.observer = o }

// Registry exposes the room registry for inspection endpoints.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// RegisterRoutes registers the signaling transports.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/signal/ws", h.ServeWS)
	mux.HandleFunc("/signal/events", h.ServeEvents)
	mux.HandleFunc("/signal/send", h.ServeSend)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Hub) newConn(transport string, r *http.Request, grant *auth.Grant) *clientConn {
	c := &clientConn{
		id:        uuid.NewString(),
		seq:       h.seq.Add(1),
		transport: transport,
		remoteIP:  clientIP(r),
		grant:     grant,
		send:      make(chan []byte, h.opts.SendBuffer),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst),
	}
	c.touch(time.Now())
	return c
}

// authorize checks the access token on the transport request. It writes the
// HTTP error itself and returns false when the request must not proceed.
func (h *Hub) authorize(w http.ResponseWriter, r *http.Request) (*auth.Grant, bool) {
	if h.authorizer == nil {
		return nil, true
	}
	grant, err := h.authorizer.Authorize(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		var redirect *auth.RedirectError
		switch {
		case errors.As(err, &redirect) && redirect.Location != "":
			http.Redirect(w, r, redirect.Location, http.StatusSeeOther)
		case errors.Is(err, callerr.ErrUnauthorized):
			http.Error(w, "Forbidden", http.StatusForbidden)
		default:
			h.logger.Error("authorization service failed", zap.Error(err))
			http.Error(w, "Authorization unavailable", http.StatusServiceUnavailable)
		}
		return nil, false
	}
	return &grant, true
}

// HandleEnvelope processes one client envelope.
func (h *Hub) HandleEnvelope(c *clientConn, env signal.Envelope) {
	if !c.limiter.Allow() {
		h.sendError(c, env.RoomID, signal.CodeRateLimited, "too many messages")
		return
	}

	switch env.Kind {
	case signal.KindJoin:
		h.handleJoin(c, env)
	case signal.KindLeave:
		h.leave(c, "left")
	default:
		if !env.Kind.Relayed() {
			h.sendError(c, env.RoomID, signal.CodeBadRequest, "unsupported message type "+string(env.Kind))
			return
		}
		roomID, peerID := c.identity()
		if roomID == "" {
			h.sendError(c, env.RoomID, signal.CodeNotJoined, "join a room first")
			return
		}
		// Identity always comes from the registered connection.
		env.RoomID, env.FromPeerID = roomID, peerID
		if err := h.registry.Route(env, c.id); err != nil {
			if errors.Is(err, registry.ErrUnknownTarget) {
				h.logger.Debug("dropping envelope for departed peer",
					zap.String("room", roomID), zap.String("kind", string(env.Kind)), zap.String("to", env.ToPeerID))
				return
			}
			h.sendError(c, roomID, signal.CodeNotJoined, err.Error())
		}
	}
}

func (h *Hub) handleJoin(c *clientConn, env signal.Envelope) {
	var p signal.JoinPayload
	if err := env.Decode(&p); err != nil {
		h.sendError(c, env.RoomID, signal.CodeBadRequest, err.Error())
		return
	}
	if err := signal.ValidateJoin(env, p); err != nil {
		h.sendError(c, env.RoomID, signal.CodeBadRequest, err.Error())
		return
	}
	if room, peer := c.identity(); room != "" && (room != env.RoomID || peer != env.FromPeerID) {
		h.sendError(c, env.RoomID, signal.CodeBadRequest, "connection already joined as "+peer+" in "+room)
		return
	}
	if c.grant != nil {
		if c.grant.RoomName != "" && c.grant.RoomName != env.RoomID {
			err := callerr.Wrap("join", callerr.ErrUnauthorized, "token is for another room")
			h.sendError(c, env.RoomID, callerr.Code(err), err.Error())
			h.observe(func(ctx context.Context, o Observer) {
				o.Rejected(ctx, env.RoomID, env.FromPeerID, p.UserID, c.remoteIP, err)
			})
			c.Close("unauthorized room")
			return
		}
		if p.PeerName == "" {
			p.PeerName = c.grant.DisplayName
		}
	}

	// Identity is set before the registry sees the join so a disconnect
	// racing it always finds a session to remove. The registry refuses
	// joins on connections that are already closed.
	prevRoom, _ := c.identity()
	c.setIdentity(env.RoomID, env.FromPeerID)
	res, err := h.registry.Join(registry.JoinRequest{
		RoomID: env.RoomID,
		PeerID: env.FromPeerID,
		Join:   p,
		Conn:   c,
	})
	if err != nil {
		if prevRoom == "" {
			c.setIdentity("", "")
		}
		if errors.Is(err, registry.ErrConnClosed) {
			h.logger.Debug("join on closed connection dropped",
				zap.String("room", env.RoomID), zap.String("peer", env.FromPeerID), zap.String("conn", c.id))
			return
		}
		h.logger.Info("join refused",
			zap.String("room", env.RoomID), zap.String("peer", env.FromPeerID), zap.String("conn", c.id), zap.Error(err))
		h.observe(func(ctx context.Context, o Observer) {
			o.Rejected(ctx, env.RoomID, env.FromPeerID, p.UserID, c.remoteIP, err)
		})
		return
	}

	h.observe(func(ctx context.Context, o Observer) {
		o.Joined(ctx, res, c.remoteIP)
	})
}

// leave removes the connection's session, if it still owns one.
func (h *Hub) leave(c *clientConn, reason string) {
	roomID, peerID := c.identity()
	if roomID == "" {
		return
	}
	c.setIdentity("", "")
	res, ok := h.registry.Leave(roomID, peerID, c.id)
	if !ok {
		return
	}
	h.observe(func(ctx context.Context, o Observer) {
		o.Left(ctx, res, reason, c.remoteIP)
	})
}

// disconnect is the implicit leave when a transport goes away.
func (h *Hub) disconnect(c *clientConn) {
	c.Close("transport closed")
	reason := c.closeReason()
	if reason == "transport closed" || reason == "" {
		reason = "closed"
	}
	h.leave(c, reason)
	h.logger.Debug("connection finished", zap.String("conn", c.id), zap.String("transport", c.transport), zap.String("reason", reason))
}

func (h *Hub) sendError(c *clientConn, roomID, code, msg string) {
	_ = c.Deliver(signal.MustNew(signal.KindError, roomID, "", "", signal.ErrorPayload{Code: code, Message: msg}))
}

func (h *Hub) observe(fn func(ctx context.Context, o Observer)) {
	if h.observer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fn(ctx, h.observer)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Evict removes a peer on an operator's request.
func (h *Hub) Evict(roomID, peerID string) bool {
	res, ok := h.registry.Evict(roomID, peerID)
	if !ok {
		return false
	}
	h.observe(func(ctx context.Context, o Observer) {
		o.Left(ctx, res, "evicted", "")
	})
	return true
}
