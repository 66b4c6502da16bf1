package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/database"
	"github.com/mikeyg42/videolify/internal/signal"
	"github.com/mikeyg42/videolify/internal/turnserver"
)

type healthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Rooms    int               `json:"rooms"`
	Database string            `json:"database,omitempty"`
	TURN     *turnserver.Stats `json:"turn,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Rooms:  len(s.deps.Hub.Registry().Rooms()),
	}
	status := http.StatusOK
	if s.deps.Attendance != nil {
		resp.Database = "ok"
		if err := s.deps.Attendance.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("database health check failed", zap.Error(err))
			resp.Status, resp.Database = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.TURN != nil {
		st := s.deps.TURN.Stats()
		resp.TURN = &st
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Hub.Registry().Rooms())
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := signal.ValidateID("roomId", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, ok := s.deps.Hub.Registry().Room(id)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ICEServer mirrors the browser's RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceServersResponse struct {
	ICEServers []ICEServer `json:"iceServers"`
	TTL        int         `json:"ttl,omitempty"` // seconds the TURN credentials stay valid
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		user = "anonymous"
	} else if err := signal.ValidateID("user", user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resp iceServersResponse
	if len(s.cfg.ICE.STUNURLs) > 0 {
		resp.ICEServers = append(resp.ICEServers, ICEServer{URLs: s.cfg.ICE.STUNURLs})
	}
	turnURLs := s.cfg.ICE.TURNURLs
	if len(turnURLs) == 0 && s.cfg.TURN.Enabled {
		hostPort := net.JoinHostPort(s.cfg.TURN.PublicIP, strconv.Itoa(s.cfg.TURN.Port))
		turnURLs = []string{"turn:" + hostPort + "?transport=udp"}
	}
	if len(turnURLs) > 0 && s.deps.TURN != nil {
		ttl := s.cfg.TURN.CredentialTTL
		username, password := s.deps.TURN.Credentials(user, ttl)
		resp.ICEServers = append(resp.ICEServers, ICEServer{URLs: turnURLs, Username: username, Credential: password})
		resp.TTL = int(ttl.Seconds())
	}
	if resp.ICEServers == nil {
		resp.ICEServers = []ICEServer{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type leaveRequest struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type leaveResponse struct {
	Closed int64 `json:"closed"`
}

// handleLeave takes the departure beacon a page sends while unloading.
// It stamps attendance only; the relay notices the socket closing itself.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attendance == nil {
		writeError(w, http.StatusServiceUnavailable, "attendance store not configured")
		return
	}
	room := r.PathValue("room")
	if err := signal.ValidateID("roomId", room); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req leaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.UserID == "" && req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "beacon"
	}

	n, err := s.deps.Attendance.RecordLeave(r.Context(), database.Departure{
		RoomID: room,
		PeerID: req.PeerID,
		UserID: req.UserID,
		At:     time.Now(),
		Reason: req.Reason,
	})
	if err != nil {
		s.logger.Error("record leave failed", zap.String("room", room), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not record departure")
		return
	}
	database.AuditLog(database.AuditActionLeave, req.UserID, clientIP(r), database.AuditResultSuccess, room, req.Reason)
	writeJSON(w, http.StatusOK, leaveResponse{Closed: n})
}
