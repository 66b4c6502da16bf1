package signaling

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/signal"
)

// ServeWS upgrades the request and runs the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	grant, ok := h.authorize(w, r)
	if !ok {
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	c := h.newConn("websocket", r, grant)
	h.logger.Debug("websocket connected", zap.String("conn", c.id), zap.Uint64("seq", c.seq))

	go h.writePump(ws, c)
	go h.readPump(ws, c)
}

// readPump feeds inbound envelopes to the hub. A missed pong within the
// heartbeat timeout ends the connection.
func (h *Hub) readPump(ws *websocket.Conn, c *clientConn) {
	defer func() {
		h.disconnect(c)
		ws.Close()
	}()

	ws.SetReadLimit(h.opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))

		env, err := signal.Parse(data)
		if err != nil {
			h.sendError(c, env.RoomID, signal.CodeBadRequest, err.Error())
			continue
		}
		h.HandleEnvelope(c, env)
	}
}

// writePump is the only writer on ws. After Close it flushes whatever is
// still queued so a peer-replaced notice reaches the client.
func (h *Hub) writePump(ws *websocket.Conn, c *clientConn) {
	ticker := time.NewTicker(h.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	write := func(data []byte) bool {
		ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", zap.String("conn", c.id), zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case data := <-c.send:
			if !write(data) {
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.send:
					if !write(data) {
						return
					}
					continue
				default:
				}
				break
			}
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason()))
			return
		}
	}
}
