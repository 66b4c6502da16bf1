package signaling

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/signal"
)

// ServeEvents is the downstream half of the SSE transport. The first event
// names the connection id the client must pass to ServeSend.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	grant, ok := h.authorize(w, r)
	if !ok {
		return
	}

	c := h.newConn("sse", r, grant)
	h.mu.Lock()
	h.sse[c.id] = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sse, c.id)
		h.mu.Unlock()
		h.disconnect(c)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: ready\ndata: {\"connId\":%q}\n\n", c.id)
	flusher.Flush()

	ticker := time.NewTicker(h.opts.pingPeriod())
	defer ticker.Stop()
	idle := time.NewTimer(h.opts.HeartbeatTimeout)
	defer idle.Stop()

	for {
		select {
		case now := <-idle.C:
			if quiet := c.idleFor(now); quiet < h.opts.HeartbeatTimeout {
				idle.Reset(h.opts.HeartbeatTimeout - quiet)
				continue
			}
			h.logger.Debug("SSE connection idle", zap.String("conn", c.id))
			c.Close("idle")
		case data := <-c.send:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-c.done:
			for {
				select {
				case data := <-c.send:
					fmt.Fprintf(w, "data: %s\n\n", data)
					continue
				default:
				}
				break
			}
			fmt.Fprintf(w, "event: close\ndata: {\"reason\":%q}\n\n", c.closeReason())
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ServeSend is the upstream half of the SSE transport. Every POST, including
// an empty heartbeat, restarts the connection's idle deadline.
func (h *Hub) ServeSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	connID := r.URL.Query().Get("conn")
	h.mu.Lock()
	c, ok := h.sse[connID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "Unknown connection", http.StatusNotFound)
		return
	}

	c.touch(time.Now())

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxMessageSize))
	if err != nil {
		http.Error(w, "Message too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Heartbeat.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	env, err := signal.Parse(data)
	if err != nil {
		h.logger.Debug("bad envelope over SSE", zap.String("conn", connID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.HandleEnvelope(c, env)
	w.WriteHeader(http.StatusNoContent)
}
