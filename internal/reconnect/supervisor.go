package reconnect

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/logging"
)

// Supervisor turns ICE disconnects and peer-left holds into timed actions.
// A disconnected pair that does not recover within the grace window gets an
// ICE restart; a held pair whose peer never rejoins is dropped.
type Supervisor struct {
	grace time.Duration
	hold  time.Duration

	restart func()
	drop    func(peerID string)

	mu         sync.Mutex
	graceTimer *time.Timer
	holdTimer  *time.Timer
	heldPeer   string
	logger     *zap.Logger
}

// NewSupervisor wires the restart and drop routes. Both callbacks run on a
// timer goroutine; callers that need serialization must hand them off.
func NewSupervisor(grace, hold time.Duration, restart func(), drop func(peerID string), logger *zap.Logger) *Supervisor {
	return &Supervisor{
		grace:   grace,
		hold:    hold,
		restart: restart,
		drop:    drop,
		logger:  logging.Named(logger, "supervisor"),
	}
}

// ICEStateChanged routes an ICE connection state. Failed is handled by the
// negotiation engine itself, so only the disconnected grace is tracked here.
func (s *Supervisor) ICEStateChanged(state webrtc.ICEConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch state {
	case webrtc.ICEConnectionStateDisconnected:
		if s.graceTimer != nil {
			return
		}
		s.logger.Debug("ice disconnected, waiting for recovery", zap.Duration("grace", s.grace))
		s.graceTimer = time.AfterFunc(s.grace, s.graceExpired)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted,
		webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		s.stopGraceLocked()
	}
}

func (s *Supervisor) graceExpired() {
	s.mu.Lock()
	fired := s.graceTimer != nil
	s.graceTimer = nil
	s.mu.Unlock()
	if fired {
		s.logger.Info("ice did not recover, restarting")
		s.restart()
	}
}

func (s *Supervisor) stopGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// Hold keeps the pair with peerID for the hold window.
func (s *Supervisor) Hold(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdTimer != nil {
		s.holdTimer.Stop()
	}
	s.heldPeer = peerID
	s.holdTimer = time.AfterFunc(s.hold, func() {
		s.mu.Lock()
		held := s.heldPeer
		s.heldPeer = ""
		s.holdTimer = nil
		s.mu.Unlock()
		if held != "" {
			s.logger.Info("held peer did not return", zap.String("peer", held))
			s.drop(held)
		}
	})
}

// Release cancels a hold, typically because the peer rejoined.
func (s *Supervisor) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdTimer != nil {
		s.holdTimer.Stop()
		s.holdTimer = nil
	}
	s.heldPeer = ""
}

// Held reports the peer currently held, if any.
func (s *Supervisor) Held() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldPeer
}

// Stop cancels every pending timer.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopGraceLocked()
	if s.holdTimer != nil {
		s.holdTimer.Stop()
		s.holdTimer = nil
	}
	s.heldPeer = ""
}
