package negotiation

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/signal"
)

// PeerConnection is the part of *webrtc.PeerConnection the engine drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// Signaler carries envelopes to the remote peer.
type Signaler interface {
	Send(env signal.Envelope) error
}

// Config identifies the pair and bounds recovery.
type Config struct {
	RoomID       string
	LocalPeerID  string
	RemotePeerID string

	NegotiationTimeout time.Duration
	RestartBudget      int
	// PoliteRestartDelay gives the impolite side the first chance to restart
	// ICE so both sides do not offer at once.
	PoliteRestartDelay time.Duration
}

// Handlers are invoked on the engine goroutine.
type Handlers struct {
	OnStable    func()
	OnConnected func()
	OnFailed    func(err error) // at most once
}

// Engine runs negotiation for one peer pair. All work happens on a single
// goroutine; public methods only enqueue.
type Engine struct {
	cfg      Config
	pc       PeerConnection
	signaler Signaler
	handlers Handlers
	logger   *zap.Logger

	machine *Machine
	queue   *CandidateQueue

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once

	// loop-owned
	connected    bool
	restarts     int
	remoteOffers int
	remoteUfrag  string
	timer        *time.Timer
	timerGen     int

	mu       sync.Mutex
	snapshot State
}

// NewEngine starts the engine goroutine. Call Start to begin negotiating.
func NewEngine(pc PeerConnection, signaler Signaler, cfg Config, handlers Handlers, logger *zap.Logger) *Engine {
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 25 * time.Second
	}
	if cfg.RestartBudget == 0 {
		cfg.RestartBudget = 3
	}
	if cfg.PoliteRestartDelay == 0 {
		cfg.PoliteRestartDelay = time.Second
	}
	polite := Polite(cfg.LocalPeerID, cfg.RemotePeerID)
	e := &Engine{
		cfg:      cfg,
		pc:       pc,
		signaler: signaler,
		handlers: handlers,
		logger: logging.Named(logger, "negotiation").With(
			zap.String("room", cfg.RoomID),
			zap.String("local", cfg.LocalPeerID),
			zap.String("remote", cfg.RemotePeerID),
			zap.Bool("polite", polite),
		),
		machine:  NewMachine(polite),
		queue:    NewCandidateQueue(),
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
		snapshot: Idle{},
	}
	go e.loop()
	return e
}

// Attach forwards a pion peer connection's candidate and ICE state events.
func Attach(pc *webrtc.PeerConnection, e *Engine) {
	pc.OnICECandidate(e.LocalCandidate)
	pc.OnICEConnectionStateChange(e.ICEStateChanged)
}

func (e *Engine) loop() {
	for {
		select {
		case fn := <-e.events:
			fn()
			e.mu.Lock()
			e.snapshot = e.machine.State()
			e.mu.Unlock()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.events <- fn:
	case <-e.done:
	}
}

// State is the latest negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Polite reports this side's glare role.
func (e *Engine) Polite() bool { return e.machine.Polite() }

// Start arms the negotiation timeout and, on the initiator, sends the first
// offer.
func (e *Engine) Start(initiator bool) {
	e.enqueue(func() {
		e.armTimeout()
		if initiator {
			e.offer(false)
		}
	})
}

// HandleSignal consumes offer, answer and ice-candidate envelopes from the
// remote peer. Anything else is ignored.
func (e *Engine) HandleSignal(env signal.Envelope) {
	if env.FromPeerID != e.cfg.RemotePeerID {
		return
	}
	switch env.Kind {
	case signal.KindOffer, signal.KindAnswer:
		var p signal.SDPPayload
		if err := env.Decode(&p); err != nil {
			e.logger.Warn("bad sdp payload", zap.Error(err))
			return
		}
		if env.Kind == signal.KindOffer {
			e.enqueue(func() { e.remoteOffer(p.SDP) })
		} else {
			e.enqueue(func() { e.remoteAnswer(p.SDP) })
		}
	case signal.KindICECandidate:
		var p signal.ICECandidatePayload
		if err := env.Decode(&p); err != nil {
			e.logger.Warn("bad candidate payload", zap.Error(err))
			return
		}
		e.enqueue(func() { e.remoteCandidate(p.Candidate) })
	}
}

// LocalCandidate trickles a gathered candidate. It goes through the loop so
// it never overtakes the description that produced it.
func (e *Engine) LocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	cand := c.ToJSON()
	e.enqueue(func() {
		e.send(signal.KindICECandidate, signal.ICECandidatePayload{Candidate: cand})
	})
}

// ICEStateChanged feeds the peer connection's ICE state.
func (e *Engine) ICEStateChanged(state webrtc.ICEConnectionState) {
	e.enqueue(func() {
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			if e.connected {
				return
			}
			e.connected = true
			e.restarts = 0
			e.stopTimeout()
			e.logger.Info("ice connected", zap.String("state", e.machine.State().Name()))
			if e.handlers.OnConnected != nil {
				e.handlers.OnConnected()
			}
		case webrtc.ICEConnectionStateDisconnected:
			e.connected = false
		case webrtc.ICEConnectionStateFailed:
			e.connected = false
			e.logger.Warn("ice failed")
			e.requestRestart()
		}
	})
}

// RestartICE asks for an ICE restart, e.g. after a disconnected grace period.
func (e *Engine) RestartICE() {
	e.enqueue(e.requestRestart)
}

// Close stops the engine. No handler runs afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.snapshot = Closed{}
		e.mu.Unlock()
	})
}

func (e *Engine) offer(iceRestart bool) {
	switch e.machine.State().(type) {
	case HaveRemoteOffer:
		return // the answer completes this round
	case HaveLocalOffer:
		if !iceRestart {
			return
		}
	case Closed:
		return
	}

	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		e.fail(callerr.Wrap("create offer", callerr.ErrConnectionFailed, err.Error()))
		return
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.fail(callerr.Wrap("set local offer", callerr.ErrConnectionFailed, err.Error()))
		return
	}
	if err := e.machine.LocalOffer(offer.SDP, iceRestart); err != nil {
		e.logger.Error("offer rejected by state machine", zap.Error(err))
		return
	}
	e.logger.Debug("sending offer", zap.Bool("ice_restart", iceRestart), zap.Int("round_offers", e.machine.OffersThisRound()))
	e.send(signal.KindOffer, signal.SDPPayload{SDP: offer.SDP})
}

func (e *Engine) remoteOffer(raw string) {
	if err := ValidateSDP(raw); err != nil {
		e.logger.Warn("dropping malformed offer", zap.Error(err))
		return
	}
	var pending string
	if st, ok := e.machine.State().(HaveLocalOffer); ok {
		pending = st.SDP
	}
	resp, err := e.machine.RemoteOffer(raw)
	if err != nil {
		e.logger.Debug("offer after close", zap.Error(err))
		return
	}
	e.remoteOffers++
	if resp == Ignore {
		e.logger.Info("glare: ignoring remote offer, ours wins")
		return
	}
	if resp == RollbackThenAccept {
		e.logger.Info("glare: rolling back local offer")
		if err := e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending}); err != nil {
			e.fail(callerr.Wrap("rollback", callerr.ErrConnectionFailed, err.Error()))
			return
		}
	}

	if ufrag, err := ICEUfrag(raw); err == nil {
		if e.remoteUfrag != "" && ufrag != e.remoteUfrag {
			e.logger.Info("remote restarted ice")
			e.queue.Reset()
		}
		e.remoteUfrag = ufrag
	}

	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}); err != nil {
		e.fail(callerr.Wrap("set remote offer", callerr.ErrConnectionFailed, err.Error()))
		return
	}
	e.flushCandidates()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		e.fail(callerr.Wrap("create answer", callerr.ErrConnectionFailed, err.Error()))
		return
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		e.fail(callerr.Wrap("set local answer", callerr.ErrConnectionFailed, err.Error()))
		return
	}
	if err := e.machine.LocalAnswer(answer.SDP); err != nil {
		e.logger.Error("answer rejected by state machine", zap.Error(err))
		return
	}
	e.send(signal.KindAnswer, signal.SDPPayload{SDP: answer.SDP})
	e.stable()
}

func (e *Engine) remoteAnswer(raw string) {
	if err := e.machine.RemoteAnswer(raw); err != nil {
		e.logger.Debug("ignoring stale answer", zap.Error(err))
		return
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw}); err != nil {
		e.fail(callerr.Wrap("set remote answer", callerr.ErrConnectionFailed, err.Error()))
		return
	}
	if ufrag, err := ICEUfrag(raw); err == nil {
		e.remoteUfrag = ufrag
	}
	e.flushCandidates()
	e.stable()
}

func (e *Engine) remoteCandidate(c webrtc.ICECandidateInit) {
	if !e.queue.Add(c) {
		return
	}
	if err := e.pc.AddICECandidate(c); err != nil {
		e.logger.Debug("add candidate failed", zap.Error(err))
	}
}

func (e *Engine) flushCandidates() {
	for _, c := range e.queue.RemoteDescriptionSet() {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Debug("add queued candidate failed", zap.Error(err))
		}
	}
}

func (e *Engine) stable() {
	e.logger.Debug("negotiation stable", zap.Int("rounds", e.machine.Rounds()))
	if e.handlers.OnStable != nil {
		e.handlers.OnStable()
	}
}

// requestRestart restarts ICE now on the impolite side. The polite side
// waits, and stands down if the remote offers in the meantime.
func (e *Engine) requestRestart() {
	if e.connected {
		return
	}
	if !e.machine.Polite() {
		e.restartICE()
		return
	}
	seen := e.remoteOffers
	time.AfterFunc(e.cfg.PoliteRestartDelay, func() {
		e.enqueue(func() {
			if e.connected || e.remoteOffers != seen {
				return
			}
			e.restartICE()
		})
	})
}

func (e *Engine) restartICE() {
	if _, closed := e.machine.State().(Closed); closed {
		return
	}
	if e.restarts >= e.cfg.RestartBudget {
		e.fail(callerr.Wrap("ice restart", callerr.ErrConnectionFailed, "restart budget exhausted"))
		return
	}
	e.restarts++
	e.logger.Info("restarting ice", zap.Int("attempt", e.restarts), zap.Int("budget", e.cfg.RestartBudget))
	e.queue.Reset()
	e.armTimeout()
	e.offer(true)
}

func (e *Engine) armTimeout() {
	e.stopTimeout()
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(e.cfg.NegotiationTimeout, func() {
		e.enqueue(func() {
			if gen != e.timerGen || e.connected {
				return
			}
			e.timedOut()
		})
	})
}

func (e *Engine) stopTimeout() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) timedOut() {
	e.logger.Warn("negotiation timed out",
		zap.String("state", e.machine.State().Name()),
		zap.Int("restarts", e.restarts))
	if e.restarts >= e.cfg.RestartBudget {
		e.fail(callerr.Wrap("negotiate", callerr.ErrNegotiationTimeout,
			"no connection within "+e.cfg.NegotiationTimeout.String()))
		return
	}
	e.restartICE()
}

func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		e.logger.Error("negotiation failed", zap.Error(err))
		e.stopTimeout()
		e.machine.Close()
		if e.handlers.OnFailed != nil {
			e.handlers.OnFailed(err)
		}
	})
}

func (e *Engine) send(kind signal.Kind, payload any) {
	env, err := signal.New(kind, e.cfg.RoomID, e.cfg.LocalPeerID, e.cfg.RemotePeerID, payload)
	if err != nil {
		e.logger.Error("encode envelope", zap.Error(err))
		return
	}
	if err := e.signaler.Send(env); err != nil {
		e.logger.Warn("signal send failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
