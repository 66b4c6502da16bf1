// Package rtcManager runs one side of a call. A Call joins a room through the
// signaling relay and keeps exactly one peer connection to the other member,
// rebuilding or holding it as membership changes. It also wires negotiation,
// data channels, local media, quality control and the feedback guard.
package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/datachannel"
	"github.com/mikeyg42/videolify/internal/feedback"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/media"
	"github.com/mikeyg42/videolify/internal/negotiation"
	"github.com/mikeyg42/videolify/internal/quality"
	"github.com/mikeyg42/videolify/internal/reconnect"
	"github.com/mikeyg42/videolify/internal/signal"
)

var (
	errNoDevices   = errors.New("no capture devices configured")
	errNotSharing  = errors.New("screen share is not running")
	errNotJoined   = errors.New("call has not joined")
	errAlreadyUsed = errors.New("call already joined")
)

// Signaling is the relay connection a call runs over. *transport.Client
// satisfies it.
type Signaling interface {
	Connect(ctx context.Context, join signal.Envelope) (<-chan signal.Envelope, error)
	Send(env signal.Envelope) error
	Close() error
	Err() error
}

// DeviceOpener opens local capture. *devices.Capturer satisfies it.
type DeviceOpener interface {
	OpenCamera(knobs *media.Knobs) (media.PacketSource, error)
	OpenMicrophone() (media.PacketSource, error)
	OpenScreen(profile quality.Profile, knobs *media.Knobs) (media.PacketSource, error)
}

// Options describes the local participant and tunes the call.
type Options struct {
	RoomID      string
	PeerID      string
	UserID      string
	InstanceID  string
	DisplayName string
	HasVideo    bool
	HasAudio    bool

	InitiatorRule string // config.InitiatorByPeerID or config.InitiatorByJoinOrder

	Call     config.CallConfig
	Quality  config.QualityConfig
	Feedback config.FeedbackConfig
	Transfer config.TransferConfig

	ICEServers []webrtc.ICEServer
	API        *webrtc.API // nil builds one with NewAPI defaults

	// Devices is nil in dummy mode: audio is silence and there is no camera.
	Devices DeviceOpener
	// Sink stores received files; nil refuses them.
	Sink datachannel.Sink
	// Preview is the local preview the feedback guard manages; nil logs.
	Preview feedback.Preview
	// ScreenProfile is the capture profile for screen share; zero picks one
	// from the local device tier.
	ScreenProfile quality.Profile
}

func (o *Options) setDefaults() {
	defaults := config.NewDefaultConfig()
	if o.DisplayName == "" {
		o.DisplayName = o.PeerID
	}
	if o.InitiatorRule == "" {
		o.InitiatorRule = defaults.Server.InitiatorRule
	}
	if o.Call == (config.CallConfig{}) {
		o.Call = defaults.Call
	}
	if o.Quality == (config.QualityConfig{}) {
		o.Quality = defaults.Quality
	}
	if o.Feedback == (config.FeedbackConfig{}) {
		o.Feedback = defaults.Feedback
	}
	if o.Transfer == (config.TransferConfig{}) {
		o.Transfer = defaults.Transfer
	}
}

// Handlers receive call events. They run on call goroutines and must not
// block; OnTerminal may call Leave.
type Handlers struct {
	// OnPeerJoined fires when a new participant arrives. A reload or
	// reopened transport of the current remote does not repeat it.
	OnPeerJoined  func(signal.PeerJoinedPayload)
	OnPeerLeft    func(peerID string)
	OnPeerStatus  func(peerID string, status signal.PeerStatusPayload)
	OnConnected   func(peerID string)
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnFileInfo fires when the other participant starts sending a file.
	OnFileInfo func(peerID string, info signal.FileInfoPayload)
	// OnTerminal fires exactly once when the call ends. err is nil after
	// Leave and a fatal callerr otherwise.
	OnTerminal func(err error)

	Data datachannel.Handlers
}

// Status is a snapshot for display.
type Status struct {
	RoomID          string          `json:"roomId"`
	PeerID          string          `json:"peerId"`
	RemotePeerID    string          `json:"remotePeerId,omitempty"`
	Negotiation     string          `json:"negotiation"`
	MediaConnected  bool            `json:"mediaConnected"`
	DataReady       bool            `json:"dataReady"`
	ScreenSharing   bool            `json:"screenSharing"`
	Quality         quality.Metrics `json:"quality"`
	FeedbackCounter int             `json:"feedbackCounter"`
	Mitigation      string          `json:"mitigation"`
	HeldPeer        string          `json:"heldPeer,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	LastSample      *quality.Sample `json:"lastSample,omitempty"`
}

// peerPair is the connection to one remote session.
type peerPair struct {
	remoteID       string
	remoteName     string
	instanceID     string
	pc             *webrtc.PeerConnection
	engine         *negotiation.Engine
	screenSender   *webrtc.RTPSender
	mediaConnected bool // loop-owned
}

// Call is one participant's side of a room.
type Call struct {
	opts     Options
	handlers Handlers
	sig      Signaling
	api      *webrtc.API
	logger   *zap.Logger

	data       *datachannel.Manager
	supervisor *reconnect.Supervisor
	sampler    *StatsSampler
	screenCtl  *screenControl
	controller *quality.Controller
	guard      *feedback.Guard
	preview    feedback.Preview
	profile    quality.Profile

	audio, camera, screen *webrtc.TrackLocalStaticRTP

	ctx       context.Context
	cancel    context.CancelFunc
	sigCancel context.CancelFunc
	events    chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	joinOnce  sync.Once
	endOnce   sync.Once

	mu      sync.Mutex // guards the fields below for readers off the loop
	joined  bool
	err     error
	pair    *peerPair
	sharing bool

	mediaMu      sync.Mutex
	micTrack     *media.EncodedTrack
	silenceStop  context.CancelFunc
	cameraTrack  *media.EncodedTrack
	screenTrack  *media.EncodedTrack
	screenCancel context.CancelFunc
}

// New prepares a call. Nothing is sent until Join.
func New(opts Options, sig Signaling, handlers Handlers, logger *zap.Logger) (*Call, error) {
	if err := signal.ValidateID("roomId", opts.RoomID); err != nil {
		return nil, err
	}
	if err := signal.ValidateID("peerId", opts.PeerID); err != nil {
		return nil, err
	}
	opts.setDefaults()
	logger = logging.Named(logger, "call").With(zap.String("room", opts.RoomID), zap.String("peer", opts.PeerID))

	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIOptions{}); err != nil {
			return nil, err
		}
	}
	audio, camera, screen, err := media.NewLocalTracks(opts.PeerID)
	if err != nil {
		return nil, fmt.Errorf("create local tracks: %w", err)
	}

	c := &Call{
		opts:     opts,
		handlers: handlers,
		sig:      sig,
		api:      api,
		logger:   logger,
		audio:    audio,
		camera:   camera,
		screen:   screen,
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
	}

	c.profile = opts.ScreenProfile
	if c.profile.Name == "" {
		c.profile = quality.InitialProfile(quality.LocalTier())
	}
	c.preview = opts.Preview
	if c.preview == nil {
		c.preview = NewLogPreview(logger)
	}

	dataHandlers := handlers.Data
	dataHandlers.OnReady = func() {
		c.logger.Info("data channels ready")
		if h := handlers.Data.OnReady; h != nil {
			h()
		}
	}
	dataHandlers.OnTransfer = func(ev datachannel.TransferEvent) {
		if ev.Direction == datachannel.Sending && ev.State == datachannel.TransferProgress && ev.Received == 0 {
			c.announceFile(ev.Info)
		}
		if h := handlers.Data.OnTransfer; h != nil {
			h(ev)
		}
	}
	c.data = datachannel.NewManager(opts.DisplayName, datachannel.Config{
		ChunkSize:  opts.Transfer.ChunkSize,
		HighWater:  opts.Transfer.HighWater,
		LowWater:   opts.Transfer.LowWater,
		AckTimeout: opts.Transfer.AckTimeout,
	}, opts.Sink, dataHandlers, logger)

	c.supervisor = reconnect.NewSupervisor(opts.Call.DisconnectGrace, opts.Call.PeerLeftHold,
		func() { c.enqueue(c.restartICE) },
		func(peerID string) { c.enqueue(func() { c.dropHeld(peerID) }) },
		logger)

	c.sampler = NewStatsSampler(nil, logger)
	c.screenCtl = &screenControl{}
	c.controller = quality.NewController(opts.Quality, c.sampler, c.screenCtl, logger)
	c.guard = feedback.NewGuard(opts.Feedback, c.sampler, c.preview, c.screenCtl, logger)
	return c, nil
}

// Join connects to the relay and announces this participant. The call runs
// until Leave, a fatal error or ctx is done.
func (c *Call) Join(ctx context.Context) error {
	err := errAlreadyUsed
	c.joinOnce.Do(func() { err = c.join(ctx) })
	return err
}

func (c *Call) join(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	env, err := signal.New(signal.KindJoin, c.opts.RoomID, c.opts.PeerID, "", signal.JoinPayload{
		PeerName:   c.opts.DisplayName,
		UserID:     c.opts.UserID,
		InstanceID: c.opts.InstanceID,
		HasVideo:   c.opts.HasVideo,
		HasAudio:   c.opts.HasAudio,
	})
	if err != nil {
		c.cancel()
		return err
	}

	c.startMedia()

	// The relay connection outlives c.ctx long enough to send leave.
	sigCtx, sigCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sigCancel = sigCancel
	in, err := c.sig.Connect(sigCtx, env)
	if err != nil {
		sigCancel()
		c.cancel()
		c.wg.Wait()
		c.stopMedia()
		return err
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.logger.Info("joined room", zap.Bool("dummy", c.opts.Devices == nil))

	c.goRun(func() { c.controller.Run(c.ctx) })
	c.goRun(func() { c.guard.Run(c.ctx) })
	go c.loop(in)
	return nil
}

// Leave ends the call and waits for teardown.
func (c *Call) Leave() error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return errNotJoined
	}
	c.cancel()
	<-c.done
	return nil
}

// Done is closed once the call has ended.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err is the fatal error that ended the call, if any.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Data exposes the data channel manager for chat, control and files.
func (c *Call) Data() *datachannel.Manager { return c.data }

// Samples exposes the recent quality samples.
func (c *Call) Samples() *SampleRing { return c.sampler.Ring() }

func (c *Call) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// enqueue hands fn to the loop. After the call ends fn is dropped.
func (c *Call) enqueue(fn func()) {
	select {
	case c.events <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Call) loop(in <-chan signal.Envelope) {
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case env, ok := <-in:
			if !ok {
				in = nil
				err := c.sig.Err()
				if err == nil {
					err = callerr.Wrap("signaling", callerr.ErrSignalingUnavailable, "relay stream closed")
				}
				c.fail(err)
				continue
			}
			c.handleEnvelope(env)
		case fn := <-c.events:
			fn()
		}
	}
}

// fail records a fatal error and ends the call.
func (c *Call) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Error("call failed", zap.Error(err))
	c.cancel()
}

func (c *Call) teardown() {
	c.closePair("call ended")
	c.supervisor.Stop()
	c.controller.Stop()
	if err := c.guard.Stop(); err != nil {
		c.logger.Debug("feedback guard stop", zap.Error(err))
	}

	if c.Err() == nil {
		leave := signal.MustNew(signal.KindLeave, c.opts.RoomID, c.opts.PeerID, "", struct{}{})
		if err := c.sig.Send(leave); err != nil {
			c.logger.Debug("leave not delivered", zap.Error(err))
		}
	}
	if err := c.sig.Close(); err != nil {
		c.logger.Debug("close signaling", zap.Error(err))
	}
	c.sigCancel()

	c.wg.Wait()
	c.stopMedia()
	c.logger.Info("call ended", zap.Error(c.Err()))

	c.endOnce.Do(func() {
		close(c.done)
		if c.handlers.OnTerminal != nil {
			c.handlers.OnTerminal(c.Err())
		}
	})
}

func (c *Call) handleEnvelope(env signal.Envelope) {
	switch env.Kind {
	case signal.KindPeerJoined:
		var p signal.PeerJoinedPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("bad peer-joined", zap.Error(err))
			return
		}
		c.peerJoined(p)
	case signal.KindPeerLeft:
		var p signal.PeerLeftPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("bad peer-left", zap.Error(err))
			return
		}
		c.peerLeft(p.PeerID)
	case signal.KindPeerReplaced:
		var p signal.PeerReplacedPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("bad peer-replaced", zap.Error(err))
			return
		}
		if reconnect.ClassifyPeerEvent(c.opts.PeerID, c.known(), reconnect.PeerEvent{Kind: reconnect.PeerReplaced, PeerID: p.PeerID}) == reconnect.Stop {
			c.fail(callerr.Wrap("call", callerr.ErrReplaced, p.Reason))
		}
	case signal.KindOffer, signal.KindAnswer, signal.KindICECandidate:
		if pair := c.currentPair(); pair != nil {
			pair.engine.HandleSignal(env)
		} else {
			c.logger.Debug("no pair for signal", zap.String("kind", string(env.Kind)), zap.String("from", env.FromPeerID))
		}
	case signal.KindPeerStatus:
		var p signal.PeerStatusPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if h := c.handlers.OnPeerStatus; h != nil {
			h(env.FromPeerID, p)
		}
	case signal.KindChat:
		var p signal.ChatPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if h := c.handlers.Data.OnChat; h != nil {
			h(datachannel.ChatMessage{SenderName: c.senderName(env.FromPeerID, p.SenderName), Text: p.Text, Timestamp: time.Now().UnixMilli()})
		}
	case signal.KindFileInfo:
		var p signal.FileInfoPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("bad file-info", zap.Error(err))
			return
		}
		c.logger.Info("peer is sending a file", zap.String("peer", env.FromPeerID),
			zap.String("file_id", p.FileID), zap.String("name", p.Name), zap.Int64("size", p.Size))
		if h := c.handlers.OnFileInfo; h != nil {
			h(env.FromPeerID, p)
		}
	case signal.KindError:
		var p signal.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if sentinel := callerr.FromCode(p.Code); sentinel != nil && callerr.IsFatal(sentinel) {
			c.fail(callerr.Wrap("join", sentinel, p.Message))
			return
		}
		c.logger.Warn("relay error", zap.String("code", p.Code), zap.String("message", p.Message))
	default:
		c.logger.Debug("ignoring envelope", zap.String("kind", string(env.Kind)))
	}
}

func (c *Call) currentPair() *peerPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pair
}

func (c *Call) known() *reconnect.RemotePeer {
	pair := c.currentPair()
	if pair == nil {
		return nil
	}
	return &reconnect.RemotePeer{
		PeerID:         pair.remoteID,
		InstanceID:     pair.instanceID,
		MediaConnected: pair.mediaConnected,
	}
}

func (c *Call) peerJoined(p signal.PeerJoinedPayload) {
	prev := c.known()
	action := reconnect.ClassifyPeerEvent(c.opts.PeerID, prev,
		reconnect.PeerEvent{Kind: reconnect.PeerJoined, PeerID: p.PeerID, InstanceID: p.InstanceID})
	c.logger.Info("peer joined", zap.String("remote", p.PeerID), zap.Stringer("action", action))

	switch action {
	case reconnect.NewPair:
		c.openPair(p)
	case reconnect.ResetPair:
		c.closePair("remote session changed")
		c.openPair(p)
	case reconnect.ResumePair:
		c.supervisor.Release()
	default:
		return
	}
	// A reload or reopened transport is the same participant.
	if prev != nil && prev.PeerID == p.PeerID {
		return
	}
	if h := c.handlers.OnPeerJoined; h != nil {
		h(p)
	}
}

func (c *Call) peerLeft(peerID string) {
	action := reconnect.ClassifyPeerEvent(c.opts.PeerID, c.known(),
		reconnect.PeerEvent{Kind: reconnect.PeerLeft, PeerID: peerID})
	c.logger.Info("peer left", zap.String("remote", peerID), zap.Stringer("action", action))

	switch action {
	case reconnect.HoldPair:
		c.supervisor.Hold(peerID)
	case reconnect.DropPair:
		c.closePair("peer left")
		if h := c.handlers.OnPeerLeft; h != nil {
			h(peerID)
		}
	}
}

func (c *Call) dropHeld(peerID string) {
	pair := c.currentPair()
	if pair == nil || pair.remoteID != peerID {
		return
	}
	c.closePair("peer did not return")
	if h := c.handlers.OnPeerLeft; h != nil {
		h(peerID)
	}
}

func (c *Call) restartICE() {
	if pair := c.currentPair(); pair != nil {
		pair.engine.RestartICE()
	}
}

func (c *Call) initiator(p signal.PeerJoinedPayload) bool {
	if c.opts.InitiatorRule == config.InitiatorByJoinOrder {
		return p.ShouldCreateOffer
	}
	return negotiation.Initiator(c.opts.PeerID, p.PeerID)
}

// openPair builds the peer connection for p. Three transceivers carry
// audio, camera and screen for the pair's whole life, so starting or
// stopping a share never renegotiates.
func (c *Call) openPair(p signal.PeerJoinedPayload) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		c.fail(callerr.Wrap("open pair", callerr.ErrConnectionFailed, err.Error()))
		return
	}

	var senders []*webrtc.RTPSender
	for _, track := range []*webrtc.TrackLocalStaticRTP{c.audio, c.camera, c.screen} {
		tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			pc.Close()
			c.fail(callerr.Wrap("open pair", callerr.ErrConnectionFailed, "add "+track.ID()+" transceiver: "+err.Error()))
			return
		}
		senders = append(senders, tr.Sender())
	}

	initiator := c.initiator(p)
	if initiator {
		if err := c.data.CreateChannels(pc); err != nil {
			pc.Close()
			c.fail(callerr.Wrap("open pair", callerr.ErrConnectionFailed, err.Error()))
			return
		}
	}
	pc.OnDataChannel(c.data.HandleDataChannel)

	pair := &peerPair{
		remoteID:     p.PeerID,
		remoteName:   p.PeerName,
		instanceID:   p.InstanceID,
		pc:           pc,
		screenSender: senders[2],
	}
	pair.engine = negotiation.NewEngine(pc, c.sig, negotiation.Config{
		RoomID:             c.opts.RoomID,
		LocalPeerID:        c.opts.PeerID,
		RemotePeerID:       p.PeerID,
		NegotiationTimeout: c.opts.Call.NegotiationTimeout,
		RestartBudget:      c.opts.Call.ICERestartBudget,
	}, negotiation.Handlers{
		OnConnected: func() {
			c.enqueue(func() { c.pairConnected(pair) })
		},
		OnFailed: func(err error) {
			c.enqueue(func() {
				if c.currentPair() == pair {
					c.fail(err)
				}
			})
		},
	}, c.logger)

	pc.OnICECandidate(pair.engine.LocalCandidate)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		pair.engine.ICEStateChanged(state)
		c.enqueue(func() { c.iceStateChanged(pair, state) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info("remote track", zap.String("remote", p.PeerID), zap.String("kind", track.Kind().String()), zap.String("id", track.ID()))
		if h := c.handlers.OnRemoteTrack; h != nil {
			h(p.PeerID, track, receiver)
			return
		}
		drain(track)
	})

	var ssrc webrtc.SSRC
	if enc := pair.screenSender.GetParameters().Encodings; len(enc) > 0 {
		ssrc = enc[0].SSRC
	}
	c.sampler.SetPeer(pc, ssrc)
	for _, sender := range senders {
		go c.readRTCP(sender, sender == pair.screenSender)
	}

	c.mu.Lock()
	c.pair = pair
	c.mu.Unlock()
	pair.engine.Start(initiator)
}

func (c *Call) closePair(reason string) {
	c.mu.Lock()
	pair := c.pair
	c.pair = nil
	c.mu.Unlock()
	if pair == nil {
		return
	}
	c.logger.Info("closing peer connection", zap.String("remote", pair.remoteID), zap.String("reason", reason))
	pair.engine.Close()
	c.supervisor.Stop()
	c.data.Reset(reason)
	c.sampler.SetPeer(nil, 0)
	c.updateScreenControl()
	// pion fires state callbacks while closing; never wait for them here.
	go func() {
		if err := pair.pc.Close(); err != nil {
			c.logger.Debug("close peer connection", zap.Error(err))
		}
	}()
}

func (c *Call) iceStateChanged(pair *peerPair, state webrtc.ICEConnectionState) {
	if c.currentPair() != pair {
		return
	}
	c.supervisor.ICEStateChanged(state)
	connected := state == webrtc.ICEConnectionStateConnected || state == webrtc.ICEConnectionStateCompleted
	if connected != pair.mediaConnected {
		c.mu.Lock()
		pair.mediaConnected = connected
		c.mu.Unlock()
		c.updateScreenControl()
	}
}

func (c *Call) pairConnected(pair *peerPair) {
	if c.currentPair() != pair {
		return
	}
	c.mu.Lock()
	pair.mediaConnected = true
	c.mu.Unlock()
	c.logger.Info("media connected", zap.String("remote", pair.remoteID))
	c.updateScreenControl()
	if h := c.handlers.OnConnected; h != nil {
		h(pair.remoteID)
	}
}

// updateScreenControl runs the quality controller only while a share is
// being sent over a connected pair.
func (c *Call) updateScreenControl() {
	c.mu.Lock()
	want := c.sharing && c.pair != nil && c.pair.mediaConnected
	c.mu.Unlock()
	if want == c.controller.Active() {
		return
	}
	if !want {
		c.controller.Stop()
		return
	}
	if err := c.controller.Start(); err != nil {
		c.logger.Warn("quality control not started", zap.Error(err))
	}
}

func (c *Call) readRTCP(sender *webrtc.RTPSender, screen bool) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if screen {
			c.sampler.HandleRTCP(pkts)
		}
	}
}

func drain(track *webrtc.TrackRemote) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

// SendChat sends a chat line over the chat channel. It fails with
// callerr.ErrChannelNotReady until every data channel is open.
func (c *Call) SendChat(text string) error {
	return c.data.SendChat(text)
}

// RelayChat sends a chat line through the relay instead of the chat channel,
// for use while the data channels are not open.
func (c *Call) RelayChat(text string) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return errNotJoined
	}
	var to string
	if pair := c.currentPair(); pair != nil {
		to = pair.remoteID
	}
	env, err := signal.New(signal.KindChat, c.opts.RoomID, c.opts.PeerID, to,
		signal.ChatPayload{Text: text, SenderName: c.opts.DisplayName})
	if err != nil {
		return err
	}
	return c.sig.Send(env)
}

// senderName picks the display name for a relayed chat line.
func (c *Call) senderName(fromPeerID, claimed string) string {
	if claimed != "" {
		return claimed
	}
	if pair := c.currentPair(); pair != nil && pair.remoteID == fromPeerID && pair.remoteName != "" {
		return pair.remoteName
	}
	return fromPeerID
}

// announceFile tells the remote participant about an outgoing file.
func (c *Call) announceFile(info datachannel.FileInfo) {
	pair := c.currentPair()
	if pair == nil {
		return
	}
	env, err := signal.New(signal.KindFileInfo, c.opts.RoomID, c.opts.PeerID, pair.remoteID,
		signal.FileInfoPayload{FileID: info.ID, Name: info.Name, Size: info.Size})
	if err == nil {
		err = c.sig.Send(env)
	}
	if err != nil {
		c.logger.Warn("file-info not sent", zap.String("file_id", info.ID), zap.Error(err))
	}
}

// SetStatus tells the other participant about a local media or hand change.
func (c *Call) SetStatus(element, status string) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return errNotJoined
	}
	env, err := signal.New(signal.KindPeerStatus, c.opts.RoomID, c.opts.PeerID, "",
		signal.PeerStatusPayload{Element: element, Status: status})
	if err != nil {
		return err
	}
	return c.sig.Send(env)
}

// Status returns a snapshot of the call.
func (c *Call) Status() Status {
	st := Status{
		RoomID:          c.opts.RoomID,
		PeerID:          c.opts.PeerID,
		Negotiation:     "idle",
		DataReady:       c.data.Ready(),
		Quality:         c.controller.Metrics(),
		FeedbackCounter: c.guard.Counter(),
		Mitigation:      c.guard.Applied().String(),
		HeldPeer:        c.supervisor.Held(),
	}
	c.mu.Lock()
	if c.pair != nil {
		st.RemotePeerID = c.pair.remoteID
		st.MediaConnected = c.pair.mediaConnected
		st.Negotiation = c.pair.engine.State().Name()
	}
	st.ScreenSharing = c.sharing
	c.mu.Unlock()

	if recent := c.sampler.Ring().Recent(5); len(recent) > 0 {
		st.LastSample = &recent[0]
		for _, w := range Diagnose(recent) {
			st.Warnings = append(st.Warnings, w.Level.String()+": "+w.Message)
		}
	}
	return st
}
