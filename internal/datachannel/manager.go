// Package datachannel manages the four data channels of a call: control,
// chat, whiteboard and file. It also runs chunked file transfer.
package datachannel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/logging"
)

// Channel is the part of *webrtc.DataChannel the manager uses.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// Config tunes file transfer.
type Config struct {
	ChunkSize  int
	HighWater  uint64
	LowWater   uint64
	AckTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 16 * 1024
	}
	if c.HighWater == 0 {
		c.HighWater = 1 << 20
	}
	if c.LowWater == 0 {
		c.LowWater = 256 * 1024
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
}

// Handlers receive remote traffic. They are called from data channel
// goroutines, must not block for long and must not call back into the
// Manager's transfer methods.
type Handlers struct {
	OnReady      func()
	OnChat       func(ChatMessage)
	OnControl    func(ControlMessage) // hand-raise, mute-status, whiteboard-open
	OnWhiteboard func(WhiteboardDelta)
	OnTransfer   func(TransferEvent)
}

// Manager owns the channel set of the current peer connection.
type Manager struct {
	localName string
	cfg       Config
	sink      Sink
	handlers  Handlers
	logger    *zap.Logger

	mu       sync.Mutex
	channels map[string]Channel
	open     map[string]bool
	ready    bool
	windowCh chan struct{}

	outgoing map[string]*outgoingTransfer
	incoming map[string]*incomingTransfer
	early    map[string]*earlyFile
	earlyLen int
	finished map[string]time.Time // completed, refused or aborted receives

	now func() time.Time
}

// NewManager creates a manager. sink receives incoming files; nil refuses
// every incoming transfer.
func NewManager(localName string, cfg Config, sink Sink, handlers Handlers, logger *zap.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		localName: localName,
		cfg:       cfg,
		sink:      sink,
		handlers:  handlers,
		logger:    logging.Named(logger, "datachannel"),
		channels:  make(map[string]Channel),
		open:      make(map[string]bool),
		windowCh:  make(chan struct{}, 1),
		outgoing:  make(map[string]*outgoingTransfer),
		incoming:  make(map[string]*incomingTransfer),
		early:     make(map[string]*earlyFile),
		finished:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// CreateChannels opens the four channels on the initiating side. It must run
// before the first offer so the offer advertises them.
func (m *Manager) CreateChannels(pc *webrtc.PeerConnection) error {
	ordered := true
	for _, label := range Labels {
		dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return fmt.Errorf("create %s channel: %w", label, err)
		}
		m.Attach(dc)
	}
	return nil
}

// HandleDataChannel is the answering side's OnDataChannel callback.
func (m *Manager) HandleDataChannel(dc *webrtc.DataChannel) {
	m.Attach(dc)
}

// Attach adopts a channel. Unknown labels are ignored.
func (m *Manager) Attach(ch Channel) {
	label := ch.Label()
	if !knownLabel(label) {
		m.logger.Warn("ignoring unknown data channel", zap.String("label", label))
		return
	}

	m.mu.Lock()
	m.channels[label] = ch
	m.open[label] = false
	m.ready = false
	m.mu.Unlock()

	if label == LabelFile {
		ch.SetBufferedAmountLowThreshold(m.cfg.LowWater)
		ch.OnBufferedAmountLow(func() {
			select {
			case m.windowCh <- struct{}{}:
			default:
			}
		})
	}
	ch.OnOpen(func() { m.opened(ch) })
	ch.OnClose(func() { m.closed(ch) })
	ch.OnMessage(func(msg webrtc.DataChannelMessage) { m.dispatch(ch, msg) })

	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		m.opened(ch)
	}
}

func knownLabel(label string) bool {
	for _, l := range Labels {
		if l == label {
			return true
		}
	}
	return false
}

func (m *Manager) current(ch Channel) bool {
	return m.channels[ch.Label()] == ch
}

func (m *Manager) opened(ch Channel) {
	m.mu.Lock()
	if !m.current(ch) || m.open[ch.Label()] {
		m.mu.Unlock()
		return
	}
	m.open[ch.Label()] = true
	becameReady := false
	if !m.ready && len(m.open) == len(Labels) {
		becameReady = true
		for _, ok := range m.open {
			becameReady = becameReady && ok
		}
		m.ready = becameReady
	}
	m.mu.Unlock()

	m.logger.Debug("data channel open", zap.String("label", ch.Label()))
	if becameReady {
		m.logger.Info("data channels ready")
		if m.handlers.OnReady != nil {
			m.handlers.OnReady()
		}
	}
}

func (m *Manager) closed(ch Channel) {
	m.mu.Lock()
	if !m.current(ch) {
		m.mu.Unlock()
		return
	}
	m.open[ch.Label()] = false
	m.ready = false
	m.mu.Unlock()
	m.logger.Debug("data channel closed", zap.String("label", ch.Label()))
}

// Ready reports whether every channel is open.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) channel(label string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, callerr.Wrap("send "+label, callerr.ErrChannelNotReady, "data channels are not all open")
	}
	return m.channels[label], nil
}

func (m *Manager) sendJSON(label string, v any) error {
	ch, err := m.channel(label)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ch.SendText(string(data))
}

// SendChat sends a chat line stamped with the local display name.
func (m *Manager) SendChat(text string) error {
	return m.sendJSON(LabelChat, ChatMessage{
		SenderName: m.localName,
		Text:       text,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (m *Manager) RaiseHand(raised bool) error {
	return m.sendJSON(LabelControl, ControlMessage{Type: ControlHandRaise, Raised: raised})
}

func (m *Manager) SendMuteStatus(audioMuted, videoMuted bool) error {
	return m.sendJSON(LabelControl, ControlMessage{Type: ControlMuteStatus, AudioMuted: audioMuted, VideoMuted: videoMuted})
}

func (m *Manager) SetWhiteboardOpen(open bool) error {
	return m.sendJSON(LabelControl, ControlMessage{Type: ControlWhiteboardOpen, Open: open})
}

// SendWhiteboard forwards one canvas delta; it must be valid JSON.
func (m *Manager) SendWhiteboard(delta WhiteboardDelta) error {
	if !json.Valid(delta) {
		return fmt.Errorf("whiteboard delta is not valid JSON")
	}
	ch, err := m.channel(LabelWhiteboard)
	if err != nil {
		return err
	}
	return ch.SendText(string(delta))
}

func (m *Manager) dispatch(ch Channel, msg webrtc.DataChannelMessage) {
	m.mu.Lock()
	ok := m.current(ch)
	m.mu.Unlock()
	if !ok {
		return
	}

	switch ch.Label() {
	case LabelChat:
		var c ChatMessage
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			m.logger.Warn("dropping bad chat message", zap.Error(err))
			return
		}
		if m.handlers.OnChat != nil {
			m.handlers.OnChat(c)
		}
	case LabelWhiteboard:
		if !json.Valid(msg.Data) {
			m.logger.Warn("dropping bad whiteboard delta")
			return
		}
		if m.handlers.OnWhiteboard != nil {
			m.handlers.OnWhiteboard(append(WhiteboardDelta(nil), msg.Data...))
		}
	case LabelControl:
		var c ControlMessage
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			m.logger.Warn("dropping bad control message", zap.Error(err))
			return
		}
		m.handleControl(c)
	case LabelFile:
		m.handleFrame(msg.Data)
	}
}

func (m *Manager) handleControl(c ControlMessage) {
	switch c.Type {
	case ControlFileAnnounce:
		m.handleAnnounce(c)
	case ControlFileAck:
		m.finishOutgoing(c.FileID, nil)
	case ControlFileAbort:
		m.remoteAbort(c.FileID, c.Reason)
	case ControlHandRaise, ControlMuteStatus, ControlWhiteboardOpen:
		if m.handlers.OnControl != nil {
			m.handlers.OnControl(c)
		}
	default:
		m.logger.Debug("unknown control message", zap.String("type", string(c.Type)))
	}
}

// Reset forgets the current channels, e.g. when the peer connection is
// replaced. Transfers in flight are aborted locally.
func (m *Manager) Reset(reason string) {
	m.mu.Lock()
	m.channels = make(map[string]Channel)
	m.open = make(map[string]bool)
	m.ready = false
	out := m.outgoing
	in := m.incoming
	m.outgoing = make(map[string]*outgoingTransfer)
	m.incoming = make(map[string]*incomingTransfer)
	m.early = make(map[string]*earlyFile)
	m.earlyLen = 0
	m.finished = make(map[string]time.Time)
	m.mu.Unlock()

	for _, t := range out {
		t.finish(callerr.Wrap("send file", callerr.ErrTransferAborted, reason))
	}
	for _, t := range in {
		t.mu.Lock()
		m.abortIncomingLocked(t, callerr.Wrap("receive file", callerr.ErrTransferAborted, reason))
		t.mu.Unlock()
	}
}
