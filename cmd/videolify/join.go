package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/api"
	"github.com/mikeyg42/videolify/internal/datachannel"
	"github.com/mikeyg42/videolify/internal/media/devices"
	"github.com/mikeyg42/videolify/internal/rtcManager"
	"github.com/mikeyg42/videolify/internal/signal"
	"github.com/mikeyg42/videolify/internal/storage"
	"github.com/mikeyg42/videolify/internal/transport"
)

var joinFlags struct {
	server      string
	room        string
	peer        string
	name        string
	user        string
	token       string
	initiator   string
	devices     bool
	shareScreen bool
	fetchICE    bool
	duration    time.Duration
	statusAddr  string
	chat        []string
	sendFile    string
	receiveDir  string
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room as a headless participant",
	Long: `join connects to the relay, waits for the other participant and keeps the
call up until interrupted or --duration elapses. Without --devices it sends
silence and no camera, which is enough to exercise signaling, chat and file
transfer.`,
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinFlags.server, "server", "", "relay websocket URL (default from VIDEOLIFY_SIGNALING_URL)")
	f.StringVar(&joinFlags.room, "room", "", "room id")
	f.StringVar(&joinFlags.peer, "peer", "", "peer id, stable across reloads")
	f.StringVar(&joinFlags.name, "name", "", "display name")
	f.StringVar(&joinFlags.user, "user", "", "marketplace user id")
	f.StringVar(&joinFlags.token, "token", "", "access token for join authorization")
	f.StringVar(&joinFlags.initiator, "initiator", "", "initiator rule: peer-id or join-order")
	f.BoolVar(&joinFlags.devices, "devices", false, "capture the local camera and microphone")
	f.BoolVar(&joinFlags.shareScreen, "share-screen", false, "share the screen once connected (needs --devices)")
	f.BoolVar(&joinFlags.fetchICE, "fetch-ice", true, "ask the relay for STUN/TURN servers")
	f.DurationVar(&joinFlags.duration, "duration", 0, "leave after this long (0 waits for interrupt)")
	f.StringVar(&joinFlags.statusAddr, "status-addr", "", "serve call status and quality samples on this address")
	f.StringArrayVar(&joinFlags.chat, "chat", nil, "chat message to send once the data channels open (repeatable)")
	f.StringVar(&joinFlags.sendFile, "send-file", "", "file to send once the data channels are ready")
	f.StringVar(&joinFlags.receiveDir, "receive-dir", "", "directory for received files")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("peer")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if joinFlags.server != "" {
		cfg.Call.SignalingURL = joinFlags.server
	}
	if joinFlags.initiator != "" {
		cfg.Server.InitiatorRule = joinFlags.initiator
	}
	if joinFlags.receiveDir != "" {
		cfg.Storage.Dir = joinFlags.receiveDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := signal.ValidateID("room", joinFlags.room); err != nil {
		return err
	}
	logger, restore, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer restore()
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()

	sink, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	opts := rtcManager.Options{
		RoomID:        joinFlags.room,
		PeerID:        joinFlags.peer,
		UserID:        joinFlags.user,
		InstanceID:    uuid.NewString(),
		DisplayName:   joinFlags.name,
		HasAudio:      true,
		HasVideo:      joinFlags.devices,
		InitiatorRule: cfg.Server.InitiatorRule,
		Call:          cfg.Call,
		Quality:       cfg.Quality,
		Feedback:      cfg.Feedback,
		Transfer:      cfg.Transfer,
		Sink:          sink,
	}

	apiOpts := rtcManager.APIOptions{PLIInterval: 3 * time.Second}
	if joinFlags.devices {
		capturer, err := devices.NewCapturer(cfg.Quality.StartKbps, 64, logger)
		if err != nil {
			return fmt.Errorf("open capture devices: %w", err)
		}
		apiOpts.RegisterCodecs = capturer.RegisterCodecs
		opts.Devices = capturer
	}
	if opts.API, err = rtcManager.NewAPI(apiOpts); err != nil {
		return err
	}

	opts.ICEServers = rtcManager.ICEServers(cfg.ICE.STUNURLs, nil, "", "")
	if joinFlags.fetchICE {
		servers, err := fetchICEServers(ctx, cfg.Call.SignalingURL, joinFlags.user)
		if err != nil {
			logger.Warn("could not fetch ICE servers, using configured STUN", zap.Error(err))
		} else {
			opts.ICEServers = servers
		}
	}

	sig := transport.New(transport.Options{
		URL:             cfg.Call.SignalingURL,
		Token:           joinFlags.token,
		Attempts:        cfg.Call.ReconnectAttempts,
		InitialInterval: cfg.Call.ReconnectInitial,
		OnReopen:        func() { logger.Info("signaling reconnected") },
	}, logger)

	connected := make(chan string, 1)
	ready := make(chan struct{}, 1)
	handlers := rtcManager.Handlers{
		OnPeerJoined: func(p signal.PeerJoinedPayload) {
			logger.Info("peer joined", zap.String("peer", p.PeerID), zap.String("name", p.PeerName))
		},
		OnPeerLeft: func(peerID string) {
			logger.Info("peer left", zap.String("peer", peerID))
		},
		OnPeerStatus: func(peerID string, st signal.PeerStatusPayload) {
			logger.Info("peer status", zap.String("peer", peerID), zap.Any("status", st))
		},
		OnConnected: func(peerID string) {
			logger.Info("media connected", zap.String("peer", peerID))
			select {
			case connected <- peerID:
			default:
			}
		},
		OnFileInfo: func(peerID string, info signal.FileInfoPayload) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is sending %s (%d bytes)\n", peerID, info.Name, info.Size)
		},
		OnTerminal: func(err error) {
			if err != nil {
				logger.Error("call ended", zap.Error(err))
			}
		},
		Data: datachannel.Handlers{
			OnReady: func() {
				select {
				case ready <- struct{}{}:
				default:
				}
			},
			OnChat: func(m datachannel.ChatMessage) {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.Time().Format("15:04:05"), m.SenderName, m.Text)
			},
			OnControl: func(m datachannel.ControlMessage) {
				logger.Info("control", zap.String("type", string(m.Type)))
			},
			OnTransfer: func(e datachannel.TransferEvent) { logTransfer(logger, e) },
		},
	}

	call, err := rtcManager.New(opts, sig, handlers, logger)
	if err != nil {
		return err
	}
	if err := call.Join(ctx); err != nil {
		return err
	}

	if joinFlags.statusAddr != "" {
		stop := serveStatus(joinFlags.statusAddr, call, logger)
		defer stop()
	}

	var deadline <-chan time.Time
	if joinFlags.duration > 0 {
		timer := time.NewTimer(joinFlags.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for running := true; running; {
		select {
		case <-connected:
			connected = nil
			if joinFlags.shareScreen {
				if err := call.StartScreenShare(); err != nil {
					logger.Warn("screen share failed", zap.Error(err))
				}
			}
		case <-ready:
			ready = nil
			for _, text := range joinFlags.chat {
				if err := call.SendChat(text); err != nil {
					logger.Warn("chat not sent", zap.Error(err))
				}
			}
			if joinFlags.sendFile != "" {
				go sendFile(ctx, call.Data(), joinFlags.sendFile, logger)
			}
		case <-deadline:
			running = false
		case <-ctx.Done():
			running = false
		case <-call.Done():
			running = false
		}
	}

	_ = call.Leave()

	renderSummary(cmd.OutOrStdout(), call.Status(), call.Samples().Summary())
	return call.Err()
}

func logTransfer(logger *zap.Logger, e datachannel.TransferEvent) {
	fields := []zap.Field{
		zap.String("file", e.Info.Name),
		zap.Int64("size", e.Info.Size),
		zap.Bool("sending", e.Direction == datachannel.Sending),
	}
	switch e.State {
	case datachannel.TransferProgress:
		logger.Debug("transfer progress", append(fields, zap.Float64("progress", e.Progress()))...)
	case datachannel.TransferComplete:
		logger.Info("transfer complete", fields...)
	case datachannel.TransferAbortedState:
		logger.Warn("transfer aborted", append(fields, zap.Error(e.Err))...)
	}
}

func sendFile(ctx context.Context, data *datachannel.Manager, path string, logger *zap.Logger) {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("open file", zap.Error(err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		logger.Error("stat file", zap.Error(err))
		return
	}
	if _, err := data.SendFile(ctx, filepath.Base(path), info.Size(), f); err != nil {
		logger.Error("send file", zap.String("file", path), zap.Error(err))
	}
}

// serveStatus exposes the call's status endpoints and returns a stop func.
func serveStatus(addr string, call api.CallProvider, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	api.NewQualityHandler(call).RegisterRoutes(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server", zap.Error(err))
		}
	}()
	logger.Info("status server listening", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// httpBase maps the relay's websocket URL onto its HTTP origin.
func httpBase(signalingURL string) (*url.URL, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

type iceServersBody struct {
	ICEServers []api.ICEServer `json:"iceServers"`
}

func fetchICEServers(ctx context.Context, signalingURL, userID string) ([]webrtc.ICEServer, error) {
	base, err := httpBase(signalingURL)
	if err != nil {
		return nil, err
	}
	endpoint := base.JoinPath("/api/ice-servers")
	if userID != "" {
		endpoint.RawQuery = url.Values{"user": {userID}}.Encode()
	}
	var body iceServersBody
	if err := getJSON(ctx, endpoint.String(), nil, &body); err != nil {
		return nil, err
	}
	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func getJSON(ctx context.Context, endpoint string, header http.Header, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", endpoint, resp.Status, msg)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// renderSummary prints the end-of-call report.
func renderSummary(w io.Writer, st rtcManager.Status, sum rtcManager.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("call %s as %s", st.RoomID, st.PeerID)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"remote peer", orDash(st.RemotePeerID)})
	t.AppendRow(table.Row{"negotiation", st.Negotiation})
	t.AppendRow(table.Row{"mitigation", orDash(st.Mitigation)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"samples", sum.Samples})
	if sum.Samples > 0 {
		t.AppendRow(table.Row{"window", sum.To.Sub(sum.From).Round(time.Second)})
		t.AppendRow(table.Row{"avg bitrate", fmt.Sprintf("%d kbps", sum.AvgKbps)})
		t.AppendRow(table.Row{"loss avg/max", fmt.Sprintf("%.1f%% / %.1f%%", sum.AvgLoss*100, sum.MaxLoss*100)})
		t.AppendRow(table.Row{"rtt avg/max", fmt.Sprintf("%s / %s", sum.AvgRTT.Round(time.Millisecond), sum.MaxRTT.Round(time.Millisecond))})
		t.AppendRow(table.Row{"avg fps", fmt.Sprintf("%.1f", sum.AvgFPS)})
		t.AppendRow(table.Row{"cpu limited", sum.CPULimited})
		if sum.PeakCapture.Width > 0 {
			t.AppendRow(table.Row{"peak capture", fmt.Sprintf("%dx%d", sum.PeakCapture.Width, sum.PeakCapture.Height)})
		}
	}
	for _, warning := range st.Warnings {
		t.AppendRow(table.Row{"warning", warning})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
