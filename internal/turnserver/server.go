// Package turnserver runs the relay used when two peers cannot reach each
// other directly. Clients authenticate with short-lived credentials derived
// from a shared secret, so the signaling service can hand them out without
// keeping any per-user state.
package turnserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/logging"
)

var (
	errRunning    = errors.New("turn server already running")
	errNoSecret   = errors.New("turn secret is empty")
	errNotStarted = errors.New("turn server not started")
)

// Options configures a Server.
type Options struct {
	Port     int // 0 picks a free port
	Realm    string
	PublicIP string // address advertised in relay candidates
	ListenIP string // defaults to 0.0.0.0
	Secret   string
	Threads  int // UDP listeners sharing the port via SO_REUSEPORT
	MinPort  uint16
	MaxPort  uint16
}

// FromConfig maps the TURN config section to Options.
func FromConfig(cfg config.TURNConfig) Options {
	return Options{
		Port:     cfg.Port,
		Realm:    cfg.Realm,
		PublicIP: cfg.PublicIP,
		Secret:   cfg.Secret,
		Threads:  cfg.Threads,
	}
}

func (o *Options) setDefaults() {
	if o.ListenIP == "" {
		o.ListenIP = "0.0.0.0"
	}
	if o.PublicIP == "" {
		o.PublicIP = "127.0.0.1"
	}
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.MinPort == 0 {
		o.MinPort = 49152
	}
	if o.MaxPort == 0 {
		o.MaxPort = 65535
	}
}

// Stats is a point-in-time view of the server.
type Stats struct {
	ActiveAllocations int           `json:"activeAllocations"`
	Uptime            time.Duration `json:"uptime"`
	State             string        `json:"state"`
	Rejected          uint64        `json:"rejected"`
}

type Server struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	server   *turn.Server
	addr     net.Addr
	started  time.Time
	rejected uint64
}

func New(opts Options, logger *zap.Logger) *Server {
	opts.setDefaults()
	return &Server{opts: opts, logger: logging.Named(logger, "turn"), now: time.Now}
}

// Start opens the listeners and begins serving allocations.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errRunning
	}
	if s.opts.Secret == "" {
		return errNoSecret
	}

	relay := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.opts.PublicIP),
		Address:      s.opts.ListenIP,
		MinPort:      s.opts.MinPort,
		MaxPort:      s.opts.MaxPort,
	}
	if err := relay.Validate(); err != nil {
		return fmt.Errorf("relay address generator: %w", err)
	}

	// Every listener binds the same address; the kernel balances packets
	// across them by 5-tuple.
	lc := &net.ListenConfig{
		Control: func(_, _ string, conn syscall.RawConn) error {
			var opErr error
			if err := conn.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}

	address := net.JoinHostPort(s.opts.ListenIP, strconv.Itoa(s.opts.Port))
	var conns []turn.PacketConnConfig
	closeAll := func() {
		for _, c := range conns {
			c.PacketConn.Close()
		}
	}
	for i := 0; i < s.opts.Threads; i++ {
		conn, err := lc.ListenPacket(ctx, "udp4", address)
		if err != nil {
			closeAll()
			return fmt.Errorf("listen %s: %w", address, err)
		}
		if i == 0 {
			// Port 0 resolves on the first bind; the rest share it.
			address = conn.LocalAddr().String()
			s.addr = conn.LocalAddr()
		}
		conns = append(conns, turn.PacketConnConfig{PacketConn: conn, RelayAddressGenerator: relay})
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		Realm:             s.opts.Realm,
		AuthHandler:       s.authenticate,
		PacketConnConfigs: conns,
	})
	if err != nil {
		closeAll()
		return fmt.Errorf("create turn server: %w", err)
	}
	s.server = srv
	s.started = s.now()
	s.logger.Info("turn server listening",
		zap.String("addr", address),
		zap.String("relay", s.opts.PublicIP),
		zap.Int("threads", s.opts.Threads))
	return nil
}

// Stop closes the server. It is safe to call when not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.logger.Info("turn server stopped")
	return err
}

// Addr is the bound UDP address once started.
func (s *Server) Addr() (net.Addr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return nil, errNotStarted
	}
	return s.addr, nil
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{State: "stopped", Rejected: s.rejected}
	if s.server == nil {
		return st
	}
	st.Uptime = s.now().Sub(s.started)
	st.ActiveAllocations = s.server.AllocationCount()
	st.State = "idle"
	if st.ActiveAllocations > 0 {
		st.State = "active"
	}
	return st
}

// Credentials issues a username and password valid for ttl.
func (s *Server) Credentials(userID string, ttl time.Duration) (username, password string) {
	return Credentials(s.opts.Secret, userID, ttl, s.now())
}

func (s *Server) authenticate(username, realm string, src net.Addr) ([]byte, bool) {
	password, err := Verify(s.opts.Secret, username, s.now())
	if err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		s.logger.Debug("turn auth rejected", zap.String("username", username), zap.Stringer("src", src), zap.Error(err))
		return nil, false
	}
	return turn.GenerateAuthKey(username, realm, password), true
}
