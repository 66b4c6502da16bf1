package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Initiator rules for deciding which peer creates the first offer.
const (
	InitiatorByPeerID    = "peer-id"
	InitiatorByJoinOrder = "join-order"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Call     CallConfig
	Quality  QualityConfig
	Feedback FeedbackConfig
	Transfer TransferConfig
	ICE      ICEConfig
	TURN     TURNConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Logging  LoggingConfig
}

// ServerConfig configures the signaling relay and HTTP API.
type ServerConfig struct {
	Addr             string
	HeartbeatTimeout time.Duration // connection is treated as gone after this much silence
	WriteWait        time.Duration
	MaxMessageSize   int64
	MessageRate      float64 // envelopes per second per connection
	MessageBurst     int
	AllowedOrigins   []string
	InitiatorRule    string
	APIRateLimit     int // requests per APIRateWindow per IP
	APIRateWindow    time.Duration
	AdminToken       string
}

// PingPeriod is how often the relay pings websocket clients. Must be less
// than HeartbeatTimeout.
func (s ServerConfig) PingPeriod() time.Duration {
	return (s.HeartbeatTimeout * 9) / 10
}

// CallConfig configures the client side of a call.
type CallConfig struct {
	SignalingURL       string
	NegotiationTimeout time.Duration
	ICERestartBudget   int
	DisconnectGrace    time.Duration // wait this long in ICE disconnected before restarting
	PeerLeftHold       time.Duration // keep a connected pair this long after peer-left
	ReconnectAttempts  int           // dial failures before SignalingUnavailable
	ReconnectInitial   time.Duration
}

// QualityConfig tunes the screen-share quality controller.
type QualityConfig struct {
	Interval     time.Duration
	FloorKbps    int
	Cap1080Kbps  int // cap when the negotiated resolution is 1080p or above
	CapLowKbps   int
	StartKbps    int
	HighLoss     float64
	LowLoss      float64
	HighRTT      time.Duration
	StepFraction float64
	MaxWidth     int
	MaxHeight    int
	MinFPS       int
	MaxFPS       int
}

// FeedbackConfig tunes the feedback-loop guard.
type FeedbackConfig struct {
	Interval    time.Duration
	FPSFloor    float64
	MaxCount    int
	Level1      int
	Level2      int
	Level3      int
	ReducedFPS  int
	ReducedKbps int
}

// TransferConfig configures chunked file transfer.
type TransferConfig struct {
	ChunkSize  int
	HighWater  uint64
	LowWater   uint64
	AckTimeout time.Duration
	ReceiveDir string
}

// ICEConfig lists the ICE servers handed to clients.
type ICEConfig struct {
	STUNURLs []string
	TURNURLs []string
}

// TURNConfig configures the embedded TURN relay.
type TURNConfig struct {
	Enabled       bool
	Port          int
	Realm         string
	PublicIP      string
	Secret        string
	Threads       int
	CredentialTTL time.Duration
}

// AuthConfig points at the marketplace's join-authorization service.
type AuthConfig struct {
	AuthorizeURL string
	LeaveURL     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// DatabaseConfig configures the attendance store.
type DatabaseConfig struct {
	Driver          string // "postgres", "sqlite" or "" for none
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	Path            string // sqlite file
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the driver-specific connection string.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	case "sqlite":
		return d.Path
	default:
		return ""
	}
}

// StorageConfig selects where received files are written.
type StorageConfig struct {
	Kind  string // "disk" or "minio"
	Dir   string
	MinIO MinIOConfig
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	MaxRetries      int
}

type LoggingConfig struct {
	Level       string
	Development bool
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			HeartbeatTimeout: 30 * time.Second,
			WriteWait:        10 * time.Second,
			MaxMessageSize:   64 * 1024, // SDP with many candidates fits comfortably
			MessageRate:      50,
			MessageBurst:     100,
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:8080",
			},
			InitiatorRule: InitiatorByPeerID,
			APIRateLimit:  60,
			APIRateWindow: time.Minute,
		},
		Call: CallConfig{
			SignalingURL:       "ws://localhost:8080/signal/ws",
			NegotiationTimeout: 25 * time.Second,
			ICERestartBudget:   3,
			DisconnectGrace:    5 * time.Second,
			PeerLeftHold:       10 * time.Second,
			ReconnectAttempts:  6,
			ReconnectInitial:   500 * time.Millisecond,
		},
		Quality: QualityConfig{
			Interval:     3 * time.Second,
			FloorKbps:    300,
			Cap1080Kbps:  5000,
			CapLowKbps:   3000,
			StartKbps:    2500,
			HighLoss:     0.05,
			LowLoss:      0.01,
			HighRTT:      300 * time.Millisecond,
			StepFraction: 0.20,
			MaxWidth:     1920,
			MaxHeight:    1080,
			MinFPS:       15,
			MaxFPS:       30,
		},
		Feedback: FeedbackConfig{
			Interval:    3 * time.Second,
			FPSFloor:    15,
			MaxCount:    9,
			Level1:      3,
			Level2:      6,
			Level3:      9,
			ReducedFPS:  10,
			ReducedKbps: 800,
		},
		Transfer: TransferConfig{
			ChunkSize:  16 * 1024,
			HighWater:  1 << 20,
			LowWater:   256 * 1024,
			AckTimeout: 30 * time.Second,
			ReceiveDir: "received",
		},
		ICE: ICEConfig{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		TURN: TURNConfig{
			Port:          3478,
			Realm:         "videolify",
			PublicIP:      "127.0.0.1",
			Threads:       2,
			CredentialTTL: 12 * time.Hour,
		},
		Auth: AuthConfig{
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "require",
			Path:            "videolify.db",
			MaxConnections:  10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Kind: "disk",
			Dir:  "received",
			MinIO: MinIOConfig{
				Bucket:     "videolify-files",
				MaxRetries: 3,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load returns the defaults with VIDEOLIFY_* environment overrides applied.
// Command-line flags are applied by the caller on top of the result.
func Load() (*Config, error) {
	cfg := NewDefaultConfig()
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("VIDEOLIFY_ADDR", &cfg.Server.Addr)
	e.duration("VIDEOLIFY_HEARTBEAT_TIMEOUT", &cfg.Server.HeartbeatTimeout)
	e.list("VIDEOLIFY_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	e.str("VIDEOLIFY_INITIATOR_RULE", &cfg.Server.InitiatorRule)
	e.str("VIDEOLIFY_ADMIN_TOKEN", &cfg.Server.AdminToken)

	e.str("VIDEOLIFY_SIGNALING_URL", &cfg.Call.SignalingURL)
	e.duration("VIDEOLIFY_NEGOTIATION_TIMEOUT", &cfg.Call.NegotiationTimeout)
	e.integer("VIDEOLIFY_ICE_RESTART_BUDGET", &cfg.Call.ICERestartBudget)

	e.list("VIDEOLIFY_STUN_URLS", &cfg.ICE.STUNURLs)
	e.list("VIDEOLIFY_TURN_URLS", &cfg.ICE.TURNURLs)

	e.boolean("VIDEOLIFY_TURN_ENABLED", &cfg.TURN.Enabled)
	e.integer("VIDEOLIFY_TURN_PORT", &cfg.TURN.Port)
	e.str("VIDEOLIFY_TURN_REALM", &cfg.TURN.Realm)
	e.str("VIDEOLIFY_TURN_PUBLIC_IP", &cfg.TURN.PublicIP)
	e.str("VIDEOLIFY_TURN_SECRET", &cfg.TURN.Secret)

	e.str("VIDEOLIFY_AUTH_AUTHORIZE_URL", &cfg.Auth.AuthorizeURL)
	e.str("VIDEOLIFY_AUTH_LEAVE_URL", &cfg.Auth.LeaveURL)
	e.str("VIDEOLIFY_AUTH_TOKEN_URL", &cfg.Auth.TokenURL)
	e.str("VIDEOLIFY_AUTH_CLIENT_ID", &cfg.Auth.ClientID)
	e.str("VIDEOLIFY_AUTH_CLIENT_SECRET", &cfg.Auth.ClientSecret)

	e.str("VIDEOLIFY_DB_DRIVER", &cfg.Database.Driver)
	e.str("VIDEOLIFY_DB_HOST", &cfg.Database.Host)
	e.integer("VIDEOLIFY_DB_PORT", &cfg.Database.Port)
	e.str("VIDEOLIFY_DB_NAME", &cfg.Database.Name)
	e.str("VIDEOLIFY_DB_USER", &cfg.Database.User)
	e.str("VIDEOLIFY_DB_PASSWORD", &cfg.Database.Password)
	e.str("VIDEOLIFY_DB_SSLMODE", &cfg.Database.SSLMode)
	e.str("VIDEOLIFY_DB_PATH", &cfg.Database.Path)

	e.str("VIDEOLIFY_STORAGE", &cfg.Storage.Kind)
	e.str("VIDEOLIFY_STORAGE_DIR", &cfg.Storage.Dir)
	e.str("VIDEOLIFY_MINIO_ENDPOINT", &cfg.Storage.MinIO.Endpoint)
	e.str("VIDEOLIFY_MINIO_ACCESS_KEY", &cfg.Storage.MinIO.AccessKeyID)
	e.str("VIDEOLIFY_MINIO_SECRET_KEY", &cfg.Storage.MinIO.SecretAccessKey)
	e.str("VIDEOLIFY_MINIO_BUCKET", &cfg.Storage.MinIO.Bucket)
	e.boolean("VIDEOLIFY_MINIO_SSL", &cfg.Storage.MinIO.UseSSL)

	e.str("VIDEOLIFY_LOG_LEVEL", &cfg.Logging.Level)
	e.boolean("VIDEOLIFY_LOG_DEV", &cfg.Logging.Development)

	return e.err
}

// envReader records the first malformed value and ignores the rest.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
