package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Validator accumulates configuration problems so they can be reported together.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate delegates to per-section validators.
func (c *Config) Validate() error {
	v := &Validator{}

	validateServer(v, &c.Server)
	validateCall(v, &c.Call)
	validateQuality(v, &c.Quality)
	validateFeedback(v, &c.Feedback)
	validateTransfer(v, &c.Transfer)
	validateTURN(v, &c.TURN)
	validateDatabase(v, &c.Database)
	validateStorage(v, &c.Storage)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateServer(v *Validator, s *ServerConfig) {
	if _, port, err := net.SplitHostPort(s.Addr); err != nil {
		v.AddError("server address must be host:port: %v", err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		v.AddError("invalid port in server address: %s", port)
	}
	if s.HeartbeatTimeout <= 0 {
		v.AddError("heartbeat timeout must be positive")
	}
	if s.MessageRate <= 0 || s.MessageBurst <= 0 {
		v.AddError("message rate and burst must be positive")
	}
	switch s.InitiatorRule {
	case InitiatorByPeerID, InitiatorByJoinOrder:
	default:
		v.AddError("invalid initiator rule: %s (must be %q or %q)", s.InitiatorRule, InitiatorByPeerID, InitiatorByJoinOrder)
	}
}

func validateCall(v *Validator, c *CallConfig) {
	if c.SignalingURL != "" {
		u, err := url.Parse(c.SignalingURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			v.AddError("signaling URL must be ws:// or wss://: %s", c.SignalingURL)
		}
	}
	if c.NegotiationTimeout <= 0 {
		v.AddError("negotiation timeout must be positive")
	}
	if c.ICERestartBudget < 0 {
		v.AddError("ICE restart budget cannot be negative")
	}
	if c.ReconnectAttempts < 1 {
		v.AddError("reconnect attempts must be at least 1")
	}
}

func validateQuality(v *Validator, q *QualityConfig) {
	if q.Interval <= 0 {
		v.AddError("quality interval must be positive")
	}
	if q.FloorKbps <= 0 {
		v.AddError("quality floor must be positive")
	}
	if q.CapLowKbps < q.FloorKbps || q.Cap1080Kbps < q.FloorKbps {
		v.AddError("bitrate caps (%d/%d kbps) must not be below the floor (%d kbps)", q.Cap1080Kbps, q.CapLowKbps, q.FloorKbps)
	}
	if q.LowLoss < 0 || q.HighLoss > 1 || q.LowLoss >= q.HighLoss {
		v.AddError("loss thresholds must satisfy 0 <= low < high <= 1")
	}
	if q.StepFraction <= 0 || q.StepFraction >= 1 {
		v.AddError("quality step must be in (0, 1)")
	}
	if q.MinFPS <= 0 || q.MaxFPS < q.MinFPS {
		v.AddError("invalid frame-rate range %d-%d", q.MinFPS, q.MaxFPS)
	}
}

func validateFeedback(v *Validator, f *FeedbackConfig) {
	if f.Interval <= 0 {
		v.AddError("feedback interval must be positive")
	}
	if !(0 < f.Level1 && f.Level1 <= f.Level2 && f.Level2 <= f.Level3 && f.Level3 <= f.MaxCount) {
		v.AddError("feedback thresholds must satisfy 0 < level1 <= level2 <= level3 <= max")
	}
}

func validateTransfer(v *Validator, t *TransferConfig) {
	if t.ChunkSize <= 0 || t.ChunkSize > 64*1024 {
		v.AddError("chunk size must be in 1..65536 bytes")
	}
	if t.LowWater >= t.HighWater {
		v.AddError("transfer low-water mark must be below the high-water mark")
	}
}

func validateTURN(v *Validator, t *TURNConfig) {
	if !t.Enabled {
		return
	}
	if t.Port < 1 || t.Port > 65535 {
		v.AddError("invalid TURN port: %d", t.Port)
	}
	if net.ParseIP(t.PublicIP) == nil {
		v.AddError("invalid TURN public IP: %s", t.PublicIP)
	}
	if len(t.Secret) < 16 {
		v.AddError("TURN secret must be at least 16 characters")
	}
	if t.Threads < 1 {
		v.AddError("TURN listener threads must be at least 1")
	}
}

func validateDatabase(v *Validator, d *DatabaseConfig) {
	switch d.Driver {
	case "":
	case "postgres":
		if d.Host == "" || d.Name == "" {
			v.AddError("postgres host and database name are required")
		}
	case "sqlite":
		if d.Path == "" {
			v.AddError("sqlite path is required")
		}
	default:
		v.AddError("invalid database driver: %s (must be 'postgres', 'sqlite' or empty)", d.Driver)
	}
}

func validateStorage(v *Validator, s *StorageConfig) {
	switch s.Kind {
	case "disk":
		if s.Dir == "" {
			v.AddError("storage dir is required for disk storage")
		}
	case "minio":
		if s.MinIO.Endpoint == "" || s.MinIO.Bucket == "" {
			v.AddError("minio endpoint and bucket are required for minio storage")
		}
	default:
		v.AddError("invalid storage kind: %s (must be 'disk' or 'minio')", s.Kind)
	}
}
