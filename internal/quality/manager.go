package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/logging"
)

// Sampler reads the outbound statistics of the screen-share sender.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Sender applies encoder settings.
type Sender interface {
	SetBitrate(kbps int) error
	SetScale(factor float64) error
	SetMaxFramerate(fps int) error
}

// Adjustment records one applied decision.
type Adjustment struct {
	At       time.Time
	FromKbps int
	ToKbps   int
	Scale    float64
	MaxFPS   int
	Level    Level
	Reason   string
}

const maxHistory = 20

// Controller runs Decide on a fixed cadence while screen share is active.
type Controller struct {
	cfg     config.QualityConfig
	sampler Sampler
	sender  Sender
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   State
	history []Adjustment
}

// NewController creates an inactive controller.
func NewController(cfg config.QualityConfig, sampler Sampler, sender Sender, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		sampler: sampler,
		sender:  sender,
		logger:  logging.Named(logger, "quality"),
		now:     time.Now,
		state:   State{Scale: 1, MaxFPS: cfg.MaxFPS},
	}
}

// Start activates the controller for a new screen share and applies the
// starting bitrate.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := clampInt(c.cfg.StartKbps, c.cfg.FloorKbps, max(c.cfg.FloorKbps, c.cfg.Cap1080Kbps))
	if err := c.sender.SetBitrate(start); err != nil {
		return err
	}
	c.state = State{Active: true, TargetKbps: start, Scale: 1, MaxFPS: c.cfg.MaxFPS}
	c.logger.Info("quality control started", zap.Int("kbps", start))
	return nil
}

// Stop deactivates the controller. Later samples are ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active {
		c.logger.Info("quality control stopped")
	}
	c.state.Active = false
}

// Active reports whether screen share is being controlled.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active
}

// Run samples every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if _, err := c.step(ctx, at); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("quality step failed", zap.Error(err))
			}
		}
	}
}

// Step takes one sample and applies the resulting decision.
func (c *Controller) Step(ctx context.Context) (Decision, error) {
	return c.step(ctx, c.now())
}

// step decides as of now, the moment the sample was requested. Sampler
// latency must not push the next adjustment back a whole interval.
func (c *Controller) step(ctx context.Context, now time.Time) (Decision, error) {
	if !c.Active() {
		return Decision{Reason: "screen share inactive"}, nil
	}
	s, err := c.sampler.Sample(ctx)
	if err != nil {
		return Decision{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d := Decide(c.cfg, c.state, s, now)
	c.state.Level = d.Level
	if !d.Changed {
		return d, nil
	}

	if d.Scale != c.state.Scale {
		if err := c.sender.SetScale(d.Scale); err != nil {
			return d, err
		}
		c.state.Scale = d.Scale
	}
	if d.MaxFPS != c.state.MaxFPS {
		if err := c.sender.SetMaxFramerate(d.MaxFPS); err != nil {
			return d, err
		}
		c.state.MaxFPS = d.MaxFPS
	}
	from := c.state.TargetKbps
	if d.TargetKbps != from {
		if err := c.sender.SetBitrate(d.TargetKbps); err != nil {
			return d, err
		}
		c.state.TargetKbps = d.TargetKbps
	}
	c.state.LastAdjust = now

	c.history = append(c.history, Adjustment{
		At: now, FromKbps: from, ToKbps: d.TargetKbps, Scale: d.Scale, MaxFPS: d.MaxFPS, Level: d.Level, Reason: d.Reason,
	})
	if len(c.history) > maxHistory {
		c.history = c.history[1:]
	}
	c.logger.Info("quality adjusted",
		zap.Stringer("level", d.Level),
		zap.Int("from_kbps", from),
		zap.Int("to_kbps", d.TargetKbps),
		zap.Float64("scale", d.Scale),
		zap.Int("max_fps", d.MaxFPS),
		zap.String("reason", d.Reason))
	return d, nil
}

// Metrics is a snapshot of the controller for inspection.
type Metrics struct {
	Active         bool         `json:"active"`
	Level          string       `json:"level"`
	TargetKbps     int          `json:"targetKbps"`
	Scale          float64      `json:"scale"`
	MaxFPS         int          `json:"maxFps"`
	LastAdjustment time.Time    `json:"lastAdjustment"`
	History        []Adjustment `json:"history"`
}

func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Active:         c.state.Active,
		Level:          c.state.Level.String(),
		TargetKbps:     c.state.TargetKbps,
		Scale:          c.state.Scale,
		MaxFPS:         c.state.MaxFPS,
		LastAdjustment: c.state.LastAdjust,
		History:        append([]Adjustment(nil), c.history...),
	}
}
